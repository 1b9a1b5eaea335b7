package taxonomy

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/corvidio/sentinel/internal/ebird"
)

func testProvider(t *testing.T) Provider {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	client, err := ebird.NewClient(ebird.Config{APIKey: "test-key", RateLimitMS: 1}, nil)
	require.NoError(t, err)
	return New(client, 0)
}

func TestLookupReturnsTaxonomyEntry(t *testing.T) {
	p := testProvider(t)
	httpmock.RegisterResponder(http.MethodGet, "https://api.ebird.org/v2/ref/taxonomy/ebird?fmt=json",
		httpmock.NewJsonResponderOrPanic(200, []ebird.TaxonomyEntry{
			{ScientificName: "Turdus migratorius", CommonName: "American Robin", SpeciesCode: "amerob"},
		}))

	entry, err := p.Lookup(context.Background(), "Turdus migratorius")
	require.NoError(t, err)
	require.Equal(t, "American Robin", entry.CommonName)
	require.Equal(t, "amerob", entry.TaxaID)
}

func TestLookupCachesResult(t *testing.T) {
	p := testProvider(t)
	httpmock.RegisterResponder(http.MethodGet, "https://api.ebird.org/v2/ref/taxonomy/ebird?fmt=json",
		httpmock.NewJsonResponderOrPanic(200, []ebird.TaxonomyEntry{
			{ScientificName: "Cyanocitta cristata", CommonName: "Blue Jay", SpeciesCode: "blujay"},
		}))

	_, err := p.Lookup(context.Background(), "Cyanocitta cristata")
	require.NoError(t, err)

	httpmock.Reset() // no responder registered now; a cache hit must not need one
	entry, err := p.Lookup(context.Background(), "Cyanocitta cristata")
	require.NoError(t, err)
	require.Equal(t, "Blue Jay", entry.CommonName)
}

func TestLookupNotFound(t *testing.T) {
	p := testProvider(t)
	httpmock.RegisterResponder(http.MethodGet, "https://api.ebird.org/v2/ref/taxonomy/ebird?fmt=json",
		httpmock.NewJsonResponderOrPanic(200, []ebird.TaxonomyEntry{}))

	_, err := p.Lookup(context.Background(), "Nonexistent species")
	require.Error(t, err)
}
