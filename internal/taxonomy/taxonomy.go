// Package taxonomy is the Enrichment Interfaces (C5) taxonomy facade: given
// a scientific name (matched case-insensitively; common names are not
// matched) it returns the canonical taxonomy entry,
// backed by the eBird client and an in-process TTL cache so repeated
// lookups for the same species within a short window never hit the
// network. Enrichment is best-effort -- the Detection Processor treats any
// error here as "leave the taxonomy fields null".
package taxonomy

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/detectionstore"
	"github.com/corvidio/sentinel/internal/ebird"
)

// Provider looks up taxonomy for a species name.
type Provider interface {
	Lookup(ctx context.Context, scientificOrCommonName string) (detectionstore.TaxonomyEntry, error)
}

type ebirdProvider struct {
	client *ebird.Client
	cache  *gocache.Cache
}

// New builds a Provider backed by client, caching results for ttl.
func New(client *ebird.Client, ttl time.Duration) Provider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ebirdProvider{client: client, cache: gocache.New(ttl, 2*ttl)}
}

func (p *ebirdProvider) Lookup(ctx context.Context, name string) (detectionstore.TaxonomyEntry, error) {
	if cached, ok := p.cache.Get(name); ok {
		return cached.(detectionstore.TaxonomyEntry), nil
	}

	entry, err := p.client.FindByScientificName(ctx, name)
	if err != nil {
		return detectionstore.TaxonomyEntry{}, apperr.New(err).Component("taxonomy").AsKind(apperr.Of(err)).Build()
	}

	out := detectionstore.TaxonomyEntry{
		ScientificName: entry.ScientificName,
		CommonName:     entry.CommonName,
		TaxaID:         entry.SpeciesCode,
		UpdatedAt:      time.Now(),
	}
	p.cache.SetDefault(name, out)
	return out, nil
}
