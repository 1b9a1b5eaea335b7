package frigate

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/corvidio/sentinel/internal/httpclient"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	hc := httpclient.New(nil)
	httpmock.ActivateNonDefault(hc.Underlying())
	t.Cleanup(httpmock.DeactivateAndReset)
	return New(Config{BaseURL: "http://frigate.local"}, hc)
}

func TestFetchSnapshotSuccess(t *testing.T) {
	c := testClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://frigate.local/api/events/evt-1/snapshot.jpg?crop=1&quality=95",
		httpmock.NewBytesResponder(200, []byte("jpeg-bytes")))

	data, err := c.FetchSnapshot(context.Background(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(data))
}

func TestFetchSnapshotEmptyBodyIsError(t *testing.T) {
	c := testClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://frigate.local/api/events/evt-1/snapshot.jpg?crop=1&quality=95",
		httpmock.NewBytesResponder(200, []byte{}))

	_, err := c.FetchSnapshot(context.Background(), "evt-1")
	require.Error(t, err)
}

func TestHasClip(t *testing.T) {
	c := testClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://frigate.local/api/events/evt-1",
		httpmock.NewJsonResponderOrPanic(200, map[string]any{"has_clip": true}))

	has, err := c.HasClip(context.Background(), "evt-1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestStreamClipPropagatesRangeHeader(t *testing.T) {
	c := testClient(t)
	httpmock.RegisterResponder(http.MethodGet, "http://frigate.local/api/events/evt-1/clip.mp4",
		func(req *http.Request) (*http.Response, error) {
			require.Equal(t, "bytes=0-99", req.Header.Get("Range"))
			return httpmock.NewBytesResponse(206, []byte("partial")), nil
		})

	resp, err := c.StreamClip(context.Background(), "evt-1", "bytes=0-99")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 206, resp.StatusCode)
}
