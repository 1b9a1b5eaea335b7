package classifier

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLetterboxPreservesAspectAndPads(t *testing.T) {
	// 200x100 source into a 100x100 target must scale to 100x50 and pad
	// 25px above and below with black.
	src := encodePNG(t, 200, 100, color.White)
	tensor, err := letterbox(src, 100, 100, DefaultNormalization)
	require.NoError(t, err)
	require.Len(t, tensor, 100*100*3)

	// Top-left corner pixel is in the padding region, must be black.
	padBase := (0*100 + 0) * 3
	require.InDelta(t, 0, tensor[padBase], 0.001)

	// Center pixel falls inside the scaled image, must be white (~1.0).
	centerBase := (50*100 + 50) * 3
	require.InDelta(t, 1.0, tensor[centerBase], 0.05)
}

func TestLetterboxRejectsGarbageInput(t *testing.T) {
	_, err := letterbox([]byte("not an image"), 64, 64, DefaultNormalization)
	require.Error(t, err)
}

func TestSoftVoteArgmax(t *testing.T) {
	perFrame := []FrameResult{
		{Labels: []Label{{Name: "House Sparrow", Score: 0.9}, {Name: "Blue Tit", Score: 0.1}}},
		{Labels: []Label{{Name: "House Sparrow", Score: 0.7}, {Name: "Blue Tit", Score: 0.3}}},
	}
	agg := SoftVote(perFrame)
	require.Equal(t, "House Sparrow", agg.Label)
	require.InDelta(t, 0.8, agg.Score, 0.001)
}

func TestSoftVoteTiebreakIsLexicographic(t *testing.T) {
	perFrame := []FrameResult{
		{Labels: []Label{{Name: "Zebra Finch", Score: 0.5}, {Name: "American Robin", Score: 0.5}}},
	}
	agg := SoftVote(perFrame)
	require.Equal(t, "American Robin", agg.Label)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := newWorkerPool(2)
	defer pool.close()

	var active, maxActive atomic.Int32
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		err := pool.submit(context.Background(), func() {
			n := active.Add(1)
			for {
				prev := maxActive.Load()
				if n <= prev || maxActive.CompareAndSwap(prev, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			done <- struct{}{}
		})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	require.LessOrEqual(t, maxActive.Load(), int32(2))
}

func TestWorkerPoolSubmitRespectsContextCancellation(t *testing.T) {
	pool := newWorkerPool(1)
	defer pool.close()

	block := make(chan struct{})
	require.NoError(t, pool.submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.submit(ctx, func() {})
	require.Error(t, err)
	close(block)
}
