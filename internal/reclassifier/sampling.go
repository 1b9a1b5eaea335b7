package reclassifier

import (
	"hash/fnv"
	"math"
	"math/rand"
	"sort"
	"time"
)

// SeedForEvent derives a deterministic sampling seed from an event id, so
// repeated reclassification runs against the same clip produce the same
// frame indices.
func SeedForEvent(externalEventID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(externalEventID))
	return int64(h.Sum64()) // #nosec G115 -- truncation is fine, only used as an rng seed
}

// SampleFrameIndices picks up to maxFrames distinct timestamps within
// [0, duration), weighted by a normal distribution centered on the clip's
// midpoint (the portion of a clip most likely to contain the subject,
// rather than the NVR's pre/post-roll padding). The same (duration,
// maxFrames, seed) always yields the same timestamps, sorted ascending.
func SampleFrameIndices(duration time.Duration, maxFrames int, seed int64) []time.Duration {
	if duration <= 0 || maxFrames <= 0 {
		return nil
	}

	total := duration.Seconds()
	mean := total / 2
	stddev := total / 4
	if stddev <= 0 {
		stddev = total
	}

	rng := rand.New(rand.NewSource(seed)) // #nosec G404 -- reproducibility required, not security sensitive

	seen := make(map[int64]bool)
	var out []time.Duration

	// Bounded attempts: each draw either lands on a new frame or is
	// discarded as a duplicate/out-of-range; maxFrames*32 comfortably
	// covers the case where most of the distribution's mass collapses
	// onto a handful of millisecond buckets for very short clips.
	for attempts := 0; attempts < maxFrames*32 && len(out) < maxFrames; attempts++ {
		sample := rng.NormFloat64()*stddev + mean
		if sample < 0 {
			sample = 0
		}
		if sample >= total {
			sample = math.Nextafter(total, 0)
		}
		key := int64(sample * 1000) // millisecond bucket for dedup
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, time.Duration(sample*float64(time.Second)))
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
