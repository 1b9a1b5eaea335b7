// Package mediacache is the Media Cache (C2): an on-disk, content-addressed
// store of snapshot and clip bytes keyed by (external event id, kind), with
// atomic writes and size/retention-based eviction.
package mediacache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/corvidio/sentinel/internal/metrics"
)

// Kind identifies the media type stored for an event.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindClip     Kind = "clip"
	KindVTT      Kind = "vtt"
	KindSprite   Kind = "vtt_sprite"
)

var extByKind = map[Kind]string{
	KindSnapshot: ".jpg",
	KindClip:     ".mp4",
	KindVTT:      ".vtt",
	KindSprite:   ".jpg",
}

// Entry is one cached media object's metadata.
type Entry struct {
	ExternalEventID string
	Kind            Kind
	Path            string
	Size            int64
	CreatedAt       time.Time
	LastAccessAt    time.Time
}

func (e Entry) key() string { return cacheKey(e.ExternalEventID, e.Kind) }

func cacheKey(externalEventID string, kind Kind) string { return string(kind) + ":" + externalEventID }

// Cache is a directory of media files indexed in memory for eviction
// decisions. All mutating operations are serialized by mu; reads of an
// already-resolved Path happen outside the lock since the underlying file
// is never mutated in place.
type Cache struct {
	baseDir       string
	maxBytes      int64
	retentionDays int
	clipsEnabled  bool
	logger        *slog.Logger
	metrics       metrics.Recorder

	mu    sync.Mutex
	index map[string]*Entry
}

// Config configures a Cache.
type Config struct {
	BaseDir       string
	MaxBytes      int64
	RetentionDays int
	ClipsEnabled  bool

	// Metrics receives the mediacache_bytes gauge after every Sweep and a
	// media_cache_sweep success count after each completed one; nil
	// discards them.
	Metrics metrics.Recorder
}

// Open creates baseDir if needed and indexes any files already present from
// a previous run.
func Open(cfg Config, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOp()
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	c := &Cache{
		baseDir:       cfg.BaseDir,
		maxBytes:      cfg.MaxBytes,
		retentionDays: cfg.RetentionDays,
		clipsEnabled:  cfg.ClipsEnabled,
		logger:        logger.With("component", "mediacache"),
		metrics:       cfg.Metrics,
		index:         make(map[string]*Entry),
	}
	if err := c.reindex(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) reindex() error {
	entries, err := os.ReadDir(c.baseDir)
	if err != nil {
		return apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		externalEventID, kind, ok := parseFilename(de.Name())
		if !ok {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		e := &Entry{
			ExternalEventID: externalEventID,
			Kind:            kind,
			Path:            filepath.Join(c.baseDir, de.Name()),
			Size:            info.Size(),
			CreatedAt:       info.ModTime(),
			LastAccessAt:    info.ModTime(),
		}
		c.index[e.key()] = e
	}
	return nil
}

func filename(externalEventID string, kind Kind) string {
	return fmt.Sprintf("%s__%s%s", externalEventID, kind, extByKind[kind])
}

func parseFilename(name string) (externalEventID string, kind Kind, ok bool) {
	base := name
	for k, ext := range extByKind {
		if filepath.Ext(base) != ext {
			continue
		}
		trimmed := base[:len(base)-len(ext)]
		const sep = "__"
		idx := lastIndex(trimmed, sep)
		if idx < 0 {
			continue
		}
		candidateKind := Kind(trimmed[idx+len(sep):])
		if candidateKind != k {
			continue
		}
		return trimmed[:idx], k, true
	}
	return "", "", false
}

func lastIndex(s, sep string) int {
	for i := len(s) - len(sep); i >= 0; i-- {
		if s[i:i+len(sep)] == sep {
			return i
		}
	}
	return -1
}

// Put atomically stores data for (externalEventID, kind), writing to a temp
// file in the same directory and renaming into place so a concurrent reader
// never observes a partial write. Clip writes are refused outright when
// clips are disabled.
func (c *Cache) Put(externalEventID string, kind Kind, data []byte) (Entry, error) {
	if kind == KindClip && !c.clipsEnabled {
		return Entry{}, apperr.Newf("clips are disabled").Component("mediacache").AsKind(apperr.KindForbidden).Build()
	}

	path := filepath.Join(c.baseDir, filename(externalEventID, kind))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Entry{}, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Entry{}, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}

	now := time.Now().UTC()
	e := &Entry{
		ExternalEventID: externalEventID,
		Kind:            kind,
		Path:            path,
		Size:            int64(len(data)),
		CreatedAt:       now,
		LastAccessAt:    now,
	}
	c.mu.Lock()
	c.index[e.key()] = e
	c.mu.Unlock()
	return *e, nil
}

// PutStream atomically stores the bytes read from src, writing to a temp
// file in the same directory and renaming into place, exactly like Put but
// without ever holding the full object in memory -- used for clips, which
// must never be buffered whole. If src is exhausted with zero bytes
// written, the temp file is discarded and an error returned so callers can
// map an empty upstream clip to a distinct failure.
func (c *Cache) PutStream(externalEventID string, kind Kind, src io.Reader) (Entry, error) {
	if kind == KindClip && !c.clipsEnabled {
		return Entry{}, apperr.Newf("clips are disabled").Component("mediacache").AsKind(apperr.KindForbidden).Build()
	}

	path := filepath.Join(c.baseDir, filename(externalEventID, kind))
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return Entry{}, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp)
		if copyErr != nil {
			return Entry{}, apperr.New(copyErr).Component("mediacache").AsKind(apperr.KindInternal).Build()
		}
		return Entry{}, apperr.New(closeErr).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	if n == 0 {
		os.Remove(tmp)
		return Entry{}, apperr.Newf("refusing to cache an empty stream").Component("mediacache").AsKind(apperr.KindUpstreamUnavailable).Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return Entry{}, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}

	now := time.Now().UTC()
	e := &Entry{
		ExternalEventID: externalEventID,
		Kind:            kind,
		Path:            path,
		Size:            n,
		CreatedAt:       now,
		LastAccessAt:    now,
	}
	c.mu.Lock()
	c.index[e.key()] = e
	c.mu.Unlock()
	return *e, nil
}

// Get returns the entry and an open reader for the cached media, or
// ok=false if nothing is cached for the key. LastAccessAt is bumped so the
// eviction sweep sees accurate recency.
func (c *Cache) Get(externalEventID string, kind Kind) (io.ReadCloser, Entry, bool, error) {
	c.mu.Lock()
	e, found := c.index[cacheKey(externalEventID, kind)]
	if found {
		e.LastAccessAt = time.Now().UTC()
	}
	c.mu.Unlock()
	if !found {
		return nil, Entry{}, false, nil
	}

	f, err := os.Open(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			delete(c.index, e.key())
			c.mu.Unlock()
			return nil, Entry{}, false, nil
		}
		return nil, Entry{}, false, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	return f, *e, true, nil
}

// Sweep removes entries older than the retention window, then, if the cache
// still exceeds maxBytes, evicts the least-recently-accessed entries until
// it fits. It returns the number of files removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -c.retentionDays)

	c.mu.Lock()
	all := make([]*Entry, 0, len(c.index))
	for _, e := range c.index {
		all = append(all, e)
	}
	c.mu.Unlock()

	removed := 0
	var kept []*Entry
	var total int64
	for _, e := range all {
		if c.retentionDays > 0 && e.CreatedAt.Before(cutoff) {
			if err := c.remove(e); err == nil {
				removed++
				continue
			}
		}
		kept = append(kept, e)
		total += e.Size
	}

	if c.maxBytes > 0 && total > c.maxBytes {
		sort.Slice(kept, func(i, j int) bool {
			return kept[i].LastAccessAt.Before(kept[j].LastAccessAt)
		})
		for _, e := range kept {
			if total <= c.maxBytes {
				break
			}
			select {
			case <-ctx.Done():
				c.metrics.SetGauge("mediacache_bytes", float64(total))
				return removed, ctx.Err()
			default:
			}
			if err := c.remove(e); err == nil {
				removed++
				total -= e.Size
			}
		}
	}
	c.metrics.SetGauge("mediacache_bytes", float64(total))
	c.metrics.RecordOperation("media_cache_sweep", "success")
	return removed, nil
}

func (c *Cache) remove(e *Entry) error {
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	c.mu.Lock()
	delete(c.index, e.key())
	c.mu.Unlock()
	return nil
}

// DiskUsagePercent reports the usage percentage of the filesystem backing
// baseDir, for health reporting alongside the size-based eviction policy.
func (c *Cache) DiskUsagePercent() (float64, error) {
	usage, err := disk.Usage(c.baseDir)
	if err != nil {
		return 0, apperr.New(err).Component("mediacache").AsKind(apperr.KindInternal).Build()
	}
	return usage.UsedPercent, nil
}
