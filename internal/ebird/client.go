// Package ebird provides a client for the eBird API v2 taxonomy endpoints.
// It is the Enrichment Interfaces (C5) taxonomy facade: given a scientific
// name it returns the canonical common name and eBird species code, caching
// results since the taxonomy changes rarely.
package ebird

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/corvidio/sentinel/internal/apperr"
	"github.com/patrickmn/go-cache"
)

// Client talks to the eBird API with caching and rate limiting.
type Client struct {
	config      Config
	httpClient  *http.Client
	cache       *cache.Cache
	rateLimiter *time.Ticker
	logger      *slog.Logger

	mu          sync.Mutex
	lastRequest time.Time
}

// NewClient creates an eBird API client. logger may be nil.
func NewClient(config Config, logger *slog.Logger) (*Client, error) {
	if config.APIKey == "" {
		return nil, apperr.Newf("eBird API key is required").Component("ebird").AsKind(apperr.KindInvalidInput).Build()
	}
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheTTL == 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.RateLimitMS == 0 {
		config.RateLimitMS = defaults.RateLimitMS
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		config:      config,
		httpClient:  &http.Client{Timeout: config.Timeout},
		cache:       cache.New(config.CacheTTL, config.CacheTTL*2),
		rateLimiter: time.NewTicker(time.Duration(config.RateLimitMS) * time.Millisecond),
		logger:      logger.With("component", "ebird"),
	}, nil
}

// Close releases the client's rate limiter.
func (c *Client) Close() { c.rateLimiter.Stop() }

// GetSpeciesTaxonomy retrieves taxonomy information for a single species code.
func (c *Client) GetSpeciesTaxonomy(ctx context.Context, speciesCode, locale string) (*TaxonomyEntry, error) {
	cacheKey := fmt.Sprintf("species:%s:%s", speciesCode, locale)
	if cached, found := c.cache.Get(cacheKey); found {
		entry, _ := cached.(*TaxonomyEntry)
		return entry, nil
	}

	url := fmt.Sprintf("%s/ref/taxonomy/ebird/%s?fmt=json", c.config.BaseURL, speciesCode)
	if locale != "" {
		url += "&locale=" + locale
	}

	var entries []TaxonomyEntry
	if err := c.doRequestWithRetry(ctx, url, &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.Newf("species not found: %s", speciesCode).
			Component("ebird").AsKind(apperr.KindNotFound).Context("species_code", speciesCode).Build()
	}

	entry := &entries[0]
	c.cache.Set(cacheKey, entry, cache.DefaultExpiration)
	return entry, nil
}

// FindByScientificName searches the full taxonomy for scientificName. The
// full taxonomy is cached as a unit since eBird has no by-name lookup
// endpoint; callers needing many lookups should prefer a single
// FindByScientificName over repeated individual calls only when the cache
// is warm, since a cold call downloads the entire taxonomy.
func (c *Client) FindByScientificName(ctx context.Context, scientificName string) (*TaxonomyEntry, error) {
	taxonomy, err := c.getFullTaxonomy(ctx)
	if err != nil {
		return nil, err
	}
	for i := range taxonomy {
		if strings.EqualFold(taxonomy[i].ScientificName, scientificName) {
			return &taxonomy[i], nil
		}
	}
	return nil, apperr.Newf("species not found in eBird taxonomy: %s", scientificName).
		Component("ebird").AsKind(apperr.KindNotFound).Context("scientific_name", scientificName).Build()
}

func (c *Client) getFullTaxonomy(ctx context.Context) ([]TaxonomyEntry, error) {
	const cacheKey = "taxonomy:full"
	if cached, found := c.cache.Get(cacheKey); found {
		taxonomy, _ := cached.([]TaxonomyEntry)
		return taxonomy, nil
	}

	var taxonomy []TaxonomyEntry
	url := fmt.Sprintf("%s/ref/taxonomy/ebird?fmt=json", c.config.BaseURL)
	if err := c.doRequestWithRetry(ctx, url, &taxonomy); err != nil {
		return nil, err
	}
	c.cache.Set(cacheKey, taxonomy, cache.DefaultExpiration)
	return taxonomy, nil
}

// doRequest performs a single rate-limited, authenticated GET.
func (c *Client) doRequest(ctx context.Context, url string, result any) error {
	c.mu.Lock()
	<-c.rateLimiter.C
	c.lastRequest = time.Now()
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.New(err).Component("ebird").AsKind(apperr.KindInternal).Build()
	}
	req.Header.Set("X-eBirdApiToken", c.config.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(err).Component("ebird").AsKind(apperr.KindUpstreamUnavailable).Context("url", url).Build()
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.New(err).Component("ebird").AsKind(apperr.KindUpstreamUnavailable).Build()
	}

	if resp.StatusCode >= 400 {
		c.logger.Warn("ebird api error", "status", resp.StatusCode, "url", url)
		return apperr.Newf("ebird api error (status %d)", resp.StatusCode).
			Component("ebird").AsKind(kindForStatus(resp.StatusCode)).Context("status_code", resp.StatusCode).Build()
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return apperr.New(err).Component("ebird").AsKind(apperr.KindInternal).Build()
		}
	}
	return nil
}

// doRequestWithRetry makes up to 3 attempts with a short linear backoff
// (500ms, then 1s). Not-found and invalid-input errors are returned at once;
// every other failure, including 401/403 and other 4xx statuses, is retried.
func (c *Client) doRequestWithRetry(ctx context.Context, url string, result any) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := c.doRequest(ctx, url, result)
		if err == nil {
			return nil
		}
		lastErr = err
		if apperr.Of(err) == apperr.KindInvalidInput || apperr.Of(err) == apperr.KindNotFound {
			return err
		}
		if ctx.Err() != nil {
			return lastErr
		}
		if attempt < maxRetries-1 {
			select {
			case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperr.KindUnauthorized
	case http.StatusTooManyRequests:
		return apperr.KindRateLimited
	case http.StatusNotFound:
		return apperr.KindNotFound
	default:
		return apperr.KindUpstreamUnavailable
	}
}
