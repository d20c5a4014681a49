// Package scripture proxies the scripture.api.bible catalogue (bibles,
// books, chapters, chapter text and search) behind a read-through cache.
package scripture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

var tracer = otel.Tracer("gabriel/scripture")

// Action names a catalogue lookup.
type Action string

const (
	ActionGetBibles         Action = "getBibles"
	ActionGetBooks          Action = "getBooks"
	ActionGetChapters       Action = "getChapters"
	ActionGetChapterContent Action = "getChapterContent"
	ActionSearch            Action = "search"
)

const (
	searchLimit     = 25
	maxQueryRunes   = 200
	maxUpstreamBody = 8 << 20
)

var (
	// ErrNotConfigured means BIBLE_API_KEY is unset.
	ErrNotConfigured = errors.New("scripture: api key not configured")
)

// QueryError is a rejected lookup.
type QueryError struct{ Message string }

func (e *QueryError) Error() string { return "scripture: " + e.Message }

// UpstreamError is a failed call to the Bible API.
type UpstreamError struct {
	StatusCode int // 0 for transport failures
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("scripture: upstream status %d", e.StatusCode)
	}
	return "scripture: upstream: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Query is one lookup. Only the fields its action needs are read.
type Query struct {
	Action    Action `json:"action"`
	BibleID   string `json:"bibleId,omitempty"`
	BookID    string `json:"bookId,omitempty"`
	ChapterID string `json:"chapterId,omitempty"`
	Query     string `json:"query,omitempty"`
}

// Path validates q and returns the upstream path and query string.
func (q Query) Path() (string, error) {
	bible := strings.TrimSpace(q.BibleID)
	switch q.Action {
	case ActionGetBibles:
		return "/bibles", nil
	case ActionGetBooks:
		if bible == "" {
			return "", &QueryError{"Bible ID is required"}
		}
		return "/bibles/" + url.PathEscape(bible) + "/books", nil
	case ActionGetChapters:
		book := strings.TrimSpace(q.BookID)
		if bible == "" || book == "" {
			return "", &QueryError{"Bible ID and Book ID are required"}
		}
		return "/bibles/" + url.PathEscape(bible) + "/books/" + url.PathEscape(book) + "/chapters", nil
	case ActionGetChapterContent:
		chapter := strings.TrimSpace(q.ChapterID)
		if bible == "" || chapter == "" {
			return "", &QueryError{"Bible ID and Chapter ID are required"}
		}
		return "/bibles/" + url.PathEscape(bible) + "/chapters/" + url.PathEscape(chapter) +
			"?content-type=text&include-notes=false&include-titles=true&include-chapter-numbers=false&include-verse-numbers=true&include-verse-spans=false", nil
	case ActionSearch:
		text := strings.TrimSpace(q.Query)
		if bible == "" || text == "" {
			return "", &QueryError{"Bible ID and query are required for search"}
		}
		if len([]rune(text)) > maxQueryRunes {
			return "", &QueryError{fmt.Sprintf("query exceeds %d characters", maxQueryRunes)}
		}
		v := url.Values{}
		v.Set("query", text)
		v.Set("limit", fmt.Sprint(searchLimit))
		return "/bibles/" + url.PathEscape(bible) + "/search?" + v.Encode(), nil
	default:
		return "", &QueryError{"Invalid action"}
	}
}

// Client is safe for concurrent use.
type Client struct {
	log     *slog.Logger
	baseURL string
	apiKey  string
	timeout time.Duration
	ttl     time.Duration
	http    *http.Client
	cache   Cache
	group   singleflight.Group
	metrics *Metrics
}

// NewClient builds a client. cache may be nil, which disables caching.
// An empty API key yields a client whose every Fetch fails with
// ErrNotConfigured.
func NewClient(log *slog.Logger, cfg Config, cache Cache, metrics *Metrics) *Client {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		log:     log,
		baseURL: base,
		apiKey:  cfg.APIKey,
		timeout: timeout,
		ttl:     cfg.CacheTTL,
		http:    &http.Client{Timeout: timeout},
		cache:   cache,
		metrics: metrics,
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool { return c.apiKey != "" }

// Fetch returns the upstream `data` field for q, served from cache when
// possible. Concurrent misses for the same path share one upstream call.
func (c *Client) Fetch(ctx context.Context, q Query) (json.RawMessage, error) {
	path, err := q.Path()
	if err != nil {
		return nil, err
	}
	if !c.Configured() {
		return nil, ErrNotConfigured
	}

	ctx, span := tracer.Start(ctx, "scripture.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("scripture.action", string(q.Action)))

	if data, ok := c.cached(ctx, path); ok {
		span.SetAttributes(attribute.Bool("scripture.cache_hit", true))
		c.metrics.requests.WithLabelValues(string(q.Action), "hit").Inc()
		return data, nil
	}

	// The shared call runs detached so one caller leaving does not fail the
	// others; each caller still stops waiting when its own ctx ends.
	ch := c.group.DoChan(path, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()
		data, err := c.fetchUpstream(fctx, path)
		if err != nil {
			return nil, err
		}
		if c.cache != nil && c.ttl > 0 {
			if err := c.cache.Set(fctx, path, data, c.ttl); err != nil {
				c.log.Warn("scripture.cache.set.fail", "err", err)
			}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			c.metrics.requests.WithLabelValues(string(q.Action), "error").Inc()
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, "upstream")
			return nil, res.Err
		}
		c.metrics.requests.WithLabelValues(string(q.Action), "miss").Inc()
		return res.Val.(json.RawMessage), nil
	}
}

func (c *Client) cached(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.cache == nil || c.ttl <= 0 {
		return nil, false
	}
	b, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("scripture.cache.get.fail", "err", err)
		return nil, false
	}
	if !ok {
		c.log.Debug("scripture.cache.miss", "key", key)
		return nil, false
	}
	return json.RawMessage(b), true
}

func (c *Client) fetchUpstream(ctx context.Context, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("api-key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	c.metrics.upstream.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Err: errors.New(resp.Status)}
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxUpstreamBody)).Decode(&envelope); err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("decode: %w", err)}
	}
	if len(envelope.Data) == 0 {
		envelope.Data = json.RawMessage("null")
	}
	return envelope.Data, nil
}

// Metrics are the scripture collectors.
type Metrics struct {
	requests *prometheus.CounterVec
	upstream prometheus.Histogram
}

// NewMetrics registers the collectors on reg; nil leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gabriel_scripture_requests_total",
			Help: "Scripture lookups by action and result (hit, miss, error).",
		}, []string{"action", "result"}),
		upstream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gabriel_scripture_upstream_seconds",
			Help:    "Latency of Bible API calls.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.upstream)
	}
	return m
}
