package loader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"

	"github.com/neurodesk/jinja/pkg/jinja2"
	"github.com/neurodesk/jinja/pkg/tplerr"
)

// HTTPLoader fetches templates relative to a base URL. Responses are kept
// with their ETag and Last-Modified validators and revalidated with
// conditional requests once MaxAge has passed. When Dir is set the cache
// persists across processes.
type HTTPLoader struct {
	BaseURL string
	Client  *http.Client
	Dir     string
	// MaxAge is how long a fetched template is used without revalidation.
	MaxAge time.Duration
	// Retries is the number of extra attempts on network errors and 5xx
	// responses.
	Retries int
	// Backoff is the delay before the first retry; it doubles per attempt.
	Backoff time.Duration
	Logger  *slog.Logger

	// mu guards the maps only; slots serialize fetches of one URL.
	mu      sync.Mutex
	entries map[string]*httpEntry
	slots   map[string]chan struct{}
}

var _ jinja2.Loader = (*HTTPLoader)(nil)

type httpEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	Body         string    `json:"body"`
	Fetched      time.Time `json:"fetched"`
	// rev counts body changes; compiled templates compare against it.
	rev uint64
}

// NewHTTPLoader returns a loader for baseURL with default retry settings.
func NewHTTPLoader(baseURL string) *HTTPLoader {
	return &HTTPLoader{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
		MaxAge:  time.Minute,
		Retries: 2,
		Backoff: 500 * time.Millisecond,
	}
}

func (l *HTTPLoader) logger() *slog.Logger {
	if l.Logger == nil {
		return slog.Default()
	}
	return l.Logger
}

func (l *HTTPLoader) client() *http.Client {
	if l.Client == nil {
		return http.DefaultClient
	}
	return l.Client
}

func (l *HTTPLoader) GetSource(ctx context.Context, name string) (*jinja2.Source, error) {
	parts, err := SplitTemplatePath(name)
	if err != nil {
		return nil, err
	}
	u, err := url.JoinPath(l.BaseURL, parts...)
	if err != nil {
		return nil, fmt.Errorf("building URL for %s: %w", name, err)
	}
	e, err := l.fetch(ctx, name, u)
	if err != nil {
		return nil, err
	}
	rev := e.rev
	return &jinja2.Source{
		Source:   e.Body,
		Filename: u,
		Uptodate: func() bool {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			cur, err := l.fetch(ctx, name, u)
			return err == nil && cur.rev == rev
		},
	}, nil
}

// fetch returns the cached entry for u, revalidating or downloading it as
// needed.
func (l *HTTPLoader) fetch(ctx context.Context, name, u string) (*httpEntry, error) {
	slot := l.slot(u)
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-slot }()

	cached := l.entry(u)
	if cached == nil {
		if cached = l.readMeta(u); cached != nil {
			l.store(u, cached)
		}
	}
	if cached != nil && time.Since(cached.Fetched) < l.MaxAge {
		return cached, nil
	}

	var lastErr error
	for attempt := 0; attempt <= l.Retries; attempt++ {
		if attempt > 0 {
			delay := l.Backoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		e, retry, err := l.get(ctx, name, u, cached)
		if err == nil {
			return e, nil
		}
		lastErr = err
		if !retry {
			break
		}
	}
	if cached != nil && !tplerr.IsNotFound(lastErr) {
		l.logger().Warn("revalidating template failed, using cached copy", "url", u, "error", lastErr)
		return cached, nil
	}
	return nil, lastErr
}

func (l *HTTPLoader) slot(u string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slots == nil {
		l.slots = map[string]chan struct{}{}
	}
	s, ok := l.slots[u]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[u] = s
	}
	return s
}

func (l *HTTPLoader) entry(u string) *httpEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries[u]
}

// store caches e for u; a nil e forgets u.
func (l *HTTPLoader) store(u string, e *httpEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e == nil {
		delete(l.entries, u)
		return
	}
	if l.entries == nil {
		l.entries = map[string]*httpEntry{}
	}
	l.entries[u] = e
}

// get performs one request. retry reports whether the failure is transient.
func (l *HTTPLoader) get(ctx context.Context, name, u string, cached *httpEntry) (*httpEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, false, err
	}
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}
	resp, err := l.client().Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		cached.Fetched = time.Now()
		l.logger().Debug("template not modified", "url", u)
		return cached, false, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		l.store(u, nil)
		return nil, false, tplerr.NotFound(name, fmt.Errorf("HTTP %d from %s", resp.StatusCode, u))
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, false, fmt.Errorf("HTTP %d from %s", resp.StatusCode, u)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("reading %s: %w", u, err)
	}
	e := &httpEntry{
		URL:          u,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Body:         string(body),
		Fetched:      time.Now(),
	}
	if cached != nil {
		e.rev = cached.rev
		if cached.Body != e.Body {
			e.rev++
		}
	}
	l.store(u, e)
	l.logger().Debug("fetched template", "url", u, "bytes", len(body))
	if err := l.writeMeta(e); err != nil {
		l.logger().Warn("persisting template cache", "url", u, "error", err)
	}
	return e, false, nil
}

func (l *HTTPLoader) metaPath(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(l.Dir, hex.EncodeToString(sum[:])+".json")
}

func (l *HTTPLoader) readMeta(u string) *httpEntry {
	if l.Dir == "" {
		return nil
	}
	b, err := os.ReadFile(l.metaPath(u))
	if err != nil {
		return nil
	}
	var e httpEntry
	if err := json.Unmarshal(b, &e); err != nil || e.URL != u {
		return nil
	}
	return &e
}

func (l *HTTPLoader) writeMeta(e *httpEntry) error {
	if l.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(l.metaPath(e.URL), bytes.NewReader(b))
}

// ErrNoBaseURL is returned by Validate for a loader without a base URL.
var ErrNoBaseURL = errors.New("http loader requires a base URL")

// Validate checks the loader settings.
func (l *HTTPLoader) Validate() error {
	if l.BaseURL == "" {
		return ErrNoBaseURL
	}
	u, err := url.Parse(l.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base URL scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}
