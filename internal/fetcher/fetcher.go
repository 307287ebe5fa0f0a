// Package fetcher downloads pages for the crawler and owns the per-host
// politeness state the frontier consults when dispatching.
package fetcher

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/time/rate"

	"crawlfrontier/pkg/types"
)

// Options controls HTTP fetching behaviour.
type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
	// PolitenessDelay is the minimum gap between fetches to one host.
	PolitenessDelay time.Duration
	// RateRequests/RateWindow optionally add a per-host token bucket on
	// top of the politeness delay. Zero disables it.
	RateRequests int
	RateWindow   time.Duration
}

// PageFetcher retrieves pages over HTTP and maintains the next-fetch-time
// table that keeps the crawl polite. It satisfies the frontier's PageFetcher
// contract.
type PageFetcher struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64

	politeness *politenessTable

	rateEnabled bool
	rateEvery   time.Duration
	rateBurst   int
	limiterMu   sync.Mutex
	limiters    map[string]*rate.Limiter
}

// New constructs a page fetcher using the provided options.
func New(opts Options) *PageFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	f := &PageFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		userAgent:    opts.UserAgent,
		maxBodyBytes: opts.MaxBodyBytes,
		politeness:   newPolitenessTable(opts.PolitenessDelay),
	}
	if opts.RateRequests > 0 && opts.RateWindow > 0 {
		f.rateEnabled = true
		f.rateEvery = opts.RateWindow / time.Duration(opts.RateRequests)
		if f.rateEvery <= 0 {
			f.rateEvery = time.Millisecond
		}
		f.rateBurst = opts.RateRequests
		f.limiters = make(map[string]*rate.Limiter)
	}
	return f
}

// NextFetchTime returns the earliest wall-clock time the host may be fetched
// again.
func (f *PageFetcher) NextFetchTime(host string) time.Time {
	return f.politeness.nextFetchTime(host)
}

// Select marks u as handed to a worker, starting the host's politeness
// window.
func (f *PageFetcher) Select(u types.WebURL) {
	f.politeness.selected(u)
}

// Unselect clears a selection so the host becomes immediately eligible.
func (f *PageFetcher) Unselect(u types.WebURL) {
	f.politeness.unselected(u)
}

// Fetch downloads a single URL. The per-host token bucket, when configured,
// is consulted before the request goes out.
func (f *PageFetcher) Fetch(ctx context.Context, u types.WebURL) (*types.Page, error) {
	parsed, err := url.Parse(u.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", u.URL, err)
	}

	if f.rateEnabled {
		if err := f.limiterFor(u.Host).Wait(ctx); err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if f.userAgent != "" {
		httpReq.Header.Set("User-Agent", f.userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.8")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")

	start := time.Now()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http fetch failed: %w", err)
	}

	body, err := f.readBody(resp)
	if err != nil {
		return nil, err
	}

	finalURL := parsed
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL
	}

	return &types.Page{
		URL:             parsed,
		FinalURL:        finalURL,
		Body:            body,
		ContentType:     resp.Header.Get("Content-Type"),
		StatusCode:      resp.StatusCode,
		Headers:         resp.Header.Clone(),
		FetchedAt:       time.Now(),
		ResponseLatency: time.Since(start),
	}, nil
}

func (f *PageFetcher) readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	limited := io.LimitReader(reader, f.maxBodyBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", f.maxBodyBytes)
	}
	return body, nil
}

func (f *PageFetcher) limiterFor(host string) *rate.Limiter {
	f.limiterMu.Lock()
	defer f.limiterMu.Unlock()
	limiter, ok := f.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(f.rateEvery), f.rateBurst)
		f.limiters[host] = limiter
	}
	return limiter
}

// Client exposes the underlying HTTP client for reuse (eg. robots.txt
// fetches).
func (f *PageFetcher) Client() *http.Client {
	if f == nil {
		return nil
	}
	return f.client
}
