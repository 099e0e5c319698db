package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pders01/rssreader/internal/config"
)

const (
	defaultUserAgent = "rssreader/1.0"
	defaultTimeout   = 30 * time.Second
	defaultMaxBody   = 10 << 20
)

type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBody   int64
}

func NewFetcher(cfg *config.Config) *Fetcher {
	timeout := cfg.Feed.HTTPTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	userAgent := cfg.Feed.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	maxBody := cfg.Feed.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}

	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		maxBody:   maxBody,
	}
}

// Fetch downloads the document at url. Every failure is a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("creating request: %w", err)}
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml, text/xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("reading response: %w", err)}
	}
	if int64(len(body)) > f.maxBody {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("response exceeds %d bytes", f.maxBody)}
	}

	return body, nil
}
