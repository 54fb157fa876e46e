package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/time/rate"

	"github.com/c360/lifestream/event"
	"github.com/c360/lifestream/pkg/ratelimit"
)

// maxFetchBody bounds how much of a response is read into memory.
const maxFetchBody = 10 << 20

// Fetcher retrieves a URL, follows redirects, and extracts readable content.
// A per-hostname token bucket (capacity 1, refill 1/s) bounds the load placed
// on any third party.
type Fetcher struct {
	client    *http.Client
	limiter   *ratelimit.PerKey
	userAgent string
}

// NewFetcher builds a fetcher with the given per-request timeout.
func NewFetcher(timeout time.Duration, userAgent string) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if userAgent == "" {
		userAgent = "lifestream-fetcher/1.0"
	}
	return &Fetcher{
		client:    &http.Client{Timeout: timeout},
		limiter:   ratelimit.NewPerKey(rate.Every(time.Second), 1),
		userAgent: userAgent,
	}
}

// WorkType implements Performer.
func (f *Fetcher) WorkType() event.WorkType { return event.WorkFetchLink }

// Agent implements Performer.
func (f *Fetcher) Agent() string { return "fetcher" }

// Perform fetches the URL in the command. Transport errors, timeouts, and
// server errors are retryable failures. A valid response without readable
// body text is a partial success: content.fetched with fetch_error set.
func (f *Fetcher) Perform(ctx context.Context, cmd *event.WorkCommand) (event.Type, any, error) {
	var p event.FetchPayload
	if err := decodePayload(cmd, &p); err != nil {
		return "", nil, err
	}

	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		// A URL that cannot be parsed will never fetch; report it as a
		// partial result rather than burning retries.
		return event.TypeContentFetched, event.ContentFetched{
			FinalURL:   p.URL,
			FetchError: "unparseable url",
		}, nil
	}

	if err := f.limiter.Wait(ctx, u.Hostname()); err != nil {
		return "", nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("fetch %s: %w", u.Hostname(), err)
	}
	defer resp.Body.Close()

	finalURL := p.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if resp.StatusCode >= 500 {
		return "", nil, fmt.Errorf("fetch %s: server status %d", u.Hostname(), resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return event.TypeContentFetched, event.ContentFetched{
			FinalURL:   finalURL,
			FetchError: fmt.Sprintf("http status %d", resp.StatusCode),
		}, nil
	}

	body := io.LimitReader(resp.Body, maxFetchBody)
	article, err := readability.FromReader(body, resp.Request.URL)
	if err != nil {
		return event.TypeContentFetched, event.ContentFetched{
			FinalURL:   finalURL,
			FetchError: fmt.Sprintf("extraction failed: %v", err),
		}, nil
	}

	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return event.TypeContentFetched, event.ContentFetched{
			FinalURL:   finalURL,
			Title:      article.Title,
			FetchError: "no readable text",
		}, nil
	}

	return event.TypeContentFetched, event.ContentFetched{
		FinalURL:    finalURL,
		Title:       article.Title,
		TextContent: text,
	}, nil
}
