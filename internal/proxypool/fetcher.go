package proxypool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"relaypool/internal/support"
	"relaypool/internal/transport"
)

const (
	maxSourceBytes       = 10 << 20 // 10 MiB safety cap
	defaultSourceTimeout = 15 * time.Second
	sourceFetchParallel  = 4
	browserSourcePrefix  = "browser+"
)

// AddressSource yields candidate proxy addresses for ingestion.
type AddressSource interface {
	FetchAddresses(ctx context.Context) []string
}

// Renderer returns the visible text of a page that needs a browser.
type Renderer interface {
	Render(ctx context.Context, pageURL string, timeout time.Duration) (string, error)
}

// Fetcher pulls plaintext ip:port lists from remote sources.
type Fetcher struct {
	sources  []string
	timeout  time.Duration
	headers  transport.HeaderStrategy
	renderer Renderer
}

type FetcherOption func(*Fetcher)

func WithRenderer(r Renderer) FetcherOption {
	return func(f *Fetcher) {
		f.renderer = r
	}
}

func WithSourceHeaders(h transport.HeaderStrategy) FetcherOption {
	return func(f *Fetcher) {
		f.headers = h
	}
}

func NewFetcher(sources []string, timeout time.Duration, opts ...FetcherOption) *Fetcher {
	if timeout <= 0 {
		timeout = defaultSourceTimeout
	}
	f := &Fetcher{
		sources: append([]string(nil), sources...),
		timeout: timeout,
		headers: transport.Plain{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAddresses queries every source and returns the deduplicated union of
// valid addresses. A failing source is logged and skipped.
func (f *Fetcher) FetchAddresses(ctx context.Context) []string {
	perSource := make([][]string, len(f.sources))

	var g errgroup.Group
	g.SetLimit(sourceFetchParallel)
	for i, source := range f.sources {
		g.Go(func() error {
			body, err := f.fetchSource(ctx, source)
			if err != nil {
				log.Warn("Proxy source skipped", "source", source, "error", err)
				return nil
			}
			perSource[i] = support.ParseProxyList(body)
			log.Debug("Proxy source fetched", "source", source, "addresses", len(perSource[i]))
			return nil
		})
	}
	_ = g.Wait()

	addresses := support.MergeUnique(perSource...)
	log.Info("Proxy sources fetched", "sources", len(f.sources), "addresses", len(addresses))
	return addresses
}

func (f *Fetcher) fetchSource(ctx context.Context, source string) (string, error) {
	if rendered, ok := strings.CutPrefix(source, browserSourcePrefix); ok {
		if f.renderer == nil {
			return "", fmt.Errorf("source needs a browser but none is configured")
		}
		return f.renderer.Render(ctx, rendered, f.timeout)
	}

	client, err := transport.Direct{}.Client(f.timeout)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	f.headers.Apply(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}
