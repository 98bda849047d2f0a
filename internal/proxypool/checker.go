package proxypool

import (
	"context"
	"net/http"
	"time"

	"relaypool/internal/domain"
	"relaypool/internal/transport"
)

const defaultCheckTimeout = 5 * time.Second

type CheckResult struct {
	OK      bool
	Elapsed time.Duration
}

// Checker reports whether a proxy can reach the outside world.
type Checker interface {
	Check(ctx context.Context, record domain.ProxyRecord) CheckResult
}

// HTTPChecker issues one GET to URL through the record's own transport. Any
// error, timeout or non-2xx status is a failed check.
type HTTPChecker struct {
	URL     string
	Timeout time.Duration
	Headers transport.HeaderStrategy
}

func (p HTTPChecker) Check(ctx context.Context, record domain.ProxyRecord) CheckResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}

	start := time.Now()
	client, err := transport.ViaProxy{Record: &record}.Client(timeout)
	if err != nil {
		return CheckResult{Elapsed: time.Since(start)}
	}
	defer client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return CheckResult{Elapsed: time.Since(start)}
	}
	if p.Headers != nil {
		p.Headers.Apply(req.Header)
	}
	req.Header.Set("Connection", "close")

	resp, err := client.Do(req)
	if err != nil {
		return CheckResult{Elapsed: time.Since(start)}
	}
	resp.Body.Close()

	return CheckResult{
		OK:      resp.StatusCode >= 200 && resp.StatusCode < 300,
		Elapsed: time.Since(start),
	}
}
