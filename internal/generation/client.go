package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relaypool/internal/transport"
)

const (
	defaultSubmitTimeout = 60 * time.Second
	defaultResultTimeout = 180 * time.Second
	maxSeed              = 999999999
	maxFrameBytes        = 4 << 20
	submitPath           = "/gradio_api/call/generate_image"
)

var (
	ErrSubmitFailed      = errors.New("generation: submit failed")
	ErrResultTimeout     = errors.New("generation: timed out waiting for result")
	ErrNoArtifactLocator = errors.New("generation: result carried no artifact locator")
	ErrRemoteFailed      = errors.New("generation: remote service reported an error")
)

type Job struct {
	Prompt string
	Height int
	Width  int
	Steps  int
}

// Client speaks the two-phase submit/stream protocol of the remote service.
type Client struct {
	baseURL       string
	headers       transport.HeaderStrategy
	submitTimeout time.Duration
	resultTimeout time.Duration
	seed          func() int64
}

type ClientOption func(*Client)

func WithHeaderStrategy(h transport.HeaderStrategy) ClientOption {
	return func(c *Client) {
		c.headers = h
	}
}

func WithTimeouts(submit, result time.Duration) ClientOption {
	return func(c *Client) {
		if submit > 0 {
			c.submitTimeout = submit
		}
		if result > 0 {
			c.resultTimeout = result
		}
	}
}

func WithSeed(seed func() int64) ClientOption {
	return func(c *Client) {
		c.seed = seed
	}
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		headers:       transport.Spoofed{},
		submitTimeout: defaultSubmitTimeout,
		resultTimeout: defaultResultTimeout,
		seed:          func() int64 { return rand.Int64N(maxSeed) },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type submitResponse struct {
	EventID string `json:"event_id"`
}

// Submit enqueues job and returns the event id used to fetch its result.
func (c *Client) Submit(ctx context.Context, tr transport.Transport, job Job) (string, error) {
	body, err := json.Marshal(map[string]any{
		"data": []any{job.Prompt, job.Height, job.Width, job.Steps, c.seed(), true},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode body: %v", ErrSubmitFailed, err)
	}

	client, err := tr.Client(c.submitTimeout)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrSubmitFailed, err)
	}
	c.headers.Apply(req.Header)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmitFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrSubmitFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrSubmitFailed, err)
	}
	if decoded.EventID == "" {
		return "", fmt.Errorf("%w: response has no event_id", ErrSubmitFailed)
	}
	return decoded.EventID, nil
}

// AwaitResult streams the event and returns the first artifact locator it
// carries. Relative locators are resolved against the service file endpoint.
func (c *Client) AwaitResult(ctx context.Context, tr transport.Transport, eventID string) (string, error) {
	client, err := tr.Client(c.resultTimeout)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.resultTimeout)
	defer cancel()

	resultURL := c.baseURL + submitPath + "/" + url.PathEscape(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	c.headers.Apply(req.Header)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return "", c.classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("result stream: unexpected status %d", resp.StatusCode)
	}

	locator, err := ScanLocator(resp.Body)
	if err != nil {
		return "", c.classify(ctx, err)
	}
	return c.resolve(locator), nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	var netErr net.Error
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
	if timedOut {
		return fmt.Errorf("%w: %v", ErrResultTimeout, err)
	}
	return err
}

func (c *Client) resolve(locator string) string {
	if strings.HasPrefix(locator, "http://") || strings.HasPrefix(locator, "https://") {
		return locator
	}
	return c.baseURL + "/gradio_api/file=" + locator
}

// ScanLocator reads server-sent event frames until one carries a locator.
// Frames that are empty, null or not JSON are skipped; an error event ends the
// stream with ErrRemoteFailed.
func ScanLocator(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			event = ""
			continue
		}
		if name, ok := strings.CutPrefix(line, "event:"); ok {
			event = strings.TrimSpace(name)
			continue
		}
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if event == "error" {
			return "", fmt.Errorf("%w: %s", ErrRemoteFailed, payload)
		}
		if payload == "" || payload == "null" {
			continue
		}

		var decoded any
		if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
			continue
		}
		if locator := locatorFrom(decoded, true); locator != "" {
			return locator, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read result stream: %w", err)
	}
	return "", ErrNoArtifactLocator
}

func locatorFrom(v any, descend bool) string {
	switch value := v.(type) {
	case string:
		return value
	case map[string]any:
		if u, ok := value["url"].(string); ok && u != "" {
			return u
		}
		if p, ok := value["path"].(string); ok && p != "" {
			return p
		}
	case []any:
		if descend && len(value) > 0 {
			return locatorFrom(value[0], false)
		}
	}
	return ""
}
