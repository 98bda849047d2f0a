package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"relaypool/internal/transport"
)

const (
	defaultDownloadTimeout = 60 * time.Second
	maxArtifactBytes       = 32 << 20
	filenamePrefix         = "zimage"
	pngContentType         = "image/png"
)

var (
	ErrDownloadFailed = errors.New("artifact: download failed")
	ErrUploadFailed   = errors.New("artifact: upload failed")
)

// Persister relays a remotely produced artifact into durable storage.
type Persister struct {
	storage ObjectStorage
	headers transport.HeaderStrategy
	timeout time.Duration
	now     func() time.Time
}

type PersisterOption func(*Persister)

func WithHeaders(h transport.HeaderStrategy) PersisterOption {
	return func(p *Persister) {
		p.headers = h
	}
}

func WithDownloadTimeout(d time.Duration) PersisterOption {
	return func(p *Persister) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithClock(now func() time.Time) PersisterOption {
	return func(p *Persister) {
		p.now = now
	}
}

func NewPersister(storage ObjectStorage, opts ...PersisterOption) *Persister {
	p := &Persister{
		storage: storage,
		headers: transport.Spoofed{},
		timeout: defaultDownloadTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Persist downloads locator through tr and stores it, returning the durable URL.
func (p *Persister) Persist(ctx context.Context, locator string, tr transport.Transport) (string, error) {
	data, err := p.download(ctx, locator, tr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	name := Filename(p.now())
	url, err := p.storage.Put(ctx, name, data, pngContentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	log.Debug("Artifact stored", "name", name, "bytes", len(data), "via", tr.Label())
	return url, nil
}

func (p *Persister) download(ctx context.Context, locator string, tr transport.Transport) ([]byte, error) {
	client, err := tr.Client(p.timeout)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	p.headers.Apply(req.Header)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, fmt.Errorf("artifact exceeds %d bytes", maxArtifactBytes)
	}
	return data, nil
}

const filenameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Filename builds zimage_<timestamp>_<8 random chars>.png with the colons and
// dots of the UTC timestamp replaced by dashes.
func Filename(now time.Time) string {
	stamp := now.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)

	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = filenameAlphabet[rand.IntN(len(filenameAlphabet))]
	}
	return fmt.Sprintf("%s_%s_%s.png", filenamePrefix, stamp, suffix)
}
