package proxypool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-rod/rod"
	"github.com/go-rod/stealth"
)

// BrowserRenderer loads JavaScript-rendered proxy lists through a remote
// Chromium reachable at ControlURL. The browser belongs to whoever started it:
// the renderer shares one connection across renders and only ever closes the
// pages it opened.
type BrowserRenderer struct {
	ControlURL string

	mu      sync.Mutex
	browser *rod.Browser
}

func NewBrowserRenderer(controlURL string) *BrowserRenderer {
	return &BrowserRenderer{ControlURL: controlURL}
}

func (r *BrowserRenderer) connection() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.browser != nil {
		return r.browser, nil
	}
	if r.ControlURL == "" {
		return nil, errors.New("browser control url is not configured")
	}

	browser := rod.New().ControlURL(r.ControlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	r.browser = browser
	return browser, nil
}

// forget drops a dead connection so the next render reconnects.
func (r *BrowserRenderer) forget(browser *rod.Browser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser == browser {
		r.browser = nil
	}
}

func (r *BrowserRenderer) Render(ctx context.Context, pageURL string, timeout time.Duration) (string, error) {
	browser, err := r.connection()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(browser)
	if err != nil {
		if isConnClosed(err) {
			r.forget(browser)
		}
		return "", fmt.Errorf("open stealth page: %w", err)
	}
	defer safeClosePage(page)

	page = page.Context(ctx).Timeout(timeout)

	if err := page.Navigate(pageURL); err != nil {
		return "", fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait for %s: %w", pageURL, err)
	}

	body, err := page.Element("body")
	if err != nil {
		return "", fmt.Errorf("locate body: %w", err)
	}
	return body.Text()
}

func safeClosePage(p *rod.Page) {
	if err := rod.Try(func() { p.MustClose() }); err != nil {
		log.Debug("Closing browser page failed", "error", err)
	}
}

func isConnClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	s := err.Error()
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "websocket: close") ||
		strings.Contains(s, "read tcp") ||
		strings.Contains(s, "write tcp")
}
