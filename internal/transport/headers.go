package transport

import (
	"fmt"
	"math/rand/v2"
	"net/http"
)

// HeaderStrategy decorates outbound requests with fingerprint headers.
type HeaderStrategy interface {
	Apply(h http.Header)
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
}

// Spoofed rotates the user agent and forges one client IP across the usual
// forwarding headers.
type Spoofed struct{}

func (Spoofed) Apply(h http.Header) {
	fakeIP := randomIPv4()
	h.Set("User-Agent", userAgents[rand.IntN(len(userAgents))])
	h.Set("X-Forwarded-For", fakeIP)
	h.Set("X-Real-IP", fakeIP)
	h.Set("X-Client-IP", fakeIP)
}

// Plain sends a single fixed desktop user agent.
type Plain struct{}

func (Plain) Apply(h http.Header) {
	h.Set("User-Agent", userAgents[0])
}

func randomIPv4() string {
	return fmt.Sprintf("%d.%d.%d.%d",
		rand.IntN(255)+1,
		rand.IntN(256),
		rand.IntN(256),
		rand.IntN(254)+1,
	)
}

// Strategy picks Spoofed when spoof is set.
func Strategy(spoof bool) HeaderStrategy {
	if spoof {
		return Spoofed{}
	}
	return Plain{}
}
