package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"relaypool/internal/domain"
)

const (
	dialTimeout         = 10 * time.Second
	tlsHandshakeTimeout = 10 * time.Second
)

// Transport is how an outbound call reaches the network: directly or through
// one proxy record. Every network call in the core takes a Transport.
type Transport interface {
	// Client returns an http.Client whose total request time is capped by
	// timeout.
	Client(timeout time.Duration) (*http.Client, error)
	// Label is the proxy address or domain.DirectConnection.
	Label() string
	// Proxy is the record behind the transport, nil for direct connections.
	Proxy() *domain.ProxyRecord
}

type Direct struct{}

func (Direct) Client(timeout time.Duration) (*http.Client, error) {
	transport := baseTransport()
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout}).DialContext
	transport.Proxy = http.ProxyFromEnvironment
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func (Direct) Label() string {
	return domain.DirectConnection
}

func (Direct) Proxy() *domain.ProxyRecord {
	return nil
}

// ViaProxy tunnels every connection through the record's SOCKS5 endpoint.
type ViaProxy struct {
	Record *domain.ProxyRecord
}

func (v ViaProxy) Client(timeout time.Duration) (*http.Client, error) {
	if v.Record == nil {
		return nil, fmt.Errorf("transport: proxy record is nil")
	}

	forward := &net.Dialer{Timeout: dialTimeout, KeepAlive: 0}
	socksDialer, err := proxy.SOCKS5("tcp", v.Record.Address, nil, forward)
	if err != nil {
		return nil, fmt.Errorf("transport: socks5 dialer for %s: %w", v.Record.Address, err)
	}

	transport := baseTransport()
	if contextDialer, ok := socksDialer.(proxy.ContextDialer); ok {
		transport.DialContext = contextDialer.DialContext
	} else {
		transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return socksDialer.Dial(network, addr)
		}
	}

	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

func (v ViaProxy) Label() string {
	if v.Record == nil {
		return domain.DirectConnection
	}
	return v.Record.Address
}

func (v ViaProxy) Proxy() *domain.ProxyRecord {
	return v.Record
}

// For returns ViaProxy for a non-nil record and Direct otherwise.
func For(record *domain.ProxyRecord) Transport {
	if record == nil {
		return Direct{}
	}
	return ViaProxy{Record: record}
}

// baseTransport disables keep-alives so a pooled connection never outlives
// the proxy it was dialed through.
func baseTransport() *http.Transport {
	return &http.Transport{
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
