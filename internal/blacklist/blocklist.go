package blacklist

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

const (
	maxResponseBytes       = 10 << 20 // 10 MiB safety cap
	defaultFetchTimeout    = 30 * time.Second
	DefaultRefreshSpec     = "@every 6h"
	refreshSingleflightKey = "refresh"
)

var ipRegex = regexp.MustCompile(`\b\d{1,3}(?:\.\d{1,3}){3}(?:/\d{1,2})?\b`)

// ReservedRanges are never useful as public proxies.
var ReservedRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
}

// Range is an inclusive IPv4 interval expanded from a CIDR.
type Range struct {
	CIDR  string
	Start uint32
	End   uint32
}

type snapshot struct {
	ips    map[string]struct{}
	ranges []Range
}

// Blocklist rejects proxy hosts that fall into configured ranges or appear in
// remote blocklists. Lookups are lock-free; Refresh swaps in a new snapshot.
type Blocklist struct {
	sources []string
	static  []Range
	client  *http.Client
	current atomic.Pointer[snapshot]
	group   singleflight.Group
}

type Option func(*Blocklist)

// WithReservedRanges blocks the special-purpose IPv4 ranges.
func WithReservedRanges() Option {
	return func(b *Blocklist) {
		for _, cidr := range ReservedRanges {
			ranges, _ := parseCIDROrIP(cidr)
			b.static = append(b.static, ranges...)
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(b *Blocklist) {
		b.client = client
	}
}

func New(sources []string, opts ...Option) *Blocklist {
	b := &Blocklist{
		sources: append([]string(nil), sources...),
		client:  &http.Client{Timeout: defaultFetchTimeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.current.Store(&snapshot{ips: map[string]struct{}{}, ranges: mergeRanges(b.static, nil)})
	return b
}

// Blocked reports whether host is an IPv4 address on the blocklist. Hostnames
// are never blocked.
func (b *Blocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	ip := normalizeIPv4(host)
	if ip == "" {
		return false
	}
	snap := b.current.Load()
	if _, ok := snap.ips[ip]; ok {
		return true
	}
	return inRange(ip, snap.ranges)
}

func (b *Blocklist) HasSources() bool {
	return len(b.sources) > 0
}

type RefreshOutcome struct {
	Sources int
	IPs     int
	Ranges  int
}

// Refresh reloads every source. A failing source is logged and skipped; the
// previous snapshot is kept when every source fails.
func (b *Blocklist) Refresh(ctx context.Context) (RefreshOutcome, error) {
	v, err, _ := b.group.Do(refreshSingleflightKey, func() (any, error) {
		ips := make(map[string]struct{})
		var ranges []Range
		fetched := 0

		for _, source := range b.sources {
			sourceIPs, sourceRanges, err := b.fetch(ctx, source)
			if err != nil {
				log.Warn("Blocklist source skipped", "source", source, "error", err)
				continue
			}
			fetched++
			for _, ip := range sourceIPs {
				ips[ip] = struct{}{}
			}
			ranges = append(ranges, sourceRanges...)
		}

		if fetched == 0 && len(b.sources) > 0 {
			return RefreshOutcome{}, fmt.Errorf("blacklist: all %d sources failed", len(b.sources))
		}

		merged := mergeRanges(b.static, ranges)
		b.current.Store(&snapshot{ips: ips, ranges: merged})

		outcome := RefreshOutcome{Sources: fetched, IPs: len(ips), Ranges: len(merged)}
		log.Info("Blocklist refreshed", "sources", outcome.Sources, "ips", outcome.IPs, "ranges", outcome.Ranges)
		return outcome, nil
	})
	if err != nil {
		return RefreshOutcome{}, err
	}
	return v.(RefreshOutcome), nil
}

// Run is the scheduled-job form of Refresh.
func (b *Blocklist) Run(ctx context.Context) {
	if _, err := b.Refresh(ctx); err != nil {
		log.Error("Scheduled blocklist refresh failed", "error", err)
	}
}

func (b *Blocklist) fetch(ctx context.Context, source string) ([]string, []Range, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	content, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	ips, ranges := ParseIPs(content)
	return ips, ranges, nil
}

// ParseIPs extracts every IPv4 address and CIDR found anywhere in payload.
func ParseIPs(payload []byte) ([]string, []Range) {
	scanner := bufio.NewScanner(bytes.NewReader(payload))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	seen := make(map[string]struct{})
	var ranges []Range

	for scanner.Scan() {
		for _, match := range ipRegex.FindAll(scanner.Bytes(), -1) {
			cidrs, ips := parseCIDROrIP(string(match))
			for _, ip := range ips {
				seen[ip] = struct{}{}
			}
			ranges = append(ranges, cidrs...)
		}
	}

	if err := scanner.Err(); err != nil {
		log.Warn("Blocklist scanner warning", "error", err)
	}

	out := make([]string, 0, len(seen))
	for ip := range seen {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out, ranges
}

func normalizeIPv4(raw string) string {
	parsed := net.ParseIP(raw)
	if parsed == nil {
		return ""
	}
	v4 := parsed.To4()
	if v4 == nil {
		return ""
	}
	return v4.String()
}

func parseCIDROrIP(raw string) ([]Range, []string) {
	if !strings.Contains(raw, "/") {
		ip := normalizeIPv4(raw)
		if ip == "" {
			return nil, nil
		}
		return nil, []string{ip}
	}

	_, ipnet, err := net.ParseCIDR(raw)
	if err != nil || ipnet == nil {
		return nil, nil
	}

	base := ipnet.IP.To4()
	if base == nil {
		return nil, nil
	}

	ones, bits := ipnet.Mask.Size()
	if bits != 32 || ones < 0 || ones > 32 {
		return nil, nil
	}

	start := ipToUint32(base.Mask(ipnet.Mask))
	hostCount := uint64(1) << uint32(bits-ones)
	last := uint32(uint64(start) + hostCount - 1)

	return []Range{{CIDR: ipnet.String(), Start: start, End: last}}, nil
}

// mergeRanges sorts the union of a and b and collapses overlaps so inRange
// can binary search.
func mergeRanges(a, b []Range) []Range {
	all := make([]Range, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	var out []Range
	for _, r := range all {
		n := len(out)
		if n > 0 && uint64(r.Start) <= uint64(out[n-1].End)+1 {
			if r.End > out[n-1].End {
				out[n-1].End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func ipToUint32(ip net.IP) uint32 {
	ip = ip.To4()
	if ip == nil {
		return 0
	}
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func inRange(ip string, ranges []Range) bool {
	if len(ranges) == 0 {
		return false
	}

	u := ipToUint32(net.ParseIP(ip))

	lo, hi := 0, len(ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		if u < ranges[mid].Start {
			hi = mid
			continue
		}
		if u > ranges[mid].End {
			lo = mid + 1
			continue
		}
		return true
	}
	return false
}
