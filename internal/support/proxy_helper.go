package support

import (
	"regexp"
	"strings"
)

var proxyLineRegex = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}:\d+$`)

// ParseProxyList returns the lines of text that are strict IPv4:port
// addresses, deduplicated in first-seen order. Everything else is dropped.
func ParseProxyList(text string) []string {
	text = strings.ReplaceAll(text, "\r", "")
	lines := strings.Split(text, "\n")

	seen := make(map[string]struct{}, len(lines))
	addresses := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !proxyLineRegex.MatchString(trimmed) {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		addresses = append(addresses, trimmed)
	}

	return addresses
}

// MergeUnique appends every entry of each list once, preserving order.
func MergeUnique(lists ...[]string) []string {
	seen := make(map[string]struct{})
	merged := make([]string, 0)
	for _, list := range lists {
		for _, item := range list {
			if _, dup := seen[item]; dup {
				continue
			}
			seen[item] = struct{}{}
			merged = append(merged, item)
		}
	}
	return merged
}
