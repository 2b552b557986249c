// url.go — URL helpers for navigation targets: the whitelist check routes
// targets through ExtractOrigin, and blocked-navigation log lines carry
// only the path from ExtractURLPath (query strings may hold secrets).
package util

import (
	"net/url"
	"strings"
)

// ExtractURLPath extracts the path portion from a URL string, stripping
// query parameters. Returns "/" if the URL has no path component.
// Returns the input unchanged if it cannot be parsed.
func ExtractURLPath(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := parsed.Path
	if path == "" {
		return "/"
	}
	return path
}

// ExtractOrigin extracts the origin (scheme://host[:port]) from a URL.
// Returns empty string for data: URLs and malformed input — a target with
// no origin can never match a domain suffix, so the whitelist rejects it.
// blob: URLs yield their nested origin (blob:https://a.com/uuid -> https://a.com).
func ExtractOrigin(rawURL string) string {
	if strings.HasPrefix(rawURL, "data:") {
		return ""
	}
	rawURL = strings.TrimPrefix(rawURL, "blob:")

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
