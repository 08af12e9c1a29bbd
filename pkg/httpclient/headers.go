package httpclient

import (
	"net/http"
	"net/url"
	"strings"
)

// DefaultUserAgent is injected on upstream requests that carry none.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ipLeakHeaders must never reach an upstream, whatever the client sent.
var ipLeakHeaders = map[string]bool{
	"x-forwarded-for": true,
	"x-real-ip":       true,
	"forwarded":       true,
	"via":             true,
}

// hopHeaders are connection-scoped and dropped alongside the leak set.
var hopHeaders = map[string]bool{
	"host":            true,
	"connection":      true,
	"accept-encoding": true,
	"content-length":  true,
}

// NormalizeHeaders canonicalizes header-name casing and drops the IP-leak
// and hop-by-hop sets. Origins reject lowercased User-Agent and friends
// when sent over HTTP/1.1, so canonical form is restored here.
func NormalizeHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		lower := strings.ToLower(name)
		if ipLeakHeaders[lower] || hopHeaders[lower] {
			continue
		}
		out[http.CanonicalHeaderKey(name)] = value
	}
	return out
}

// ApplyHeaders sets normalized headers on an outbound request and injects
// the default User-Agent when none was supplied.
func ApplyHeaders(req *http.Request, headers map[string]string) {
	for name, value := range NormalizeHeaders(headers) {
		req.Header.Set(name, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
}

// IsRedirector reports whether the URL is a redirect-resolution service.
// Those endpoints break on Range and cache-validator headers.
func IsRedirector(targetURL string) bool {
	lower := strings.ToLower(targetURL)
	return strings.Contains(lower, "/resolve/") || strings.Contains(lower, "torrentio")
}

// StripConditionalHeaders removes Range and cache validators, required
// before talking to redirector endpoints.
func StripConditionalHeaders(headers map[string]string) {
	for name := range headers {
		switch strings.ToLower(name) {
		case "range", "if-none-match", "if-modified-since":
			delete(headers, name)
		}
	}
}

// FilteredHeaders copies an http.Header without the leak and hop sets.
func FilteredHeaders(headers http.Header) http.Header {
	filtered := make(http.Header)
	for name, values := range headers {
		lower := strings.ToLower(name)
		if ipLeakHeaders[lower] || hopHeaders[lower] {
			continue
		}
		filtered[name] = values
	}
	return filtered
}

// ParseHeaderParams extracts forwarded headers from h_ query parameters,
// mapping underscores to hyphens (h_User_Agent -> User-Agent).
func ParseHeaderParams(query url.Values) map[string]string {
	headers := make(map[string]string)
	for key, values := range query {
		if strings.HasPrefix(key, "h_") && len(values) > 0 {
			headers[strings.ReplaceAll(key[2:], "_", "-")] = values[0]
		}
	}
	return headers
}
