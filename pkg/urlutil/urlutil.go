// Package urlutil provides URL helpers that preserve original encoding.
//
// Manifest URIs must survive resolution byte-for-byte: url.ResolveReference
// re-encodes characters like parentheses and brackets, which breaks signed
// CDN URLs. All resolution here is plain string manipulation.
package urlutil

import (
	"net/url"
	"strings"
)

// Resolve resolves a possibly relative reference against a base URL.
func Resolve(ref, base string) string {
	if IsAbsolute(ref) {
		return ref
	}

	if strings.HasPrefix(ref, "/") {
		if parsed, err := url.Parse(base); err == nil && parsed.Host != "" {
			return parsed.Scheme + "://" + parsed.Host + ref
		}
		return BaseDirectory(base) + ref
	}

	dir := BaseDirectory(base)

	// Walk up one directory per ../ prefix.
	for strings.HasPrefix(ref, "../") {
		ref = ref[3:]
		trimmed := strings.TrimSuffix(dir, "/")
		if idx := strings.LastIndex(trimmed, "/"); idx > len("https://") {
			dir = trimmed[:idx+1]
		}
	}

	return dir + ref
}

// IsAbsolute reports whether s carries an http(s) scheme.
func IsAbsolute(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// BaseDirectory returns the directory of a URL, query stripped,
// trailing slash included.
func BaseDirectory(urlStr string) string {
	if idx := strings.Index(urlStr, "?"); idx > 0 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.LastIndex(urlStr, "/"); idx > 0 {
		return urlStr[:idx+1]
	}
	return urlStr
}

// FileName returns the last path segment of a URL, query stripped.
func FileName(urlStr string) string {
	if idx := strings.Index(urlStr, "?"); idx > 0 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.LastIndex(urlStr, "/"); idx >= 0 {
		return urlStr[idx+1:]
	}
	return urlStr
}

// SchemeHost returns scheme://host of a URL, or "" when unparsable.
func SchemeHost(urlStr string) string {
	parsed, err := url.Parse(urlStr)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}
