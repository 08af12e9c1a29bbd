package extractors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
	"streambridge/pkg/urlutil"
)

const handshakeTimeout = 15 * time.Second

// Client headers forwarded to the resolved origin when present.
var forwardAllowlist = []string{
	"Authorization",
	"X-Api-Key",
	"X-Auth-Token",
	"Cookie",
	"X-Channel-Key",
}

// CDN host tokens that reject browser referers outright.
var refererHostileTokens = []string{"pcdn", "cssott"}

// GenericExtractor handles any URL without a dedicated extractor. For
// addon redirectors it performs a single-hop handshake to capture the
// tokenized target; for everything else it passes the URL through with
// origin-appropriate headers.
type GenericExtractor struct {
	BaseExtractor
}

// NewGeneric creates the fallback extractor.
func NewGeneric(client *httpclient.Client, log *logging.Logger) *GenericExtractor {
	return &GenericExtractor{BaseExtractor: newBase("generic", client, log)}
}

// CanExtract accepts every HTTP URL; this is the fallback.
func (e *GenericExtractor) CanExtract(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// Extract resolves the URL into a stream descriptor.
func (e *GenericExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	if !opts.ForceRefresh {
		if d, ok := e.cached(url); ok {
			return d, nil
		}
	}

	finalURL := url
	if httpclient.IsRedirector(url) {
		resolved, err := e.handshake(ctx, url)
		if err != nil {
			e.log.Warn("handshake failed, passing URL through", "url", url, "error", err)
		} else {
			finalURL = resolved
		}
	}

	descriptor := &types.StreamDescriptor{
		DestinationURL: finalURL,
		RequestHeaders: e.buildHeaders(url, finalURL, opts.Headers),
		Endpoint:       endpointFor(finalURL),
	}

	e.store(url, descriptor)
	return descriptor, nil
}

// handshake follows exactly one redirect hop so the provider's session
// token ends up bound to our egress, not to a chain of hops. The second
// attempt goes direct in case the configured proxy is the problem.
func (e *GenericExtractor) handshake(ctx context.Context, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	resolved, err := e.handshakeAttempt(ctx, url, e.client.DoNoRedirect)
	if err == nil {
		return resolved, nil
	}
	if !e.client.HasProxies() {
		return "", err
	}

	e.log.Debug("handshake retrying direct", "url", url, "error", err)
	return e.handshakeAttempt(ctx, url, e.client.DoDirectNoRedirect)
}

func (e *GenericExtractor) handshakeAttempt(ctx context.Context, url string, do func(*http.Request) (*http.Response, error)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create handshake request: %w", err)
	}
	req.Header.Set("User-Agent", httpclient.DefaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Referer", "https://strem.io/")

	resp, err := do(req)
	if err != nil {
		return "", fmt.Errorf("handshake request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		location := resp.Header.Get("Location")
		if location == "" {
			return "", fmt.Errorf("redirect without location from %s", url)
		}
		return urlutil.Resolve(location, url), nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// No redirect; the URL serves the stream itself.
		return url, nil
	}
	return "", fmt.Errorf("handshake got status %d from %s", resp.StatusCode, url)
}

// buildHeaders assembles the headers the origin will accept: browser
// defaults, a matching Referer and Origin, and the client's credential
// headers.
func (e *GenericExtractor) buildHeaders(originalURL, finalURL string, clientHeaders map[string]string) map[string]string {
	headers := map[string]string{
		"User-Agent":      httpclient.DefaultUserAgent,
		"Accept":          "*/*",
		"Accept-Language": "en-US,en;q=0.9",
	}

	// A real browser UA from the client wins over our default; anything
	// else (VLC, ffmpeg, curl) would just get the origin's bot filter.
	for name, value := range clientHeaders {
		if strings.EqualFold(name, "User-Agent") {
			lower := strings.ToLower(value)
			if strings.Contains(lower, "chrome") || strings.Contains(lower, "applewebkit") {
				headers["User-Agent"] = value
			}
		}
	}

	if httpclient.IsRedirector(originalURL) {
		headers["Referer"] = "https://strem.io/"
	} else {
		if host := urlutil.SchemeHost(finalURL); host != "" {
			headers["Referer"] = host + "/"
			headers["Origin"] = host
		}
		// The client knows the embedding page; its Referer and Origin
		// beat our scheme-plus-host guess.
		for name, value := range clientHeaders {
			if strings.EqualFold(name, "Referer") {
				headers["Referer"] = value
			} else if strings.EqualFold(name, "Origin") {
				headers["Origin"] = value
			}
		}
	}

	if hostIsRefererHostile(finalURL) {
		delete(headers, "Referer")
		delete(headers, "Origin")
	}

	for _, name := range forwardAllowlist {
		for have, value := range clientHeaders {
			if strings.EqualFold(have, name) {
				headers[name] = value
			}
		}
	}

	return headers
}

func hostIsRefererHostile(url string) bool {
	lower := strings.ToLower(url)
	for _, token := range refererHostileTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

// endpointFor classifies the resolved URL into a playback endpoint.
func endpointFor(url string) types.EndpointKind {
	lower := strings.ToLower(url)
	switch {
	case strings.Contains(lower, ".mpd"):
		return types.EndpointMPD
	case strings.Contains(lower, ".m3u8"):
		return types.EndpointHLS
	}
	return types.EndpointHLS
}

var _ interfaces.Extractor = (*GenericExtractor)(nil)
