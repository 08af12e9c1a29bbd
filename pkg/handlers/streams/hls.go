// Package streams provides the stream handler implementations: HLS
// playlist rewriting, DASH-to-HLS conversion, and raw pass-through.
package streams

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
	"streambridge/pkg/urlutil"
)

// Extensions treated as binary media rather than nested playlists.
var segmentExtensions = []string{".ts", ".m4s", ".mp4", ".m4a", ".m4v", ".m4i", ".aac", ".vtt"}

// HLSHandler fetches HLS playlists and rewrites them through the proxy.
type HLSHandler struct {
	client      *httpclient.Client
	log         *logging.Logger
	proxyBase   string
	apiPassword string
}

// NewHLSHandler creates the HLS stream handler.
func NewHLSHandler(client *httpclient.Client, log *logging.Logger, proxyBase, apiPassword string) *HLSHandler {
	return &HLSHandler{
		client:      client,
		log:         log.WithComponent("hls-handler"),
		proxyBase:   proxyBase,
		apiPassword: apiPassword,
	}
}

// Type returns the stream type.
func (h *HLSHandler) Type() types.StreamType {
	return types.StreamTypeHLS
}

// CanHandle returns true if the URL looks like an HLS playlist.
func (h *HLSHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	if strings.Contains(lower, ".m3u8") || strings.Contains(lower, "/hls/") {
		return true
	}
	return strings.Contains(lower, "manifest") &&
		!strings.Contains(lower, ".mpd") &&
		!strings.Contains(lower, "format=mpd")
}

// HandleManifest fetches the upstream playlist and rewrites every URI to
// route back through the proxy. Upstream non-200 bodies are forwarded
// verbatim so the client sees the origin's diagnostics.
func (h *HLSHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	h.log.Debug("handling HLS manifest", "url", req.URL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	headers := req.Headers
	if httpclient.IsRedirector(req.URL) {
		httpclient.StripConditionalHeaders(headers)
	}
	httpclient.ApplyHeaders(httpReq, headers)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.log.Warn("upstream manifest error", "url", req.URL, "status", resp.StatusCode)
		return &types.StreamResponse{
			ContentType: resp.Header.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(body)),
			StatusCode:  resp.StatusCode,
		}, nil
	}

	// Some origins serve raw media from playlist-shaped URLs. A body
	// that is not valid text cannot be a playlist; pass it through
	// untouched instead of corrupting it with line rewriting.
	if !utf8.Valid(body) {
		h.log.Debug("binary body from playlist URL, passing through", "url", req.URL)
		return &types.StreamResponse{
			ContentType: "video/MP2T",
			Body:        io.NopCloser(bytes.NewReader(body)),
			StatusCode:  http.StatusOK,
		}, nil
	}

	// The upstream may have redirected; children resolve against the
	// final URL, not the one the client asked for.
	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	rewritten := h.Rewrite(body, finalURL, req.Headers)

	return &types.StreamResponse{
		ContentType: "application/vnd.apple.mpegurl",
		Body:        io.NopCloser(bytes.NewReader(rewritten)),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// HandleSegment proxies one media segment.
func (h *HLSHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpclient.ApplyHeaders(httpReq, req.Headers)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch segment: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/MP2T"
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

// Rewrite transforms a playlist so that every URI-bearing line points at
// the proxy. Relative URIs are resolved against upstreamURL first; URIs
// already pointing at the proxy are left alone, making Rewrite idempotent.
func (h *HLSHandler) Rewrite(manifest []byte, upstreamURL string, headers map[string]string) []byte {
	var out bytes.Buffer
	scanner := bufio.NewScanner(bytes.NewReader(manifest))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			out.WriteString(line)
		case strings.HasPrefix(trimmed, "#"):
			if strings.Contains(line, `URI="`) {
				line = h.rewriteURIAttr(line, upstreamURL, headers)
			}
			out.WriteString(line)
		default:
			// A bare line after EXTINF or EXT-X-STREAM-INF is a URI.
			resolved := urlutil.Resolve(trimmed, upstreamURL)
			if strings.HasPrefix(resolved, h.proxyBase) {
				out.WriteString(resolved)
			} else {
				out.WriteString(h.proxyURL(resolved, headers))
			}
		}
		out.WriteByte('\n')
	}

	return out.Bytes()
}

// rewriteURIAttr rewrites the URI="…" attribute of a tag line. AES-128
// key URIs go to the key relay, map/media URIs follow the normal rules.
func (h *HLSHandler) rewriteURIAttr(line, upstreamURL string, headers map[string]string) string {
	start := strings.Index(line, `URI="`)
	if start == -1 {
		return line
	}
	start += len(`URI="`)
	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return line
	}

	resolved := urlutil.Resolve(line[start:start+end], upstreamURL)
	if strings.HasPrefix(resolved, h.proxyBase) {
		return line
	}

	var rewritten string
	if strings.HasPrefix(line, "#EXT-X-KEY") && strings.Contains(line, "METHOD=AES-128") {
		rewritten = h.keyURL(resolved, headers)
	} else {
		rewritten = h.proxyURL(resolved, headers)
	}

	return line[:start] + rewritten + line[start+end:]
}

// proxyURL picks the endpoint for a target by extension and encodes the
// target plus forwarded headers into the query.
func (h *HLSHandler) proxyURL(targetURL string, headers map[string]string) string {
	lower := strings.ToLower(targetURL)

	switch {
	case strings.Contains(lower, ".m3u8"):
		return h.buildURL("/proxy/hls/manifest.m3u8", "d", targetURL, headers)
	case strings.Contains(lower, ".mpd"):
		return h.buildURL("/proxy/mpd/manifest.m3u8", "d", targetURL, headers)
	case hasSegmentExtension(lower):
		return h.buildURL("/segment/"+urlutil.FileName(targetURL), "base_url", targetURL, headers)
	default:
		return h.buildURL("/proxy/hls/manifest.m3u8", "d", targetURL, headers)
	}
}

// keyURL routes an AES-128 key URI through the key relay.
func (h *HLSHandler) keyURL(targetURL string, headers map[string]string) string {
	return h.buildURL("/key", "key_url", targetURL, headers)
}

func (h *HLSHandler) buildURL(path, urlParam, targetURL string, headers map[string]string) string {
	query := url.Values{}
	query.Set(urlParam, targetURL)
	for name, value := range headers {
		query.Set("h_"+strings.ReplaceAll(name, "-", "_"), value)
	}
	if h.apiPassword != "" {
		query.Set("api_password", h.apiPassword)
	}
	return h.proxyBase + path + "?" + query.Encode()
}

func hasSegmentExtension(lowerURL string) bool {
	if idx := strings.Index(lowerURL, "?"); idx > 0 {
		lowerURL = lowerURL[:idx]
	}
	for _, ext := range segmentExtensions {
		if strings.HasSuffix(lowerURL, ext) {
			return true
		}
	}
	return false
}

var _ interfaces.StreamHandler = (*HLSHandler)(nil)
