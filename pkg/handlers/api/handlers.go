// Package api provides HTTP handlers for the proxy API.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"streambridge/pkg/appctx"
	"streambridge/pkg/httpclient"
	"streambridge/pkg/logging"
	"streambridge/pkg/services"
	"streambridge/pkg/types"
	"streambridge/pkg/urlutil"
)

const streamCopyBufferSize = 8 * 1024

// Handlers contains all API handlers.
type Handlers struct {
	ctx *appctx.Context
	log *logging.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(ctx *appctx.Context) *Handlers {
	return &Handlers{
		ctx: ctx,
		log: ctx.Log.WithComponent("api"),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	// Public routes
	mux.HandleFunc("GET /", h.handleIndex)
	mux.HandleFunc("GET /info", h.handleInfo)
	mux.HandleFunc("GET /favicon.ico", h.handleFavicon)
	mux.HandleFunc("GET /proxy/ip", h.handleIP)

	// Proxy routes
	mux.HandleFunc("GET /proxy/hls/manifest.m3u8", h.handleProxyHLS)
	mux.HandleFunc("GET /proxy/mpd/manifest.m3u8", h.handleProxyMPD)
	mux.HandleFunc("GET /proxy/stream", h.handleProxyStream)
	mux.HandleFunc("GET /segment/{name}", h.handleSegment)

	// Decrypt pipeline
	mux.HandleFunc("GET /decrypt/segment.mp4", h.handleDecrypt)
	mux.HandleFunc("POST /decrypt/segment.mp4", h.handleDecrypt)

	// Key and license routes
	mux.HandleFunc("GET /key", h.handleKey)
	mux.HandleFunc("GET /license", h.handleLicense)
	mux.HandleFunc("POST /license", h.handleLicense)

	// Extractor and URL builder routes
	mux.HandleFunc("GET /extractor/video", h.handleExtractor)
	mux.HandleFunc("POST /generate_urls", h.handleGenerateURLs)
}

// handleIndex serves the landing page.
func (h *Handlers) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>StreamBridge</title></head>
<body>
    <h1>StreamBridge</h1>
    <p>HLS/DASH stream proxy</p>
    <div>
        <div><code>GET /proxy/hls/manifest.m3u8?d=...</code> HLS proxy</div>
        <div><code>GET /proxy/mpd/manifest.m3u8?d=...</code> DASH proxy (HLS output)</div>
        <div><code>GET /proxy/stream?d=...</code> raw stream proxy</div>
        <div><code>GET /extractor/video?url=...</code> extract stream URLs</div>
        <div><code>GET /proxy/ip</code> egress IP</div>
    </div>
    <footer><a href="/info">Server info</a></footer>
</body>
</html>`)
}

// handleInfo serves the info page.
func (h *Handlers) handleInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "running",
		"version":  "1.0.0",
		"mpd_mode": h.ctx.Config.MPDMode,
	})
}

// handleFavicon serves the favicon.
func (h *Handlers) handleFavicon(w http.ResponseWriter, r *http.Request) {
	http.NotFound(w, r)
}

// handleIP reports the egress IP as upstreams see it, through the
// configured proxy pool when one exists.
func (h *Handlers) handleIP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.ipify.org", nil)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "failed to build IP request")
		return
	}

	resp, err := h.ctx.Client.Do(req)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "failed to get IP")
		return
	}
	defer resp.Body.Close()

	ip, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	h.writeJSON(w, http.StatusOK, map[string]string{"ip": strings.TrimSpace(string(ip))})
}

// handleProxyHLS serves the HLS manifest proxy endpoint.
func (h *Handlers) handleProxyHLS(w http.ResponseWriter, r *http.Request) {
	h.handleManifest(w, r, types.EndpointHLS)
}

// handleProxyMPD serves the DASH manifest endpoint; output is HLS
// unless the server runs in ffmpeg mode.
func (h *Handlers) handleProxyMPD(w http.ResponseWriter, r *http.Request) {
	h.handleManifest(w, r, types.EndpointMPD)
}

func (h *Handlers) handleManifest(w http.ResponseWriter, r *http.Request, endpoint types.EndpointKind) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "d or url parameter required")
		return
	}

	h.log.Debug("manifest request", "endpoint", string(endpoint), "url", req.URL)

	resp, err := h.ctx.ProxyService.HandleManifest(r.Context(), endpoint, req)
	if err != nil {
		h.handleStreamError(w, "manifest", req.URL, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleProxyStream proxies a raw stream through the handler detected
// from the URL.
func (h *Handlers) handleProxyStream(w http.ResponseWriter, r *http.Request) {
	req := h.parseStreamRequest(r)
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "d or url parameter required")
		return
	}

	h.log.Debug("stream request", "url", req.URL)

	resp, err := h.ctx.ProxyService.HandleStream(r.Context(), req)
	if err != nil {
		h.handleStreamError(w, "stream", req.URL, err)
		return
	}

	h.writeStreamResponse(w, r, resp)
}

// handleSegment relays one media segment named in the path. base_url is
// either the full segment URL or a prefix the name resolves against.
func (h *Handlers) handleSegment(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	base := r.URL.Query().Get("base_url")
	if base == "" {
		h.writeError(w, http.StatusBadRequest, "base_url parameter required")
		return
	}

	target := base
	if urlutil.FileName(base) != name {
		target = urlutil.Resolve(name, base)
	}

	headers := httpclient.ParseHeaderParams(r.URL.Query())
	if rng := r.Header.Get("Range"); rng != "" {
		headers["Range"] = rng
	}

	req := &types.StreamRequest{URL: target, Headers: headers}
	resp, err := h.ctx.ProxyService.HandleStream(r.Context(), req)
	if err != nil {
		h.handleStreamError(w, "segment", target, err)
		return
	}

	// Players expect TS semantics on the segment endpoint regardless of
	// what the origin labels the bytes.
	resp.ContentType = "video/MP2T"
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	delete(resp.Headers, "Content-Type")
	resp.Headers["Content-Disposition"] = fmt.Sprintf("attachment; filename=%q", name)

	h.writeStreamResponse(w, r, resp)
}

// handleDecrypt runs the CENC pipeline: fetch init and media, decrypt
// with the supplied key, remux to TS when ffmpeg is available.
func (h *Handlers) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	segURL := decodeStreamURL(query.Get("url"))
	if segURL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	remux := h.ctx.Remuxer != nil && h.ctx.Remuxer.Available()
	opts := services.SegmentOptions{
		URL:         segURL,
		InitURL:     decodeStreamURL(query.Get("init_url")),
		KeyID:       query.Get("key_id"),
		Key:         query.Get("key"),
		Headers:     httpclient.ParseHeaderParams(query),
		SkipDecrypt: query.Get("skip_decrypt") == "1",
		RemuxToTS:   remux,
	}

	data, err := h.ctx.SegmentService.ProcessSegment(r.Context(), opts)
	if err != nil {
		h.handleStreamError(w, "decrypt", segURL, err)
		return
	}

	contentType := "video/mp4"
	if remux {
		contentType = "video/MP2T"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}

// handleKey relays an AES-128 key. static_key short-circuits to the
// decoded hex bytes; key_url goes upstream with the forwarded headers.
func (h *Handlers) handleKey(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if staticKey := query.Get("static_key"); staticKey != "" {
		key, err := services.StaticKey(staticKey)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(key)
		return
	}

	keyURL := query.Get("key_url")
	if keyURL == "" {
		keyURL = query.Get("url")
	}
	if keyURL == "" {
		h.writeError(w, http.StatusBadRequest, "key_url or static_key parameter required")
		return
	}

	headers := httpclient.ParseHeaderParams(query)
	delete(headers, "Range")

	originalURL := decodeStreamURL(query.Get("d"))
	key, err := h.ctx.KeyService.FetchKey(r.Context(), keyURL, headers, originalURL)
	if err != nil {
		h.handleStreamError(w, "key", keyURL, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(key)
}

// handleLicense serves ClearKey JWK documents built from clearkey
// pairs, or proxies a license exchange to the upstream DRM server.
func (h *Handlers) handleLicense(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if clearkey := query.Get("clearkey"); clearkey != "" {
		license, err := services.ClearKeyLicense(clearkey)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(license)
		return
	}

	licenseURL := decodeStreamURL(query.Get("url"))
	if licenseURL == "" {
		h.writeError(w, http.StatusBadRequest, "clearkey or url parameter required")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	resp, err := h.ctx.KeyService.ProxyLicense(r.Context(), licenseURL, r.Method,
		r.Header.Get("Content-Type"), body, httpclient.ParseHeaderParams(query))
	if err != nil {
		h.handleStreamError(w, "license", licenseURL, err)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// extractorResponse mirrors the MediaFlow extractor answer shape so
// existing clients can consume it unchanged.
type extractorResponse struct {
	DestinationURL string             `json:"destination_url"`
	RequestHeaders map[string]string  `json:"request_headers"`
	Endpoint       types.EndpointKind `json:"mediaflow_endpoint"`
	ProxyURL       string             `json:"mediaflow_proxy_url"`
}

// handleExtractor resolves a hosting-site URL to a playable stream.
// The url may be plain, percent-encoded, or base64.
func (h *Handlers) handleExtractor(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	urlStr := decodeStreamURL(query.Get("url"))
	if urlStr == "" {
		urlStr = decodeStreamURL(query.Get("d"))
	}
	if urlStr == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}

	hostHint := query.Get("host")
	force := query.Get("force") == "true"

	h.log.Debug("extract request", "url", urlStr, "host", hostHint)

	descriptor, err := h.ctx.ProxyService.ExtractStream(r.Context(), urlStr, hostHint,
		httpclient.ParseHeaderParams(query), force)
	if err != nil {
		h.handleStreamError(w, "extract", urlStr, err)
		return
	}

	proxyURL := h.proxiedStreamURL(descriptor)
	if query.Get("redirect_stream") == "true" {
		http.Redirect(w, r, proxyURL, http.StatusFound)
		return
	}

	h.writeJSON(w, http.StatusOK, extractorResponse{
		DestinationURL: descriptor.DestinationURL,
		RequestHeaders: descriptor.RequestHeaders,
		Endpoint:       descriptor.Endpoint,
		ProxyURL:       proxyURL,
	})
}

type generateURLItem struct {
	DestinationURL string            `json:"destination_url"`
	Endpoint       string            `json:"endpoint"`
	RequestHeaders map[string]string `json:"request_headers"`
}

type generateURLsRequest struct {
	URLs        []generateURLItem `json:"urls"`
	APIPassword string            `json:"api_password"`
}

// handleGenerateURLs batch-builds proxy URLs for a list of
// destinations. The API password travels in the JSON body here, so the
// endpoint is exempt from the auth middleware and checks it itself.
func (h *Handlers) handleGenerateURLs(w http.ResponseWriter, r *http.Request) {
	var req generateURLsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if pw := h.ctx.Config.APIPassword; pw != "" {
		if req.APIPassword != pw &&
			r.URL.Query().Get("api_password") != pw &&
			r.Header.Get("X-API-Password") != pw {
			h.log.Warn("unauthorized generate_urls request", "remote_addr", r.RemoteAddr)
			h.writeError(w, http.StatusUnauthorized, "invalid api password")
			return
		}
	}

	proxyBase := requestBase(r)
	urls := make([]string, 0, len(req.URLs))
	for _, item := range req.URLs {
		if item.DestinationURL == "" {
			continue
		}

		endpoint := item.Endpoint
		if endpoint == "" {
			endpoint = "/proxy/stream"
		}
		if !strings.HasPrefix(endpoint, "/") {
			endpoint = "/" + endpoint
		}

		urls = append(urls, proxyBase+endpoint+"?"+h.streamQuery(item.DestinationURL, item.RequestHeaders, nil).Encode())
	}

	h.log.Info("generated proxy urls", "count", len(urls), "remote_addr", r.RemoteAddr)
	h.writeJSON(w, http.StatusOK, map[string][]string{"urls": urls})
}

// Helper methods

// parseStreamRequest collects the common stream parameters from the
// query. The d parameter accepts plain, percent-encoded, and base64
// URLs.
func (h *Handlers) parseStreamRequest(r *http.Request) *types.StreamRequest {
	query := r.URL.Query()
	urlStr := query.Get("d")
	if urlStr == "" {
		urlStr = query.Get("url")
	}

	headers := httpclient.ParseHeaderParams(query)
	if rng := r.Header.Get("Range"); rng != "" {
		headers["Range"] = rng
	}

	return &types.StreamRequest{
		URL:            decodeStreamURL(urlStr),
		OriginalURL:    urlStr,
		Headers:        headers,
		ClearKey:       query.Get("clearkey"),
		KeyID:          query.Get("key_id"),
		Key:            query.Get("key"),
		RedirectStream: query.Get("redirect_stream") == "true",
		Force:          query.Get("force") == "true",
		Extension:      query.Get("ext"),
		RepID:          query.Get("rep_id"),
	}
}

// decodeStreamURL normalizes a URL parameter that may arrive plain,
// percent-encoded, or base64-encoded.
func decodeStreamURL(raw string) string {
	if raw == "" || strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}

	if unescaped, err := url.QueryUnescape(raw); err == nil && strings.HasPrefix(unescaped, "http") {
		return unescaped
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.URLEncoding,
		base64.RawStdEncoding,
		base64.RawURLEncoding,
	}
	for _, enc := range encodings {
		if decoded, err := enc.DecodeString(raw); err == nil && strings.HasPrefix(string(decoded), "http") {
			return string(decoded)
		}
	}

	return raw
}

// proxiedStreamURL builds the proxy playback URL for an extracted
// descriptor.
func (h *Handlers) proxiedStreamURL(d *types.StreamDescriptor) string {
	var path string
	switch d.Endpoint {
	case types.EndpointHLS:
		path = "/proxy/hls/manifest.m3u8"
	case types.EndpointMPD:
		path = "/proxy/mpd/manifest.m3u8"
	default:
		path = "/proxy/stream"
	}
	return h.ctx.BaseURL + path + "?" + h.streamQuery(d.DestinationURL, d.RequestHeaders, d.QueryParams).Encode()
}

// streamQuery encodes a destination plus forwarded headers the way
// every proxy endpoint expects them.
func (h *Handlers) streamQuery(destURL string, headers, extra map[string]string) url.Values {
	query := url.Values{}
	query.Set("d", destURL)
	for name, value := range headers {
		query.Set("h_"+strings.ReplaceAll(name, "-", "_"), value)
	}
	for name, value := range extra {
		query.Set(name, value)
	}
	if h.ctx.Config.APIPassword != "" {
		query.Set("api_password", h.ctx.Config.APIPassword)
	}
	return query
}

// requestBase reconstructs the externally visible base URL, honoring
// reverse-proxy forwarding headers.
func requestBase(r *http.Request) string {
	scheme := r.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if r.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return scheme + "://" + host
}

// handleStreamError maps an internal error to the client status. A
// client hang-up is routine and logged at info.
func (h *Handlers) handleStreamError(w http.ResponseWriter, op, urlStr string, err error) {
	status := services.StatusForError(err)
	if services.IsClientDisconnect(err) {
		h.log.Info("client disconnected", "op", op, "url", urlStr)
	} else if status == http.StatusServiceUnavailable {
		h.log.Warn("transient upstream failure", "op", op, "url", urlStr, "error", err)
	} else {
		h.log.Error(op+" failed", "url", urlStr, "error", err)
	}
	h.writeError(w, status, err.Error())
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// writeStreamResponse streams a handler result to the client in small
// chunks so long-lived bodies never buffer whole.
func (h *Handlers) writeStreamResponse(w http.ResponseWriter, r *http.Request, resp *types.StreamResponse) {
	if resp.RedirectURL != "" {
		http.Redirect(w, r, resp.RedirectURL, resp.StatusCode)
		return
	}

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}

	w.WriteHeader(resp.StatusCode)

	if resp.Body == nil {
		return
	}
	defer resp.Body.Close()

	buf := make([]byte, streamCopyBufferSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		h.log.Info("client stopped reading", "path", r.URL.Path, "error", err)
	}
}
