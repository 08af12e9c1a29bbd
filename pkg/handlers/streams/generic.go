package streams

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

// Response headers copied through to the client on raw streams.
var passThroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Last-Modified",
	"ETag",
}

// Content types some origins use to disguise playlists from filters.
var maskedPlaylistTypes = []string{"text/css", "text/plain", "application/octet-stream"}

// GenericHandler streams arbitrary upstream content through the proxy.
// Bodies that turn out to be HLS playlists behind a masking content type
// are handed to the playlist rewriter instead of streamed raw.
type GenericHandler struct {
	client *httpclient.Client
	log    *logging.Logger
	hls    *HLSHandler
}

// NewGenericHandler creates the raw stream handler. hls handles playlists
// discovered behind masked content types.
func NewGenericHandler(client *httpclient.Client, log *logging.Logger, hls *HLSHandler) *GenericHandler {
	return &GenericHandler{
		client: client,
		log:    log.WithComponent("generic-handler"),
		hls:    hls,
	}
}

// Type returns the stream type.
func (h *GenericHandler) Type() types.StreamType {
	return types.StreamTypeGeneric
}

// CanHandle always returns true; this is the fallback handler.
func (h *GenericHandler) CanHandle(urlStr string) bool {
	return true
}

// HandleManifest opens the upstream and streams it. Range and other
// request headers pass through so seeking keeps working.
func (h *GenericHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpclient.ApplyHeaders(httpReq, req.Headers)
	if rng, ok := req.Headers["Range"]; ok {
		httpReq.Header.Set("Range", rng)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch stream: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && isMaskedPlaylistType(contentType) {
		reader := bufio.NewReader(resp.Body)
		peek, _ := reader.Peek(7)
		if bytes.HasPrefix(peek, []byte("#EXTM3U")) {
			defer resp.Body.Close()
			body, err := io.ReadAll(reader)
			if err != nil {
				return nil, fmt.Errorf("read masked playlist: %w", err)
			}
			finalURL := req.URL
			if resp.Request != nil && resp.Request.URL != nil {
				finalURL = resp.Request.URL.String()
			}
			h.log.Debug("masked playlist detected", "url", req.URL, "content_type", contentType)
			return &types.StreamResponse{
				ContentType: "application/vnd.apple.mpegurl",
				Body:        io.NopCloser(bytes.NewReader(h.hls.Rewrite(body, finalURL, req.Headers))),
				StatusCode:  http.StatusOK,
				Headers: map[string]string{
					"Cache-Control": "no-cache, no-store, must-revalidate",
				},
			}, nil
		}
		resp.Body = struct {
			io.Reader
			io.Closer
		}{reader, resp.Body}
	}

	if contentType == "" {
		contentType = "video/MP2T"
	}

	headers := make(map[string]string)
	for _, name := range passThroughHeaders {
		if v := resp.Header.Get(name); v != "" {
			headers[name] = v
		}
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Headers:     headers,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

// HandleSegment behaves identically to HandleManifest for raw streams.
func (h *GenericHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	return h.HandleManifest(ctx, req, "")
}

func isMaskedPlaylistType(contentType string) bool {
	lower := strings.ToLower(contentType)
	for _, t := range maskedPlaylistTypes {
		if strings.HasPrefix(lower, t) {
			return true
		}
	}
	return false
}

var _ interfaces.StreamHandler = (*GenericHandler)(nil)
