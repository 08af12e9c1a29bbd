package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/registry"
	"streambridge/pkg/types"
)

// Upstream failure fragments treated as transient: the client should
// retry rather than give up, so they map to 503.
var transientTokens = []string{
	"403",
	"502",
	"forbidden",
	"bad gateway",
	"timeout",
	"connection",
	"temporarily unavailable",
}

// ProxyService routes stream requests to the right handler and runs
// extraction with a single forced retry when cached provider state has
// gone stale.
type ProxyService struct {
	handlers   *registry.StreamHandlerRegistry
	extractors *registry.ExtractorRegistry
	log        *logging.Logger
	proxyBase  string
}

// NewProxyService creates the orchestrator.
func NewProxyService(handlers *registry.StreamHandlerRegistry, extractors *registry.ExtractorRegistry, proxyBase string, log *logging.Logger) *ProxyService {
	return &ProxyService{
		handlers:   handlers,
		extractors: extractors,
		log:        log.WithComponent("proxy-service"),
		proxyBase:  proxyBase,
	}
}

// HandleManifest dispatches a manifest request to the handler for the
// given endpoint family.
func (s *ProxyService) HandleManifest(ctx context.Context, endpoint types.EndpointKind, req *types.StreamRequest) (*types.StreamResponse, error) {
	handler, err := s.handlers.Get(streamTypeFor(endpoint))
	if err != nil {
		return nil, err
	}
	return handler.HandleManifest(ctx, req, s.proxyBase)
}

// HandleStream serves a raw stream or segment through the handler
// detected from the URL.
func (s *ProxyService) HandleStream(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	return s.handlers.Detect(req.URL).HandleSegment(ctx, req)
}

// ExtractStream resolves a provider URL to a playable descriptor. A
// failed extraction is retried once with the extractor's caches
// bypassed; provider tokens expire and the stale copy is the usual
// culprit.
func (s *ProxyService) ExtractStream(ctx context.Context, url, hostHint string, headers map[string]string, force bool) (*types.StreamDescriptor, error) {
	extractor, err := s.extractors.Resolve(url, hostHint)
	if err != nil {
		return nil, err
	}

	opts := interfaces.ExtractOptions{Headers: headers, ForceRefresh: force}
	descriptor, err := extractor.Extract(ctx, url, opts)
	if err == nil {
		return descriptor, nil
	}
	if force || ctx.Err() != nil {
		return nil, err
	}

	s.log.Info("extraction failed, retrying with fresh state",
		"extractor", extractor.Name(), "url", url, "error", err)
	opts.ForceRefresh = true
	descriptor, retryErr := extractor.Extract(ctx, url, opts)
	if retryErr != nil {
		return nil, fmt.Errorf("extraction failed after refresh: %w", retryErr)
	}
	return descriptor, nil
}

// Invalidate drops extractor state derived from a URL.
func (s *ProxyService) Invalidate(url string) {
	s.extractors.Invalidate(url)
}

func streamTypeFor(endpoint types.EndpointKind) types.StreamType {
	switch endpoint {
	case types.EndpointMPD:
		return types.StreamTypeMPD
	case types.EndpointStream:
		return types.StreamTypeGeneric
	}
	return types.StreamTypeHLS
}

// StatusForError maps an internal error onto the HTTP status the
// client sees. Client disconnects are 499 in the nginx tradition.
func StatusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	msg := strings.ToLower(err.Error())
	for _, token := range transientTokens {
		if strings.Contains(msg, token) {
			return http.StatusServiceUnavailable
		}
	}
	if strings.Contains(msg, "fetch") || strings.Contains(msg, "upstream") {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// IsClientDisconnect reports whether the error is the client hanging
// up, which gets info-level logging rather than an error.
func IsClientDisconnect(err error) bool {
	return errors.Is(err, context.Canceled)
}
