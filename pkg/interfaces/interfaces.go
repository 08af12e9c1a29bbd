// Package interfaces defines the core abstractions of the streaming proxy.
// Stream handlers, extractors, and the remuxer implement these interfaces.
package interfaces

import (
	"context"
	"net/http"

	"streambridge/pkg/types"
)

// StreamHandler processes one stream family (HLS, MPD, raw).
//
// To add a new stream type:
// 1. Create a new file in pkg/handlers/streams/
// 2. Implement this interface
// 3. Register it in the StreamHandlerRegistry
type StreamHandler interface {
	// Type returns the stream type this handler processes.
	Type() types.StreamType

	// CanHandle returns true if this handler can process the given URL.
	CanHandle(url string) bool

	// HandleManifest fetches and transforms a manifest for the client.
	HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error)

	// HandleSegment proxies a media segment or raw stream body.
	HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error)
}

// Extractor resolves a hosting-site URL to a playable stream descriptor.
//
// To add a new extractor:
// 1. Create a new file in pkg/extractors/
// 2. Implement this interface
// 3. Register it in the ExtractorRegistry
type Extractor interface {
	// Name returns the unique key for this extractor (also the host hint).
	Name() string

	// CanExtract returns true if this extractor handles the given URL.
	CanExtract(url string) bool

	// Extract resolves the URL. ForceRefresh bypasses internal caches.
	Extract(ctx context.Context, url string, opts ExtractOptions) (*types.StreamDescriptor, error)

	// Invalidate drops any cached state derived from the given URL.
	Invalidate(url string)

	// Close releases resources held by the extractor.
	Close() error
}

// ExtractOptions carries optional extraction parameters.
type ExtractOptions struct {
	Headers      map[string]string
	ForceRefresh bool
}

// Remuxer converts decrypted fMP4 bytes to another container.
type Remuxer interface {
	// RemuxToTS converts an fMP4 segment to MPEG-TS.
	RemuxToTS(ctx context.Context, fmp4 []byte) ([]byte, error)

	// Available reports whether the remuxer backend can run.
	Available() bool
}

// HTTPDoer abstracts outbound HTTP for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the logging surface used throughout the proxy.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
