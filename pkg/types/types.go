// Package types defines the core domain types shared across the proxy.
package types

import "io"

// StreamType identifies the type of stream being handled.
type StreamType string

const (
	StreamTypeHLS     StreamType = "hls"
	StreamTypeMPD     StreamType = "mpd"
	StreamTypeGeneric StreamType = "generic"
)

// EndpointKind is the proxy endpoint family a resolved stream should be
// played through. The set is closed; extractors may only return these.
type EndpointKind string

const (
	EndpointHLS    EndpointKind = "hls_proxy"
	EndpointMPD    EndpointKind = "mpd"
	EndpointStream EndpointKind = "stream_proxy"
)

// StreamDescriptor is the output of an extractor: the resolved upstream
// URL, the headers the upstream expects, and the endpoint to route through.
type StreamDescriptor struct {
	DestinationURL string            `json:"destination_url"`
	RequestHeaders map[string]string `json:"request_headers"`
	Endpoint       EndpointKind      `json:"mediaflow_endpoint"`
	QueryParams    map[string]string `json:"query_params,omitempty"`
}

// StreamRequest represents one incoming proxy request after parameter
// parsing. ClearKey carries "KID:KEY" pairs, comma separated; KeyID/Key
// are the split form used by the MPD endpoint.
type StreamRequest struct {
	URL            string
	OriginalURL    string // pre-extraction URL, used for cache invalidation
	Headers        map[string]string
	ClearKey       string
	KeyID          string
	Key            string
	RedirectStream bool
	Force          bool
	Extension      string
	RepID          string
}

// StreamResponse is the result of stream processing handed back to the
// HTTP layer. When RedirectURL is set the handler issues a 302 instead
// of writing Body.
type StreamResponse struct {
	ContentType string
	Headers     map[string]string
	Body        io.ReadCloser
	StatusCode  int
	RedirectURL string
}
