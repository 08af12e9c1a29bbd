// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"streambridge/pkg/config"
	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/registry"
	"streambridge/pkg/services"
)

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config         *config.Config
	Log            *logging.Logger
	Client         *httpclient.Client
	ProxyService   *services.ProxyService
	SegmentService *services.SegmentService
	KeyService     *services.KeyService
	Remuxer        interfaces.Remuxer
	StreamHandlers *registry.StreamHandlerRegistry
	Extractors     *registry.ExtractorRegistry
	BaseURL        string
}

// New creates a new application context.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:  cfg,
		Log:     log,
		BaseURL: cfg.BaseURL,
	}
}

// WithClient sets the outbound HTTP client.
func (c *Context) WithClient(client *httpclient.Client) *Context {
	c.Client = client
	return c
}

// WithProxyService sets the proxy service.
func (c *Context) WithProxyService(ps *services.ProxyService) *Context {
	c.ProxyService = ps
	return c
}

// WithSegmentService sets the decrypt pipeline.
func (c *Context) WithSegmentService(ss *services.SegmentService) *Context {
	c.SegmentService = ss
	return c
}

// WithKeyService sets the key relay.
func (c *Context) WithKeyService(ks *services.KeyService) *Context {
	c.KeyService = ks
	return c
}

// WithRemuxer sets the fMP4 to MPEG-TS remuxer.
func (c *Context) WithRemuxer(rm interfaces.Remuxer) *Context {
	c.Remuxer = rm
	return c
}

// WithRegistries sets the stream handler and extractor registries.
func (c *Context) WithRegistries(handlers *registry.StreamHandlerRegistry, extractors *registry.ExtractorRegistry) *Context {
	c.StreamHandlers = handlers
	c.Extractors = extractors
	return c
}
