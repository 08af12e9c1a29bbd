// Package app provides the main application setup and dependency injection.
package app

import (
	"streambridge/pkg/appctx"
	"streambridge/pkg/config"
	"streambridge/pkg/extractors"
	"streambridge/pkg/handlers/api"
	"streambridge/pkg/handlers/streams"
	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/registry"
	"streambridge/pkg/server"
	"streambridge/pkg/services"
)

// App is the main application container.
type App struct {
	Ctx    *appctx.Context
	Server *server.Server
}

// New creates and initializes the application.
func New() (*App, error) {
	cfg := config.Load()

	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing StreamBridge",
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
		"mpd_mode", cfg.MPDMode,
	)

	ctx := appctx.New(cfg, log)

	client := httpclient.New(cfg, log)
	ctx.WithClient(client)

	remuxer := services.NewFFmpegRemuxer(cfg.FFmpegPath, log)
	ctx.WithRemuxer(remuxer)

	streamHandlers := registry.NewStreamHandlerRegistry()
	registerStreamHandlers(streamHandlers, client, log, cfg)

	extractorReg := registry.NewExtractorRegistry(log)
	registerExtractors(extractorReg, client, log)

	proxyService := services.NewProxyService(streamHandlers, extractorReg, cfg.BaseURL, log)
	segmentService := services.NewSegmentService(client, remuxer, log)
	keyService := services.NewKeyService(client, log)

	// A failed key fetch usually means the provider session expired;
	// drop the extractor state for that channel so the next request
	// re-extracts.
	keyService.SetInvalidator(extractorReg.Invalidate)

	ctx.WithProxyService(proxyService).
		WithSegmentService(segmentService).
		WithKeyService(keyService).
		WithRegistries(streamHandlers, extractorReg)

	srv := server.New(cfg, log)
	api.NewHandlers(ctx).RegisterRoutes(srv.Router())

	return &App{Ctx: ctx, Server: srv}, nil
}

// Run starts the application.
func (a *App) Run() error {
	a.Ctx.Log.Info("starting StreamBridge server", "port", a.Ctx.Config.Port)
	return a.Server.Start()
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")
	a.Ctx.Extractors.Close()
}

// registerStreamHandlers registers all stream handlers.
// Add new stream handlers here by:
// 1. Creating a new handler in pkg/handlers/streams/
// 2. Registering it below
func registerStreamHandlers(
	reg *registry.StreamHandlerRegistry,
	client *httpclient.Client,
	log *logging.Logger,
	cfg *config.Config,
) {
	hlsHandler := streams.NewHLSHandler(client, log, cfg.BaseURL, cfg.APIPassword)
	reg.Register(hlsHandler)

	mpdHandler := streams.NewMPDHandler(client, log, cfg.BaseURL, cfg.APIPassword, cfg.MPDMode)
	reg.Register(mpdHandler)

	// Generic handler doubles as the fallback for unclassified URLs.
	genericHandler := streams.NewGenericHandler(client, log, hlsHandler)
	reg.Register(genericHandler)

	log.Info("registered stream handlers", "count", 3)
}

// registerExtractors registers all URL extractors.
// Add new extractors here by:
// 1. Creating a new extractor in pkg/extractors/
// 2. Registering it below
func registerExtractors(
	reg *registry.ExtractorRegistry,
	client *httpclient.Client,
	log *logging.Logger,
) {
	reg.Register("vavoo", func() interfaces.Extractor {
		return extractors.NewVavoo(client, log)
	}, "vavoo")

	reg.Register("mixdrop", func() interfaces.Extractor {
		return extractors.NewMixdrop(client, log)
	}, "mixdrop")

	reg.Register("streamtape", func() interfaces.Extractor {
		return extractors.NewStreamtape(client, log)
	}, "streamtape")

	reg.Register("freeshot", func() interfaces.Extractor {
		return extractors.NewFreeshot(client, log)
	}, "freeshot", "popcdn", "lovecdn")

	reg.Register("dlhd", func() interfaces.Extractor {
		return extractors.NewDLHD(client, log)
	}, "dlhd", "daddylive", "daddyhd")

	// Hosts without a dedicated extractor resolve through the generic
	// single-hop handshake.
	reg.Register("generic", func() interfaces.Extractor {
		return extractors.NewGeneric(client, log)
	}, "vixsrc", "sportsonline", "voe", "orion")

	log.Info("registered extractors", "count", 6)
}
