package registry

import (
	"context"
	"strings"
	"testing"

	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

type stubHandler struct {
	streamType types.StreamType
	accepts    string
}

func (h *stubHandler) Type() types.StreamType { return h.streamType }
func (h *stubHandler) CanHandle(url string) bool {
	return h.accepts != "" && strings.Contains(url, h.accepts)
}
func (h *stubHandler) HandleManifest(context.Context, *types.StreamRequest, string) (*types.StreamResponse, error) {
	return nil, nil
}
func (h *stubHandler) HandleSegment(context.Context, *types.StreamRequest) (*types.StreamResponse, error) {
	return nil, nil
}

type stubExtractor struct {
	name        string
	accepts     string
	invalidated []string
}

func (e *stubExtractor) Name() string { return e.name }
func (e *stubExtractor) CanExtract(url string) bool {
	return e.accepts != "" && strings.Contains(url, e.accepts)
}
func (e *stubExtractor) Extract(context.Context, string, interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	return &types.StreamDescriptor{}, nil
}
func (e *stubExtractor) Invalidate(url string) { e.invalidated = append(e.invalidated, url) }
func (e *stubExtractor) Close() error         { return nil }

func TestStreamHandlerDetect(t *testing.T) {
	r := NewStreamHandlerRegistry()
	hls := &stubHandler{streamType: types.StreamTypeHLS, accepts: ".m3u8"}
	mpd := &stubHandler{streamType: types.StreamTypeMPD, accepts: ".mpd"}
	generic := &stubHandler{streamType: types.StreamTypeGeneric, accepts: ""}
	r.Register(hls)
	r.Register(mpd)
	r.Register(generic)

	tests := []struct {
		url  string
		want types.StreamType
	}{
		{"https://o.example/pl.m3u8", types.StreamTypeHLS},
		{"https://o.example/stream.mpd", types.StreamTypeMPD},
		{"https://o.example/video.mkv", types.StreamTypeGeneric},
	}

	for _, tt := range tests {
		if got := r.Detect(tt.url); got.Type() != tt.want {
			t.Errorf("Detect(%q) = %v, want %v", tt.url, got.Type(), tt.want)
		}
	}
}

func TestStreamHandlerGetUnknown(t *testing.T) {
	r := NewStreamHandlerRegistry()
	if _, err := r.Get(types.StreamTypeHLS); err == nil {
		t.Error("expected error for unregistered type")
	}
}

func newExtractorRegistry(t *testing.T) (*ExtractorRegistry, map[string]*stubExtractor) {
	t.Helper()
	log := logging.New("error", false, nil)
	r := NewExtractorRegistry(log)

	stubs := map[string]*stubExtractor{
		"vavoo":   {name: "vavoo", accepts: "vavoo.to"},
		"dlhd":    {name: "dlhd", accepts: "daddylive"},
		"generic": {name: "generic", accepts: "http"},
	}
	r.Register("vavoo", func() interfaces.Extractor { return stubs["vavoo"] }, "vavoo")
	r.Register("dlhd", func() interfaces.Extractor { return stubs["dlhd"] }, "dlhd", "daddylive", "daddyhd")
	r.Register("generic", func() interfaces.Extractor { return stubs["generic"] })
	return r, stubs
}

func TestExtractorResolveByHint(t *testing.T) {
	r, _ := newExtractorRegistry(t)

	e, err := r.Resolve("https://anything.example/ch", "DaddyLive")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Name() != "dlhd" {
		t.Errorf("hint resolve = %q, want dlhd", e.Name())
	}
}

func TestExtractorResolveByURL(t *testing.T) {
	r, _ := newExtractorRegistry(t)

	e, err := r.Resolve("https://vavoo.to/play/123", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Name() != "vavoo" {
		t.Errorf("url resolve = %q, want vavoo", e.Name())
	}
}

func TestExtractorResolveFallsBackToGeneric(t *testing.T) {
	r, _ := newExtractorRegistry(t)

	e, err := r.Resolve("https://unknown.example/stream", "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if e.Name() != "generic" {
		t.Errorf("fallback resolve = %q, want generic", e.Name())
	}
}

func TestExtractorInstancesMemoized(t *testing.T) {
	log := logging.New("error", false, nil)
	r := NewExtractorRegistry(log)

	built := 0
	r.Register("generic", func() interfaces.Extractor {
		built++
		return &stubExtractor{name: "generic", accepts: "http"}
	})

	for i := 0; i < 3; i++ {
		if _, err := r.Get("generic"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if built != 1 {
		t.Errorf("factory ran %d times, want 1", built)
	}
}

func TestExtractorInvalidate(t *testing.T) {
	r, stubs := newExtractorRegistry(t)

	// Instantiate dlhd so Invalidate can reach it.
	if _, err := r.Get("dlhd"); err != nil {
		t.Fatalf("Get: %v", err)
	}

	r.Invalidate("https://daddylive.me/stream-1.php")
	if len(stubs["dlhd"].invalidated) != 1 {
		t.Errorf("dlhd invalidations = %d, want 1", len(stubs["dlhd"].invalidated))
	}
	if len(stubs["vavoo"].invalidated) != 0 {
		t.Errorf("vavoo invalidated unexpectedly")
	}
}
