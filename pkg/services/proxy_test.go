package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/registry"
	"streambridge/pkg/types"
)

type flakyExtractor struct {
	failures int
	calls    int
	forced   int
}

func (e *flakyExtractor) Name() string               { return "flaky" }
func (e *flakyExtractor) CanExtract(url string) bool { return true }
func (e *flakyExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	e.calls++
	if opts.ForceRefresh {
		e.forced++
	}
	if e.calls <= e.failures {
		return nil, fmt.Errorf("stale token")
	}
	return &types.StreamDescriptor{DestinationURL: "https://cdn.example/live.m3u8"}, nil
}
func (e *flakyExtractor) Invalidate(string) {}
func (e *flakyExtractor) Close() error      { return nil }

func newProxyWithExtractor(e interfaces.Extractor) *ProxyService {
	log := logging.New("error", false, nil)
	extractors := registry.NewExtractorRegistry(log)
	extractors.Register("generic", func() interfaces.Extractor { return e })
	handlers := registry.NewStreamHandlerRegistry()
	return NewProxyService(handlers, extractors, "https://p.example", log)
}

func TestExtractStreamRetriesOnceWithRefresh(t *testing.T) {
	e := &flakyExtractor{failures: 1}
	s := newProxyWithExtractor(e)

	d, err := s.ExtractStream(context.Background(), "https://site.example/ch", "", nil, false)
	if err != nil {
		t.Fatalf("ExtractStream: %v", err)
	}
	if d.DestinationURL == "" {
		t.Error("empty descriptor after retry")
	}
	if e.calls != 2 || e.forced != 1 {
		t.Errorf("calls=%d forced=%d, want 2 calls with 1 forced", e.calls, e.forced)
	}
}

func TestExtractStreamNoSecondRetry(t *testing.T) {
	e := &flakyExtractor{failures: 10}
	s := newProxyWithExtractor(e)

	if _, err := s.ExtractStream(context.Background(), "https://site.example/ch", "", nil, false); err == nil {
		t.Fatal("expected error when both attempts fail")
	}
	if e.calls != 2 {
		t.Errorf("calls = %d, want exactly 2", e.calls)
	}
}

func TestExtractStreamForcedSkipsRetry(t *testing.T) {
	e := &flakyExtractor{failures: 10}
	s := newProxyWithExtractor(e)

	if _, err := s.ExtractStream(context.Background(), "https://site.example/ch", "", nil, true); err == nil {
		t.Fatal("expected error")
	}
	if e.calls != 1 {
		t.Errorf("calls = %d, want 1 when already forced", e.calls)
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"canceled", context.Canceled, 499},
		{"wrapped canceled", fmt.Errorf("fetch: %w", context.Canceled), 499},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"forbidden upstream", errors.New("upstream returned 403 Forbidden"), http.StatusServiceUnavailable},
		{"bad gateway text", errors.New("origin said Bad Gateway"), http.StatusServiceUnavailable},
		{"connection refused", errors.New("dial tcp: connection refused"), http.StatusServiceUnavailable},
		{"fetch failure", errors.New("fetch manifest: EOF"), http.StatusBadGateway},
		{"other", errors.New("template parse failed"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusForError(tt.err); got != tt.want {
				t.Errorf("StatusForError(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
