package config

import (
	"testing"
	"time"
)

func TestParseTransportRoutes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []TransportRoute
	}{
		{
			name:  "empty",
			input: "",
			want:  nil,
		},
		{
			name:  "single route with proxy",
			input: "{URL=example.com, PROXY=socks5://127.0.0.1:1080}",
			want: []TransportRoute{
				{URLPattern: "example.com", Proxy: "socks5://127.0.0.1:1080"},
			},
		},
		{
			name:  "ssl disable flag",
			input: "{URL=cdn.example.com, PROXY=http://proxy:8080, DISABLE_SSL=true}",
			want: []TransportRoute{
				{URLPattern: "cdn.example.com", Proxy: "http://proxy:8080", DisableSSL: true},
			},
		},
		{
			name:  "multiple routes keep order",
			input: "{URL=first.com, PROXY=http://a:1}, {URL=second.com, DIRECT=true}",
			want: []TransportRoute{
				{URLPattern: "first.com", Proxy: "http://a:1"},
				{URLPattern: "second.com", Direct: true},
			},
		},
		{
			name:  "no spaces",
			input: "{URL=a.com,PROXY=http://p:1},{URL=b.com,DISABLE_SSL=1}",
			want: []TransportRoute{
				{URLPattern: "a.com", Proxy: "http://p:1"},
				{URLPattern: "b.com", DisableSSL: true},
			},
		},
		{
			name:  "entry without url is dropped",
			input: "{PROXY=http://p:1}, {URL=keep.com}",
			want: []TransportRoute{
				{URLPattern: "keep.com"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTransportRoutes(tt.input)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d routes, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("route %d: got %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != 7860 {
		t.Errorf("default port: got %d, want 7860", cfg.Port)
	}
	if cfg.MPDMode != MPDModeLegacy {
		t.Errorf("default mpd mode: got %q, want %q", cfg.MPDMode, MPDModeLegacy)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Errorf("default read timeout: got %v, want 30s", cfg.ReadTimeout)
	}
}

func TestLoadInvalidMPDMode(t *testing.T) {
	t.Setenv("MPD_MODE", "bogus")

	cfg := Load()
	if cfg.MPDMode != MPDModeLegacy {
		t.Errorf("invalid mode should fall back to legacy, got %q", cfg.MPDMode)
	}
}

func TestLoadGlobalProxyList(t *testing.T) {
	t.Setenv("GLOBAL_PROXY", "socks5://a:1080, http://b:8080 ,")

	cfg := Load()
	want := []string{"socks5://a:1080", "http://b:8080"}
	if len(cfg.GlobalProxies) != len(want) {
		t.Fatalf("got %d proxies, want %d", len(cfg.GlobalProxies), len(want))
	}
	for i := range want {
		if cfg.GlobalProxies[i] != want[i] {
			t.Errorf("proxy %d: got %q, want %q", i, cfg.GlobalProxies[i], want[i])
		}
	}
}
