package httpclient

import (
	"net/http"
	"net/url"
	"testing"

	"streambridge/pkg/config"
	"streambridge/pkg/logging"
)

func TestParseHeaderParams(t *testing.T) {
	tests := []struct {
		name     string
		query    url.Values
		expected map[string]string
	}{
		{
			name:     "empty query",
			query:    url.Values{},
			expected: map[string]string{},
		},
		{
			name: "simple header",
			query: url.Values{
				"h_Referer": []string{"https://example.com"},
			},
			expected: map[string]string{
				"Referer": "https://example.com",
			},
		},
		{
			name: "underscore to hyphen conversion",
			query: url.Values{
				"h_User_Agent": []string{"Mozilla/5.0"},
			},
			expected: map[string]string{
				"User-Agent": "Mozilla/5.0",
			},
		},
		{
			name: "multiple underscores",
			query: url.Values{
				"h_X_Custom_Header_Name": []string{"value"},
			},
			expected: map[string]string{
				"X-Custom-Header-Name": "value",
			},
		},
		{
			name: "non-header params ignored",
			query: url.Values{
				"d":            []string{"https://example.com/stream.m3u8"},
				"h_Referer":    []string{"https://example.com"},
				"clearkey":     []string{"kid:key"},
				"api_password": []string{"secret"},
			},
			expected: map[string]string{
				"Referer": "https://example.com",
			},
		},
		{
			name: "only first value used",
			query: url.Values{
				"h_Multi": []string{"first", "second"},
			},
			expected: map[string]string{
				"Multi": "first",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseHeaderParams(tt.query)

			if len(result) != len(tt.expected) {
				t.Errorf("got %d headers, want %d", len(result), len(tt.expected))
			}
			for key, want := range tt.expected {
				if result[key] != want {
					t.Errorf("header %q = %q, want %q", key, result[key], want)
				}
			}
		})
	}
}

func TestResolveProxy(t *testing.T) {
	log := logging.New("error", false, nil)

	tests := []struct {
		name      string
		cfg       *config.Config
		targetURL string
		want      string
	}{
		{
			name:      "no routes no pool is direct",
			cfg:       &config.Config{},
			targetURL: "https://cdn.example.com/video.m3u8",
			want:      "",
		},
		{
			name: "route match wins over pool",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://global:1080"},
				TransportRoutes: []config.TransportRoute{
					{URLPattern: "cdn.specific.com", Proxy: "socks5://specific:1080"},
				},
			},
			targetURL: "https://cdn.specific.com/video.m3u8",
			want:      "socks5://specific:1080",
		},
		{
			name: "first matching route wins",
			cfg: &config.Config{
				TransportRoutes: []config.TransportRoute{
					{URLPattern: "example.com", Proxy: "http://first:1"},
					{URLPattern: "cdn.example.com", Proxy: "http://second:2"},
				},
			},
			targetURL: "https://cdn.example.com/v.ts",
			want:      "http://first:1",
		},
		{
			name: "direct route bypasses pool",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://global:1080"},
				TransportRoutes: []config.TransportRoute{
					{URLPattern: "nocdn.com", Direct: true},
				},
			},
			targetURL: "https://nocdn.com/v.ts",
			want:      "",
		},
		{
			name: "unmatched url uses pool",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://only:1080"},
			},
			targetURL: "https://cdn.example.com/v.ts",
			want:      "socks5://only:1080",
		},
		{
			name: "empty url is direct",
			cfg: &config.Config{
				GlobalProxies: []string{"socks5://only:1080"},
			},
			targetURL: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.cfg, log)
			if got := client.ResolveProxy(tt.targetURL); got != tt.want {
				t.Errorf("ResolveProxy() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveProxyPoolMembership(t *testing.T) {
	log := logging.New("error", false, nil)
	pool := []string{"socks5://a:1080", "socks5://b:1080", "http://c:8080"}
	client := New(&config.Config{GlobalProxies: pool}, log)

	members := map[string]bool{}
	for _, p := range pool {
		members[p] = true
	}

	for i := 0; i < 50; i++ {
		got := client.ResolveProxy("https://cdn.example.com/v.ts")
		if !members[got] {
			t.Fatalf("ResolveProxy() = %q, not a pool member", got)
		}
	}
}

func TestResolveTLS(t *testing.T) {
	log := logging.New("error", false, nil)
	client := New(&config.Config{
		TransportRoutes: []config.TransportRoute{
			{URLPattern: "selfsigned.example.com", DisableSSL: true},
			{URLPattern: "normal.example.com"},
		},
	}, log)

	tests := []struct {
		url  string
		want bool
	}{
		{"https://selfsigned.example.com/v.ts", true},
		{"https://normal.example.com/v.ts", false},
		{"https://other.example.com/v.ts", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := client.ResolveTLS(tt.url); got != tt.want {
			t.Errorf("ResolveTLS(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestSessionReuse(t *testing.T) {
	log := logging.New("error", false, nil)
	client := New(&config.Config{
		TransportRoutes: []config.TransportRoute{
			{URLPattern: "cdn.example.com", Proxy: "http://p:8080"},
		},
	}, log)

	first := client.sessionFor("https://cdn.example.com/a.ts")
	second := client.sessionFor("https://cdn.example.com/b.ts")
	if first != second {
		t.Error("expected the same cached session for the same proxy")
	}

	direct := client.sessionFor("https://other.example.com/c.ts")
	if direct == first {
		t.Error("direct session must differ from the proxied one")
	}
}

func TestNormalizeHeadersDropsLeakHeaders(t *testing.T) {
	in := map[string]string{
		"x-forwarded-for": "1.2.3.4",
		"X-Real-IP":       "1.2.3.4",
		"Forwarded":       "for=1.2.3.4",
		"via":             "proxy",
		"user-agent":      "VLC/3.0",
		"referer":         "https://example.com/",
		"authorization":   "Bearer tok",
	}

	out := NormalizeHeaders(in)

	for _, banned := range []string{"X-Forwarded-For", "X-Real-Ip", "Forwarded", "Via"} {
		if _, ok := out[banned]; ok {
			t.Errorf("%s must not survive normalization", banned)
		}
	}
	if out["User-Agent"] != "VLC/3.0" {
		t.Errorf("User-Agent not canonicalized: %v", out)
	}
	if out["Referer"] != "https://example.com/" || out["Authorization"] != "Bearer tok" {
		t.Errorf("expected canonical Referer/Authorization, got %v", out)
	}
}

func TestApplyHeadersInjectsDefaultUA(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	ApplyHeaders(req, map[string]string{"Referer": "https://example.com/"})

	if req.Header.Get("User-Agent") != DefaultUserAgent {
		t.Errorf("default User-Agent not injected, got %q", req.Header.Get("User-Agent"))
	}

	req2, _ := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	ApplyHeaders(req2, map[string]string{"User-Agent": "Custom/1.0", "X-Forwarded-For": "1.2.3.4"})

	if req2.Header.Get("User-Agent") != "Custom/1.0" {
		t.Errorf("supplied User-Agent overridden: %q", req2.Header.Get("User-Agent"))
	}
	if req2.Header.Get("X-Forwarded-For") != "" {
		t.Error("X-Forwarded-For leaked onto upstream request")
	}
}

func TestIsRedirector(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://addon.example/resolve/42/video", true},
		{"https://torrentio.strem.fun/stream/abc", true},
		{"https://cdn.example.com/seg.ts", false},
	}

	for _, tt := range tests {
		if got := IsRedirector(tt.url); got != tt.want {
			t.Errorf("IsRedirector(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestStripConditionalHeaders(t *testing.T) {
	headers := map[string]string{
		"Range":             "bytes=0-",
		"If-None-Match":     "etag",
		"If-Modified-Since": "yesterday",
		"Referer":           "https://example.com/",
	}
	StripConditionalHeaders(headers)

	if len(headers) != 1 || headers["Referer"] == "" {
		t.Errorf("unexpected headers after strip: %v", headers)
	}
}
