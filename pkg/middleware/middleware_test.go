package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"streambridge/pkg/config"
	"streambridge/pkg/logging"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuth(t *testing.T) {
	log := logging.New("error", false, nil)

	tests := []struct {
		name     string
		password string
		target   string
		header   map[string]string
		want     int
	}{
		{"no password configured", "", "/proxy/hls/manifest.m3u8", nil, http.StatusOK},
		{"query param accepted", "pw", "/proxy/hls/manifest.m3u8?api_password=pw", nil, http.StatusOK},
		{"header accepted", "pw", "/proxy/hls/manifest.m3u8", map[string]string{"X-API-Password": "pw"}, http.StatusOK},
		{"wrong password", "pw", "/proxy/hls/manifest.m3u8?api_password=nope", nil, http.StatusUnauthorized},
		{"missing password", "pw", "/key?key_url=x", nil, http.StatusUnauthorized},
		{"public info endpoint", "pw", "/info", nil, http.StatusOK},
		{"generate_urls exempt", "pw", "/generate_urls", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{APIPassword: tt.password}
			handler := Auth(cfg, log)(okHandler())

			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	handler := RequestID(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("no request ID generated")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	handler.ServeHTTP(rec, req)
	if rec.Header().Get("X-Request-ID") != "upstream-id" {
		t.Errorf("supplied request ID not honored: %q", rec.Header().Get("X-Request-ID"))
	}
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/proxy/hls/manifest.m3u8", nil))

	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestRecovery(t *testing.T) {
	log := logging.New("error", false, nil)
	handler := Recovery(log)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
