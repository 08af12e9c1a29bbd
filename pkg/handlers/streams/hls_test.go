package streams

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"streambridge/pkg/config"
	"streambridge/pkg/httpclient"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

func newTestHLSHandler(apiPassword string) *HLSHandler {
	log := logging.New("error", false, nil)
	client := httpclient.New(&config.Config{}, log)
	return NewHLSHandler(client, log, "https://p.example", apiPassword)
}

func TestRewriteKeyAndSegment(t *testing.T) {
	manifest := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		`#EXT-X-KEY:METHOD=AES-128,URI="https://o.example/k/1.bin"`,
		"#EXTINF:6.0,",
		"https://o.example/s/seg1.ts",
	}, "\n")

	h := newTestHLSHandler("")
	out := string(h.Rewrite([]byte(manifest), "https://o.example/pl.m3u8", nil))
	lines := strings.Split(strings.TrimSpace(out), "\n")

	wantKey := `#EXT-X-KEY:METHOD=AES-128,URI="https://p.example/key?key_url=https%3A%2F%2Fo.example%2Fk%2F1.bin"`
	if lines[2] != wantKey {
		t.Errorf("key line:\n got %s\nwant %s", lines[2], wantKey)
	}

	wantSeg := "https://p.example/segment/seg1.ts?base_url=https%3A%2F%2Fo.example%2Fs%2Fseg1.ts"
	if lines[4] != wantSeg {
		t.Errorf("segment line:\n got %s\nwant %s", lines[4], wantSeg)
	}
}

func TestRewriteResolvesRelativeURIs(t *testing.T) {
	manifest := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-STREAM-INF:BANDWIDTH=1500000,RESOLUTION=1280x720",
		"variants/720p.m3u8",
		"#EXT-X-STREAM-INF:BANDWIDTH=400000,RESOLUTION=426x240",
		"/low/240p.m3u8",
	}, "\n")

	h := newTestHLSHandler("")
	out := string(h.Rewrite([]byte(manifest), "https://cdn.example.com/live/master.m3u8", nil))

	if !strings.Contains(out, "d=https%3A%2F%2Fcdn.example.com%2Flive%2Fvariants%2F720p.m3u8") {
		t.Errorf("relative URI not resolved against manifest directory:\n%s", out)
	}
	if !strings.Contains(out, "d=https%3A%2F%2Fcdn.example.com%2Flow%2F240p.m3u8") {
		t.Errorf("rooted URI not resolved against host:\n%s", out)
	}

	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		if !strings.HasPrefix(line, "https://p.example/") {
			t.Errorf("URI line does not point at the proxy: %s", line)
		}
	}
}

func TestRewriteForwardsHeadersAndPassword(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:4.0,\nseg1.ts\n"
	headers := map[string]string{
		"Referer":    "https://site.example/",
		"User-Agent": "Custom/1.0",
	}

	h := newTestHLSHandler("sekret")
	out := string(h.Rewrite([]byte(manifest), "https://o.example/pl.m3u8", headers))

	for _, want := range []string{
		"h_Referer=https%3A%2F%2Fsite.example%2F",
		"h_User_Agent=Custom%2F1.0",
		"api_password=sekret",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("rewritten playlist missing %q:\n%s", want, out)
		}
	}
}

func TestRewriteMapAndMediaTags(t *testing.T) {
	manifest := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-MAP:URI="init.mp4"`,
		`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aud",URI="audio/it.m3u8"`,
	}, "\n")

	h := newTestHLSHandler("")
	out := string(h.Rewrite([]byte(manifest), "https://o.example/a/pl.m3u8", nil))

	if !strings.Contains(out, `#EXT-X-MAP:URI="https://p.example/segment/init.mp4?base_url=`) {
		t.Errorf("map URI not routed to segment endpoint:\n%s", out)
	}
	if !strings.Contains(out, `URI="https://p.example/proxy/hls/manifest.m3u8?d=https%3A%2F%2Fo.example%2Fa%2Faudio%2Fit.m3u8"`) {
		t.Errorf("media URI not routed to playlist endpoint:\n%s", out)
	}
}

func TestRewriteMPDReference(t *testing.T) {
	manifest := "#EXTM3U\n#EXTINF:4.0,\nhttps://o.example/dash/stream.mpd\n"

	h := newTestHLSHandler("")
	out := string(h.Rewrite([]byte(manifest), "https://o.example/pl.m3u8", nil))

	if !strings.Contains(out, "https://p.example/proxy/mpd/manifest.m3u8?d=") {
		t.Errorf("mpd URI not routed to the MPD endpoint:\n%s", out)
	}
}

func TestRewriteIdempotent(t *testing.T) {
	manifest := strings.Join([]string{
		"#EXTM3U",
		`#EXT-X-KEY:METHOD=AES-128,URI="https://o.example/k/1.bin"`,
		"#EXTINF:6.0,",
		"https://o.example/s/seg1.ts",
		"#EXTINF:6.0,",
		"sub/pl.m3u8",
	}, "\n")

	h := newTestHLSHandler("pw")
	headers := map[string]string{"Referer": "https://r.example/"}
	once := h.Rewrite([]byte(manifest), "https://o.example/pl.m3u8", headers)
	twice := h.Rewrite(once, "https://o.example/pl.m3u8", headers)

	if !bytes.Equal(once, twice) {
		t.Errorf("second rewrite changed an already-proxied playlist:\nfirst:\n%s\nsecond:\n%s", once, twice)
	}
}

func TestHandleManifestBinaryPassThrough(t *testing.T) {
	// MPEG-TS sync bytes and invalid UTF-8, served from a playlist URL.
	raw := []byte("G@\x11\x10\x00\xff\xfe\nG\x01\x02\x03\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(raw)
	}))
	defer srv.Close()

	h := newTestHLSHandler("")
	resp, err := h.HandleManifest(context.Background(),
		&types.StreamRequest{URL: srv.URL + "/live/pl.m3u8"}, "https://p.example")
	if err != nil {
		t.Fatalf("HandleManifest: %v", err)
	}
	defer resp.Body.Close()

	if resp.ContentType != "video/MP2T" {
		t.Errorf("content type = %q, want video/MP2T", resp.ContentType)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, raw) {
		t.Errorf("binary body modified:\n got %x\nwant %x", body, raw)
	}
}

func TestHasSegmentExtension(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://o.example/seg.ts", true},
		{"https://o.example/seg.m4s?tok=1", true},
		{"https://o.example/init.mp4", true},
		{"https://o.example/pl.m3u8", false},
		{"https://o.example/page.html", false},
	}

	for _, tt := range tests {
		if got := hasSegmentExtension(strings.ToLower(tt.url)); got != tt.want {
			t.Errorf("hasSegmentExtension(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
