package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/logging"
)

// Pseudo-header carrying the keep-alive URL some providers require
// before they will serve a key. It is consumed here, never forwarded.
const heartbeatHeader = "Heartbeat-Url"

// Headers forwarded to the heartbeat endpoint when present.
var heartbeatForwardHeaders = []string{
	"Authorization",
	"X-Channel-Key",
	"X-Client-Token",
	"User-Agent",
	"Referer",
	"Origin",
}

// KeyService relays AES-128 keys and ClearKey licenses. A failed key
// fetch triggers the invalidator so stale extractor state gets dropped.
type KeyService struct {
	client     *httpclient.Client
	log        *logging.Logger
	invalidate func(url string)
}

// NewKeyService creates the key relay.
func NewKeyService(client *httpclient.Client, log *logging.Logger) *KeyService {
	return &KeyService{
		client:     client,
		log:        log.WithComponent("key-service"),
		invalidate: func(string) {},
	}
}

// SetInvalidator installs the cache invalidation hook called with the
// original stream URL when an upstream key fetch fails.
func (s *KeyService) SetInvalidator(fn func(url string)) {
	if fn != nil {
		s.invalidate = fn
	}
}

// StaticKey decodes a hex-encoded key into raw bytes.
func StaticKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decode static key: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("empty static key")
	}
	return key, nil
}

// FetchKey retrieves a decryption key from the upstream key server,
// running the provider heartbeat first when one is configured.
// originalURL identifies the stream for cache invalidation on failure.
func (s *KeyService) FetchKey(ctx context.Context, keyURL string, headers map[string]string, originalURL string) ([]byte, error) {
	outHeaders := make(map[string]string, len(headers))
	var heartbeatURL string
	for name, value := range headers {
		if strings.EqualFold(name, heartbeatHeader) {
			heartbeatURL = value
			continue
		}
		outHeaders[name] = value
	}

	if heartbeatURL != "" {
		s.sendHeartbeat(ctx, heartbeatURL, headers)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create key request: %w", err)
	}
	httpclient.ApplyHeaders(req, outHeaders)

	resp, err := s.client.Do(req)
	if err != nil {
		s.invalidateFor(originalURL)
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.log.Warn("key server error", "url", keyURL, "status", resp.StatusCode)
		s.invalidateFor(originalURL)
		return nil, fmt.Errorf("key server returned %d", resp.StatusCode)
	}

	return body, nil
}

func (s *KeyService) invalidateFor(originalURL string) {
	if originalURL != "" {
		s.invalidate(originalURL)
	}
}

// sendHeartbeat pings the provider keep-alive endpoint. Failures are
// logged and swallowed; the key fetch still gets its chance.
func (s *KeyService) sendHeartbeat(ctx context.Context, heartbeatURL string, headers map[string]string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, heartbeatURL, nil)
	if err != nil {
		s.log.Warn("invalid heartbeat url", "url", heartbeatURL, "error", err)
		return
	}
	for _, name := range heartbeatForwardHeaders {
		for have, value := range headers {
			if strings.EqualFold(have, name) {
				req.Header.Set(name, value)
			}
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", httpclient.DefaultUserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.Warn("heartbeat failed", "url", heartbeatURL, "error", err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	s.log.Debug("heartbeat sent", "url", heartbeatURL, "status", resp.StatusCode)
}

type clearKeyEntry struct {
	Kty  string `json:"kty"`
	Kid  string `json:"kid"`
	K    string `json:"k"`
	Type string `json:"type"`
}

type clearKeyLicense struct {
	Type string          `json:"type"`
	Keys []clearKeyEntry `json:"keys"`
}

// ClearKeyLicense builds a W3C ClearKey license document from one or
// more comma-separated "KID:KEY" hex pairs.
func ClearKeyLicense(clearkey string) ([]byte, error) {
	license := clearKeyLicense{Type: "temporary"}

	for _, pair := range strings.Split(clearkey, ",") {
		kidHex, keyHex, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			return nil, fmt.Errorf("malformed clearkey pair %q", pair)
		}
		kid, err := hex.DecodeString(kidHex)
		if err != nil {
			return nil, fmt.Errorf("decode kid %q: %w", kidHex, err)
		}
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode key for kid %q: %w", kidHex, err)
		}
		license.Keys = append(license.Keys, clearKeyEntry{
			Kty:  "oct",
			Kid:  base64.RawURLEncoding.EncodeToString(kid),
			K:    base64.RawURLEncoding.EncodeToString(key),
			Type: "temporary",
		})
	}

	if len(license.Keys) == 0 {
		return nil, fmt.Errorf("no clearkey pairs")
	}
	return json.Marshal(license)
}

// LicenseResponse is the outcome of a proxied license exchange.
type LicenseResponse struct {
	ContentType string
	Body        []byte
	StatusCode  int
}

// ProxyLicense forwards a license request to the upstream server,
// preserving the client's method, body, and content type.
func (s *KeyService) ProxyLicense(ctx context.Context, licenseURL, method, contentType string, body []byte, headers map[string]string) (*LicenseResponse, error) {
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, licenseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create license request: %w", err)
	}
	httpclient.ApplyHeaders(req, headers)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch license: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read license: %w", err)
	}

	respType := resp.Header.Get("Content-Type")
	if respType == "" {
		respType = "application/octet-stream"
	}
	return &LicenseResponse{
		ContentType: respType,
		Body:        respBody,
		StatusCode:  resp.StatusCode,
	}, nil
}
