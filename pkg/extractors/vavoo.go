package extractors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

const (
	vavooPingURL = "https://www.vavoo.tv/api/app/ping"
	vavooUA      = "VAVOO/2.6"

	// The API signs for an hour; refresh early so a playlist reload
	// never races the expiry.
	vavooSigLifetime = 55 * time.Minute
)

// VavooExtractor signs vavoo.to channel URLs with the app signature
// obtained from the ping API.
type VavooExtractor struct {
	BaseExtractor

	sigMu     sync.Mutex
	signature string
	sigExpiry time.Time
}

// NewVavoo creates the vavoo.to extractor.
func NewVavoo(client *httpclient.Client, log *logging.Logger) *VavooExtractor {
	return &VavooExtractor{BaseExtractor: newBase("vavoo", client, log)}
}

// CanExtract returns true for vavoo channel URLs.
func (e *VavooExtractor) CanExtract(url string) bool {
	return strings.Contains(strings.ToLower(url), "vavoo.to")
}

// Extract appends the current signature to the channel URL.
func (e *VavooExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	if !opts.ForceRefresh {
		if d, ok := e.cached(url); ok {
			return d, nil
		}
	}

	sig, err := e.appSignature(ctx, opts.ForceRefresh)
	if err != nil {
		return nil, fmt.Errorf("vavoo signature: %w", err)
	}

	separator := "?"
	if strings.Contains(url, "?") {
		separator = "&"
	}

	descriptor := &types.StreamDescriptor{
		DestinationURL: url + separator + "n=" + sig,
		RequestHeaders: map[string]string{
			"User-Agent": vavooUA,
			"Referer":    "https://vavoo.to/",
		},
		Endpoint: types.EndpointStream,
	}

	e.store(url, descriptor)
	return descriptor, nil
}

// appSignature returns the cached app signature, refreshing when expired
// or when the caller forces it.
func (e *VavooExtractor) appSignature(ctx context.Context, force bool) (string, error) {
	e.sigMu.Lock()
	defer e.sigMu.Unlock()

	if !force && e.signature != "" && time.Now().Before(e.sigExpiry) {
		return e.signature, nil
	}

	payload, err := json.Marshal(map[string]any{
		"id":      0,
		"jsonrpc": "2.0",
		"method":  "ping",
		"params": map[string]any{
			"os":      "android",
			"vers":    70,
			"version": 2.6,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, vavooPingURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", vavooUA)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var result struct {
		Result struct {
			AddonSig string `json:"addonSig"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("decode ping response: %w", err)
	}
	if result.Result.AddonSig == "" {
		return "", fmt.Errorf("ping response carried no signature")
	}

	e.signature = result.Result.AddonSig
	e.sigExpiry = time.Now().Add(vavooSigLifetime)
	e.log.Debug("vavoo signature refreshed")
	return e.signature, nil
}

var _ interfaces.Extractor = (*VavooExtractor)(nil)
