package extractors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
)

const freeshotUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/135.0.0.0 Safari/537.36"

var (
	reStreamParam  = regexp.MustCompile(`stream=([^&]+)`)
	reCurrentToken = regexp.MustCompile(`currentToken:\s*["']([^"']+)["']`)
	reIframeSrc    = regexp.MustCompile(`<iframe[^>]+src=["']([^"']+)["']`)
	reTokenParam   = regexp.MustCompile(`token=([^&"']+)`)
)

// FreeshotExtractor resolves popcdn.day channels: the player page
// carries a short-lived token that unlocks the CDN playlist.
type FreeshotExtractor struct {
	BaseExtractor
}

// NewFreeshot creates the popcdn.day extractor.
func NewFreeshot(client *httpclient.Client, log *logging.Logger) *FreeshotExtractor {
	return &FreeshotExtractor{BaseExtractor: newBase("freeshot", client, log)}
}

// CanExtract returns true for popcdn.day and freeshot:// URLs.
func (e *FreeshotExtractor) CanExtract(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "popcdn.day") || strings.Contains(lower, "freeshot")
}

// Extract fetches the player page and builds the tokenized playlist URL.
func (e *FreeshotExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	if !opts.ForceRefresh {
		if d, ok := e.cached(url); ok {
			return d, nil
		}
	}

	code := freeshotChannelCode(url)
	if code == "" {
		return nil, fmt.Errorf("no channel code in %s", url)
	}

	playerURL := "https://popcdn.day/player/" + code
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create player request: %w", err)
	}
	req.Header.Set("User-Agent", freeshotUA)
	req.Header.Set("Referer", "https://popcdn.day/")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch player page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("player page returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read player page: %w", err)
	}

	token := freeshotToken(string(body))
	if token == "" {
		return nil, fmt.Errorf("no token in player page")
	}

	descriptor := &types.StreamDescriptor{
		DestinationURL: fmt.Sprintf("https://planetary.lovecdn.ru/%s/tracks-v1a1/mono.m3u8?token=%s", code, token),
		RequestHeaders: map[string]string{
			"User-Agent": freeshotUA,
			"Referer":    "https://popcdn.day/",
			"Origin":     "https://popcdn.day",
		},
		Endpoint: types.EndpointHLS,
	}
	e.store(url, descriptor)
	return descriptor, nil
}

// freeshotChannelCode handles the three channel URL shapes: the
// freeshot:// scheme, /player/ pages, and go.php?stream= links.
func freeshotChannelCode(url string) string {
	lower := strings.ToLower(url)

	if strings.HasPrefix(lower, "freeshot://") {
		return url[len("freeshot://"):]
	}

	if _, after, ok := strings.Cut(url, "/player/"); ok {
		if idx := strings.IndexAny(after, "?/"); idx > 0 {
			after = after[:idx]
		}
		return after
	}

	if strings.Contains(url, "go.php") {
		if m := reStreamParam.FindStringSubmatch(url); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

func freeshotToken(html string) string {
	if m := reCurrentToken.FindStringSubmatch(html); len(m) > 1 {
		return m[1]
	}
	if m := reIframeSrc.FindStringSubmatch(html); len(m) > 1 {
		if tm := reTokenParam.FindStringSubmatch(m[1]); len(tm) > 1 {
			return tm[1]
		}
	}
	return ""
}

var _ interfaces.Extractor = (*FreeshotExtractor)(nil)
