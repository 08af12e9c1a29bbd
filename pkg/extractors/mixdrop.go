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

var (
	rePacked      = regexp.MustCompile(`eval\(function\(p,a,c,k,e,[dr]\).*?\)\)`)
	rePackerArgs  = regexp.MustCompile(`\}\('(.+)',(\d+),(\d+),'([^']+)'\.split`)
	reMixdropWurl = regexp.MustCompile(`wurl\s*=\s*"([^"]+)"`)
	reMediaSrc    = regexp.MustCompile(`(?:source|src)\s*[=:]\s*["']([^"']+\.(?:mp4|m3u8)[^"']*)["']`)
)

// Mixdrop mirror domains folded onto the canonical one.
var mixdropMirrors = []string{"mixdrp.to", "mixdrp.co", "mixdrop.to", "mixdrop.sx"}

// MixdropExtractor pulls the delivery URL out of Mixdrop's packed
// player script.
type MixdropExtractor struct {
	BaseExtractor
}

// NewMixdrop creates the Mixdrop extractor.
func NewMixdrop(client *httpclient.Client, log *logging.Logger) *MixdropExtractor {
	return &MixdropExtractor{BaseExtractor: newBase("mixdrop", client, log)}
}

// CanExtract returns true for Mixdrop URLs, mirrors included.
func (e *MixdropExtractor) CanExtract(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "mixdrop.") || strings.Contains(lower, "mixdrp.")
}

// Extract fetches the embed page, unpacks the player script, and
// returns the delivery URL.
func (e *MixdropExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	if !opts.ForceRefresh {
		if d, ok := e.cached(url); ok {
			return d, nil
		}
	}

	pageURL := normalizeMixdropURL(url)
	headers := map[string]string{
		"User-Agent": httpclient.DefaultUserAgent,
		"Referer":    "https://mixdrop.co/",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	httpclient.ApplyHeaders(req, headers)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch embed page: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed page: %w", err)
	}

	streamURL, err := mixdropStreamURL(string(body))
	if err != nil {
		return nil, err
	}

	descriptor := &types.StreamDescriptor{
		DestinationURL: streamURL,
		RequestHeaders: headers,
		Endpoint:       types.EndpointStream,
	}
	e.store(url, descriptor)
	return descriptor, nil
}

// normalizeMixdropURL folds mirrors onto mixdrop.co and switches the
// embed path to the file path.
func normalizeMixdropURL(url string) string {
	for _, mirror := range mixdropMirrors {
		url = strings.Replace(url, mirror, "mixdrop.co", 1)
	}
	return strings.Replace(url, "/e/", "/f/", 1)
}

// mixdropStreamURL digs the MDCore.wurl value out of the page,
// unpacking the p.a.c.k.e.r. script when present.
func mixdropStreamURL(html string) (string, error) {
	if packed := rePacked.FindString(html); packed != "" {
		if unpacked, err := unpackJS(packed); err == nil {
			html = unpacked
		}
	}

	for _, re := range []*regexp.Regexp{reMixdropWurl, reMediaSrc} {
		if m := re.FindStringSubmatch(html); len(m) > 1 {
			url := m[1]
			if strings.HasPrefix(url, "//") {
				url = "https:" + url
			}
			return url, nil
		}
	}
	return "", fmt.Errorf("no stream URL in embed page")
}

// unpackJS reverses Dean Edwards' p.a.c.k.e.r. by substituting each
// base-36 token with its dictionary word.
func unpackJS(packed string) (string, error) {
	m := rePackerArgs.FindStringSubmatch(packed)
	if len(m) < 5 {
		return "", fmt.Errorf("packer arguments not found")
	}

	payload := m[1]
	words := strings.Split(m[4], "|")

	for i := len(words) - 1; i >= 0; i-- {
		if words[i] == "" {
			continue
		}
		re, err := regexp.Compile(`\b` + base36(i) + `\b`)
		if err != nil {
			continue
		}
		payload = re.ReplaceAllString(payload, words[i])
	}
	return payload, nil
}

func base36(n int) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n < 36 {
		return string(digits[n])
	}
	return base36(n/36) + string(digits[n%36])
}

var _ interfaces.Extractor = (*MixdropExtractor)(nil)
