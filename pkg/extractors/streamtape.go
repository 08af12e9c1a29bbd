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

var streamtapeDomains = []string{
	"streamtape.com",
	"streamtape.to",
	"streamtape.net",
	"streamtape.xyz",
	"streamtape.site",
}

var (
	reRobotlink    = regexp.MustCompile(`id\s*=\s*["']?robotlink["']?[^>]*>([^<]+)<`)
	reRobotlinkJS  = regexp.MustCompile(`'robotlink'\)\.innerHTML\s*=\s*['"]([^'"]+)['"]`)
	reTapeToken    = regexp.MustCompile(`(?:token|substring)\s*[=()]+\s*['"]([^'"]+)['"]`)
	reTapeFullLink = regexp.MustCompile(`(?:src|href)\s*[=:]\s*['"]?(//[^'">\s]+streamtape[^'">\s]+)['"]?`)
)

// StreamtapeExtractor reassembles the get_video URL Streamtape splits
// across its page to defeat scrapers.
type StreamtapeExtractor struct {
	BaseExtractor
}

// NewStreamtape creates the Streamtape extractor.
func NewStreamtape(client *httpclient.Client, log *logging.Logger) *StreamtapeExtractor {
	return &StreamtapeExtractor{BaseExtractor: newBase("streamtape", client, log)}
}

// CanExtract returns true for Streamtape URLs on any of its domains.
func (e *StreamtapeExtractor) CanExtract(url string) bool {
	lower := strings.ToLower(url)
	for _, domain := range streamtapeDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}

// Extract fetches the page and reassembles the video URL.
func (e *StreamtapeExtractor) Extract(ctx context.Context, url string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	if !opts.ForceRefresh {
		if d, ok := e.cached(url); ok {
			return d, nil
		}
	}

	headers := map[string]string{
		"User-Agent": httpclient.DefaultUserAgent,
		"Referer":    "https://streamtape.com/",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create page request: %w", err)
	}
	httpclient.ApplyHeaders(req, headers)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}

	streamURL, err := streamtapeVideoURL(string(body))
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

func streamtapeVideoURL(html string) (string, error) {
	base := ""
	if m := reRobotlink.FindStringSubmatch(html); len(m) > 1 {
		base = strings.TrimSpace(m[1])
	} else if m := reRobotlinkJS.FindStringSubmatch(html); len(m) > 1 {
		base = strings.TrimSpace(m[1])
	}
	if base == "" {
		return "", fmt.Errorf("robotlink element not found")
	}

	streamURL := base
	if m := reTapeToken.FindStringSubmatch(html); len(m) > 1 {
		streamURL = base + m[1]
	} else if m := reTapeFullLink.FindStringSubmatch(html); len(m) > 1 {
		streamURL = m[1]
	}

	if strings.HasPrefix(streamURL, "//") {
		streamURL = "https:" + streamURL
	}
	streamURL = strings.Trim(streamURL, `'"`)

	if !strings.Contains(streamURL, "get_video") {
		return "", fmt.Errorf("reassembled URL is not a get_video link")
	}
	return streamURL, nil
}

var _ interfaces.Extractor = (*StreamtapeExtractor)(nil)
