package extractors

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"regexp"
	"strings"
	"time"

	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
	"streambridge/pkg/urlutil"
)

var (
	reIframeSources = []*regexp.Regexp{
		regexp.MustCompile(`<iframe[^>]*\ssrc=["']([^"']+)["']`),
		regexp.MustCompile(`<iframe[^>]*\ssrc=([^\s>]+)`),
		regexp.MustCompile(`iframe\.src\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`embedUrl['":\s]+["']([^"']+)["']`),
	}
	reChannelKeys = []*regexp.Regexp{
		regexp.MustCompile(`const\s+CHANNEL_KEY\s*=\s*["']([^"']+)["']`),
		regexp.MustCompile(`CHANNEL_KEY\s*[=:]\s*["']([^"']+)["']`),
		regexp.MustCompile(`channel_key\s*[=:]\s*["']([^"']+)["']`),
		regexp.MustCompile(`"channel_key"\s*:\s*["']([^"']+)["']`),
		regexp.MustCompile(`(?:window\.)?CHANNEL_KEY\s*=\s*_([a-fA-F0-9]+);`),
	}
	reServerLookups = []*regexp.Regexp{
		regexp.MustCompile(`fetchWithRetry\s*\(\s*["']([^"']+)["']`),
		regexp.MustCompile(`fetch\s*\(\s*["']([^"']+server[^"']*)["']`),
	}
	reHostArray   = regexp.MustCompile(`host\s*=\s*\[([^\]]+)\]`)
	reQuotedItem  = regexp.MustCompile(`["']([^"']+)["']`)
	reAuthBundle  = regexp.MustCompile(`(?:XKZK|XJZ)\s*=\s*["']([^"']+)["']`)
	reTokenArray  = regexp.MustCompile(`const\s+_[a-f0-9]+\s*=\s*\[([^\]]+)\];\s*let\s+_6b1821ca`)
	reTokenParts  = regexp.MustCompile(`\[([^\]]*"eyJ[^"]*"[^\]]*)\]`)
	reJWT         = regexp.MustCompile(`(eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)`)
	reChannelRefs = []*regexp.Regexp{
		regexp.MustCompile(`id=(\d+)`),
		regexp.MustCompile(`stream-(\d+)`),
		regexp.MustCompile(`/channel/(\d+)`),
		regexp.MustCompile(`/(\d+)\.php`),
	}
)

// Auth script path, XOR-obfuscated in the player the same way.
var dlhdScriptPath = func() string {
	bx := []byte{40, 60, 61, 33, 103, 57, 33, 57}
	out := make([]byte, len(bx))
	for i, b := range bx {
		out[i] = b ^ 73
	}
	return string(out)
}()

// DLHDExtractor walks the daddylive watch page down to the player
// iframe and reconstructs the newkso.ru playlist URL from the channel
// key and server assignment.
type DLHDExtractor struct {
	BaseExtractor
}

// NewDLHD creates the daddylive extractor.
func NewDLHD(client *httpclient.Client, log *logging.Logger) *DLHDExtractor {
	return &DLHDExtractor{BaseExtractor: newBase("dlhd", client, log)}
}

// CanExtract returns true for daddylive-family URLs.
func (e *DLHDExtractor) CanExtract(url string) bool {
	lower := strings.ToLower(url)
	return strings.Contains(lower, "dlhd.") ||
		strings.Contains(lower, "daddylive") ||
		strings.Contains(lower, "daddyhd")
}

// Extract resolves a channel page to its playlist URL.
func (e *DLHDExtractor) Extract(ctx context.Context, urlStr string, opts interfaces.ExtractOptions) (*types.StreamDescriptor, error) {
	if !opts.ForceRefresh {
		if d, ok := e.cached(urlStr); ok {
			return d, nil
		}
	}

	channelID := dlhdChannelID(urlStr)
	if channelID == "" {
		return nil, fmt.Errorf("no channel id in %s", urlStr)
	}

	session := newDLHDSession(ctx)
	baseURL := urlutil.SchemeHost(urlStr)

	watchPage, _, err := session.get(urlStr, baseURL+"/")
	if err != nil {
		return nil, fmt.Errorf("fetch watch page: %w", err)
	}

	iframeSrc := findIframeSrc(watchPage)
	if iframeSrc == "" {
		return nil, fmt.Errorf("no player iframe in watch page")
	}
	iframeSrc = absolutize(iframeSrc, baseURL)

	streamPage, status, err := session.get(iframeSrc, urlStr)
	if err != nil {
		return nil, fmt.Errorf("fetch player page: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("player page returned %d", status)
	}

	// Some channels embed the real player one level deeper.
	playerPage, playerURL := streamPage, iframeSrc
	if nested := findIframeSrc(streamPage); nested != "" {
		nested = absolutize(nested, baseURL)
		if page, st, err := session.get(nested, iframeSrc); err == nil && st == http.StatusOK {
			playerPage, playerURL = page, nested
		}
	}

	auth := parseDLHDAuth(playerPage, channelID)
	if auth.channelKey == "" {
		return nil, fmt.Errorf("no channel key in player page")
	}

	serverKey := ""
	if auth.serverLookupURL != "" {
		serverKey = session.fetchServerKey(auth.serverLookupURL, playerURL)
	}

	descriptor := buildDLHDDescriptor(auth, serverKey, playerURL)
	e.store(urlStr, descriptor)
	return descriptor, nil
}

type dlhdAuth struct {
	channelKey      string
	serverLookupURL string
	authURL         string
	sessionToken    string
}

// parseDLHDAuth pulls the channel key, server lookup URL, heartbeat
// auth URL, and session JWT out of the player page script.
func parseDLHDAuth(page, channelID string) dlhdAuth {
	var auth dlhdAuth

	for _, re := range reChannelKeys {
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			auth.channelKey = m[1]
			break
		}
	}

	for _, re := range reServerLookups {
		if m := re.FindStringSubmatch(page); len(m) > 1 {
			auth.serverLookupURL = m[1]
			break
		}
	}
	if strings.HasSuffix(auth.serverLookupURL, "channel_id=") || strings.HasSuffix(auth.serverLookupURL, "id=") {
		auth.serverLookupURL += channelID
	}

	auth.authURL = buildDLHDAuthURL(page, auth.channelKey)
	auth.sessionToken = findSessionToken(page)
	return auth
}

// buildDLHDAuthURL reassembles the keep-alive URL from the host array
// and the base64 auth bundle.
func buildDLHDAuthURL(page, channelKey string) string {
	hostMatch := reHostArray.FindStringSubmatch(page)
	if hostMatch == nil {
		return ""
	}
	var hosts []string
	for _, m := range reQuotedItem.FindAllStringSubmatch(hostMatch[1], -1) {
		hosts = append(hosts, m[1])
	}
	if len(hosts) == 0 {
		return ""
	}

	bundleMatch := reAuthBundle.FindStringSubmatch(page)
	if bundleMatch == nil {
		return ""
	}
	bundleJSON, err := base64.StdEncoding.DecodeString(bundleMatch[1])
	if err != nil {
		return ""
	}
	var bundle struct {
		BTs  string `json:"b_ts"`
		BRnd string `json:"b_rnd"`
		BSig string `json:"b_sig"`
	}
	if err := json.Unmarshal(bundleJSON, &bundle); err != nil {
		return ""
	}

	return fmt.Sprintf("https://%s/%s?channel_id=%s&ts=%s&rnd=%s&sig=%s",
		strings.Join(hosts, ""), dlhdScriptPath, channelKey, bundle.BTs, bundle.BRnd, bundle.BSig)
}

// findSessionToken rebuilds the JWT the player splits into base64
// fragments, falling back to a bare JWT anywhere in the page.
func findSessionToken(page string) string {
	m := reTokenArray.FindStringSubmatch(page)
	if m == nil {
		m = reTokenParts.FindStringSubmatch(page)
	}
	if len(m) > 1 {
		var combined string
		for _, pm := range reQuotedItem.FindAllStringSubmatch(m[1], -1) {
			combined += pm[1]
		}
		if decoded, err := base64.StdEncoding.DecodeString(combined); err == nil &&
			strings.HasPrefix(string(decoded), "eyJ") {
			return string(decoded)
		}
	}

	if m := reJWT.FindStringSubmatch(page); len(m) > 1 {
		return m[1]
	}
	return ""
}

// buildDLHDDescriptor maps the server assignment onto the newkso CDN
// layout and attaches the headers both the playlist and the key relay
// will need.
func buildDLHDDescriptor(auth dlhdAuth, serverKey, playerPageURL string) *types.StreamDescriptor {
	var m3u8URL string
	if serverKey == "" || serverKey == "top1" {
		m3u8URL = fmt.Sprintf("https://top1.newkso.ru/top1/cdn/%s/mono.m3u8", auth.channelKey)
	} else {
		m3u8URL = fmt.Sprintf("https://%snew.newkso.ru/%s/%s/mono.m3u8", serverKey, serverKey, auth.channelKey)
	}

	playerHost := urlutil.SchemeHost(playerPageURL)
	headers := map[string]string{
		"User-Agent":    httpclient.DefaultUserAgent,
		"Referer":       playerHost + "/",
		"Origin":        playerHost,
		"X-Channel-Key": auth.channelKey,
	}
	if auth.sessionToken != "" {
		headers["Authorization"] = "Bearer " + auth.sessionToken
		headers["X-Client-Token"] = auth.sessionToken
	}
	if auth.authURL != "" {
		headers["Heartbeat-Url"] = auth.authURL
	}

	return &types.StreamDescriptor{
		DestinationURL: m3u8URL,
		RequestHeaders: headers,
		Endpoint:       types.EndpointHLS,
	}
}

// dlhdSession is one extraction's cookie-carrying client; the site
// ties the player token to cookies set on the watch page.
type dlhdSession struct {
	ctx    context.Context
	client *http.Client
}

func newDLHDSession(ctx context.Context) *dlhdSession {
	jar, _ := cookiejar.New(nil)
	return &dlhdSession{
		ctx: ctx,
		client: &http.Client{
			Transport: &http.Transport{
				// The site publishes broken AAAA records.
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					if network == "tcp" {
						network = "tcp4"
					}
					d := &net.Dialer{Timeout: 30 * time.Second}
					return d.DialContext(ctx, network, addr)
				},
			},
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
	}
}

func (s *dlhdSession) get(urlStr, referer string) (string, int, error) {
	req, err := http.NewRequestWithContext(s.ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", httpclient.DefaultUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

// fetchServerKey asks the assignment endpoint which edge serves the
// channel. Both plain-text and JSON answers occur in the wild.
func (s *dlhdSession) fetchServerKey(lookupURL, referer string) string {
	body, status, err := s.get(lookupURL, referer)
	if err != nil || status != http.StatusOK {
		return ""
	}

	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	var answer struct {
		Server string `json:"server"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &answer); err != nil || answer.Error != "" {
		return ""
	}
	return answer.Server
}

func findIframeSrc(page string) string {
	for _, re := range reIframeSources {
		for _, m := range re.FindAllStringSubmatch(page, -1) {
			src := strings.Trim(m[1], `"'`)
			if src == "" || strings.HasPrefix(src, "javascript:") ||
				strings.HasPrefix(src, "about:") || strings.HasPrefix(src, "data:") {
				continue
			}
			return src
		}
	}
	return ""
}

func absolutize(src, baseURL string) string {
	switch {
	case strings.HasPrefix(src, "//"):
		return "https:" + src
	case strings.HasPrefix(src, "/"):
		return baseURL + src
	}
	return src
}

func dlhdChannelID(urlStr string) string {
	for _, re := range reChannelRefs {
		if m := re.FindStringSubmatch(urlStr); len(m) > 1 {
			return m[1]
		}
	}
	return ""
}

var _ interfaces.Extractor = (*DLHDExtractor)(nil)
