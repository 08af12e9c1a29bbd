// Package httpclient provides the outbound HTTP layer: egress routing over
// TRANSPORT_ROUTES and the global proxy pool, a cached client session per
// proxy, and a browser-fingerprinted TLS transport for picky origins.
package httpclient

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streambridge/pkg/config"
	"streambridge/pkg/logging"

	"golang.org/x/net/proxy"
)

// directKey is the session-pool key for proxyless connections.
const directKey = "direct"

// Client routes outbound requests through the configured egress policy and
// caches one http.Client session per outbound proxy.
type Client struct {
	mu            sync.RWMutex
	sessions      map[string]*http.Client
	routes        []config.TransportRoute
	globalProxies []string
	utlsClient    *http.Client
	log           *logging.Logger
}

// Domains that require a browser TLS fingerprint to get past Cloudflare.
var utlsDomains = []string{
	"newkso.ru",
	"dlhd.",
	"daddylive",
}

// New creates the outbound client from the egress configuration.
func New(cfg *config.Config, log *logging.Logger) *Client {
	c := &Client{
		sessions:      make(map[string]*http.Client),
		routes:        cfg.TransportRoutes,
		globalProxies: cfg.GlobalProxies,
		log:           log.WithComponent("httpclient"),
	}

	c.sessions[directKey] = &http.Client{
		Transport: newTransport(false),
		Timeout:   30 * time.Second,
	}
	c.utlsClient = &http.Client{
		Transport: newUTLSRoundTripper(),
		Timeout:   30 * time.Second,
	}

	return c
}

// newTransport builds the shared transport shape: IPv4-only dialing,
// keep-alive pooling, no per-host connection cap.
func newTransport(insecure bool) *http.Transport {
	t := &http.Transport{
		DialContext:           dialIPv4,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return t
}

// dialIPv4 forces tcp4; several target CDNs publish broken AAAA records.
func dialIPv4(ctx context.Context, network, addr string) (net.Conn, error) {
	if network == "tcp" {
		network = "tcp4"
	}
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 60 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// ResolveProxy returns the outbound proxy for a URL, or "" for a direct
// connection. The first route whose pattern is a substring of the URL wins;
// a matching route without a proxy (or marked direct) forces direct. With
// no match, a random global pool member is used.
func (c *Client) ResolveProxy(targetURL string) string {
	if targetURL == "" {
		return ""
	}
	for _, route := range c.routes {
		if strings.Contains(targetURL, route.URLPattern) {
			if route.Direct {
				return ""
			}
			return route.Proxy
		}
	}
	if len(c.globalProxies) > 0 {
		return c.globalProxies[rand.Intn(len(c.globalProxies))]
	}
	return ""
}

// ResolveTLS reports whether TLS verification is disabled for a URL.
// Same matcher as ResolveProxy; the default is to verify.
func (c *Client) ResolveTLS(targetURL string) bool {
	if targetURL == "" {
		return false
	}
	for _, route := range c.routes {
		if strings.Contains(targetURL, route.URLPattern) {
			return route.DisableSSL
		}
	}
	return false
}

// Do executes the request through the session selected by egress policy.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.sessionFor(req.URL.String()).Do(req)
}

// DoDirect executes the request on the direct session, bypassing routes
// and the global pool. Used by the redirect-handshake fallback.
func (c *Client) DoDirect(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	direct := c.sessions[directKey]
	c.mu.RUnlock()
	return direct.Do(req)
}

// DoNoRedirect executes the request through the egress-selected session
// without following redirects, so the Location header can be inspected.
func (c *Client) DoNoRedirect(req *http.Request) (*http.Response, error) {
	session := *c.sessionFor(req.URL.String())
	session.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return session.Do(req)
}

// DoDirectNoRedirect is DoNoRedirect on the direct session.
func (c *Client) DoDirectNoRedirect(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	session := *c.sessions[directKey]
	c.mu.RUnlock()
	session.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return session.Do(req)
}

// HasProxies reports whether a global egress pool is configured.
func (c *Client) HasProxies() bool {
	return len(c.globalProxies) > 0
}

// sessionFor picks the cached session for a URL: fingerprinted transport
// for known Cloudflare fronts, else the session keyed by resolved proxy.
func (c *Client) sessionFor(targetURL string) *http.Client {
	if needsFingerprint(targetURL) {
		c.log.Debug("using fingerprinted TLS transport", "url", targetURL)
		return c.utlsClient
	}

	proxyURL := c.ResolveProxy(targetURL)
	insecure := c.ResolveTLS(targetURL)

	key := directKey
	if proxyURL != "" {
		key = proxyURL
	}
	if insecure {
		key += "|insecure"
	}

	c.mu.RLock()
	if session, ok := c.sessions[key]; ok {
		c.mu.RUnlock()
		return session
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if session, ok := c.sessions[key]; ok {
		return session
	}

	session := c.newSession(proxyURL, insecure)
	c.sessions[key] = session
	c.log.Debug("created egress session", "proxy", proxyURL, "insecure", insecure)
	return session
}

// newSession builds a client for one proxy. On any setup failure it falls
// back to the direct session rather than failing the request.
func (c *Client) newSession(proxyURL string, insecure bool) *http.Client {
	transport := newTransport(insecure)

	if proxyURL == "" {
		return &http.Client{Transport: transport, Timeout: 30 * time.Second}
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		c.log.Error("invalid proxy URL, using direct connection", "proxy", proxyURL, "error", err)
		return c.sessions[directKey]
	}

	switch parsed.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(parsed, proxy.Direct)
		if err != nil {
			c.log.Error("socks5 dialer setup failed, using direct connection", "proxy", proxyURL, "error", err)
			return c.sessions[directKey]
		}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = cd.DialContext
		} else {
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	default:
		c.log.Warn("unsupported proxy scheme, using direct connection", "scheme", parsed.Scheme)
		return c.sessions[directKey]
	}

	return &http.Client{Transport: transport, Timeout: 30 * time.Second}
}

// needsFingerprint reports whether the URL's host needs the uTLS transport.
func needsFingerprint(targetURL string) bool {
	lower := strings.ToLower(targetURL)
	for _, domain := range utlsDomains {
		if strings.Contains(lower, domain) {
			return true
		}
	}
	return false
}
