// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MPD processing modes.
const (
	MPDModeLegacy = "legacy" // server-side DASH to HLS conversion
	MPDModeFFmpeg = "ffmpeg" // serve the MPD with rewritten URLs
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port         int
	BaseURL      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// Authentication
	APIPassword string

	// Egress settings
	GlobalProxies   []string
	TransportRoutes []TransportRoute

	// DASH handling strategy
	MPDMode string

	// FFmpeg settings
	FFmpegPath string

	// Logging
	LogLevel string
	LogJSON  bool
}

// TransportRoute is one egress rule: any URL containing URLPattern uses
// the route's proxy (or a direct connection) and its TLS policy.
type TransportRoute struct {
	URLPattern string
	Proxy      string
	DisableSSL bool
	Direct     bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	port := getEnvInt("PORT", 7860)
	cfg := &Config{
		Port:          port,
		BaseURL:       getEnvString("BASE_URL", fmt.Sprintf("http://localhost:%d", port)),
		ReadTimeout:   getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getEnvDuration("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:   getEnvDuration("IDLE_TIMEOUT", 60*time.Second),
		APIPassword:   os.Getenv("API_PASSWORD"),
		GlobalProxies: getEnvStringSlice("GLOBAL_PROXY", nil),
		MPDMode:       strings.ToLower(getEnvString("MPD_MODE", MPDModeLegacy)),
		FFmpegPath:    getEnvString("FFMPEG_PATH", "ffmpeg"),
		LogLevel:      getEnvString("LOG_LEVEL", "info"),
		LogJSON:       getEnvBool("LOG_JSON", false),
	}

	if cfg.MPDMode != MPDModeLegacy && cfg.MPDMode != MPDModeFFmpeg {
		cfg.MPDMode = MPDModeLegacy
	}

	cfg.TransportRoutes = ParseTransportRoutes(os.Getenv("TRANSPORT_ROUTES"))

	return cfg
}

// ParseTransportRoutes parses the TRANSPORT_ROUTES grammar:
//
//	{URL=pattern, PROXY=url, DISABLE_SSL=true}, {URL=pattern2, DIRECT=true}
//
// Spaces are insignificant. Entries without a URL pattern are dropped.
func ParseTransportRoutes(s string) []TransportRoute {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return nil
	}

	var routes []TransportRoute
	for _, part := range strings.Split(s, "},{") {
		part = strings.Trim(part, "{}")
		if part == "" {
			continue
		}

		var route TransportRoute
		for _, field := range strings.Split(part, ",") {
			kv := strings.SplitN(field, "=", 2)
			if len(kv) != 2 {
				continue
			}

			switch strings.ToUpper(kv[0]) {
			case "URL":
				route.URLPattern = kv[1]
			case "PROXY":
				route.Proxy = kv[1]
			case "DISABLE_SSL":
				route.DisableSSL = parseBool(kv[1])
			case "DIRECT":
				route.Direct = parseBool(kv[1])
			}
		}
		if route.URLPattern != "" {
			routes = append(routes, route)
		}
	}

	return routes
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return parseBool(val)
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		// Bare integers are seconds, otherwise a Go duration string.
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return defaultVal
}
