package ratelimit

import (
	"net/http"
	"strings"
	"time"

	"github.com/Multiproject-EJ/futurefunds-site-sub000/internal/config"
)

// ConsumePath is the throttled batch endpoint
const ConsumePath = "/api/deep-dive/consume"

// Rule limits one endpoint. Paths ending in "/" match by prefix.
type Rule struct {
	Path   string
	Method string
	Limit  int           // requests per Window
	Window time.Duration
	Burst  int // defaults to Limit
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled         bool
	CleanupInterval time.Duration
	Whitelist       map[string]bool
	Rules           []Rule
}

// FromConfig builds the limiter configuration from the service settings.
// Only the consume endpoints are limited; health and metrics never are.
func FromConfig(c config.RateLimitConfig) Config {
	window := c.Window
	if window <= 0 {
		window = time.Minute
	}
	whitelist := make(map[string]bool, len(c.Whitelist))
	for _, ip := range c.Whitelist {
		if ip = strings.TrimSpace(ip); ip != "" {
			whitelist[ip] = true
		}
	}
	return Config{
		Enabled:         c.Enabled && c.Limit > 0,
		CleanupInterval: 5 * time.Minute,
		Whitelist:       whitelist,
		Rules: []Rule{
			{Path: ConsumePath, Method: http.MethodPost, Limit: c.Limit, Window: window, Burst: c.Burst},
			{Path: ConsumePath + "/", Method: http.MethodPost, Limit: c.Limit, Window: window, Burst: c.Burst},
		},
	}
}

// MatchRule returns the rule for a request, exact paths before prefixes,
// or nil when the request is not limited.
func MatchRule(path, method string, rules []Rule) *Rule {
	for i := range rules {
		if rules[i].Method == method && rules[i].Path == path {
			return &rules[i]
		}
	}
	for i := range rules {
		r := &rules[i]
		if r.Method == method && strings.HasSuffix(r.Path, "/") && strings.HasPrefix(path, r.Path) {
			return r
		}
	}
	return nil
}
