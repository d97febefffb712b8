// Package dnsclient implements the relay.Resolver contract used by the
// direct and SOCKS5-UDP outbound handlers, backed by miekg/dns so that
// cache entries can be expired on the record's own TTL rather than a
// fixed guess.
package dnsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/postalsys/relayfan/internal/logging"
)

// Config configures a Client.
type Config struct {
	// Servers are tried in order for each query. Defaults to a small
	// set of public resolvers if empty.
	Servers []string

	// Timeout bounds a single upstream query.
	Timeout time.Duration

	// MinTTL floors how long a successful answer is cached, even if
	// the record's own TTL is shorter.
	MinTTL time.Duration

	// MaxTTL caps how long a successful answer is cached, even if the
	// record's own TTL is longer.
	MaxTTL time.Duration

	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Servers: []string{"1.1.1.1:53", "8.8.8.8:53"},
		Timeout: 5 * time.Second,
		MinTTL:  5 * time.Second,
		MaxTTL:  1 * time.Hour,
	}
}

// Client is a relay.Resolver backed by direct A-record queries.
type Client struct {
	cfg    Config
	dns    *dns.Client
	logger *logging.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	ips       []net.IP
	expiresAt time.Time
}

// New creates a Client. If cfg.Servers is empty, DefaultConfig's servers
// are used.
func New(cfg Config) *Client {
	if len(cfg.Servers) == 0 {
		cfg.Servers = DefaultConfig().Servers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = DefaultConfig().MinTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultConfig().MaxTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	return &Client{
		cfg:    cfg,
		dns:    &dns.Client{Timeout: cfg.Timeout},
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}
}

// Resolve satisfies relay.Resolver. A numeric host is returned
// immediately without ever touching the cache or any upstream server —
// this is what lets a direct handler dialing a numeric destination never
// call the DNS client's network path.
func (c *Client) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	if ips, ok := c.cached(host); ok {
		return ips, nil
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	msg.RecursionDesired = true

	var lastErr error
	for _, server := range c.cfg.Servers {
		qctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, _, err := c.dns.ExchangeContext(qctx, msg, server)
		cancel()
		if err != nil {
			lastErr = err
			c.logger.Debug("dns query failed", logging.KeyAddress, server, logging.KeyError, err)
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("dns server %s returned rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		ips, ttl := extractAnswers(resp)
		if len(ips) == 0 {
			lastErr = fmt.Errorf("dns server %s returned no A records for %s", server, host)
			continue
		}

		c.store(host, ips, clampTTL(ttl, c.cfg.MinTTL, c.cfg.MaxTTL))
		return ips, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no DNS servers configured")
	}
	return nil, fmt.Errorf("resolve %s: %w", host, lastErr)
}

// extractAnswers pulls A-record IPs and the minimum TTL among them out
// of a response, preserving server-returned order.
func extractAnswers(resp *dns.Msg) ([]net.IP, time.Duration) {
	var ips []net.IP
	minTTL := uint32(0)
	for _, rr := range resp.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		ips = append(ips, a.A)
		if minTTL == 0 || a.Hdr.Ttl < minTTL {
			minTTL = a.Hdr.Ttl
		}
	}
	return ips, time.Duration(minTTL) * time.Second
}

func clampTTL(ttl, min, max time.Duration) time.Duration {
	if ttl < min {
		return min
	}
	if ttl > max {
		return max
	}
	return ttl
}

func (c *Client) cached(host string) ([]net.IP, bool) {
	c.mu.RLock()
	entry, ok := c.cache[host]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.cache, host)
		c.mu.Unlock()
		return nil, false
	}
	return entry.ips, true
}

func (c *Client) store(host string, ips []net.IP, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[host] = cacheEntry{ips: ips, expiresAt: time.Now().Add(ttl)}
}

// ClearCache drops every cached answer.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cacheEntry)
}

// CacheSize returns the number of cached host entries.
func (c *Client) CacheSize() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}
