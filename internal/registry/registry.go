// Package registry builds a handler tree from configuration, resolving
// actor tag references against already-built handlers as it walks the
// list in file order. This is a flat, order-dependent builder, not a
// rules engine: referential integrity (an actor must name a handler
// defined earlier) is config's job; this package only wires concrete
// handler values together.
package registry

import (
	"fmt"
	"net"
	"time"

	"github.com/postalsys/relayfan/internal/config"
	"github.com/postalsys/relayfan/internal/logging"
	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/relay"
	"github.com/postalsys/relayfan/internal/relay/direct"
	"github.com/postalsys/relayfan/internal/relay/failover"
	"github.com/postalsys/relayfan/internal/relay/redirect"
	"github.com/postalsys/relayfan/internal/relay/socksudp"
	"github.com/postalsys/relayfan/internal/relay/tryall"
	"github.com/postalsys/relayfan/internal/throttle"
)

// Build constructs every handler in cfg.Handlers, in order, and returns
// the resulting tag -> Handler map along with the root handler. m may
// be nil, in which case the handler tree runs unmetered.
func Build(cfg *config.Config, resolver relay.Resolver, logger *logging.Logger, m *metrics.Metrics) (map[string]relay.Handler, relay.Handler, error) {
	built := make(map[string]relay.Handler, len(cfg.Handlers))

	for _, entry := range cfg.Handlers {
		h, err := buildOne(entry, built, resolver, logger, m)
		if err != nil {
			return nil, nil, fmt.Errorf("handler %q: %w", entry.Tag, err)
		}
		built[entry.Tag] = h
	}

	root, ok := built[cfg.Root]
	if !ok {
		return nil, nil, fmt.Errorf("root %q does not name a built handler", cfg.Root)
	}
	return built, root, nil
}

func buildOne(entry config.HandlerEntry, built map[string]relay.Handler, resolver relay.Resolver, logger *logging.Logger, m *metrics.Metrics) (relay.Handler, error) {
	switch entry.Kind {
	case config.KindDirect:
		var bindAddr net.Addr
		if entry.Bind != "" {
			bindAddr = &net.TCPAddr{IP: net.ParseIP(entry.Bind)}
		}
		return direct.New(entry.Tag, bindAddr, resolver, m), nil

	case config.KindRedirect:
		h, err := redirect.New(entry.Tag, entry.Address, entry.Port, m)
		if err != nil {
			return nil, err
		}
		return h, nil

	case config.KindSocks5UDP:
		var bindAddr net.Addr
		if entry.Bind != "" {
			bindAddr = &net.TCPAddr{IP: net.ParseIP(entry.Bind)}
		}
		return socksudp.New(entry.Tag, entry.Address, entry.Port, bindAddr, resolver, m), nil

	case config.KindTryAll:
		actors, err := resolveTCPActors(entry.Actors, built)
		if err != nil {
			return nil, err
		}
		delay := time.Duration(entry.DelayBaseMS) * time.Millisecond
		return tryall.New(entry.Tag, actors, delay, logger, m), nil

	case config.KindFailover:
		actors, err := resolveTCPActors(entry.Actors, built)
		if err != nil {
			return nil, err
		}
		var limiter *throttle.Limiter
		if entry.ProbeThrottleRate > 0 {
			burst := entry.ProbeThrottleBurst
			if burst <= 0 {
				burst = 1
			}
			limiter = throttle.New(entry.ProbeThrottleRate, burst)
		}
		return failover.New(entry.Tag, actors, failover.Options{
			FailTimeout:   entry.FailTimeout,
			HealthCheck:   entry.HealthCheck,
			CheckInterval: entry.CheckInterval,
			Failover:      entry.Failover,
			ProbeHost:     entry.ProbeHost,
			ProbePort:     entry.ProbePort,
			Throttle:      limiter,
			Metrics:       m,
			Logger:        logger,
		}), nil

	default:
		return nil, fmt.Errorf("unknown kind %q", entry.Kind)
	}
}

// resolveTCPActors looks up each named actor among already-built
// handlers and requires it to implement relay.TCPHandler, since tryall
// and failover only compose TCP-capable children.
func resolveTCPActors(tags []string, built map[string]relay.Handler) ([]relay.TCPHandler, error) {
	actors := make([]relay.TCPHandler, 0, len(tags))
	for _, tag := range tags {
		h, ok := built[tag]
		if !ok {
			return nil, fmt.Errorf("actor %q has not been built yet", tag)
		}
		tcp, ok := h.(relay.TCPHandler)
		if !ok {
			return nil, fmt.Errorf("actor %q (kind-incompatible) does not implement a TCP handler", tag)
		}
		actors = append(actors, tcp)
	}
	return actors, nil
}

