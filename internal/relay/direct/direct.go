// Package direct implements the leaf handler that dials a session's
// destination directly, resolving it first if it is still domain-form.
package direct

import (
	"context"
	"net"
	"time"

	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/relay"
)

// Name is this handler's kind name, used for telemetry.
const Name = "direct"

// Handler dials sess.Destination directly, after DNS resolution if
// needed. It never layers over a pre-dialed inbound stream: composable
// transports would be layered by a different handler type, not this
// leaf.
type Handler struct {
	tag      string
	bindAddr net.Addr
	resolver relay.Resolver
	dialer   net.Dialer
	metrics  *metrics.Metrics
}

var (
	_ relay.Handler    = (*Handler)(nil)
	_ relay.TCPHandler = (*Handler)(nil)
)

// New creates a direct handler. bindAddr may be nil to let the kernel
// pick the local address. m may be nil, in which case dial latency
// goes unrecorded.
func New(tag string, bindAddr net.Addr, resolver relay.Resolver, m *metrics.Metrics) *Handler {
	h := &Handler{tag: tag, bindAddr: bindAddr, resolver: resolver, metrics: m}
	if bindAddr != nil {
		h.dialer.LocalAddr = bindAddr
	}
	return h
}

// Tag implements relay.Handler.
func (h *Handler) Tag() string { return h.tag }

// Name implements relay.Handler.
func (h *Handler) Name() string { return Name }

// ConnectAddr implements relay.Handler. Direct always ends up dialing
// sess.Destination, but it has no single fixed upstream independent of
// the session, so it reports ok=false.
func (h *Handler) ConnectAddr(sess *relay.Session) (relay.ConnectAddr, bool) {
	return relay.ConnectAddr{}, false
}

// Handle implements relay.TCPHandler. It resolves sess.Destination.Host
// only if it is still domain-form — a numeric destination never
// reaches the resolver — then dials each candidate address in order,
// bound to h.bindAddr, returning the first stream that connects.
func (h *Handler) Handle(ctx context.Context, sess *relay.Session, _ relay.Stream) (relay.Stream, error) {
	ips, err := h.candidates(ctx, sess)
	if err != nil {
		return nil, relay.NewError(relay.KindDNSFailed, h.tag, err)
	}

	start := time.Now()
	var lastErr error
	for _, ip := range ips {
		addr := &net.TCPAddr{IP: ip, Port: int(sess.Destination.Port())}
		conn, err := h.dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			lastErr = err
			continue
		}
		if h.metrics != nil {
			h.metrics.DialLatency.WithLabelValues(h.tag).Observe(time.Since(start).Seconds())
		}
		return relay.NewConnStream(conn), nil
	}
	return nil, relay.NewError(relay.KindDialFailed, h.tag, lastErr)
}

// candidates returns the ordered list of addresses to try: the
// destination's own IP if it is already numeric, or the resolver's
// answer if it is domain-form.
func (h *Handler) candidates(ctx context.Context, sess *relay.Session) ([]net.IP, error) {
	if !sess.Destination.IsDomain() {
		return []net.IP{sess.Destination.IP()}, nil
	}
	return h.resolver.Resolve(ctx, sess.Destination.Host())
}
