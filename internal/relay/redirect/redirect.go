// Package redirect implements the UDP leaf handler that rewrites every
// outgoing datagram's peer to a fixed configured target, regardless of
// what the caller asked to send to — used for transparent DNS redirects
// and similar rewrites.
package redirect

import (
	"context"
	"net"

	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/relay"
)

// Name is this handler's kind name, used for telemetry.
const Name = "redirect"

// Handler binds a fresh local UDP socket per association and forces
// every send to a fixed target, reporting that same target as the peer
// of every received datagram regardless of its actual source.
type Handler struct {
	tag     string
	target  *net.UDPAddr
	metrics *metrics.Metrics
}

var (
	_ relay.Handler    = (*Handler)(nil)
	_ relay.UDPHandler = (*Handler)(nil)
)

// New creates a redirect handler for a numeric (address, port) target.
// m may be nil, in which case associations go unrecorded.
func New(tag, address string, port uint16, m *metrics.Metrics) (*Handler, error) {
	ip := net.ParseIP(address)
	if ip == nil {
		return nil, relay.NewError(relay.KindInvalidConfig, tag, nil)
	}
	return &Handler{tag: tag, target: &net.UDPAddr{IP: ip, Port: int(port)}, metrics: m}, nil
}

// Tag implements relay.Handler.
func (h *Handler) Tag() string { return h.tag }

// Name implements relay.Handler.
func (h *Handler) Name() string { return Name }

// ConnectAddr implements relay.Handler. Unlike most leaves, redirect
// does have one fixed upstream independent of the session: it always
// talks to h.target.
func (h *Handler) ConnectAddr(_ *relay.Session) (relay.ConnectAddr, bool) {
	return relay.ConnectAddr{Host: h.target.IP.String(), Port: uint16(h.target.Port)}, true
}

// TransportType implements relay.UDPHandler.
func (h *Handler) TransportType() relay.TransportType {
	return relay.TransportPacket
}

// Connect implements relay.UDPHandler. It ignores any pre-opened
// inbound datagram/stream — redirect is always a leaf — binds a fresh
// local UDP socket, and returns an association pinned to h.target.
func (h *Handler) Connect(_ context.Context, _ *relay.Session, _ relay.Datagram, _ relay.Stream) (relay.Datagram, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, relay.NewError(relay.KindDialFailed, h.tag, err)
	}
	if h.metrics != nil {
		h.metrics.AssociationsActive.WithLabelValues(h.tag).Inc()
	}
	return &datagram{conn: conn, target: h.target, tag: h.tag, metrics: h.metrics}, nil
}

// datagram is a split-once UDP association pinned to a fixed target.
type datagram struct {
	conn    *net.UDPConn
	target  *net.UDPAddr
	tag     string
	metrics *metrics.Metrics
}

func (d *datagram) Split() (relay.DatagramRecvHalf, relay.DatagramSendHalf) {
	return &recvHalf{conn: d.conn, target: d.target, tag: d.tag, metrics: d.metrics},
		&sendHalf{conn: d.conn, target: d.target, tag: d.tag, metrics: d.metrics}
}

func (d *datagram) Close() error {
	if d.metrics != nil {
		d.metrics.AssociationsActive.WithLabelValues(d.tag).Dec()
	}
	return d.conn.Close()
}

type recvHalf struct {
	conn    *net.UDPConn
	target  *net.UDPAddr
	tag     string
	metrics *metrics.Metrics
}

// RecvFrom reads a datagram and reports the configured target as its
// peer, regardless of the packet's actual source address, so callers
// always see a stable logical peer.
func (r *recvHalf) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, _, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		return n, r.target, err
	}
	if r.metrics != nil {
		r.metrics.DatagramsRelayed.WithLabelValues(r.tag, "recv").Inc()
	}
	return n, r.target, nil
}

type sendHalf struct {
	conn    *net.UDPConn
	target  *net.UDPAddr
	tag     string
	metrics *metrics.Metrics
}

// SendTo ignores the caller-supplied peer and always sends to the
// configured target.
func (s *sendHalf) SendTo(buf []byte, _ net.Addr) (int, error) {
	n, err := s.conn.WriteToUDP(buf, s.target)
	if err == nil && s.metrics != nil {
		s.metrics.DatagramsRelayed.WithLabelValues(s.tag, "send").Inc()
	}
	return n, err
}
