// Package socksudp implements the UDP leaf handler that associates
// with an upstream SOCKS5 server and relays datagrams through it.
//
// This leaf cannot itself accept a pre-dialed upstream stream: the
// control channel must be a raw TCP connection this handler negotiates
// the SOCKS5 handshake over, so it cannot sit on top of another
// transport. Exposing a separate control-channel dial hook would lift
// that limitation, but this handler does not attempt it.
package socksudp

import (
	"context"
	"net"
	"time"

	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/relay"
)

// Name is this handler's kind name, used for telemetry.
const Name = "socks5udp"

// Handler dials an upstream SOCKS5 server's TCP control channel,
// negotiates a UDP ASSOCIATE, and relays datagrams through the
// endpoint it returns.
type Handler struct {
	tag      string
	address  string
	port     uint16
	bindAddr net.Addr
	resolver relay.Resolver
	dialer   net.Dialer
	metrics  *metrics.Metrics
}

var (
	_ relay.Handler    = (*Handler)(nil)
	_ relay.UDPHandler = (*Handler)(nil)
)

// New creates a SOCKS5 UDP outbound handler targeting the server at
// (address, port). bindAddr may be nil to let the kernel pick the
// local address for the control channel. m may be nil, in which case
// associations go unrecorded.
func New(tag, address string, port uint16, bindAddr net.Addr, resolver relay.Resolver, m *metrics.Metrics) *Handler {
	h := &Handler{tag: tag, address: address, port: port, bindAddr: bindAddr, resolver: resolver, metrics: m}
	if bindAddr != nil {
		h.dialer.LocalAddr = bindAddr
	}
	return h
}

// Tag implements relay.Handler.
func (h *Handler) Tag() string { return h.tag }

// Name implements relay.Handler.
func (h *Handler) Name() string { return Name }

// ConnectAddr implements relay.Handler. Unlike Direct, this handler
// always talks to the same configured upstream.
func (h *Handler) ConnectAddr(_ *relay.Session) (relay.ConnectAddr, bool) {
	return relay.ConnectAddr{Host: h.address, Port: h.port}, true
}

// TransportType implements relay.UDPHandler.
func (h *Handler) TransportType() relay.TransportType {
	return relay.TransportPacket
}

// Connect implements relay.UDPHandler. It ignores any pre-opened
// inbound datagram/stream (see the package doc for why), dials the
// SOCKS5 server's control channel directly (resolving first if needed,
// trying each candidate in order like the direct handler), negotiates
// UDP ASSOCIATE, and returns an association relayed through the server.
func (h *Handler) Connect(ctx context.Context, _ *relay.Session, _ relay.Datagram, _ relay.Stream) (relay.Datagram, error) {
	start := time.Now()
	ctrl, err := h.dialControlChannel(ctx)
	if err != nil {
		return nil, relay.NewError(relay.KindDialFailed, h.tag, err)
	}

	if err := greet(ctrl); err != nil {
		ctrl.Close()
		return nil, relay.NewError(relay.KindHandshakeFailed, h.tag, err)
	}

	relayAddr, err := udpAssociate(ctrl)
	if err != nil {
		ctrl.Close()
		return nil, relay.NewError(relay.KindHandshakeFailed, h.tag, err)
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		ctrl.Close()
		return nil, relay.NewError(relay.KindDialFailed, h.tag, err)
	}

	if h.metrics != nil {
		h.metrics.AssociationsActive.WithLabelValues(h.tag).Inc()
		h.metrics.DialLatency.WithLabelValues(h.tag).Observe(time.Since(start).Seconds())
	}
	return &datagram{ctrl: ctrl, udp: udpConn, relayAddr: relayAddr, tag: h.tag, metrics: h.metrics}, nil
}

// dialControlChannel resolves h.address if needed and tries each
// candidate IP in order, exactly like the direct handler.
func (h *Handler) dialControlChannel(ctx context.Context) (net.Conn, error) {
	ips, err := h.candidates(ctx)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, ip := range ips {
		addr := &net.TCPAddr{IP: ip, Port: int(h.port)}
		conn, err := h.dialer.DialContext(ctx, "tcp", addr.String())
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}
	return nil, lastErr
}

func (h *Handler) candidates(ctx context.Context) ([]net.IP, error) {
	if ip := net.ParseIP(h.address); ip != nil {
		return []net.IP{ip}, nil
	}
	return h.resolver.Resolve(ctx, h.address)
}

// datagram is a split-once UDP association relayed through an upstream
// SOCKS5 server; the control channel is held for its lifetime.
type datagram struct {
	ctrl      net.Conn
	udp       *net.UDPConn
	relayAddr *net.UDPAddr
	tag       string
	metrics   *metrics.Metrics
}

func (d *datagram) Split() (relay.DatagramRecvHalf, relay.DatagramSendHalf) {
	return &recvHalf{udp: d.udp, tag: d.tag, metrics: d.metrics},
		&sendHalf{udp: d.udp, relayAddr: d.relayAddr, tag: d.tag, metrics: d.metrics}
}

// Close tears down both the UDP socket and the control channel;
// dropping the control channel cancels the relay server-side.
func (d *datagram) Close() error {
	if d.metrics != nil {
		d.metrics.AssociationsActive.WithLabelValues(d.tag).Dec()
	}
	udpErr := d.udp.Close()
	ctrlErr := d.ctrl.Close()
	if udpErr != nil {
		return udpErr
	}
	return ctrlErr
}

type recvHalf struct {
	udp     *net.UDPConn
	tag     string
	metrics *metrics.Metrics
}

// RecvFrom reads one relayed datagram, rejecting domain-form sender
// addresses: only numeric addresses surface to callers.
func (r *recvHalf) RecvFrom(buf []byte) (int, net.Addr, error) {
	raw := make([]byte, 65535)
	n, _, err := r.udp.ReadFromUDP(raw)
	if err != nil {
		return 0, nil, err
	}

	peer, offset, isDomain, err := decodeUDPHeader(raw[:n])
	if err != nil {
		return 0, nil, err
	}
	if isDomain {
		return 0, nil, relay.NewError(relay.KindUnsupportedAddress, "", nil)
	}

	copied := copy(buf, raw[offset:n])
	if r.metrics != nil {
		r.metrics.DatagramsRelayed.WithLabelValues(r.tag, "recv").Inc()
	}
	return copied, peer, nil
}

type sendHalf struct {
	udp       *net.UDPConn
	relayAddr *net.UDPAddr
	tag       string
	metrics   *metrics.Metrics
}

// SendTo wraps buf in the SOCKS5 UDP relay header addressed to peer and
// writes it to the server's relay endpoint.
func (s *sendHalf) SendTo(buf []byte, peer net.Addr) (int, error) {
	header, err := encodeUDPHeader(peer)
	if err != nil {
		return 0, err
	}
	pkt := append(header, buf...)
	if _, err := s.udp.WriteToUDP(pkt, s.relayAddr); err != nil {
		return 0, err
	}
	if s.metrics != nil {
		s.metrics.DatagramsRelayed.WithLabelValues(s.tag, "send").Inc()
	}
	return len(buf), nil
}
