package relay

import (
	"context"
	"io"
	"net"
)

// Stream is a bidirectional byte stream. It is owned, not shared: the
// holder is responsible for closing it exactly once.
type Stream interface {
	io.Reader
	io.Writer

	// Flush pushes any buffered output. Most raw net.Conn-backed streams
	// are unbuffered and implement this as a no-op.
	Flush() error

	// CloseWrite half-closes the write side, if the underlying
	// transport supports it (e.g. TCP FIN). Implementations that
	// cannot half-close fall back to a full Close.
	CloseWrite() error

	io.Closer
}

// Datagram is a UDP-like association that can be split exactly once into
// a receive half and a send half.
type Datagram interface {
	// Split divides the association into independent receive/send
	// halves. Must be called at most once.
	Split() (DatagramRecvHalf, DatagramSendHalf)

	io.Closer
}

// DatagramRecvHalf receives datagrams from an association's peer.
type DatagramRecvHalf interface {
	// RecvFrom reads one datagram into buf, returning its length and
	// the logical peer it came from. For associations with a fixed
	// remote (redirect), the returned peer is always the configured
	// target, regardless of the packet's actual source.
	RecvFrom(buf []byte) (n int, peer net.Addr, err error)
}

// DatagramSendHalf sends datagrams to an association's peer.
type DatagramSendHalf interface {
	// SendTo writes buf to peer. For associations with a fixed remote
	// (redirect), peer is ignored and the configured target is used
	// instead.
	SendTo(buf []byte, peer net.Addr) (n int, err error)
}

// TransportType classifies a UDP handler's underlying transport, so
// composites and pools can reason about framing without a type switch.
type TransportType int

const (
	// TransportPacket means each Write/SendTo is one datagram.
	TransportPacket TransportType = iota
	// TransportStream means the UDP association is itself carried over
	// a byte stream (e.g. a tunnel); framing is the handler's concern.
	TransportStream
)

// ConnectAddr advertises the single upstream socket a handler will dial,
// so TUN fake-DNS / NAT layers can break forwarding loops.
type ConnectAddr struct {
	Host string
	Port uint16
	Bind net.Addr
}

// Handler is the capability set every outbound adapter satisfies. A
// concrete handler implements whichever subset applies to it — TCP via
// Handle, UDP via Connect — the two are independent and a handler may
// implement either, both, or (for a pure TUN-loop-breaking stub) neither.
type Handler interface {
	// Tag returns the handler's configured identifier, used in logs.
	Tag() string

	// Name returns the handler's kind name, used for telemetry.
	Name() string

	// ConnectAddr advertises the upstream socket this handler will
	// dial, or ok=false if it has no single observable upstream
	// (composite handlers, and loopback-style leaves).
	ConnectAddr(sess *Session) (addr ConnectAddr, ok bool)
}

// TCPHandler is satisfied by handlers that can produce a bidirectional
// stream to sess.Destination.
type TCPHandler interface {
	Handler

	// Handle produces a stream to sess.Destination. inbound, if
	// non-nil, is a pre-dialed stream for composable transports to
	// layer over; leaf handlers ignore it.
	Handle(ctx context.Context, sess *Session, inbound Stream) (Stream, error)
}

// UDPHandler is satisfied by handlers that can produce a datagram
// association for sess.
type UDPHandler interface {
	Handler

	// TransportType reports how this handler frames its datagrams.
	TransportType() TransportType

	// Connect produces a datagram association for sess. inboundDatagram
	// and inboundStream are pre-opened transports to layer over, for
	// composable UDP transports; leaf handlers ignore them.
	Connect(ctx context.Context, sess *Session, inboundDatagram Datagram, inboundStream Stream) (Datagram, error)
}
