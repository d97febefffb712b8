package relay

import "net"

// ConnStream adapts a net.Conn to the Stream interface. Most transports
// in this module are plain TCP connections; this wrapper is what lets
// leaf handlers return a Stream without each one re-implementing
// Flush/CloseWrite.
type ConnStream struct {
	net.Conn
}

// NewConnStream wraps conn as a Stream.
func NewConnStream(conn net.Conn) *ConnStream {
	return &ConnStream{Conn: conn}
}

// Flush is a no-op: net.Conn has no internal buffering to push.
func (c *ConnStream) Flush() error {
	return nil
}

// CloseWrite half-closes the write side if the underlying connection
// supports it (e.g. *net.TCPConn), otherwise closes the connection
// entirely.
func (c *ConnStream) CloseWrite() error {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.Conn.(writeCloser); ok {
		return wc.CloseWrite()
	}
	return c.Conn.Close()
}
