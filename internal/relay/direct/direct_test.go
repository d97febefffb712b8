package direct

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/relayfan/internal/relay"
)

// spyResolver records whether Resolve was called and returns a fixed
// answer, used to verify that a numeric destination must never reach
// the DNS client.
type spyResolver struct {
	called bool
	ips    []net.IP
	err    error
}

func (r *spyResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	r.called = true
	return r.ips, r.err
}

func TestHandle_NumericDestination_NeverCallsResolver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	resolver := &spyResolver{}
	h := New("direct", nil, resolver, nil)

	sess := &relay.Session{
		Destination: relay.NewIPAddr(addr.IP, uint16(addr.Port)),
	}

	stream, err := h.Handle(context.Background(), sess, nil)
	require.NoError(t, err)
	defer stream.Close()

	assert.False(t, resolver.called, "direct handler must not call the DNS client for a numeric destination")
}

// TestHandle_DomainDestination_TriesEachCandidateInOrder covers the
// case where the first candidate refuses and the second accepts: the
// returned stream must be connected to the second.
func TestHandle_DomainDestination_TriesEachCandidateInOrder(t *testing.T) {
	// Both candidates must share one port, since the session carries a
	// single destination port and only the candidate IP varies. Pick
	// the port from a real listener on one loopback address, then
	// address the refusing candidate on a second loopback address at
	// the same port (nothing listens there).
	accepting, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer accepting.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := accepting.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	acceptAddr := accepting.Addr().(*net.TCPAddr)
	refusedIP := net.ParseIP("127.0.0.2")

	resolver := &spyResolver{ips: []net.IP{refusedIP, acceptAddr.IP}}
	h := New("direct", nil, resolver, nil)

	sess := &relay.Session{
		Destination: relay.NewDomainAddr("example.test", uint16(acceptAddr.Port)),
	}

	stream, err := h.Handle(context.Background(), sess, nil)
	require.NoError(t, err)
	defer stream.Close()

	assert.True(t, resolver.called)
	select {
	case <-accepted:
	default:
		t.Fatal("expected the accepting listener to have received the connection")
	}
}

func TestHandle_AllCandidatesFail_ReturnsDialFailed(t *testing.T) {
	refused, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := refused.Addr().(*net.TCPAddr)
	require.NoError(t, refused.Close())

	resolver := &spyResolver{ips: []net.IP{addr.IP}}
	h := New("direct", nil, resolver, nil)

	sess := &relay.Session{
		Destination: relay.NewDomainAddr("example.test", uint16(addr.Port)),
	}

	_, err = h.Handle(context.Background(), sess, nil)
	require.Error(t, err)
	kind, ok := relay.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, relay.KindDialFailed, kind)
}
