package socksudp

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/relayfan/internal/relay"
)

// fakeSocksServer accepts one control connection, performs the no-auth
// greeting and UDP ASSOCIATE handshake, and reports relayUDP's address
// as the relay endpoint.
type fakeSocksServer struct {
	ln       net.Listener
	relayUDP *net.UDPConn
}

func startFakeSocksServer(t *testing.T) *fakeSocksServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	relayUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)

	s := &fakeSocksServer{ln: ln, relayUDP: relayUDP}
	go s.serveOne(t)
	return s
}

func (s *fakeSocksServer) serveOne(t *testing.T) {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	greetBuf := make([]byte, 3)
	if _, err := conn.Read(greetBuf); err != nil {
		return
	}
	if _, err := conn.Write([]byte{5, 0}); err != nil {
		return
	}

	reqBuf := make([]byte, 10)
	if _, err := conn.Read(reqBuf); err != nil {
		return
	}

	relayAddr := s.relayUDP.LocalAddr().(*net.UDPAddr)
	reply := []byte{5, 0, 0, atypIPv4}
	reply = append(reply, relayAddr.IP.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(relayAddr.Port))
	reply = append(reply, portBuf...)
	conn.Write(reply)

	// Hold the control channel open for the association's lifetime.
	buf := make([]byte, 1)
	conn.Read(buf)
}

func (s *fakeSocksServer) addr() (string, uint16) {
	a := s.ln.Addr().(*net.TCPAddr)
	return a.IP.String(), uint16(a.Port)
}

func (s *fakeSocksServer) close() {
	s.ln.Close()
	s.relayUDP.Close()
}

func TestConnect_NegotiatesAssociateAndRelaysPayload(t *testing.T) {
	srv := startFakeSocksServer(t)
	defer srv.close()
	addr, port := srv.addr()

	h := New("socks", addr, port, nil, nil, nil)
	assoc, err := h.Connect(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	defer assoc.Close()

	recv, send := assoc.Split()

	ultimateTarget := &net.UDPAddr{IP: net.ParseIP("93.184.216.34"), Port: 443}
	_, err = send.SendTo([]byte("payload"), ultimateTarget)
	require.NoError(t, err)

	raw := make([]byte, 65535)
	srv.relayUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := srv.relayUDP.ReadFromUDP(raw)
	require.NoError(t, err)

	// Echo a reply datagram back from the ultimate target's perspective,
	// wrapped in the SOCKS5 UDP header, as the relay server would.
	hdr := []byte{0, 0, 0, atypIPv4}
	hdr = append(hdr, ultimateTarget.IP.To4()...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, uint16(ultimateTarget.Port))
	hdr = append(hdr, portBuf...)
	_, err = srv.relayUDP.WriteToUDP(append(hdr, []byte("reply")...), from)
	require.NoError(t, err)
	_ = n

	buf := make([]byte, 64)
	rn, peer, err := recv.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(buf[:rn]))
	udpPeer := peer.(*net.UDPAddr)
	assert.True(t, udpPeer.IP.Equal(ultimateTarget.IP))
	assert.Equal(t, ultimateTarget.Port, udpPeer.Port)
}

// TestRecvFrom_DomainReplyRejected covers the case where the relay
// server's datagram header carries a domain-form sender address:
// RecvFrom must fail with KindUnsupportedAddress.
func TestRecvFrom_DomainReplyRejected(t *testing.T) {
	srv := startFakeSocksServer(t)
	defer srv.close()
	addr, port := srv.addr()

	h := New("socks", addr, port, nil, nil, nil)
	assoc, err := h.Connect(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	defer assoc.Close()

	recv, send := assoc.Split()

	_, err = send.SendTo([]byte("hi"), &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 80})
	require.NoError(t, err)

	raw := make([]byte, 65535)
	srv.relayUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, from, err := srv.relayUDP.ReadFromUDP(raw)
	require.NoError(t, err)

	domain := "example.test"
	hdr := []byte{0, 0, 0, atypDomain, byte(len(domain))}
	hdr = append(hdr, []byte(domain)...)
	portBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(portBuf, 80)
	hdr = append(hdr, portBuf...)
	_, err = srv.relayUDP.WriteToUDP(append(hdr, []byte("x")...), from)
	require.NoError(t, err)

	buf := make([]byte, 64)
	_, _, err = recv.RecvFrom(buf)
	require.Error(t, err)
	kind, ok := relay.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, relay.KindUnsupportedAddress, kind)
}
