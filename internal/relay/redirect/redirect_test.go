package redirect

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConnect_SendAlwaysGoesToConfiguredTarget verifies that for any
// payload and any caller-supplied peer, the datagram observed on the
// wire is sent to the configured target, not the caller's peer.
func TestConnect_SendAlwaysGoesToConfiguredTarget(t *testing.T) {
	target, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer target.Close()
	targetAddr := target.LocalAddr().(*net.UDPAddr)

	decoy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer decoy.Close()
	decoyAddr := decoy.LocalAddr().(*net.UDPAddr)

	h, err := New("redirect", "127.0.0.1", uint16(targetAddr.Port), nil)
	require.NoError(t, err)

	assoc, err := h.Connect(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	defer assoc.Close()

	_, send := assoc.Split()

	payload := []byte("hello")
	n, err := send.SendTo(payload, decoyAddr)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	target.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	rn, _, err := target.ReadFromUDP(buf)
	require.NoError(t, err, "payload must arrive at the configured target, not the caller-supplied peer")
	assert.Equal(t, payload, buf[:rn])

	decoy.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = decoy.ReadFromUDP(buf)
	assert.Error(t, err, "the decoy peer must never receive anything")
}

// TestRecvFrom_AlwaysReportsConfiguredTargetAsPeer verifies the
// complementary half of the redirect contract: RecvFrom must report the
// configured target as peer, regardless of actual packet source.
func TestRecvFrom_AlwaysReportsConfiguredTargetAsPeer(t *testing.T) {
	sender, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	require.NoError(t, err)
	defer sender.Close()

	h, err := New("redirect", "127.0.0.1", 9999, nil) // port is irrelevant to this test
	require.NoError(t, err)

	assoc, err := h.Connect(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	defer assoc.Close()
	recv, _ := assoc.Split()

	localAddr := assoc.(*datagram).conn.LocalAddr().(*net.UDPAddr)
	_, err = sender.WriteToUDP([]byte("ping"), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: localAddr.Port})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, peer, err := recv.RecvFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	udpPeer, ok := peer.(*net.UDPAddr)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1", udpPeer.IP.String())
	assert.Equal(t, 9999, udpPeer.Port)
}
