package registry

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/relayfan/internal/config"
	"github.com/postalsys/relayfan/internal/relay"
)

type stubResolver struct{}

func (stubResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	return []net.IP{net.ParseIP("127.0.0.1")}, nil
}

func TestBuild_WiresActorReferencesInOrder(t *testing.T) {
	cfg, err := config.Parse([]byte(`
handlers:
  - tag: us-direct
    kind: direct
  - tag: redirect-dns
    kind: redirect
    address: 10.0.0.53
    port: 53
  - tag: race
    kind: tryall
    actors: [us-direct]
  - tag: main
    kind: failover
    actors: [race, us-direct]
root: main
`))
	require.NoError(t, err)

	built, root, err := Build(cfg, stubResolver{}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, built, 4)
	assert.Equal(t, "main", root.Tag())
	assert.Equal(t, "failover", root.Name())
}

func TestBuild_FailoverWithProbeThrottle_Succeeds(t *testing.T) {
	cfg, err := config.Parse([]byte(`
handlers:
  - tag: us-direct
    kind: direct
  - tag: main
    kind: failover
    actors: [us-direct]
    probe_throttle_rate: 2.0
    probe_throttle_burst: 1
root: main
`))
	require.NoError(t, err)

	built, root, err := Build(cfg, stubResolver{}, nil, nil)
	require.NoError(t, err)
	assert.Len(t, built, 2)
	assert.Equal(t, "failover", root.Name())
}

func TestBuild_CompositeReferencingUDPOnlyActor_Fails(t *testing.T) {
	cfg, err := config.Parse([]byte(`
handlers:
  - tag: redir
    kind: redirect
    address: 10.0.0.1
    port: 53
  - tag: race
    kind: tryall
    actors: [redir]
root: race
`))
	require.NoError(t, err)

	_, _, err = Build(cfg, stubResolver{}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not implement a TCP handler")
}
