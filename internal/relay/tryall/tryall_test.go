package tryall

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postalsys/relayfan/internal/relay"
)

// fakeActor is a minimal relay.TCPHandler stand-in whose Handle behavior
// is entirely scripted by the test.
type fakeActor struct {
	tag        string
	delay      time.Duration
	fail       bool
	started    chan struct{}
	calls      int32
	lastStream *fakeStream
	// ignoreCancel makes Handle finish its delay even after ctx is
	// cancelled, like a dial that completes just as it loses the race.
	ignoreCancel bool
}

var (
	_ relay.Handler    = (*fakeActor)(nil)
	_ relay.TCPHandler = (*fakeActor)(nil)
)

func (a *fakeActor) Tag() string  { return a.tag }
func (a *fakeActor) Name() string { return "fake" }
func (a *fakeActor) ConnectAddr(_ *relay.Session) (relay.ConnectAddr, bool) {
	return relay.ConnectAddr{}, false
}

func (a *fakeActor) Handle(ctx context.Context, _ *relay.Session, _ relay.Stream) (relay.Stream, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.started != nil {
		close(a.started)
	}
	cancelled := ctx.Done()
	if a.ignoreCancel {
		cancelled = nil
	}
	select {
	case <-time.After(a.delay):
	case <-cancelled:
		return nil, ctx.Err()
	}
	if a.fail {
		return nil, relay.NewError(relay.KindDialFailed, a.tag, nil)
	}
	s := &fakeStream{closed: new(int32)}
	a.lastStream = s
	return s, nil
}

type fakeStream struct {
	closed *int32
}

func (s *fakeStream) Read(p []byte) (int, error)  { return 0, nil }
func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }
func (s *fakeStream) Flush() error                { return nil }
func (s *fakeStream) CloseWrite() error           { return nil }
func (s *fakeStream) Close() error {
	atomic.AddInt32(s.closed, 1)
	return nil
}

func TestHandle_FirstSuccessWins(t *testing.T) {
	slow := &fakeActor{tag: "slow", delay: 200 * time.Millisecond}
	fast := &fakeActor{tag: "fast", delay: 10 * time.Millisecond}

	h := New("tryall", []relay.TCPHandler{slow, fast}, 0, nil, nil)
	sess := &relay.Session{}

	start := time.Now()
	stream, err := h.Handle(context.Background(), sess, nil)
	require.NoError(t, err)
	require.NotNil(t, stream)
	assert.Less(t, time.Since(start), 150*time.Millisecond, "must return as soon as the fastest leg succeeds")
}

// TestHandle_StaggeredStart verifies that actor i is not dialed until
// roughly delayBase*i has elapsed, giving earlier actors a head start.
// The first actor is slower than delayBase so that it has not won (and
// cancelled the pending second leg) before the second one starts.
func TestHandle_StaggeredStart(t *testing.T) {
	first := &fakeActor{tag: "first", delay: 200 * time.Millisecond, started: make(chan struct{})}
	second := &fakeActor{tag: "second", delay: 5 * time.Millisecond, started: make(chan struct{})}

	h := New("tryall", []relay.TCPHandler{first, second}, 100*time.Millisecond, nil, nil)
	sess := &relay.Session{}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		stream, err := h.Handle(context.Background(), sess, nil)
		require.NoError(t, err)
		stream.Close()
	}()

	<-first.started
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	<-second.started
	assert.GreaterOrEqual(t, time.Since(start), 95*time.Millisecond, "second actor must wait roughly delayBase before starting")

	wg.Wait()
}

// TestHandle_AllFail_ReturnsOutboundExhausted covers full exhaustion:
// every child fails and the last error is wrapped.
func TestHandle_AllFail_ReturnsOutboundExhausted(t *testing.T) {
	a := &fakeActor{tag: "a", fail: true}
	b := &fakeActor{tag: "b", fail: true}

	h := New("tryall", []relay.TCPHandler{a, b}, 0, nil, nil)
	sess := &relay.Session{}

	_, err := h.Handle(context.Background(), sess, nil)
	require.Error(t, err)
	kind, ok := relay.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, relay.KindOutboundExhausted, kind)
}

// TestHandle_LoserStreamIsClosed verifies that a slower leg which
// succeeds after a winner was already chosen has its stream closed
// rather than leaked.
func TestHandle_LoserStreamIsClosed(t *testing.T) {
	fast := &fakeActor{tag: "fast", delay: 5 * time.Millisecond}
	slow := &fakeActor{tag: "slow", delay: 80 * time.Millisecond, ignoreCancel: true}

	h := New("tryall", []relay.TCPHandler{fast, slow}, 0, nil, nil)
	sess := &relay.Session{}

	stream, err := h.Handle(context.Background(), sess, nil)
	require.NoError(t, err)
	defer stream.Close()

	require.Eventually(t, func() bool {
		return slow.lastStream != nil
	}, time.Second, 10*time.Millisecond, "slow leg must still complete its dial after losing")

	assert.Equal(t, int32(1), atomic.LoadInt32(slow.lastStream.closed), "loser's stream must be closed, not leaked")
}
