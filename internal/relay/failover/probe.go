package failover

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/postalsys/relayfan/internal/relay"
)

// probeBound is the maximum wall time a single child's probe may take,
// covering dial, write, and read together.
const probeBound = 10 * time.Second

// probeRequest is the literal bytes written after a probe dial succeeds.
// Exercising both the send and receive paths matters: a socket opening
// does not prove the path is usable (captive portals, black holes).
const probeRequest = "HEAD / HTTP/1.1\r\n\r\n"

// measure probes child (at schedule index idx) by dialing probeHost,
// writing probeRequest, and reading exactly one byte back, classifying
// how far the attempt got.
func measure(ctx context.Context, child relay.TCPHandler, idx int, probeHost string, probePort uint16) relay.Measure {
	ctx, cancel := context.WithTimeout(ctx, probeBound)
	defer cancel()

	resultCh := make(chan relay.Measure, 1)
	go func() {
		resultCh <- doProbe(ctx, child, idx, probeHost, probePort)
	}()

	select {
	case m := <-resultCh:
		return m
	case <-ctx.Done():
		return relay.Measure{Index: idx, Outcome: relay.OutcomeTimeout}
	}
}

func doProbe(ctx context.Context, child relay.TCPHandler, idx int, probeHost string, probePort uint16) relay.Measure {
	sess := &relay.Session{
		Source:      &net.TCPAddr{IP: net.IPv4zero, Port: 0},
		Destination: relay.NewDomainAddr(probeHost, probePort),
	}

	start := time.Now()
	stream, err := child.Handle(ctx, sess, nil)
	if err != nil {
		return relay.Measure{Index: idx, Outcome: relay.OutcomeDialFailed}
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		type deadliner interface {
			SetDeadline(time.Time) error
		}
		if d, ok := stream.(deadliner); ok {
			d.SetDeadline(deadline)
		}
	}

	if _, err := stream.Write([]byte(probeRequest)); err != nil {
		return relay.Measure{Index: idx, Outcome: relay.OutcomeWriteFailed}
	}

	buf := make([]byte, 1)
	if _, err := io.ReadFull(stream, buf); err != nil {
		return relay.Measure{Index: idx, Outcome: relay.OutcomeReadFailed}
	}

	return relay.Measure{Index: idx, Outcome: relay.OutcomeSuccess, Millis: time.Since(start).Milliseconds()}
}
