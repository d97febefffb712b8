// Package tryall implements the composite handler that races its
// children in parallel, giving earlier (higher-priority) children a
// staggered head start so that jitter doesn't let a worse path win by
// accident.
package tryall

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/postalsys/relayfan/internal/logging"
	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/recovery"
	"github.com/postalsys/relayfan/internal/relay"
)

// Name is this handler's kind name, used for telemetry.
const Name = "tryall"

// errWon is returned by a winning leg's goroutine purely to make
// errgroup cancel every sibling's context; it is never surfaced to
// callers.
var errWon = errors.New("tryall: leg won the race")

// Handler races its children and returns the first success, cancelling
// the rest. If every child fails, the last error is wrapped as
// relay.KindOutboundExhausted.
type Handler struct {
	tag       string
	actors    []relay.TCPHandler
	delayBase time.Duration
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

var (
	_ relay.Handler    = (*Handler)(nil)
	_ relay.TCPHandler = (*Handler)(nil)
)

// New creates a try-all handler. delayBase is the per-index stagger
// (actor i waits delayBase*i before it is dialed); zero means all
// children start simultaneously. m may be nil, in which case races go
// unrecorded.
func New(tag string, actors []relay.TCPHandler, delayBase time.Duration, logger *logging.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{tag: tag, actors: actors, delayBase: delayBase, logger: logger, metrics: m}
}

// Tag implements relay.Handler.
func (h *Handler) Tag() string { return h.tag }

// Name implements relay.Handler.
func (h *Handler) Name() string { return Name }

// ConnectAddr implements relay.Handler. A composite has no single fixed
// upstream of its own.
func (h *Handler) ConnectAddr(_ *relay.Session) (relay.ConnectAddr, bool) {
	return relay.ConnectAddr{}, false
}

// Handle implements relay.TCPHandler: spawn one goroutine per child,
// each waiting delayBase*i before calling Handle; the first success
// cancels every other leg and is returned.
func (h *Handler) Handle(ctx context.Context, sess *relay.Session, _ relay.Stream) (relay.Stream, error) {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var winner relay.Stream
	var winnerIndex int
	var lastErr error

	for i, actor := range h.actors {
		i, actor := i, actor
		g.Go(func() (err error) {
			defer recovery.RecoverWithLog(h.logger, fmt.Sprintf("tryall[%s].leg[%d]", h.tag, i))

			if h.delayBase > 0 && i > 0 {
				timer := time.NewTimer(h.delayBase * time.Duration(i))
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-gctx.Done():
					return nil
				}
			}

			stream, err := actor.Handle(gctx, sess, nil)
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				h.logger.Debug("tryall leg failed",
					logging.KeyTag, h.tag, logging.KeyChildIndex, i, logging.KeyError, err)
				return nil
			}

			mu.Lock()
			defer mu.Unlock()
			if winner != nil {
				// A sibling already won; this dial was wasted but must
				// not leak the connection.
				stream.Close()
				return nil
			}
			winner = stream
			winnerIndex = i
			return errWon
		})
	}

	// The group's own error is only ever errWon or nil; the real
	// outcome is read from winner/lastErr below.
	_ = g.Wait()

	if winner != nil {
		if h.metrics != nil {
			h.metrics.TryAllRaces.WithLabelValues(h.tag, "won").Inc()
			h.metrics.TryAllWinnerRank.WithLabelValues(h.tag).Observe(float64(winnerIndex))
		}
		return winner, nil
	}
	if h.metrics != nil {
		h.metrics.TryAllRaces.WithLabelValues(h.tag, "exhausted").Inc()
	}
	return nil, relay.NewError(relay.KindOutboundExhausted, h.tag, lastErr)
}
