// Package failover implements the composite handler that ranks its
// children by periodically measured latency and liveness, then dials
// them in that order, one at a time, bounded by a per-attempt timeout.
package failover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/postalsys/relayfan/internal/logging"
	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/recovery"
	"github.com/postalsys/relayfan/internal/relay"
	"github.com/postalsys/relayfan/internal/throttle"
)

// Name is this handler's kind name, used for telemetry.
const Name = "failover"

// DefaultProbeHost and DefaultProbePort are dialed by the health-check
// loop; an operator can override them per handler instance.
const (
	DefaultProbeHost = "www.google.com"
	DefaultProbePort = uint16(80)
)

// Options configures a failover handler.
type Options struct {
	// FailTimeout bounds each per-attempt dial on the hot path.
	FailTimeout time.Duration

	// HealthCheck enables the background probe loop. If false, the
	// schedule never changes from its identity order.
	HealthCheck bool

	// CheckInterval is the period between the starts of successive probe
	// cycles. The first cycle starts as soon as the loop is spawned; a
	// cycle that runs longer than CheckInterval is followed immediately
	// by the next.
	CheckInterval time.Duration

	// Failover, when true, keeps every child in the rewritten schedule
	// sorted by measured latency. When false, only the single best
	// child is kept.
	Failover bool

	// ProbeHost/ProbePort override the default probe target.
	ProbeHost string
	ProbePort uint16

	// Throttle, if non-nil, is waited on once per health-check cycle
	// before probing the first child, bounding how many handlers'
	// cycles can start dialing in the same instant.
	Throttle *throttle.Limiter

	// Metrics, if non-nil, receives schedule size, probe outcome, and
	// dial counters.
	Metrics *metrics.Metrics

	Logger *logging.Logger
}

// Handler dials its children in latency-ranked order, refreshed by a
// background health-check loop.
type Handler struct {
	tag     string
	actors  []relay.TCPHandler
	opts    Options
	logger  *logging.Logger
	sched   *schedule
	ctx     context.Context
	cancel  context.CancelFunc
	spawnMu sync.Mutex
	spawned bool
}

var (
	_ relay.Handler    = (*Handler)(nil)
	_ relay.TCPHandler = (*Handler)(nil)
)

// New creates a failover handler. The background health-check task, if
// enabled, is not started until the first call to Handle.
func New(tag string, actors []relay.TCPHandler, opts Options) *Handler {
	if opts.ProbeHost == "" {
		opts.ProbeHost = DefaultProbeHost
	}
	if opts.ProbePort == 0 {
		opts.ProbePort = DefaultProbePort
	}
	if opts.FailTimeout <= 0 {
		opts.FailTimeout = 5 * time.Second
	}
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		tag:    tag,
		actors: actors,
		opts:   opts,
		logger: logger,
		sched:  newIdentitySchedule(len(actors)),
		ctx:    ctx,
		cancel: cancel,
	}
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

// Close stops the background health-check loop, if running.
func (h *Handler) Close() {
	h.cancel()
}

// Handle implements relay.TCPHandler. It lazily starts the health-check
// loop on first use, then snapshots the schedule and dials children in
// that order, one at a time, each bounded by FailTimeout.
func (h *Handler) Handle(ctx context.Context, sess *relay.Session, _ relay.Stream) (relay.Stream, error) {
	h.ensureHealthCheckStarted()

	order := h.sched.Snapshot()

	var lastErr error
	for _, i := range order {
		if i < 0 || i >= len(h.actors) {
			return nil, relay.NewError(relay.KindInvalidConfig, h.tag, fmt.Errorf("schedule index %d out of range", i))
		}

		if h.opts.Metrics != nil {
			h.opts.Metrics.DialAttempts.WithLabelValues(h.tag).Inc()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, h.opts.FailTimeout)
		stream, err := h.actors[i].Handle(attemptCtx, sess, nil)
		cancel()
		if err != nil {
			lastErr = err
			h.logger.Debug("failover attempt failed",
				logging.KeyTag, h.tag, logging.KeyChildIndex, i, logging.KeyError, err)
			if h.opts.Metrics != nil {
				kind, _ := relay.KindOf(err)
				h.opts.Metrics.DialFailures.WithLabelValues(h.tag, kind.String()).Inc()
			}
			continue
		}
		return stream, nil
	}
	return nil, relay.NewError(relay.KindOutboundExhausted, h.tag, lastErr)
}

// ensureHealthCheckStarted spawns the health-check loop at most once,
// using a short critical section that never invokes a child while held.
func (h *Handler) ensureHealthCheckStarted() {
	if !h.opts.HealthCheck {
		return
	}
	h.spawnMu.Lock()
	defer h.spawnMu.Unlock()
	if h.spawned {
		return
	}
	h.spawned = true
	go func() {
		defer recovery.RecoverWithLog(h.logger, fmt.Sprintf("failover[%s].health_check", h.tag))
		h.healthCheckLoop()
	}()
}

// healthCheckLoop probes every child sequentially once per cycle,
// sorts the results, and rewrites the schedule; it never invokes a
// child while holding the schedule's lock.
func (h *Handler) healthCheckLoop() {
	ticker := time.NewTicker(h.opts.CheckInterval)
	defer ticker.Stop()

	for {
		if h.opts.Throttle != nil {
			if err := h.opts.Throttle.Wait(h.ctx); err != nil {
				return
			}
		}

		measures := make([]relay.Measure, len(h.actors))
		for i, actor := range h.actors {
			h.logger.Debug("health checking", logging.KeyTag, h.tag, logging.KeyChildIndex, i)
			measures[i] = measure(h.ctx, actor, i, h.opts.ProbeHost, h.opts.ProbePort)
			if h.opts.Metrics != nil {
				h.opts.Metrics.ProbeOutcomes.WithLabelValues(h.tag, outcomeLabel(measures[i].Outcome)).Inc()
			}
		}

		sort.Slice(measures, func(a, b int) bool { return measures[a].Less(measures[b]) })

		next := make([]int, 0, len(measures))
		if !h.opts.Failover {
			if len(measures) > 0 {
				next = append(next, measures[0].Index)
			}
		} else {
			for _, m := range measures {
				next = append(next, m.Index)
			}
		}
		h.sched.Replace(next)

		if h.opts.Metrics != nil {
			h.opts.Metrics.ScheduleSize.WithLabelValues(h.tag).Set(float64(len(next)))
			h.opts.Metrics.HealthCheckCycles.WithLabelValues(h.tag).Inc()
		}

		h.logger.Debug("health check cycle complete", logging.KeyTag, h.tag)

		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// outcomeLabel renders an Outcome as a metric label value.
func outcomeLabel(o relay.Outcome) string {
	switch o {
	case relay.OutcomeSuccess:
		return "success"
	case relay.OutcomeReadFailed:
		return "read_failed"
	case relay.OutcomeWriteFailed:
		return "write_failed"
	case relay.OutcomeTimeout:
		return "timeout"
	case relay.OutcomeDialFailed:
		return "dial_failed"
	default:
		return "unknown"
	}
}
