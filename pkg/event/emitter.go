package event

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Annad25/gpu-monitor/internal/telemetry"
)

// Sink receives emitted events. Implementations must tolerate concurrent
// deliveries; a failing sink is logged and skipped, never retried by the
// emitter and never allowed to block the monitoring loop.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Emitter fans events out to registered sinks asynchronously.
type Emitter struct {
	sinks   []Sink
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewEmitter returns an emitter delivering to sinks with the given
// per-delivery timeout.
func NewEmitter(sinks []Sink, timeout time.Duration, log *zap.Logger) *Emitter {
	return &Emitter{sinks: sinks, timeout: timeout, log: log}
}

// Emit dispatches ev to every sink in its own goroutine and returns
// immediately. Sink failures are isolated per sink.
func (e *Emitter) Emit(ev Event) {
	telemetry.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	e.log.Info("event",
		zap.String("kind", string(ev.Kind)),
		zap.String("peer", ev.Peer),
		zap.Time("at", ev.At),
		zap.Duration("duration", ev.Duration))

	for _, s := range e.sinks {
		e.wg.Add(1)
		go func(s Sink) {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()
			if err := s.Deliver(ctx, ev); err != nil {
				telemetry.SinkErrorsTotal.WithLabelValues(s.Name()).Inc()
				e.log.Warn("event sink delivery failed",
					zap.String("sink", s.Name()),
					zap.String("kind", string(ev.Kind)),
					zap.String("peer", ev.Peer),
					zap.Error(err))
			}
		}(s)
	}
}

// Close waits for in-flight deliveries to drain.
func (e *Emitter) Close() {
	e.wg.Wait()
}
