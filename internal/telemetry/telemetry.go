// Package telemetry is the always-on metrics sink plus two optional
// downstream sinks (a Postgres snapshot store, a Kafka event bus) that
// the reactor feeds from one bounded channel, drained on a single
// dedicated goroutine so no sink can ever block the reactor tick. That
// consumer goroutine only sees serialized event copies; it has no path
// back into peer, RIB, or FSM state.
package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Kind enumerates the events the reactor reports.
type Kind int

const (
	KindPeerState Kind = iota
	KindMessage
	KindNotification
	KindRIBChange
	KindProcessBackpressure
)

// Event is one telemetry occurrence; which fields are meaningful
// depends on Kind.
type Event struct {
	Time time.Time
	Kind Kind

	Peer string // neighbor address, "" for process-level events

	// KindPeerState
	State string

	// KindMessage / KindNotification
	Direction   string // "sent" | "received"
	MessageType uint8
	Code        uint8
	Subcode     uint8

	// KindRIBChange
	Family     string
	Withdrawn  int
	Announced  int

	// KindProcessBackpressure
	Process string
	Paused  bool
}

// Sink receives a fully-built Event. Collector fans one Event out to
// every configured Sink; a Sink's own errors are logged, never
// propagated back to the reactor.
type Sink interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Collector owns the bounded event channel and the goroutine that
// drains it into the configured sinks.
type Collector struct {
	ch     chan Event
	sinks  []Sink
	logger *zap.Logger
	done   chan struct{}
}

// channelDepth bounds how many telemetry events may queue before the
// reactor's non-blocking Emit starts dropping them; dropped events are
// counted by the metrics sink itself (DroppedEventsTotal), never fatal.
const channelDepth = 4096

// NewCollector builds a Collector over metrics (always present) plus
// whichever optional sinks the caller configured.
func NewCollector(logger *zap.Logger, sinks ...Sink) *Collector {
	return &Collector{
		ch:     make(chan Event, channelDepth),
		sinks:  sinks,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Channel exposes the send side for the reactor to use with Emit.
func (c *Collector) Channel() chan<- Event { return c.ch }

// Emit performs a non-blocking send, so a slow or stalled telemetry
// pipeline can never stall the reactor tick.
func Emit(ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	default:
		DroppedEventsTotal.Inc()
	}
}

// Run drains the channel into every sink until ctx is done or Close is
// called, whichever comes first. Intended to run on its own goroutine,
// started once at startup.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case ev, ok := <-c.ch:
			if !ok {
				return
			}
			c.dispatch(ctx, ev)
		case <-ctx.Done():
			c.drainRemaining(ctx)
			return
		}
	}
}

func (c *Collector) drainRemaining(ctx context.Context) {
	for {
		select {
		case ev := <-c.ch:
			c.dispatch(ctx, ev)
		default:
			return
		}
	}
}

func (c *Collector) dispatch(ctx context.Context, ev Event) {
	recordMetrics(ev)
	for _, s := range c.sinks {
		if err := s.Record(ctx, ev); err != nil {
			c.logger.Warn("telemetry sink record failed", zap.Error(err))
		}
	}
}

// Close closes the event channel, so no Emit may follow it, then waits
// for Run to finish draining and closes every sink.
func (c *Collector) Close() error {
	close(c.ch)
	<-c.done
	var first error
	for _, s := range c.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
