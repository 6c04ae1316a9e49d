// Package bridge runs the consuming side of the call monitor: it drains
// raw lines, parses them, feeds the correlator and hands every snapshot to
// a sink.
package bridge

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/fritz-mqtt/internal/callmonitor"
	"github.com/sweeney/fritz-mqtt/internal/correlator"
	"github.com/sweeney/fritz-mqtt/internal/metrics"
)

// Source produces raw call-monitor lines. *callmonitor.Conn implements it.
type Source interface {
	Start(ctx context.Context) error
	Lines() <-chan string
	Stop()
}

// Sink receives snapshots. Deliver must not block.
type Sink interface {
	Deliver(correlator.Session)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(correlator.Session)

func (f SinkFunc) Deliver(s correlator.Session) { f(s) }

// Bridge is the single consumer of a Source and the sole owner of its
// Correlator.
type Bridge struct {
	src     Source
	corr    *correlator.Correlator
	sink    Sink
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a Bridge.
func New(src Source, corr *correlator.Correlator, sink Sink, opts ...Option) *Bridge {
	b := &Bridge{
		src:  src,
		corr: corr,
		sink: sink,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.WithField("component", "bridge")
	return b
}

// Run starts the source and processes lines until ctx is cancelled or the
// source closes its queue. On return the source is stopped and any active
// sessions are discarded without a closing snapshot.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.src.Start(ctx); err != nil {
		return fmt.Errorf("starting call monitor: %w", err)
	}
	defer b.shutdown()

	lines := b.src.Lines()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			b.Handle(line)
		}
	}
}

// Handle processes a single raw line. A malformed line is logged and
// discarded.
func (b *Bridge) Handle(line string) {
	evt, err := callmonitor.Parse(line)
	if err != nil {
		b.metrics.ParseError()
		b.log.WithError(err).Warn("discarding call-monitor line")
		return
	}

	for _, snap := range b.corr.Process(evt) {
		b.log.WithFields(logrus.Fields{
			"session_id":    snap.ID,
			"connection_id": snap.ConnectionID,
			"direction":     snap.Direction,
			"state":         snap.State,
			"peer":          snap.Peer.Name,
		}).Info("call state changed")
		b.metrics.Snapshot(string(snap.State))
		b.sink.Deliver(snap)
	}
	b.metrics.SetActiveSessions(b.corr.ActiveCalls())
}

func (b *Bridge) shutdown() {
	b.src.Stop()
	if n := b.corr.Reset(); n > 0 {
		b.log.WithField("sessions", n).Info("discarding active calls on shutdown")
	}
	b.metrics.SetActiveSessions(0)
}
