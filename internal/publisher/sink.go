package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweeney/fritz-mqtt/internal/correlator"
	"github.com/sweeney/fritz-mqtt/internal/metrics"
)

// SinkOptions configures a SnapshotSink.
type SinkOptions struct {
	TopicPrefix string
	Buffer      int
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// SnapshotSink publishes session snapshots from its own goroutine.
// Deliver never blocks: when the buffer is full the snapshot is dropped.
type SnapshotSink struct {
	pub  Publisher
	opts SinkOptions
	log  logrus.FieldLogger

	mu     sync.RWMutex
	closed bool
	queue  chan correlator.Session
	done   chan struct{}
}

// NewSnapshotSink starts the publishing goroutine. Call Close to flush and
// stop it.
func NewSnapshotSink(pub Publisher, opts SinkOptions) *SnapshotSink {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &SnapshotSink{
		pub:   pub,
		opts:  opts,
		log:   log.WithField("component", "publisher"),
		queue: make(chan correlator.Session, opts.Buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Deliver queues a snapshot for publishing.
func (s *SnapshotSink) Deliver(sess correlator.Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- sess:
	default:
		s.opts.Metrics.SnapshotDropped()
		s.log.WithFields(logrus.Fields{
			"session_id": sess.ID,
			"state":      sess.State,
		}).Warn("publish buffer full, dropping snapshot")
	}
}

// Close stops accepting snapshots and waits until queued ones are published.
func (s *SnapshotSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *SnapshotSink) run() {
	defer close(s.done)
	for sess := range s.queue {
		msgs, err := BuildMessages(s.opts.TopicPrefix, sess, s.opts.Clock())
		if err != nil {
			s.log.WithError(err).Error("building MQTT messages")
			continue
		}
		for _, msg := range msgs {
			s.log.WithField("topic", msg.Topic).Debug("publishing")
			if err := s.pub.Publish(context.Background(), msg); err != nil {
				s.log.WithError(err).WithField("topic", msg.Topic).Warn("publish error")
			}
		}
	}
}
