package callmonitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/sweeney/fritz-mqtt/internal/metrics"
)

// ConnState is the lifecycle state of a Conn.
type ConnState int32

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Conn.
type Options struct {
	Addr        string
	DialTimeout time.Duration
	KeepAlive   time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	QueueSize   int
	Logger      logrus.FieldLogger
	Metrics     *metrics.Metrics
}

// Conn keeps a TCP session to the router's call-monitor port open and
// queues every received line. The read loop runs on its own goroutine and
// never blocks on the consumer: when the queue is full the oldest line is
// discarded.
type Conn struct {
	opts     Options
	log      logrus.FieldLogger
	lines    chan string
	state    atomic.Int32
	dropped  atomic.Uint64
	dropWarn rate.Sometimes

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Conn. Zero option values are replaced with defaults.
func New(opts Options) *Conn {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.KeepAlive == 0 {
		opts.KeepAlive = 30 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = time.Minute
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Conn{
		opts:     opts,
		log:      log.WithField("component", "callmonitor"),
		lines:    make(chan string, opts.QueueSize),
		dropWarn: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Lines returns the queue of raw lines. It is closed after Stop.
func (c *Conn) Lines() <-chan string {
	return c.lines
}

// State returns the current connection state.
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Dropped returns how many lines were discarded due to a full queue.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Start launches the background read loop. It returns immediately; the
// first connection attempt happens on the loop goroutine.
func (c *Conn) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		return errors.New("call monitor already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Stop ends the read loop, closes the socket and waits for the goroutine
// to exit. It is safe to call more than once, and before Start.
func (c *Conn) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.lines)
	defer c.setState(Disconnected)

	b := newBackoff(c.opts.MinBackoff, c.opts.MaxBackoff)
	for {
		healthy, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		if healthy {
			b.reset()
		}

		delay := b.next()
		c.log.WithFields(logrus.Fields{
			"addr":     c.opts.Addr,
			"error":    err,
			"attempt":  b.attempt,
			"retry_in": delay.String(),
		}).Warn("call monitor connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
			c.opts.Metrics.Reconnect()
		}
	}
}

// stableSession is how long a connection must stay up without delivering a
// line before it counts as healthy.
const stableSession = 30 * time.Second

// session dials once and reads until the socket fails. It reports whether
// the session was healthy (delivered a line or stayed up for stableSession)
// so the caller can reset its backoff. A router that accepts and drops the
// connection right away keeps backing off.
func (c *Conn) session(ctx context.Context) (bool, error) {
	c.setState(Connecting)
	c.log.WithField("addr", c.opts.Addr).Info("connecting to call monitor")

	dialer := net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: c.opts.KeepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		c.setState(Disconnected)
		return false, fmt.Errorf("dial call monitor: %w", err)
	}
	defer conn.Close()

	// Close the socket on cancellation to unblock the read.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-finished:
		}
	}()

	c.setState(Connected)
	c.log.WithField("addr", c.opts.Addr).Info("call monitor connected")
	connectedAt := time.Now()
	received := false

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		received = true
		c.opts.Metrics.LineReceived()
		c.push(line)
	}
	c.setState(Disconnected)

	healthy := received || time.Since(connectedAt) >= stableSession
	if err := scanner.Err(); err != nil {
		return healthy, fmt.Errorf("reading call monitor: %w", err)
	}
	return healthy, errors.New("call monitor closed the connection")
}

func (c *Conn) push(line string) {
	for {
		select {
		case c.lines <- line:
			return
		default:
		}
		select {
		case old := <-c.lines:
			n := c.dropped.Add(1)
			c.opts.Metrics.LineDropped()
			c.dropWarn.Do(func() {
				c.log.WithFields(logrus.Fields{
					"dropped_total": n,
					"line":          old,
				}).Warn("call monitor queue full, dropping oldest line")
			})
		default:
		}
	}
}

func (c *Conn) setState(s ConnState) {
	if ConnState(c.state.Swap(int32(s))) == s {
		return
	}
	c.opts.Metrics.SetConnected(s == Connected)
}
