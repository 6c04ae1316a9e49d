package publisher_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/fritz-mqtt/internal/correlator"
	"github.com/sweeney/fritz-mqtt/internal/metrics"
	"github.com/sweeney/fritz-mqtt/internal/publisher"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	*publisher.MockPublisher
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPublisher) Publish(ctx context.Context, msg publisher.Message) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.MockPublisher.Publish(ctx, msg)
}

func TestSinkPublishesSnapshots(t *testing.T) {
	mock := publisher.NewMockPublisher()
	sink := publisher.NewSnapshotSink(mock, publisher.SinkOptions{
		TopicPrefix: "fritzbox",
		Logger:      quietLogger(),
		Clock:       func() time.Time { return started },
	})

	sink.Deliver(incomingSession(correlator.StateRinging))
	sink.Deliver(incomingSession(correlator.StateTalking))
	sink.Close()

	msgs := mock.Messages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "fritzbox/call/6f1c0b52-6c8e-4c44-9f7f-0e0b4c1d2a10/ringing", msgs[0].Topic)
	assert.Equal(t, "fritzbox/call/6f1c0b52-6c8e-4c44-9f7f-0e0b4c1d2a10/talking", msgs[3].Topic)
	assert.Equal(t, "talking", string(msgs[4].Payload))
}

func TestSinkDeliverAfterCloseIsIgnored(t *testing.T) {
	mock := publisher.NewMockPublisher()
	sink := publisher.NewSnapshotSink(mock, publisher.SinkOptions{TopicPrefix: "fritzbox", Logger: quietLogger()})
	sink.Close()
	sink.Close()

	sink.Deliver(incomingSession(correlator.StateRinging))
	assert.Empty(t, mock.Messages())
}

// eventFailingPublisher rejects per-call events but accepts line topics.
type eventFailingPublisher struct {
	*publisher.MockPublisher
}

func (p eventFailingPublisher) Publish(ctx context.Context, msg publisher.Message) error {
	if strings.Contains(msg.Topic, "/call/") {
		return errors.New("broker down")
	}
	return p.MockPublisher.Publish(ctx, msg)
}

func TestSinkContinuesAfterPublishError(t *testing.T) {
	mock := publisher.NewMockPublisher()
	sink := publisher.NewSnapshotSink(eventFailingPublisher{mock}, publisher.SinkOptions{
		TopicPrefix: "fritzbox",
		Logger:      quietLogger(),
	})

	sink.Deliver(incomingSession(correlator.StateRinging))
	sink.Deliver(incomingSession(correlator.StateClosed))
	sink.Close()

	msgs := mock.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "ringing", string(msgs[0].Payload))
	assert.Equal(t, "idle", string(msgs[2].Payload))
}

func TestSinkDropsWhenBufferFull(t *testing.T) {
	gated := &gatedPublisher{
		MockPublisher: publisher.NewMockPublisher(),
		entered:       make(chan struct{}, 1),
		release:       make(chan struct{}),
	}
	m := metrics.New()
	sink := publisher.NewSnapshotSink(gated, publisher.SinkOptions{
		TopicPrefix: "fritzbox",
		Buffer:      1,
		Logger:      quietLogger(),
		Metrics:     m,
	})

	sink.Deliver(incomingSession(correlator.StateRinging))
	select {
	case <-gated.entered:
	case <-time.After(time.Second):
		t.Fatal("sink never started publishing")
	}

	sink.Deliver(incomingSession(correlator.StateTalking)) // buffered
	sink.Deliver(incomingSession(correlator.StateClosed))  // dropped

	expected := `
# HELP fritz_mqtt_call_snapshots_dropped_total Snapshots dropped because the sink buffer was full.
# TYPE fritz_mqtt_call_snapshots_dropped_total counter
fritz_mqtt_call_snapshots_dropped_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"fritz_mqtt_call_snapshots_dropped_total"))

	close(gated.release)
	sink.Close()
	assert.Len(t, gated.Messages(), 6)
}
