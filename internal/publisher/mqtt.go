package publisher

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	availableOnline  = "online"
	availableOffline = "offline"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client       mqtt.Client
	qos          byte
	statusTopic  string
	writeTimeout time.Duration
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	// StatusTopic, when set, carries a retained "online" message while
	// connected and "offline" as the broker-side last will.
	StatusTopic string
}

// NewMQTTPublisher creates and connects an MQTT publisher. The client keeps
// retrying until the broker answers or ctx is cancelled.
func NewMQTTPublisher(ctx context.Context, opts MQTTOptions) (*MQTTPublisher, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, availableOffline, opts.QoS, true)
		clientOpts.SetOnConnectHandler(func(c mqtt.Client) {
			c.Publish(opts.StatusTopic, opts.QoS, true, availableOnline)
		})
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		client.Disconnect(0)
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client:       client,
		qos:          opts.QoS,
		statusTopic:  opts.StatusTopic,
		writeTimeout: 10 * time.Second,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, msg Message) error {
	token := p.client.Publish(msg.Topic, p.qos, msg.Retained, msg.Payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.writeTimeout):
		return fmt.Errorf("publishing %s: timed out after %s", msg.Topic, p.writeTimeout)
	}
}

func (p *MQTTPublisher) Close() error {
	if p.statusTopic != "" {
		p.client.Publish(p.statusTopic, p.qos, true, availableOffline).WaitTimeout(time.Second)
	}
	p.client.Disconnect(1000)
	return nil
}
