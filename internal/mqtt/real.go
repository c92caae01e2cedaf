package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/metrics"
)

// Options configures a RealPublisher.
type Options struct {
	Broker     string
	ClientID   string
	Instance   string
	BufferSize int
}

// RealPublisher publishes to an actual MQTT broker. While the broker is
// unreachable, messages are held in an outbox and replayed on reconnect.
type RealPublisher struct {
	client   paho.Client
	instance string
	logger   zerolog.Logger

	mu     sync.Mutex
	outbox *outbox
	feeds  []*SensorFeed
}

// NewRealPublisher starts connecting to the broker. It does not fail when
// the broker is down: the client keeps retrying in the background.
func NewRealPublisher(opts Options, logger zerolog.Logger) *RealPublisher {
	p := &RealPublisher{
		instance: opts.Instance,
		logger:   logger,
		outbox:   newOutbox(opts.BufferSize, logger),
	}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: EventOffline})

	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetBinaryWill(SystemTopic(opts.Instance), will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			metrics.RecordMQTTConnected(false)
			p.logger.Warn().Err(err).Msg("mqtt connection lost")
		})

	p.client = paho.NewClient(clientOpts)
	token := p.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		logger.Warn().Str("broker", opts.Broker).Msg("mqtt broker not reachable yet, buffering")
	} else if err := token.Error(); err != nil {
		logger.Error().Err(err).Str("broker", opts.Broker).Msg("mqtt connect failed")
	}
	return p
}

// onConnect replays buffered messages and restores subscriptions. It runs on
// every (re)connect.
func (p *RealPublisher) onConnect(c paho.Client) {
	metrics.RecordMQTTConnected(true)

	p.mu.Lock()
	pending := p.outbox.takeAll()
	feeds := append([]*SensorFeed(nil), p.feeds...)
	metrics.RecordBuffered(0)
	p.mu.Unlock()

	p.logger.Info().Int("replayed", len(pending)).Msg("mqtt connected")

	for _, f := range feeds {
		p.subscribe(c, f)
	}

	for _, m := range pending {
		token := c.Publish(m.topic, m.qos, m.retained, m.payload)
		if !token.WaitTimeout(5*time.Second) || token.Error() != nil {
			p.logger.Warn().Str("topic", m.topic).Msg("replay failed, message dropped")
		}
	}
}

// PublishTelemetry sends a controller telemetry snapshot.
func (p *RealPublisher) PublishTelemetry(controller string, payload []byte) error {
	// QoS 0 (at-most-once), retained so dashboards see the latest state
	return p.publish("telemetry", TelemetryTopic(p.instance, controller), 0, true, payload)
}

// PublishSystem sends a lifecycle event.
func (p *RealPublisher) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}

	// QoS 1 (at-least-once) for lifecycle events - we want to ensure delivery
	return p.publish("system", SystemTopic(p.instance), 1, event.Retained, payload)
}

func (p *RealPublisher) publish(kind, topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		p.mu.Lock()
		p.outbox.add(pendingMessage{topic: topic, payload: payload, qos: qos, retained: retained})
		metrics.RecordBuffered(p.outbox.size())
		p.mu.Unlock()
		metrics.RecordPublish(kind, "buffered")
		return nil
	}

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(5 * time.Second) {
		metrics.RecordPublish(kind, "error")
		return fmt.Errorf("publish %s timeout", kind)
	}
	if err := token.Error(); err != nil {
		metrics.RecordPublish(kind, "error")
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	metrics.RecordPublish(kind, "sent")
	return nil
}

// Subscribe routes messages matching the feed's filter to it, now and after
// every reconnect.
func (p *RealPublisher) Subscribe(feed *SensorFeed) {
	p.mu.Lock()
	p.feeds = append(p.feeds, feed)
	p.mu.Unlock()

	if p.client.IsConnectionOpen() {
		p.subscribe(p.client, feed)
	}
}

func (p *RealPublisher) subscribe(c paho.Client, feed *SensorFeed) {
	token := c.Subscribe(feed.Filter(), 0, func(_ paho.Client, msg paho.Message) {
		feed.Handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		p.logger.Warn().Str("filter", feed.Filter()).Msg("mqtt subscribe timeout")
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Error().Err(err).Str("filter", feed.Filter()).Msg("mqtt subscribe failed")
	}
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	return p.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000) // 1 second timeout
	return nil
}
