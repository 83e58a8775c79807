package feed

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/basekick-labs/tickstore/internal/metrics"
)

// MQTTConfig configures an MQTT source.
type MQTTConfig struct {
	Brokers  []string // e.g. tcp://localhost:1883
	Topic    string
	ClientID string // generated when empty
	Username string
	Password string
	QoS      byte

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	// Buffer is the number of decoded payloads queued between the client's
	// callback and the store writer.
	Buffer int
}

// MQTT subscribes to a topic and emits decoded payloads. Decoding happens
// on the client's callback goroutine; emit always runs on the goroutine
// calling Run.
type MQTT[E any] struct {
	cfg    MQTTConfig
	decode Decoder[E]
	logger zerolog.Logger
	queue  chan []E

	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	recordsEmitted   atomic.Int64
	reconnects       atomic.Int64
}

// NewMQTT creates an MQTT source. Nothing connects until Run.
func NewMQTT[E any](cfg MQTTConfig, decode Decoder[E], logger zerolog.Logger) *MQTT[E] {
	if cfg.ClientID == "" {
		cfg.ClientID = "tickstore-" + uuid.NewString()[:8]
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}

	return &MQTT[E]{
		cfg:    cfg,
		decode: decode,
		logger: logger.With().Str("component", "feed-mqtt").Str("topic", cfg.Topic).Logger(),
		queue:  make(chan []E, cfg.Buffer),
	}
}

// Run connects, subscribes and emits until ctx is done.
func (m *MQTT[E]) Run(ctx context.Context, emit func(E)) error {
	client := pahomqtt.NewClient(m.clientOptions())

	m.logger.Info().Strs("brokers", m.cfg.Brokers).Str("client_id", m.cfg.ClientID).Msg("Connecting to MQTT broker")
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("feed: mqtt connection timeout after %s", m.cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("feed: mqtt connection failed: %w", err)
	}
	defer func() {
		client.Unsubscribe(m.cfg.Topic)
		client.Disconnect(250)
		m.logger.Info().Msg("Disconnected from MQTT broker")
	}()

	sub := client.Subscribe(m.cfg.Topic, m.cfg.QoS, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		m.handle(ctx, msg.Payload())
	})
	if !sub.WaitTimeout(m.cfg.ConnectTimeout) {
		return fmt.Errorf("feed: mqtt subscribe timeout on %s", m.cfg.Topic)
	}
	if err := sub.Error(); err != nil {
		return fmt.Errorf("feed: mqtt subscribe to %s: %w", m.cfg.Topic, err)
	}
	m.logger.Info().Uint8("qos", m.cfg.QoS).Msg("Subscribed")

	return m.pump(ctx, emit)
}

func (m *MQTT[E]) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	for _, b := range m.cfg.Brokers {
		opts.AddBroker(b)
	}
	opts.SetClientID(m.cfg.ClientID)
	opts.SetKeepAlive(m.cfg.KeepAlive)
	opts.SetConnectTimeout(m.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		m.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ pahomqtt.Client, _ *pahomqtt.ClientOptions) {
		m.reconnects.Add(1)
		m.logger.Info().Msg("Reconnecting to MQTT broker")
	})
	return opts
}

// handle decodes a payload and queues it for the writer. It blocks while
// the queue is full so the broker sees backpressure.
func (m *MQTT[E]) handle(ctx context.Context, payload []byte) {
	m.messagesReceived.Add(1)
	metrics.Get().IncFeedMessages()

	records, err := m.decode(payload)
	if err != nil {
		m.messagesFailed.Add(1)
		metrics.Get().IncFeedDecodeErrors()
		m.logger.Warn().Err(err).Int("bytes", len(payload)).Msg("Dropping undecodable message")
		return
	}
	if len(records) == 0 {
		return
	}

	select {
	case m.queue <- records:
	case <-ctx.Done():
	}
}

func (m *MQTT[E]) pump(ctx context.Context, emit func(E)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-m.queue:
			for _, e := range batch {
				emit(e)
			}
			m.recordsEmitted.Add(int64(len(batch)))
		}
	}
}

// Stats returns source statistics
func (m *MQTT[E]) Stats() map[string]int64 {
	return map[string]int64{
		"messages_received": m.messagesReceived.Load(),
		"messages_failed":   m.messagesFailed.Load(),
		"records_emitted":   m.recordsEmitted.Load(),
		"reconnects":        m.reconnects.Load(),
	}
}
