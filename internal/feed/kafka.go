package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/basekick-labs/tickstore/internal/metrics"
)

// KafkaConfig configures a Kafka source.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// GroupID enables offset commits. Without it the reader starts from
	// StartOffset on every run.
	GroupID     string
	MinBytes    int
	MaxBytes    int
	StartOffset int64 // kafka.FirstOffset or kafka.LastOffset
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka consumes a topic and emits decoded messages. Offsets are committed
// after the records of a message were emitted.
type Kafka[E any] struct {
	cfg       KafkaConfig
	decode    Decoder[E]
	logger    zerolog.Logger
	newReader func() messageReader

	messagesReceived atomic.Int64
	messagesFailed   atomic.Int64
	recordsEmitted   atomic.Int64
}

// NewKafka creates a Kafka source. Nothing connects until Run.
func NewKafka[E any](cfg KafkaConfig, decode Decoder[E], logger zerolog.Logger) *Kafka[E] {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.StartOffset == 0 {
		cfg.StartOffset = kafka.LastOffset
	}

	k := &Kafka[E]{
		cfg:    cfg,
		decode: decode,
		logger: logger.With().Str("component", "feed-kafka").Str("topic", cfg.Topic).Logger(),
	}
	k.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.cfg.Brokers,
			Topic:       k.cfg.Topic,
			GroupID:     k.cfg.GroupID,
			MinBytes:    k.cfg.MinBytes,
			MaxBytes:    k.cfg.MaxBytes,
			StartOffset: k.cfg.StartOffset,
		})
	}
	return k
}

// Run reads until ctx is done or the reader is closed.
func (k *Kafka[E]) Run(ctx context.Context, emit func(E)) error {
	r := k.newReader()
	defer func() {
		if err := r.Close(); err != nil {
			k.logger.Warn().Err(err).Msg("Failed to close kafka reader")
		}
	}()

	k.logger.Info().Strs("brokers", k.cfg.Brokers).Str("group_id", k.cfg.GroupID).Msg("Kafka consumer started")

	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("feed: kafka fetch: %w", err)
		}

		k.handle(msg, emit)

		if k.cfg.GroupID == "" {
			continue
		}
		if err := r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			k.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit offset")
		}
	}
}

func (k *Kafka[E]) handle(msg kafka.Message, emit func(E)) {
	k.messagesReceived.Add(1)
	metrics.Get().IncFeedMessages()

	records, err := k.decode(msg.Value)
	if err != nil {
		k.messagesFailed.Add(1)
		metrics.Get().IncFeedDecodeErrors()
		k.logger.Warn().
			Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("Dropping undecodable message")
		return
	}

	for _, e := range records {
		emit(e)
	}
	k.recordsEmitted.Add(int64(len(records)))
}

// Stats returns source statistics
func (k *Kafka[E]) Stats() map[string]int64 {
	return map[string]int64{
		"messages_received": k.messagesReceived.Load(),
		"messages_failed":   k.messagesFailed.Load(),
		"records_emitted":   k.recordsEmitted.Load(),
	}
}
