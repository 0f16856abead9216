// Package bus carries real-time events between the api, messaging and
// gateway processes over a single Kafka topic. Events are keyed by their
// routing target so per-room order survives partitioning; each gateway
// instance consumes with its own group id and therefore sees every event.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/mkhare/orgchat/pkg/model"
)

const maxConsumerBackoff = 30 * time.Second

type Publisher struct {
	writer *kafka.Writer
}

func NewPublisher(brokers []string, topic string) *Publisher {
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, ev *model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RoutingKey()),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

type Consumer struct {
	reader *kafka.Reader
	log    zerolog.Logger
}

// NewConsumer subscribes with the given group id. Use FanoutGroupID for
// gateway instances that must each see the full stream.
func NewConsumer(brokers []string, topic, groupID string, log zerolog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			Topic:       topic,
			GroupID:     groupID,
			StartOffset: kafka.LastOffset,
			MinBytes:    10e3,
			MaxBytes:    10e6,
		}),
		log: log,
	}
}

// FanoutGroupID returns a fresh group id so the instance receives every
// event rather than sharing partitions with its peers.
func FanoutGroupID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Run reads events until ctx is cancelled or the reader fails. Undecodable
// payloads are logged and skipped; handler errors do not stop the loop.
func (c *Consumer) Run(ctx context.Context, handle func(*model.Event)) error {
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			return err
		}

		var ev model.Event
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			c.log.Warn().Err(err).Msg("skipping undecodable event")
			continue
		}
		handle(&ev)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// RunLoop invokes run until ctx is cancelled, waiting with capped exponential
// backoff after each failure. A broker outage must never take down the
// process that consumes from it; connected clients outlive the gap and the
// consumer catches up when the broker returns.
func RunLoop(ctx context.Context, log zerolog.Logger, base time.Duration, run func(context.Context) error) {
	backoff := base
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Dur("retry_in", backoff).Msg("bus consumer stopped, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxConsumerBackoff {
			backoff = maxConsumerBackoff
		}
	}
}
