// Package queue carries ingestion jobs over Kafka.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"solarcms/internal/ingest"
)

const (
	handleAttempts = 3
	retryBackoff   = 500 * time.Millisecond
	commitTimeout  = 5 * time.Second
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Publisher struct {
	w messageWriter
}

var _ ingest.Publisher = (*Publisher)(nil)

func NewPublisher(broker, topic string) *Publisher {
	return &Publisher{w: &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

// Publish writes job keyed by asset id, so jobs for one asset stay ordered.
func (p *Publisher) Publish(ctx context.Context, job ingest.Job) error {
	const op = "queue.Publish"
	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{Key: []byte(job.AssetID.String()), Value: value}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.w.Close()
}

type Handler func(ctx context.Context, job ingest.Job) error

type Consumer struct {
	r       messageReader
	log     zerolog.Logger
	backoff time.Duration
}

func NewConsumer(broker, topic, groupID string, log zerolog.Logger) *Consumer {
	return &Consumer{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  []string{broker},
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 1 << 20,
		}),
		log:     log.With().Str("service", "queue").Logger(),
		backoff: retryBackoff,
	}
}

// Run handles messages until ctx is cancelled. A message is committed once
// handled, or once it is known it never can be.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("queue.Run: fetch: %w", err)
		}

		var job ingest.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("dropping malformed job")
		} else if !c.handle(ctx, handle, job) {
			// shut down between retries; leave it for redelivery
			return nil
		}

		// a handled job is committed even when shutdown has begun
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
		err = c.r.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			c.log.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs the job with retries. It returns false when ctx ended before the
// job either succeeded or used up its attempts.
func (c *Consumer) handle(ctx context.Context, handle Handler, job ingest.Job) bool {
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		err := handle(ctx, job)
		if err == nil {
			return true
		}
		c.log.Warn().Err(err).Str("asset_id", job.AssetID.String()).Int("attempt", attempt).Msg("job failed")
		if attempt == handleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.backoff * time.Duration(attempt)):
		}
	}
	c.log.Error().Str("asset_id", job.AssetID.String()).Msg("giving up on job")
	return true
}

func (c *Consumer) Close() error {
	return c.r.Close()
}
