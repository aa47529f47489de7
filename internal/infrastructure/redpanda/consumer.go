package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/observability/metrics"
)

// ErrSkip tells the consumer a message can never succeed. It goes straight
// to the dead-letter topic without retries.
var ErrSkip = errors.New("message cannot be processed")

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeoutMS is the session timeout
	SessionTimeoutMS int64
	// HeartbeatIntervalMS is the heartbeat interval
	HeartbeatIntervalMS int64
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is the initial offset (earliest or latest)
	StartOffset string
	// MaxAttempts bounds handler calls per record before dead-lettering
	MaxAttempts int
	// RetryBackoff is the base delay between attempts; it grows linearly
	RetryBackoff time.Duration
	// DeadLetterTopic receives records that exhausted their attempts.
	// Empty disables dead-lettering; such records are logged and skipped.
	DeadLetterTopic string
}

// DefaultConsumerConfig returns defaults for the recommendation worker
func DefaultConsumerConfig(brokers []string, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:             brokers,
		GroupID:             groupID,
		Topics:              []string{TopicRecommendationRequests},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       8 << 20,
		StartOffset:         "earliest",
		MaxAttempts:         3,
		RetryBackoff:        500 * time.Millisecond,
		DeadLetterTopic:     TopicDeadLetter,
	}
}

// MessageHandler is called for each consumed message
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Publisher sends a record; *Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DeadLetter is the envelope written to the dead-letter topic.
type DeadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	Partition     int32           `json:"partition"`
	Offset        int64           `json:"offset"`
	Key           string          `json:"key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error"`
	FailedAt      time.Time       `json:"failed_at"`
}

// Consumer reads records, runs the handler with retries and commits offsets.
// Partitions of one fetch are handled concurrently; records within a
// partition are handled in order.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler
	deadLetter Publisher
	metrics    *metrics.Metrics

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumer creates a new Redpanda consumer. deadLetter and m may be nil.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter Publisher, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:     client,
		config:     cfg,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
		handler:    handler,
		deadLetter: deadLetter,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
}

func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
		})

		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, record := range p.Records {
					if c.ctx.Err() != nil {
						return
					}
					c.processRecord(record)
					c.client.MarkCommitRecords(record)
				}
			}()
		})
		wg.Wait()

		if err := c.client.CommitMarkedOffsets(c.ctx); err != nil && c.ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

// processRecord runs the handler until it succeeds, returns ErrSkip, or the
// attempts run out. Exhausted records are dead-lettered.
func (c *Consumer) processRecord(record *kgo.Record) {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	c.metrics.Consumed()
	msg := toMessage(record)

	var err error
	attempts := 0
	for attempts < c.config.MaxAttempts {
		attempts++
		if err = c.handler(ctx, msg); err == nil || errors.Is(err, ErrSkip) {
			break
		}
		c.logger.Warn("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempts),
			zap.Error(err))
		if attempts < c.config.MaxAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.config.RetryBackoff * time.Duration(attempts)):
			}
		}
	}
	if err == nil {
		return
	}

	span.RecordError(err)
	c.sendDeadLetter(ctx, record, attempts, err)
}

func (c *Consumer) sendDeadLetter(ctx context.Context, record *kgo.Record, attempts int, cause error) {
	fields := []zap.Field{
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if c.deadLetter == nil || c.config.DeadLetterTopic == "" {
		c.logger.Error("dropping message", fields...)
		return
	}
	payload, err := json.Marshal(newDeadLetter(record, attempts, cause, time.Now().UTC()))
	if err != nil {
		c.logger.Error("dropping message", append(fields, zap.NamedError("marshal_error", err))...)
		return
	}
	if err := c.deadLetter.Publish(ctx, c.config.DeadLetterTopic, string(record.Key), payload); err != nil {
		c.logger.Error("dead letter publish failed", append(fields, zap.NamedError("publish_error", err))...)
		return
	}
	c.logger.Warn("message dead-lettered", fields...)
}

func newDeadLetter(record *kgo.Record, attempts int, cause error, at time.Time) DeadLetter {
	payload := json.RawMessage(record.Value)
	if !json.Valid(payload) {
		quoted, _ := json.Marshal(string(record.Value))
		payload = quoted
	}
	return DeadLetter{
		OriginalTopic: record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		Key:           string(record.Key),
		Payload:       payload,
		Attempts:      attempts,
		LastError:     cause.Error(),
		FailedAt:      at,
	}
}

func toMessage(record *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}
