package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrPoison marks a message the handler can never process. It is
// dead-lettered without retries.
var ErrPoison = errors.New("poison message")

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Brokers           []string
	GroupID           string
	Topics            []string
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// FromLatest starts a new group at the end of the topics instead of
	// the beginning.
	FromLatest bool
	// MaxAttempts bounds handler attempts per message before dead-lettering.
	MaxAttempts  uint
	RetryBackoff time.Duration
	// DeadLetterTopic receives messages that could not be handled.
	DeadLetterTopic string
}

// DefaultConsumerConfig returns the case worker defaults.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "pafill-worker",
		Topics:            []string{TopicCaseRequests},
		SessionTimeout:    45 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     64 << 20,
		MaxAttempts:       3,
		RetryBackoff:      500 * time.Millisecond,
		DeadLetterTopic:   TopicDeadLetter,
	}
}

func (c ConsumerConfig) opts(logger *zap.Logger) []kgo.Opt {
	start := kgo.NewOffset().AtStart()
	if c.FromLatest {
		start = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ConsumerGroup(c.GroupID),
		kgo.ConsumeTopics(c.Topics...),
		kgo.SessionTimeout(c.SessionTimeout),
		kgo.HeartbeatInterval(c.HeartbeatInterval),
		kgo.ConsumeResetOffset(start),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			if err := cl.CommitUncommittedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke", zap.Error(err))
			}
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	if c.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(c.FetchMaxBytes))
	}
	return opts
}

// MessageHandler handles one consumed message. Returning an error wrapping
// ErrPoison skips the remaining attempts.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func consumed(r *kgo.Record) *ConsumedMessage {
	msg := &ConsumedMessage{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   make(map[string]string, len(r.Headers)),
		Timestamp: r.Timestamp,
	}
	for _, h := range r.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// DeadLetter is the envelope written to the dead-letter topic.
type DeadLetter struct {
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
	FailedAt  time.Time `json:"failed_at"`
}

// NewDeadLetter wraps a failed message.
func NewDeadLetter(msg *ConsumedMessage, attempts int, cause error) DeadLetter {
	return DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Error:     cause.Error(),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	}
}

// Consumer handles records one at a time and commits each once it has been
// handled or dead-lettered. A record whose dead-letter send fails stays
// uncommitted and is redelivered after a restart or rebalance.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	deadLetter *Producer
	handler    MessageHandler
	logger     *zap.Logger
	tracer     trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	read         atomic.Int64
	deadLettered atomic.Int64
	errors       atomic.Int64
	lastCommit   atomic.Int64
}

// NewConsumer joins cfg.GroupID. deadLetter may be nil, in which case
// unhandled messages are logged and skipped.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter *Producer, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}

	client, err := kgo.NewClient(cfg.opts(logger)...)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:     client,
		config:     cfg,
		deadLetter: deadLetter,
		handler:    handler,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.loop()
}

// Stop finishes the record in hand, commits, and leaves the group.
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitUncommittedOffsets(ctx)
	if err != nil {
		c.logger.Warn("commit on stop", zap.Error(err))
	}
	c.client.Close()
	return err
}

func (c *Consumer) loop() {
	defer c.wg.Done()
	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.errors.Add(1)
			c.logger.Error("fetch error", zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		for it := fetches.RecordIter(); !it.Done(); {
			if !c.process(it.Next()) {
				return
			}
		}
	}
}

// process reports false when the consumer is stopping and the record was
// left uncommitted for redelivery.
func (c *Consumer) process(record *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTrace(c.ctx, record), "consume "+record.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.source", record.Topic),
			attribute.Int("messaging.partition", int(record.Partition)),
			attribute.Int64("messaging.offset", record.Offset),
		))
	defer span.End()

	msg := consumed(record)
	attempts, err := c.handle(ctx, msg)
	if err != nil && c.ctx.Err() != nil {
		return false
	}
	c.read.Add(1)

	log := c.logger.With(
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	if err != nil {
		c.errors.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		log.Error("handler failed", zap.Int("attempts", attempts), zap.Error(err))
		if dlErr := c.sendDeadLetter(ctx, msg, attempts, err); dlErr != nil {
			log.Error("dead-letter failed, offset left uncommitted", zap.Error(dlErr))
			return true
		}
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
		span.RecordError(err)
		log.Error("commit failed", zap.Error(err))
		return true
	}
	c.lastCommit.Store(time.Now().UnixNano())
	return true
}

func (c *Consumer) handle(ctx context.Context, msg *ConsumedMessage) (int, error) {
	attempts := 0
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBackoff
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := c.handler(ctx, msg)
		if errors.Is(err, ErrPoison) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.config.MaxAttempts))
	return attempts, err
}

func (c *Consumer) sendDeadLetter(ctx context.Context, msg *ConsumedMessage, attempts int, cause error) error {
	if c.deadLetter == nil || c.config.DeadLetterTopic == "" {
		c.logger.Warn("no dead-letter topic, dropping message",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset))
		return nil
	}
	value, err := json.Marshal(NewDeadLetter(msg, attempts, cause))
	if err != nil {
		return err
	}
	err = c.deadLetter.ProduceMessage(ctx, c.config.DeadLetterTopic, string(msg.Key), value, map[string]string{
		HeaderCorrelationID: msg.Headers[HeaderCorrelationID],
	})
	if err != nil {
		return err
	}
	c.deadLettered.Add(1)
	return nil
}

type ConsumerStats struct {
	Read         int64     `json:"read"`
	DeadLettered int64     `json:"dead_lettered"`
	Errors       int64     `json:"errors"`
	LastCommit   time.Time `json:"last_commit,omitzero"`
}

func (c *Consumer) Stats() ConsumerStats {
	s := ConsumerStats{
		Read:         c.read.Load(),
		DeadLettered: c.deadLettered.Load(),
		Errors:       c.errors.Load(),
	}
	if ns := c.lastCommit.Load(); ns > 0 {
		s.LastCommit = time.Unix(0, ns)
	}
	return s
}
