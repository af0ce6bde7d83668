package redpanda

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Brokers []string
	// BatchMaxBytes bounds a produce batch. Case requests carry whole PDFs.
	BatchMaxBytes int32
	Linger        time.Duration
	// Compression is one of lz4, snappy, gzip, zstd or none.
	Compression string
	// LeaderAck trades durability for latency by waiting only on the
	// partition leader. It disables idempotent writes.
	LeaderAck    bool
	RecordRetries int
	RetryBackoff  time.Duration
}

// DefaultProducerConfig waits for all in-sync replicas.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:       []string{"localhost:9092"},
		BatchMaxBytes: 32 << 20,
		Linger:        5 * time.Millisecond,
		Compression:   "lz4",
		RecordRetries: 3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

var codecs = map[string]kgo.CompressionCodec{
	"lz4":    kgo.Lz4Compression(),
	"snappy": kgo.SnappyCompression(),
	"gzip":   kgo.GzipCompression(),
	"zstd":   kgo.ZstdCompression(),
	"none":   kgo.NoCompression(),
}

func (c ProducerConfig) opts() ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ProducerLinger(c.Linger),
		kgo.RecordRetries(c.RecordRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return c.RetryBackoff * time.Duration(attempt+1)
		}),
	}
	if c.BatchMaxBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(c.BatchMaxBytes))
	}
	if c.LeaderAck {
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	} else {
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}
	if c.Compression != "" {
		codec, ok := codecs[c.Compression]
		if !ok {
			return nil, fmt.Errorf("unknown compression %q", c.Compression)
		}
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}
	return opts, nil
}

// Producer sends records synchronously: a call returns once the brokers
// have acknowledged the record or every retry has failed.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer

	sent     atomic.Int64
	bytes    atomic.Int64
	failed   atomic.Int64
	lastSent atomic.Int64
}

// NewProducer connects a producer to cfg.Brokers.
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts, err := cfg.opts()
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create producer client: %w", err)
	}
	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// ProduceMessage sends one record keyed by key. The trace context of ctx
// travels in the record headers alongside headers.
func (p *Producer) ProduceMessage(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	ctx, span := p.tracer.Start(ctx, "produce "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.key", key),
			attribute.Int("messaging.body.size", len(value)),
		))
	defer span.End()

	record := &kgo.Record{Topic: topic, Key: []byte(key), Value: value}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	injectTrace(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, "produce failed")
		p.logger.Error("produce failed", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		return fmt.Errorf("produce to %s: %w", topic, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(value)))
	p.lastSent.Store(time.Now().UnixNano())
	p.logger.Debug("record produced",
		zap.String("topic", topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Publish sends value without extra headers. The outbox relay publishes
// through it.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	return p.ProduceMessage(ctx, topic, key, value, nil)
}

// Close flushes buffered records for up to 30 seconds, then disconnects.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.client.Flush(ctx)
	if err != nil {
		p.logger.Warn("flush on close", zap.Error(err))
	}
	p.client.Close()
	return err
}

// ProducerStats counts what a producer has sent.
type ProducerStats struct {
	Sent     int64     `json:"sent"`
	Bytes    int64     `json:"bytes"`
	Failed   int64     `json:"failed"`
	LastSent time.Time `json:"last_sent,omitzero"`
}

func (p *Producer) Stats() ProducerStats {
	s := ProducerStats{Sent: p.sent.Load(), Bytes: p.bytes.Load(), Failed: p.failed.Load()}
	if ns := p.lastSent.Load(); ns > 0 {
		s.LastSent = time.Unix(0, ns)
	}
	return s
}
