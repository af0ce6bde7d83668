// Package postgres holds the PostgreSQL schema and the transactional outbox
// relay for case outcome events.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID is the advisory lock that keeps a single relay active.
const relayLockID int64 = 0x7061_6669_6c6c

// OutboxEntry is an event waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

type OutboxConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// MaxRetries failed publishes send an entry to DeadLetterTopic.
	MaxRetries      int
	DeadLetterTopic string
}

func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "pafill.dead-letter",
	}
}

// Publisher sends a record to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox entries to the broker.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a relay.
func NewOutbox(pool *pgxpool.Pool, publisher Publisher, cfg OutboxConfig, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultOutboxConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxConfig().PollInterval
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultOutboxConfig().DeadLetterTopic
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox entry in the caller's transaction.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling.
func (o *Outbox) Start() {
	go o.loop()
	o.logger.Info("outbox relay started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop waits for the current batch and stops polling.
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox relay stopped")
}

func (o *Outbox) loop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.RelayBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		}
	}
}

// RelayBatch publishes one batch of pending entries and returns how many
// were published or dead-lettered. Entries are locked for the duration of
// the batch so concurrent relays never publish the same entry.
func (o *Outbox) RelayBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_batch")
	defer span.End()

	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return 0, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := pending(ctx, tx, o.config.BatchSize)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	relayed := 0
	for _, entry := range entries {
		if o.relay(ctx, tx, entry) {
			relayed++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return relayed, nil
}

func pending(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxEntry, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		e := &OutboxEntry{}
		if err := rows.Scan(
			&e.ID, &e.AggregateID, &e.AggregateType,
			&e.EventType, &e.Payload, &e.KafkaTopic,
			&e.KafkaKey, &e.CreatedAt, &e.RetryCount, &e.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// relay publishes one entry, or dead-letters it once its retries are spent.
func (o *Outbox) relay(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) bool {
	ctx, span := o.tracer.Start(ctx, "outbox_relay_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, payload := entry.KafkaTopic, []byte(entry.Payload)
	if entry.RetryCount >= o.config.MaxRetries {
		topic, payload = o.config.DeadLetterTopic, DeadLetterPayload(entry)
	}

	if err := o.publisher.Publish(ctx, topic, entry.KafkaKey, payload); err != nil {
		span.RecordError(err)
		o.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic),
			zap.Int("retry_count", entry.RetryCount),
			zap.Error(err))
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`, err.Error(), entry.ID); err != nil {
			o.logger.Error("record publish failure", zap.Int64("id", entry.ID), zap.Error(err))
		}
		return false
	}

	if _, err := tx.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
		span.RecordError(err)
		o.logger.Error("mark processed", zap.Int64("id", entry.ID), zap.Error(err))
		return false
	}
	o.logger.Debug("outbox entry relayed", zap.Int64("id", entry.ID), zap.String("topic", topic))
	return true
}

// DeadLetterPayload wraps an undeliverable entry with its delivery history.
func DeadLetterPayload(entry *OutboxEntry) []byte {
	b, _ := json.Marshal(map[string]any{
		"original_topic": entry.KafkaTopic,
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})
	return b
}

// CleanupProcessed removes processed entries older than olderThan.
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := o.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at < NOW() - make_interval(secs => $1)
	`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox cleanup: %w", err)
	}
	return tag.RowsAffected(), nil
}

// OutboxStats counts entries by delivery state.
type OutboxStats struct {
	Pending       int64
	Retrying      int64
	Processed24h  int64
	OldestPending *time.Time
}

func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	err := o.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count > 0),
			COUNT(*) FILTER (WHERE processed_at > NOW() - INTERVAL '24 hours'),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`).Scan(&stats.Pending, &stats.Retrying, &stats.Processed24h, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
