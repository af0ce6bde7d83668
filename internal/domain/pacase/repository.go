package pacase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/infrastructure/postgres"
)

// Topics that terminal case events are published to.
const (
	TopicCompleted = "pafill.cases.completed"
	TopicFailed    = "pafill.cases.failed"
)

// Repository persists cases as event streams.
type Repository interface {
	Save(ctx context.Context, c *Case) error
	Load(ctx context.Context, id string) (*Case, error)
	Events(ctx context.Context, id string) ([]*Event, error)
}

// PGRepository stores events in Postgres. Terminal events also enqueue an
// outbox entry in the same transaction.
type PGRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPGRepository creates a Postgres-backed repository.
func NewPGRepository(pool *pgxpool.Pool, logger *zap.Logger) *PGRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGRepository{pool: pool, logger: logger}
}

// Save appends uncommitted events.
func (r *PGRepository) Save(ctx context.Context, c *Case) error {
	if len(c.Changes()) == 0 {
		return nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range c.Changes() {
		if err := r.insertEvent(ctx, tx, event); err != nil {
			return err
		}
		if event.Terminal() {
			if err := postgres.WriteEntry(ctx, tx, outboxEntry(event)); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("case events saved",
		zap.String("case_id", c.ID()),
		zap.Int("events", len(c.Changes())),
		zap.Int("version", c.Version()))
	c.ClearChanges()
	return nil
}

func (r *PGRepository) insertEvent(ctx context.Context, tx pgx.Tx, event *Event) error {
	query := `
		INSERT INTO case_events
		(id, aggregate_id, event_type, event_data, version, timestamp, form_version, fingerprint, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		event.ID,
		event.AggregateID,
		event.EventType,
		event.EventData,
		event.Version,
		event.Timestamp,
		event.FormVersion,
		event.Fingerprint,
		event.CorrelationID,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s v%d", ErrConcurrentUpdate, event.AggregateID, event.Version)
	}
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Load rebuilds a case from its events.
func (r *PGRepository) Load(ctx context.Context, id string) (*Case, error) {
	events, err := r.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return replay(id, events)
}

// Events returns a case's events in version order.
func (r *PGRepository) Events(ctx context.Context, id string) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp,
		       form_version, fingerprint, correlation_id
		FROM case_events
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`

	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		err := rows.Scan(
			&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version,
			&e.Timestamp, &e.FormVersion, &e.Fingerprint, &e.CorrelationID,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// EventsByType returns the most recent events of one type.
func (r *PGRepository) EventsByType(ctx context.Context, eventType EventType, limit int) ([]*Event, error) {
	query := `
		SELECT id, aggregate_id, event_type, event_data, version, timestamp
		FROM case_events
		WHERE event_type = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, eventType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{AggregateType: AggregateType}
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.EventType, &e.EventData, &e.Version, &e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func outboxEntry(event *Event) *postgres.OutboxEntry {
	topic := TopicCompleted
	if event.EventType == EventCaseFailed {
		topic = TopicFailed
	}
	payload, _ := json.Marshal(event)
	return &postgres.OutboxEntry{
		AggregateID:   event.AggregateID,
		AggregateType: AggregateType,
		EventType:     string(event.EventType),
		Payload:       payload,
		KafkaTopic:    topic,
		KafkaKey:      event.AggregateID,
	}
}

func replay(id string, events []*Event) (*Case, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c := New(id)
	if err := c.LoadFromHistory(events); err != nil {
		return nil, err
	}
	return c, nil
}

// MemoryRepository keeps events in process. Terminal events are collected
// as outbox entries for inspection.
type MemoryRepository struct {
	mu     sync.RWMutex
	events map[string][]*Event
	outbox []*postgres.OutboxEntry
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{events: make(map[string][]*Event)}
}

func (r *MemoryRepository) Save(ctx context.Context, c *Case) error {
	if len(c.Changes()) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.events[c.ID()]
	first := c.Changes()[0].Version
	if first != len(stored)+1 {
		return fmt.Errorf("%w: %s v%d", ErrConcurrentUpdate, c.ID(), first)
	}
	for _, e := range c.Changes() {
		cp := *e
		stored = append(stored, &cp)
		if e.Terminal() {
			r.outbox = append(r.outbox, outboxEntry(e))
		}
	}
	r.events[c.ID()] = stored
	c.ClearChanges()
	return nil
}

func (r *MemoryRepository) Load(ctx context.Context, id string) (*Case, error) {
	events, err := r.Events(ctx, id)
	if err != nil {
		return nil, err
	}
	return replay(id, events)
}

func (r *MemoryRepository) Events(ctx context.Context, id string) ([]*Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Event, len(r.events[id]))
	for i, e := range r.events[id] {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// IDs lists known case ids.
func (r *MemoryRepository) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Outbox returns the entries enqueued so far.
func (r *MemoryRepository) Outbox() []*postgres.OutboxEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*postgres.OutboxEntry(nil), r.outbox...)
}
