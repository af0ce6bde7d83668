package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore keeps the ledger in process, for the CLI and tests.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*Run
	now  func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, fingerprint string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Claim(ctx context.Context, c Claim, expiresAt time.Time) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r, ok := s.runs[c.Fingerprint]
	switch {
	case !ok:
		r = &Run{
			Fingerprint: c.Fingerprint,
			CaseID:      c.CaseID,
			FormVersion: c.FormVersion,
			StartedAt:   now,
		}
		s.runs[c.Fingerprint] = r
	case r.Status != StatusRetryable:
		return nil, ErrClaimed
	}
	r.Status = StatusRunning
	r.Attempts++
	r.LastError = ""
	r.UpdatedAt = now
	r.ExpiresAt = expiresAt
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Settle(ctx context.Context, fingerprint string, status Status, outcome json.RawMessage, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[fingerprint]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Outcome = outcome
	r.LastError = lastErr
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	cutoff := s.now().Add(-olderThan)
	for _, r := range s.runs {
		if r.Status == StatusRunning && r.UpdatedAt.Before(cutoff) {
			r.Status = StatusRetryable
			r.LastError = "abandoned"
			r.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Expire(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := s.now()
	for k, r := range s.runs {
		if r.Status != StatusRunning && r.ExpiresAt.Before(now) {
			delete(s.runs, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &Stats{Total: int64(len(s.runs))}
	for _, r := range s.runs {
		switch r.Status {
		case StatusRunning:
			stats.Running++
		case StatusDone:
			stats.Done++
		case StatusRetryable:
			stats.Retryable++
		case StatusRejected:
			stats.Rejected++
		}
	}
	return stats, nil
}
