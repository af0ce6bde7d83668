package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/infrastructure/redpanda"
)

// Producer sends one record and waits for the broker to accept it.
type Producer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Queue submits case requests to the request topic and turns consumed
// requests back into runs.
type Queue struct {
	producer Producer
	topic    string
}

// NewQueue creates a queue writing to redpanda.TopicCaseRequests.
func NewQueue(p Producer) *Queue {
	return &Queue{producer: p, topic: redpanda.TopicCaseRequests}
}

// Enqueue publishes req keyed by case id so a case's requests stay ordered.
func (q *Queue) Enqueue(ctx context.Context, req CaseRequest) error {
	if req.CaseID == "" {
		return fmt.Errorf("%w: case id is required", ErrInvalidInput)
	}
	if req.TemplatePath != "" || req.ReferralPath != "" {
		return fmt.Errorf("%w: queued requests carry documents inline", ErrInvalidInput)
	}
	value, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return q.producer.ProduceMessage(ctx, q.topic, req.CaseID, value, map[string]string{
		redpanda.HeaderCorrelationID: req.CorrelationID,
	})
}

// Handler returns a consumer handler that runs each request. Requests that
// can never succeed are reported as poison; a failed case is a handled
// message, its outcome having been recorded on the case.
func Handler(r *Runner, logger *zap.Logger) redpanda.MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		var req CaseRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			return fmt.Errorf("%w: decode case request: %v", redpanda.ErrPoison, err)
		}
		if req.CorrelationID == "" {
			req.CorrelationID = msg.Headers[redpanda.HeaderCorrelationID]
		}
		in, err := req.Input("")
		if err != nil {
			return fmt.Errorf("%w: %v", redpanda.ErrPoison, err)
		}

		out, err := r.Submit(ctx, in)
		switch {
		case errors.Is(err, ErrInvalidInput):
			return fmt.Errorf("%w: %v", redpanda.ErrPoison, err)
		case isStageFailure(err):
			logger.Info("queued case failed",
				zap.String("case_id", req.CaseID),
				zap.Error(err))
			return nil
		case err != nil:
			return err
		}
		logger.Info("queued case done",
			zap.String("case_id", req.CaseID),
			zap.Bool("reused", out.Reused))
		return nil
	}
}

func isStageFailure(err error) bool {
	_, ok := faults.FailedStage(err)
	return ok
}
