package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
	"github.com/drfirst/go-rxgate/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxgate/internal/pipeline"
	"github.com/drfirst/go-rxgate/pkg/idempotency"
	"github.com/drfirst/go-rxgate/pkg/workerpool"
)

const handlerName = "recommendation-worker"

// RequestMessage is one record on the requests topic.
type RequestMessage struct {
	RequestID   string    `json:"request_id,omitempty"`
	PatientID   string    `json:"patient_id"`
	Intent      string    `json:"intent"`
	ActorID     string    `json:"actor_id"`
	RequestedAt time.Time `json:"requested_at"`
}

// ResultMessage is published on the results topic for every handled request.
type ResultMessage struct {
	RequestID      string             `json:"request_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key"`
	AuditID        string             `json:"audit_id,omitempty"`
	Decision       *pipeline.Decision `json:"decision"`
	Duplicate      bool               `json:"duplicate,omitempty"`
}

// terminal reports request errors that no retry can fix.
func terminal(err error) bool {
	return errors.Is(err, collab.ErrPatientNotFound) || errors.Is(err, pipeline.ErrInvalidRequest)
}

type recommender interface {
	Recommend(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
}

type inbox interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// worker turns request records into recorded decisions.
type worker struct {
	svc     recommender
	inbox   inbox
	results redpanda.Publisher
	topic   string
	clock   func() time.Time
	logger  *zap.Logger
}

// process is the pool's WorkerFunc. A duplicate request republishes the
// stored result without running the pipeline again.
func (w *worker) process(ctx context.Context, task *workerpool.Task[RequestMessage]) *workerpool.Result {
	msg := task.Payload
	if msg.RequestedAt.IsZero() {
		msg.RequestedAt = w.clock()
	}
	key := idempotency.GenerateKey(msg.ActorID, msg.PatientID, msg.Intent, msg.RequestedAt)
	payload, err := json.Marshal(msg)
	if err != nil {
		return &workerpool.Result{Error: err}
	}

	res, err := w.inbox.Process(ctx, key, handlerName, payload, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		out, err := w.svc.Recommend(ctx, pipeline.Request{
			PatientID: msg.PatientID,
			Intent:    msg.Intent,
			ActorID:   msg.ActorID,
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal(ResultMessage{
			RequestID:      msg.RequestID,
			IdempotencyKey: key,
			AuditID:        out.AuditID,
			Decision:       out.Decision,
		})
	})
	if err != nil {
		return &workerpool.Result{Error: err}
	}

	result := res.Result
	if !res.IsNew && !res.WasRecovered {
		var stored ResultMessage
		if err := json.Unmarshal(result, &stored); err == nil {
			stored.Duplicate = true
			if b, err := json.Marshal(stored); err == nil {
				result = b
			}
		}
		w.logger.Info("duplicate request", zap.String("idempotency_key", key), zap.String("patient_id", msg.PatientID))
	}

	if err := w.results.Publish(ctx, w.topic, msg.PatientID, result); err != nil {
		return &workerpool.Result{Error: fmt.Errorf("publish result: %w", err)}
	}
	return &workerpool.Result{Success: true, Data: key}
}

// handle is the consumer's MessageHandler. It decodes the record and waits
// for the pool to finish it.
func handle(pool interface {
	SubmitWait(ctx context.Context, task *workerpool.Task[RequestMessage]) (*workerpool.Result, error)
}) redpanda.MessageHandler {
	return func(ctx context.Context, m *redpanda.ConsumedMessage) error {
		var msg RequestMessage
		if err := json.Unmarshal(m.Value, &msg); err != nil {
			return fmt.Errorf("%w: decode request: %v", redpanda.ErrSkip, err)
		}
		if err := (pipeline.Request{PatientID: msg.PatientID, Intent: msg.Intent, ActorID: msg.ActorID}).Validate(); err != nil {
			return fmt.Errorf("%w: %v", redpanda.ErrSkip, err)
		}
		if msg.RequestedAt.IsZero() {
			msg.RequestedAt = m.Timestamp
		}

		res, err := pool.SubmitWait(ctx, &workerpool.Task[RequestMessage]{
			ID:      fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset),
			Payload: msg,
			Context: ctx,
		})
		if err != nil {
			return err
		}
		if res.Success {
			return nil
		}
		if terminal(res.Error) || errors.Is(res.Error, idempotency.ErrPreviouslyFailed) {
			return fmt.Errorf("%w: %v", redpanda.ErrSkip, res.Error)
		}
		return res.Error
	}
}
