package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"autograde/internal/common/mq"
	"autograde/internal/grader/model"
	appErr "autograde/pkg/errors"
)

const headerOutcomeStatus = "x-outcome-status"

// OutcomePublisher delivers final grading outcomes to the grading collaborator.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome model.GradingOutcome) error
}

// MQOutcomePublisher publishes outcomes to a message queue topic keyed by submission.
type MQOutcomePublisher struct {
	queue mq.Producer
	topic string
}

// NewMQOutcomePublisher creates a new MQ outcome publisher.
func NewMQOutcomePublisher(queue mq.Producer, topic string) *MQOutcomePublisher {
	return &MQOutcomePublisher{queue: queue, topic: topic}
}

// PublishOutcome publishes one final outcome.
func (p *MQOutcomePublisher) PublishOutcome(ctx context.Context, outcome model.GradingOutcome) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("outcome publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("outcome topic is required")
	}
	if outcome.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = outcome.SubmissionID
	message.SetHeader(headerOutcomeStatus, string(outcome.Status))
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueueError, "publish outcome failed: %v", err)
	}
	return nil
}
