package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/jmylchreest/reelforge/internal/config"
	"github.com/jmylchreest/reelforge/internal/models"
)

// JobEvent is published when a render job reaches a terminal status.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	ProjectID  string    `json:"project_id,omitempty"`
	Attempts   int       `json:"attempts"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewJobEvent builds the event for a finished job.
func NewJobEvent(job *models.RenderJob) JobEvent {
	return JobEvent{
		JobID:      job.ID.String(),
		Status:     string(job.Status),
		Progress:   job.Progress,
		Result:     job.ResultPath,
		Error:      job.LastError,
		UserID:     job.UserID,
		ProjectID:  job.ProjectID,
		Attempts:   job.AttemptCount,
		DurationMs: job.DurationMs,
		Timestamp:  time.Now().UTC(),
	}
}

// EventPublisher publishes job outcomes to Kafka.
type EventPublisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducerConfig returns the sarama configuration used for job events.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Return.Successes = true
	return cfg
}

// NewEventPublisher connects a sync producer for the event topic.
func NewEventPublisher(cfg config.KafkaConfig, logger *slog.Logger) (*EventPublisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewEventPublisherFromProducer(producer, cfg.EventTopic, logger), nil
}

// NewEventPublisherFromProducer wraps an existing producer.
func NewEventPublisherFromProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *EventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventPublisher{producer: producer, topic: topic, logger: logger}
}

// Publish sends the event for job, keyed by job id so events for one job
// stay ordered.
func (p *EventPublisher) Publish(_ context.Context, job *models.RenderJob) error {
	data, err := json.Marshal(NewJobEvent(job))
	if err != nil {
		return fmt.Errorf("encoding job event: %w", err)
	}
	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(job.ID.String()),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("sending job event: %w", err)
	}
	return nil
}

// JobProgress is a no-op; only terminal transitions are published.
func (p *EventPublisher) JobProgress(context.Context, *models.RenderJob, int, models.RenderStage) {}

// JobFinished publishes the job outcome.
func (p *EventPublisher) JobFinished(ctx context.Context, job *models.RenderJob) {
	if err := p.Publish(ctx, job); err != nil {
		p.logger.Error("failed to publish job event",
			slog.String("job_id", job.ID.String()),
			slog.Any("error", err))
	}
}

// Close closes the producer.
func (p *EventPublisher) Close() error {
	return p.producer.Close()
}
