// Package queue connects the render queue to Kafka: render requests are
// consumed from one topic and job outcomes published to another.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/jmylchreest/reelforge/internal/config"
	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/project"
)

// retryDelay is the pause before rejoining the group after a session error.
const retryDelay = 5 * time.Second

// Submitter enqueues render jobs.
type Submitter interface {
	Submit(ctx context.Context, data *project.RenderJobData, source string, priority int) (*models.RenderJob, error)
}

// RenderRequest is the message consumed from the request topic.
type RenderRequest struct {
	project.RenderJobData
	Priority int `json:"priority,omitempty"`
}

// Consumer reads render requests from a Kafka consumer group.
type Consumer struct {
	group     sarama.ConsumerGroup
	topic     string
	submitter Submitter
	logger    *slog.Logger
}

// NewConsumerConfig returns the sarama configuration used for render requests.
func NewConsumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewConsumer joins the configured consumer group.
func NewConsumer(cfg config.KafkaConfig, submitter Submitter, logger *slog.Logger) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.Group, NewConsumerConfig())
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}
	return NewConsumerFromGroup(group, cfg.RequestTopic, submitter, logger), nil
}

// NewConsumerFromGroup wraps an existing consumer group.
func NewConsumerFromGroup(group sarama.ConsumerGroup, topic string, submitter Submitter, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		group:     group,
		topic:     topic,
		submitter: submitter,
		logger:    logger.With(slog.String("topic", topic)),
	}
}

// Run consumes until ctx is cancelled. Each rebalance ends a session, so
// Consume is called in a loop.
func (c *Consumer) Run(ctx context.Context) error {
	go func() {
		for err := range c.group.Errors() {
			c.logger.Warn("kafka consumer error", slog.Any("error", err))
		}
	}()

	c.logger.Info("kafka consumer started")
	handler := &requestHandler{consumer: c}
	for {
		if err := c.group.Consume(ctx, []string{c.topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka session ended", slog.Any("error", err))
			select {
			case <-ctx.Done():
			case <-time.After(retryDelay):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Close leaves the consumer group.
func (c *Consumer) Close() error {
	return c.group.Close()
}

// handle submits one message. It reports whether the message may be
// committed: malformed and invalid requests are dropped, while storage
// failures leave the message for redelivery.
func (c *Consumer) handle(ctx context.Context, msg *sarama.ConsumerMessage) (bool, error) {
	logger := c.logger.With(
		slog.Int("partition", int(msg.Partition)),
		slog.Int64("offset", msg.Offset))

	var req RenderRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		logger.Warn("dropping malformed render request", slog.Any("error", err))
		return true, nil
	}

	job, err := c.submitter.Submit(ctx, &req.RenderJobData, models.SourceKafka, req.Priority)
	switch {
	case err == nil:
		logger.Debug("render request queued", slog.String("job_id", job.ID.String()))
		return true, nil
	case errors.Is(err, project.ErrInvalidJob), errors.Is(err, models.ErrPayloadRequired):
		logger.Warn("dropping invalid render request", slog.Any("error", err))
		return true, nil
	default:
		return false, err
	}
}

type requestHandler struct {
	consumer *Consumer
}

func (h *requestHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *requestHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *requestHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			commit, err := h.consumer.handle(session.Context(), msg)
			if err != nil {
				return fmt.Errorf("submitting render request at offset %d: %w", msg.Offset, err)
			}
			if commit {
				session.MarkMessage(msg, "")
			}
		}
	}
}
