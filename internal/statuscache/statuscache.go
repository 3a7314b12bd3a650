// Package statuscache mirrors render job status into Redis so external
// pollers can read it without touching the job database.
package statuscache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/reelforge/internal/config"
	"github.com/jmylchreest/reelforge/internal/models"
)

// ErrNotFound is returned by Get when no status is cached for a job.
var ErrNotFound = errors.New("status not cached")

// Hash fields.
const (
	fieldStatus    = "status"
	fieldStage     = "stage"
	fieldProgress  = "progress"
	fieldResult    = "result"
	fieldError     = "error"
	fieldUpdatedAt = "updated_at"
)

// Status is the cached view of a render job.
type Status struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Stage     string    `json:"stage"`
	Progress  int       `json:"progress"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Cache writes job status hashes under a key prefix.
type Cache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// Connect creates a client from cfg and verifies it with a ping.
func Connect(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		PoolTimeout:  5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return New(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

// Key returns the Redis key holding the status of jobID.
func (c *Cache) Key(jobID string) string {
	return c.prefix + jobID
}

// Set writes fields for jobID and refreshes the key expiry.
func (c *Cache) Set(ctx context.Context, jobID string, fields map[string]any) error {
	key := c.Key(jobID)
	fields[fieldUpdatedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if c.ttl > 0 {
			pipe.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing status for %s: %w", jobID, err)
	}
	return nil
}

// Get reads the cached status of jobID.
func (c *Cache) Get(ctx context.Context, jobID string) (*Status, error) {
	values, err := c.client.HGetAll(ctx, c.Key(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading status for %s: %w", jobID, err)
	}
	if len(values) == 0 {
		return nil, ErrNotFound
	}
	return parseStatus(jobID, values), nil
}

// Delete removes the cached status of jobID.
func (c *Cache) Delete(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, c.Key(jobID)).Err()
}

// JobProgress records a progress update.
func (c *Cache) JobProgress(ctx context.Context, job *models.RenderJob, percent int, stage models.RenderStage) {
	err := c.Set(ctx, job.ID.String(), map[string]any{
		fieldStatus:   string(models.RenderStatusRunning),
		fieldStage:    string(stage),
		fieldProgress: percent,
	})
	if err != nil {
		c.logger.Warn("failed to mirror progress", slog.String("job_id", job.ID.String()), slog.Any("error", err))
	}
}

// JobFinished records the final job state.
func (c *Cache) JobFinished(ctx context.Context, job *models.RenderJob) {
	if err := c.Set(ctx, job.ID.String(), finishedFields(job)); err != nil {
		c.logger.Warn("failed to mirror job result", slog.String("job_id", job.ID.String()), slog.Any("error", err))
	}
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}

func finishedFields(job *models.RenderJob) map[string]any {
	return map[string]any{
		fieldStatus:   string(job.Status),
		fieldStage:    string(job.Stage),
		fieldProgress: job.Progress,
		fieldResult:   job.ResultPath,
		fieldError:    job.LastError,
	}
}

func parseStatus(jobID string, values map[string]string) *Status {
	s := &Status{
		JobID:  jobID,
		Status: values[fieldStatus],
		Stage:  values[fieldStage],
		Result: values[fieldResult],
		Error:  values[fieldError],
	}
	s.Progress, _ = strconv.Atoi(values[fieldProgress])
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, values[fieldUpdatedAt])
	return s
}
