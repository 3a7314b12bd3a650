package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/reelforge/internal/models"
	"github.com/jmylchreest/reelforge/internal/observability"
	"github.com/jmylchreest/reelforge/internal/service/progress"
)

// JobProgressSource resolves progress for a single job, live or stored.
type JobProgressSource interface {
	Progress(ctx context.Context, id models.ULID) (*progress.RenderProgress, error)
}

// ProgressHandler handles progress and SSE endpoints.
type ProgressHandler struct {
	service           *progress.Service
	jobs              JobProgressSource
	heartbeatInterval time.Duration
}

// NewProgressHandler creates a new progress handler.
func NewProgressHandler(svc *progress.Service, jobs JobProgressSource) *ProgressHandler {
	return &ProgressHandler{
		service:           svc,
		jobs:              jobs,
		heartbeatInterval: 30 * time.Second,
	}
}

// SetHeartbeatInterval sets the SSE heartbeat interval.
func (h *ProgressHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// Register registers the progress routes with the API.
func (h *ProgressHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listProgress",
		Method:      http.MethodGet,
		Path:        "/api/v1/progress",
		Summary:     "List live progress",
		Description: "Returns the in-memory progress of current and recent renders",
		Tags:        []string{"Progress"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getProgress",
		Method:      http.MethodGet,
		Path:        "/api/v1/progress/{id}",
		Summary:     "Get progress",
		Description: "Returns the progress of a render job. Jobs no longer tracked in memory report their stored state.",
		Tags:        []string{"Progress"},
	}, h.Get)
}

// RegisterSSE registers the event stream on a chi router. Huma operations
// cannot stream, so this is a plain handler.
func (h *ProgressHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/progress/events", h.HandleSSEEvents)
}

// ListProgressInput is the input for listing progress.
type ListProgressInput struct {
	JobID      string `query:"job_id" doc:"Filter by render job ID"`
	ActiveOnly bool   `query:"active_only" doc:"Only return renders still in progress"`
}

// ListProgressOutput is the output for listing progress.
type ListProgressOutput struct {
	Body struct {
		Operations []ProgressResponse `json:"operations"`
	}
}

// List returns live progress operations.
func (h *ProgressHandler) List(_ context.Context, input *ListProgressInput) (*ListProgressOutput, error) {
	ops := h.service.List(&progress.Filter{JobID: input.JobID, ActiveOnly: input.ActiveOnly})

	out := &ListProgressOutput{}
	out.Body.Operations = make([]ProgressResponse, 0, len(ops))
	for _, op := range ops {
		out.Body.Operations = append(out.Body.Operations, ProgressFromService(op))
	}
	return out, nil
}

// ProgressOutput wraps the progress of one job.
type ProgressOutput struct {
	Body ProgressResponse
}

// Get returns the progress of one job.
func (h *ProgressHandler) Get(ctx context.Context, input *RenderIDInput) (*ProgressOutput, error) {
	id, err := models.ParseULID(input.ID)
	if err != nil {
		return nil, huma.Error400BadRequest("invalid render ID", err)
	}
	p, err := h.jobs.Progress(ctx, id)
	if err != nil {
		return nil, mapServiceError(err)
	}
	return &ProgressOutput{Body: ProgressFromService(p)}, nil
}

// HandleSSEEvents streams progress events. The job_id query parameter
// limits the stream to one job.
func (h *ProgressHandler) HandleSSEEvents(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	// The server write timeout would cut long streams.
	_ = rc.SetWriteDeadline(time.Time{})

	// Terminal events must always reach the client, so only the job filter
	// applies here.
	sub := h.service.Subscribe(&progress.Filter{JobID: r.URL.Query().Get("job_id")})
	defer h.service.Unsubscribe(sub.ID)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	fmt.Fprint(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		logger.Error("failed to flush initial SSE connection", slog.Any("error", err))
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				logger.Debug("heartbeat flush failed, client likely disconnected", slog.Any("error", err))
				return
			}
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeSSEEvent(w, event); err != nil {
				logger.Error("failed to write SSE event",
					slog.String("event_type", event.EventType),
					slog.String("job_id", event.Progress.JobID),
					slog.Any("error", err))
				return
			}
			if err := rc.Flush(); err != nil {
				logger.Debug("event flush failed, client likely disconnected", slog.Any("error", err))
				return
			}
		}
	}
}

// writeSSEEvent writes one event as a single SSE message.
func writeSSEEvent(w http.ResponseWriter, event *progress.ProgressEvent) error {
	data, err := json.Marshal(ProgressFromService(event.Progress))
	if err != nil {
		return err
	}
	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event.EventType, data)
	n, err := w.Write([]byte(message))
	if err != nil {
		return err
	}
	if n < len(message) {
		return fmt.Errorf("short write: wrote %d of %d bytes", n, len(message))
	}
	return nil
}
