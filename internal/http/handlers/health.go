package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/reelforge/internal/scheduler"
)

const bytesPerMB = 1024 * 1024

// Pinger checks a dependency, such as the database, is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RunnerStatusProvider reports the render runner state.
type RunnerStatusProvider interface {
	RunnerStatus() (*scheduler.RunnerStatus, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	db        Pinger
	runner    RunnerStatusProvider
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
	}
}

// WithDB sets the database checked by /health.
func (h *HealthHandler) WithDB(db Pinger) *HealthHandler {
	h.db = db
	return h
}

// WithRunner sets the runner reported by /health.
func (h *HealthHandler) WithRunner(runner RunnerStatusProvider) *HealthHandler {
	h.runner = runner
	return h
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including database, runner and system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLiveness",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Description: "Returns 200 while the process is serving requests",
		Tags:        []string{"System"},
	}, h.GetLiveness)

	huma.Register(api, huma.Operation{
		OperationID: "getReadiness",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Description: "Returns 200 once the database is reachable, 503 otherwise",
		Tags:        []string{"System"},
	}, h.GetReadiness)
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status        string            `json:"status" enum:"healthy,degraded"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPU           CPUInfo           `json:"cpu"`
	Memory        MemoryInfo        `json:"memory"`
	Database      ComponentHealth   `json:"database"`
	Runner        RunnerHealth      `json:"runner"`
	Checks        map[string]string `json:"checks"`
}

// CPUInfo holds load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds system and process memory usage.
type MemoryInfo struct {
	TotalMB     float64 `json:"total_mb"`
	UsedMB      float64 `json:"used_mb"`
	AvailableMB float64 `json:"available_mb"`
	// ProcessMB includes child processes such as browsers and encoders.
	ProcessMB         float64 `json:"process_mb"`
	ChildProcessCount int     `json:"child_process_count"`
}

// ComponentHealth is the state of one dependency.
type ComponentHealth struct {
	Status         string  `json:"status" enum:"ok,error,unknown"`
	ResponseTimeMS float64 `json:"response_time_ms,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// RunnerHealth is the state of the render runner.
type RunnerHealth struct {
	Status     string `json:"status" enum:"ok,stopped,unknown"`
	Workers    int    `json:"workers,omitempty"`
	ActiveJobs int    `json:"active_jobs"`
}

// HealthOutput is the output of /health.
type HealthOutput struct {
	Body HealthResponse
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	now := time.Now()
	uptime := now.Sub(h.startTime)

	db := h.databaseHealth(ctx)
	runner := h.runnerHealth()

	status := "healthy"
	if db.Status == "error" || runner.Status == "stopped" {
		status = "degraded"
	}

	return &HealthOutput{Body: HealthResponse{
		Status:        status,
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPU:           cpuInfo(),
		Memory:        memoryInfo(),
		Database:      db,
		Runner:        runner,
		Checks: map[string]string{
			"database": db.Status,
			"runner":   runner.Status,
		},
	}}, nil
}

// LivenessOutput is the output of /livez.
type LivenessOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// GetLiveness always reports ok.
func (h *HealthHandler) GetLiveness(context.Context, *struct{}) (*LivenessOutput, error) {
	out := &LivenessOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadiness reports whether the service can accept render jobs.
func (h *HealthHandler) GetReadiness(ctx context.Context, _ *struct{}) (*LivenessOutput, error) {
	if db := h.databaseHealth(ctx); db.Status != "ok" {
		return nil, huma.Error503ServiceUnavailable("database " + db.Status)
	}
	out := &LivenessOutput{}
	out.Body.Status = "ready"
	return out, nil
}

func (h *HealthHandler) databaseHealth(ctx context.Context) ComponentHealth {
	if h.db == nil {
		return ComponentHealth{Status: "unknown"}
	}
	start := time.Now()
	err := h.db.Ping(ctx)
	health := ComponentHealth{
		Status:         "ok",
		ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}
	if err != nil {
		health.Status = "error"
		health.Error = err.Error()
	}
	return health
}

func (h *HealthHandler) runnerHealth() RunnerHealth {
	if h.runner == nil {
		return RunnerHealth{Status: "unknown"}
	}
	status, err := h.runner.RunnerStatus()
	if err != nil {
		return RunnerHealth{Status: "unknown"}
	}
	health := RunnerHealth{
		Status:     "ok",
		Workers:    status.WorkerCount,
		ActiveJobs: len(status.ActiveJobs),
	}
	if !status.Running {
		health.Status = "stopped"
	}
	return health
}

func cpuInfo() CPUInfo {
	info := CPUInfo{Cores: runtime.NumCPU()}
	if avg, err := load.Avg(); err == nil && avg != nil {
		info.Load1Min = avg.Load1
		info.Load5Min = avg.Load5
		info.Load15Min = avg.Load15
		if info.Cores > 0 {
			info.LoadPercentage1Min = avg.Load1 / float64(info.Cores) * 100
		}
	}
	return info
}

func memoryInfo() MemoryInfo {
	var info MemoryInfo
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		info.TotalMB = float64(vm.Total) / bytesPerMB
		info.UsedMB = float64(vm.Used) / bytesPerMB
		info.AvailableMB = float64(vm.Available) / bytesPerMB
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return info
	}
	if m, err := proc.MemoryInfo(); err == nil && m != nil {
		info.ProcessMB = float64(m.RSS) / bytesPerMB
	}
	if children, err := proc.Children(); err == nil {
		info.ChildProcessCount = len(children)
		for _, child := range children {
			if m, err := child.MemoryInfo(); err == nil && m != nil {
				info.ProcessMB += float64(m.RSS) / bytesPerMB
			}
		}
	}
	return info
}
