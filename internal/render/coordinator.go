// Package render runs one job's segments in parallel isolated page contexts
// and collects each segment's frame stream into an encoded file.
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"

	"github.com/jmylchreest/reelforge/internal/bridge"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/segment"
)

// Callback names exposed to the page runtime.
const (
	CallbackProgress = "nodeHandleRenderProgress"
	CallbackEnd      = "nodeHandleRenderEnd"
	CallbackError    = "nodeHandleRenderError"
)

const (
	defaultTaskTimeout = 30 * time.Minute
	streamGrace        = 30 * time.Second
	shutdownTimeout    = 5 * time.Second
	runtimeEntry       = "/runtime/index.html"
)

// Options configures a Coordinator.
type Options struct {
	// MaxConcurrency caps parallel contexts. Zero uses the physical CPU count.
	MaxConcurrency int
	TaskTimeout    time.Duration
	AllowedHosts   []string
	RuntimeDir     string
	FrameBuffer    int
	// CaptureAudio asks the page to stream PCM alongside frames.
	CaptureAudio bool
	// ListenAddr is the embedded server address. Defaults to 127.0.0.1:0.
	ListenAddr     string
	ProgressBase   float64
	ProgressWeight float64
}

// Job is everything the coordinator needs to render one job's segments.
type Job struct {
	ID        string
	Project   *project.Project
	Variables map[string]any
	Output    project.OutputSpec
	Program   string
	Segments  []segment.Definition
	// Concurrency overrides Options.MaxConcurrency when lower and non-zero.
	Concurrency int
}

// Coordinator owns the embedded server and context pool for one job at a time.
type Coordinator struct {
	opts     Options
	launcher Launcher
	encoders bridge.EncoderFactory
	logger   *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options, launcher Launcher, encoders bridge.EncoderFactory, logger *slog.Logger) *Coordinator {
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = defaultTaskTimeout
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.ProgressBase == 0 && opts.ProgressWeight == 0 {
		opts.ProgressBase = DefaultProgressBase
		opts.ProgressWeight = DefaultProgressWeight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		opts:     opts,
		launcher: launcher,
		encoders: encoders,
		logger:   logger.With(slog.String("component", "render")),
	}
}

// Concurrency returns the pool size used for a job with n segments.
func (c *Coordinator) Concurrency(job Job) int {
	limit := c.opts.MaxConcurrency
	if limit <= 0 {
		limit = defaultConcurrency()
	}
	if job.Concurrency > 0 && job.Concurrency < limit {
		limit = job.Concurrency
	}
	return max(1, min(limit, len(job.Segments)))
}

func defaultConcurrency() int {
	n, err := cpu.Counts(false)
	if err != nil || n < 1 {
		return 2
	}
	return n
}

// Render renders every segment of job and waits for each encoder to exit.
// It returns an *AggregateError when any segment fails. Siblings of a failed
// segment are left to finish.
func (c *Coordinator) Render(ctx context.Context, job Job, report ProgressFunc) error {
	if len(job.Segments) == 0 {
		return ErrNoSegments
	}
	logger := c.logger.With(slog.String("job_id", job.ID))

	token, err := newToken()
	if err != nil {
		return fmt.Errorf("generating job token: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sessions := make(map[int]*session, len(job.Segments))
	for _, def := range job.Segments {
		sessions[def.Index] = newSession(def)
	}
	tracker := NewTracker(len(job.Segments), c.opts.ProgressBase, c.opts.ProgressWeight, report)
	captureAudio := c.opts.CaptureAudio && job.Output.AudioEnabled()

	srv := &jobServer{
		token:      token,
		program:    job.Program,
		runtimeDir: c.opts.RuntimeDir,
		sessions:   sessions,
		tracker:    tracker,
		encoders:   c.encoders,
		encodeSpec: bridge.EncodeSpec{
			Format:  job.Output.Format,
			FPS:     job.Output.FPS,
			Width:   job.Output.Width,
			Height:  job.Output.Height,
			Quality: job.Output.Quality,
			Audio:   captureAudio,
		},
		bufferFrames: c.opts.FrameBuffer,
		ctx:          jobCtx,
		logger:       logger,
	}
	srv.desc = JobDescription{
		Token:     token,
		Project:   job.Project,
		Variables: job.Variables,
		Output:    job.Output,
		Exporter: ExporterSettings{
			Name:       exporterName,
			SocketPath: "/socket",
			FPS:        job.Output.FPS,
			Width:      job.Output.Width,
			Height:     job.Output.Height,
			Audio:      captureAudio,
		},
	}

	ln, err := net.Listen("tcp", c.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("starting render server: %w", err)
	}
	httpServer := &http.Server{Handler: srv.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serr := httpServer.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Error("render server stopped", slog.String("error", serr.Error()))
		}
	}()
	origin := "http://" + ln.Addr().String()

	browser, err := c.launcher.Launch(jobCtx)
	if err != nil {
		c.teardown(logger, sessions, httpServer, nil)
		return fmt.Errorf("launching browser: %w", err)
	}
	pool := NewPool(browser, c.Concurrency(job), NewAllowlist(c.opts.AllowedHosts).Filter(origin))
	defer c.teardown(logger, sessions, httpServer, pool)

	logger.Info("rendering segments",
		slog.Int("segments", len(job.Segments)),
		slog.Int("concurrency", pool.Size()),
		slog.String("origin", origin),
	)

	failures := make([]*SegmentError, len(job.Segments))
	var wg sync.WaitGroup
	for i, def := range job.Segments {
		wg.Add(1)
		go func(i int, sess *session) {
			defer wg.Done()
			failures[i] = c.runSegment(jobCtx, logger, pool, origin, token, len(job.Segments), sess, tracker)
		}(i, sessions[def.Index])
	}
	wg.Wait()

	agg := &AggregateError{Total: len(job.Segments)}
	for _, f := range failures {
		if f != nil {
			agg.Errors = append(agg.Errors, f)
		}
	}
	if len(agg.Errors) > 0 {
		logger.Error("segment render failed",
			slog.Int("failed", agg.Failed()),
			slog.String("error", agg.Error()),
		)
		return agg
	}

	for _, def := range job.Segments {
		if err := c.awaitEncoder(jobCtx, sessions[def.Index]); err != nil {
			agg.Errors = append(agg.Errors, err)
		}
	}
	if len(agg.Errors) > 0 {
		return agg
	}

	logger.Info("segments rendered", slog.Int("segments", len(job.Segments)))
	return nil
}

// runSegment renders one segment in its own context and returns its failure.
func (c *Coordinator) runSegment(ctx context.Context, logger *slog.Logger, pool *Pool, origin, token string, total int, sess *session, tracker *Tracker) *SegmentError {
	def := sess.def
	logger = logger.With(slog.Int("segment_index", def.Index))
	fail := func(err error, message string) *SegmentError {
		lines, lastErr := sess.trail.snapshot()
		if message == "" {
			message = lastErr
		}
		return &SegmentError{Index: def.Index, Message: message, Trail: lines, Err: err}
	}

	ec, err := pool.Acquire(ctx)
	if err != nil {
		return fail(err, "")
	}
	defer func() {
		if rerr := pool.Release(ec); rerr != nil {
			logger.Debug("closing execution context", slog.String("error", rerr.Error()))
		}
	}()

	taskCtx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	defer cancel()

	if err := c.expose(ec, sess, tracker); err != nil {
		return fail(err, "")
	}
	ec.OnDiagnostic(func(line string, isError bool) {
		if isError {
			sess.trail.addError(line)
			return
		}
		sess.trail.add(line)
	})

	started := time.Now()
	logger.Debug("segment started", slog.Float64("start", def.Start), slog.Float64("end", def.End))

	target := segmentURL(origin, token, def, total)
	if err := ec.Navigate(taskCtx, target); err != nil {
		sess.finish("error", err.Error())
	}

	select {
	case res := <-sess.result:
		if res.status != StatusSuccess {
			msg := res.message
			if msg == "" {
				msg = fmt.Sprintf("render ended with status %q", res.status)
			}
			logger.Warn("segment failed", slog.String("error", msg))
			return fail(errors.New(msg), msg)
		}
	case <-taskCtx.Done():
		logger.Warn("segment timed out", slog.Duration("timeout", c.opts.TaskTimeout))
		return fail(fmt.Errorf("segment task: %w", taskCtx.Err()), "")
	}

	tracker.Complete(def.Index)
	logger.Debug("segment finished", slog.Duration("duration", time.Since(started)))
	return nil
}

func (c *Coordinator) expose(ec ExecutionContext, sess *session, tracker *Tracker) error {
	callbacks := map[string]Callback{
		CallbackProgress: func(args []json.RawMessage) {
			var frame, total int
			if len(args) >= 2 {
				_ = json.Unmarshal(args[0], &frame)
				_ = json.Unmarshal(args[1], &total)
			}
			tracker.Update(sess.def.Index, frame, total)
		},
		CallbackEnd: func(args []json.RawMessage) {
			var status string
			if len(args) > 0 {
				_ = json.Unmarshal(args[0], &status)
			}
			sess.finish(status, "")
		},
		CallbackError: func(args []json.RawMessage) {
			message := "render error"
			if len(args) > 0 {
				if err := json.Unmarshal(args[0], &message); err != nil {
					message = string(args[0])
				}
			}
			sess.trail.addError(message)
			sess.finish("error", message)
		},
	}
	for name, fn := range callbacks {
		if err := ec.Expose(name, fn); err != nil {
			return fmt.Errorf("exposing %s: %w", name, err)
		}
	}
	return nil
}

// awaitEncoder waits for the frame stream to end and the encoder to exit.
func (c *Coordinator) awaitEncoder(ctx context.Context, sess *session) *SegmentError {
	b := sess.currentBridge()
	if b == nil {
		return &SegmentError{Index: sess.def.Index, Message: ErrNoFrames.Error(), Err: ErrNoFrames}
	}

	select {
	case <-sess.streamDone:
	case <-time.After(streamGrace):
		c.logger.Warn("frame stream did not close, finishing encoder",
			slog.Int("segment_index", sess.def.Index))
	case <-ctx.Done():
		return &SegmentError{Index: sess.def.Index, Err: ctx.Err()}
	}

	if err := b.Wait(ctx); err != nil {
		return &SegmentError{Index: sess.def.Index, Message: "encoding failed", Err: err}
	}
	c.logger.Debug("segment encoded",
		slog.Int("segment_index", sess.def.Index),
		slog.Int64("frames", b.Frames()),
		slog.String("output", b.Spec().OutputPath),
	)
	return nil
}

// teardown closes sockets, the server and the pool. Failures are logged only.
func (c *Coordinator) teardown(logger *slog.Logger, sessions map[int]*session, srv *http.Server, pool *Pool) {
	for _, sess := range sessions {
		sess.close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("closing render server", slog.String("error", err.Error()))
	}

	if pool != nil {
		if err := pool.Close(); err != nil {
			logger.Warn("closing context pool", slog.String("error", err.Error()))
		}
	}
}

func segmentURL(origin, token string, def segment.Definition, total int) string {
	q := url.Values{}
	q.Set("token", token)
	q.Set("segment", strconv.Itoa(def.Index))
	q.Set("total", strconv.Itoa(total))
	q.Set("start", strconv.FormatFloat(def.Start, 'f', -1, 64))
	q.Set("end", strconv.FormatFloat(def.End, 'f', -1, 64))
	q.Set("output", filepath.Base(def.OutputPath))
	return origin + runtimeEntry + "?" + q.Encode()
}
