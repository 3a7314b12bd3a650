package render

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/reelforge/internal/bridge"
	"github.com/jmylchreest/reelforge/internal/project"
)

// JobDescription is served to the page runtime at /jobs/{token}.
type JobDescription struct {
	Token     string             `json:"token"`
	Project   *project.Project   `json:"project"`
	Variables map[string]any     `json:"variables"`
	Output    project.OutputSpec `json:"output"`
	Exporter  ExporterSettings   `json:"exporter"`
}

// ExporterSettings tells the runtime how to stream frames back.
type ExporterSettings struct {
	Name       string  `json:"name"`
	SocketPath string  `json:"socketPath"`
	FPS        float64 `json:"fps"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Audio      bool    `json:"audio"`
}

const exporterName = "reelforge-stream"

// jobServer serves one job's runtime, description, program and frame socket.
type jobServer struct {
	token      string
	desc       JobDescription
	program    string
	runtimeDir string

	sessions     map[int]*session
	tracker      *Tracker
	encoders     bridge.EncoderFactory
	encodeSpec   bridge.EncodeSpec
	bufferFrames int

	// ctx bounds encoder processes started by socket connections.
	ctx    context.Context
	logger *slog.Logger
}

func newToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *jobServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if s.runtimeDir != "" {
		if _, err := os.Stat(s.runtimeDir); err == nil {
			fs := http.StripPrefix("/runtime/", http.FileServer(http.Dir(s.runtimeDir)))
			r.Get("/runtime/*", fs.ServeHTTP)
		} else {
			s.logger.Warn("runtime bundle directory missing", slog.String("dir", s.runtimeDir))
		}
	}

	r.Get("/jobs/{token}", s.handleJob)
	r.Get("/jobs/{token}/scene.js", s.handleProgram)
	r.Handle("/socket", s.socketHandler())

	return r
}

func (s *jobServer) authorized(r *http.Request) bool {
	return chi.URLParam(r, "token") == s.token
}

func (s *jobServer) handleJob(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s.desc); err != nil {
		s.logger.Warn("writing job description", slog.String("error", err.Error()))
	}
}

func (s *jobServer) handleProgram(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte(s.program))
}
