// Package scene calls the scene compilation service, which turns project
// source overrides into an executable scene program.
package scene

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/reelforge/internal/signing"
)

// ErrCompile is returned for any failed compilation.
var ErrCompile = errors.New("scene compilation failed")

const maxErrorBody = 8 << 10

// CompileRequest is the compile call body.
type CompileRequest struct {
	Files              map[string]string `json:"files,omitempty"`
	IncludeDiagnostics bool              `json:"includeDiagnostics,omitempty"`
}

// Program is a compiled scene.
type Program struct {
	JS          string          `json:"js"`
	Diagnostics json.RawMessage `json:"diagnostics,omitempty"`
}

// Client is a scene compiler client. Calls are never retried.
type Client struct {
	baseURL string
	signer  *signing.Signer
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a compiler client.
func NewClient(baseURL string, signer *signing.Signer, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Compile sends req and returns the compiled program.
func (c *Client) Compile(ctx context.Context, req CompileRequest) (*Program, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrCompile, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/compile", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.signer.SignRequest(httpReq, body)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrCompile, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrCompile, resp.StatusCode, errorMessage(respBody))
	}

	var program Program
	if err := json.Unmarshal(respBody, &program); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %w", ErrCompile, err)
	}
	if program.JS == "" {
		return nil, fmt.Errorf("%w: response has no program", ErrCompile)
	}

	c.logger.DebugContext(ctx, "scene compiled",
		slog.Int("files", len(req.Files)),
		slog.Int("bytes", len(program.JS)),
		slog.Duration("duration", time.Since(start)),
	)
	return &program, nil
}

// errorMessage prefers a JSON {"error": ...} field over the raw body.
func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty response"
	}
	return msg
}
