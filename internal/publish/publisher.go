// Package publish uploads finished renders to pre-signed storage URLs.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/reelforge/internal/httpclient"
)

// ErrUpload is returned when storage rejects an upload.
var ErrUpload = errors.New("upload failed")

const maxErrorBody = 4 << 10

var contentTypes = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".gif":  "image/gif",
}

// Publisher uploads local files with HTTP PUT.
type Publisher struct {
	client *httpclient.Client
	logger *slog.Logger
}

// NewUploadClient builds the client used for storage uploads. It carries no
// per-attempt timeout, so the caller's context bounds the transfer, and it
// never retries or signs requests.
func NewUploadClient(userAgent string, logger *slog.Logger) *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = 0
	cfg.RetryAttempts = 0
	cfg.NoStatusRetry = true
	cfg.UserAgent = userAgent
	if logger != nil {
		cfg.Logger = logger
	}
	return httpclient.New(cfg)
}

// NewPublisher creates a publisher.
func NewPublisher(client *httpclient.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{client: client, logger: logger.With(slog.String("component", "publish"))}
}

// Publish uploads localPath to uploadURL and returns the storage path taken
// from the URL, removing the local file. Without an upload URL the local path
// is the result.
func (p *Publisher) Publish(ctx context.Context, localPath, uploadURL string) (string, error) {
	if uploadURL == "" {
		return localPath, nil
	}

	target, err := url.Parse(uploadURL)
	if err != nil {
		return "", fmt.Errorf("parsing upload url: %w", err)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("reading output: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", ContentType(localPath))

	p.logger.InfoContext(ctx, "uploading output",
		slog.String("file", filepath.Base(localPath)),
		slog.Int("bytes", len(data)),
	)
	resp, err := p.client.Do(ctx, http.MethodPut, uploadURL, data, header)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUpload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("%w: status %d: %s", ErrUpload, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	if err := os.Remove(localPath); err != nil {
		p.logger.WarnContext(ctx, "removing uploaded file", slog.String("error", err.Error()))
	}

	storagePath := strings.TrimPrefix(target.Path, "/")
	p.logger.InfoContext(ctx, "output uploaded", slog.String("path", storagePath))
	return storagePath, nil
}

// ContentType infers a MIME type from the file extension.
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
