package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/jmylchreest/reelforge/internal/httpclient"
	"github.com/jmylchreest/reelforge/internal/project"
)

// ErrProjectFetch is returned when the project snapshot cannot be retrieved.
var ErrProjectFetch = errors.New("fetching project snapshot")

// ProjectSource retrieves an immutable project snapshot.
type ProjectSource interface {
	FetchProject(ctx context.Context, userID, projectID, branchID string) (*project.Project, error)
}

// HTTPProjectSource reads snapshots from the project sync service.
type HTTPProjectSource struct {
	baseURL string
	client  *httpclient.Client
}

// NewHTTPProjectSource creates a project source rooted at baseURL.
func NewHTTPProjectSource(baseURL string, client *httpclient.Client) *HTTPProjectSource {
	return &HTTPProjectSource{baseURL: baseURL, client: client}
}

// FetchProject implements ProjectSource.
func (s *HTTPProjectSource) FetchProject(ctx context.Context, userID, projectID, branchID string) (*project.Project, error) {
	if branchID == "" {
		branchID = "main"
	}
	endpoint := fmt.Sprintf("%s/users/%s/projects/%s/branches/%s/snapshot",
		s.baseURL, url.PathEscape(userID), url.PathEscape(projectID), url.PathEscape(branchID))

	resp, err := s.client.Get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProjectFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProjectFetch, resp.StatusCode, string(body))
	}

	var p project.Project
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: decoding snapshot: %w", ErrProjectFetch, err)
	}
	return &p, nil
}

// FileProjectSource reads a snapshot from a local JSON file, ignoring ids.
type FileProjectSource struct {
	Path string
}

// FetchProject implements ProjectSource.
func (s FileProjectSource) FetchProject(_ context.Context, _, _, _ string) (*project.Project, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProjectFetch, err)
	}
	var p project.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrProjectFetch, s.Path, err)
	}
	return &p, nil
}

// StaticProjectSource returns a snapshot supplied inline with the job.
type StaticProjectSource struct {
	Project *project.Project
}

// FetchProject implements ProjectSource.
func (s StaticProjectSource) FetchProject(context.Context, string, string, string) (*project.Project, error) {
	if s.Project == nil {
		return nil, fmt.Errorf("%w: no inline project", ErrProjectFetch)
	}
	return s.Project, nil
}
