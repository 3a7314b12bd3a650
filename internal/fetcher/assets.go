package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"github.com/jmylchreest/reelforge/internal/httpclient"
)

// ErrNotFound is returned when the asset service has no record.
var ErrNotFound = errors.New("not found")

// Component is a project asset holding custom scene source.
type Component struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
	Code string `json:"code"`
}

// VirtualPath returns the source path the scene compiler expects for the component.
func (c Component) VirtualPath() string {
	if c.Path != "" {
		return c.Path
	}
	name := c.Name
	if name == "" {
		name = c.ID
	}
	return path.Join("components", name+".tsx")
}

// PipelineStep is one processing step recorded for an asset.
type PipelineStep struct {
	Type   string          `json:"type"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
}

// AssetService resolves assets for a render.
type AssetService interface {
	SignedURL(ctx context.Context, assetID string) (string, error)
	ListComponents(ctx context.Context, projectID string) ([]Component, error)
	Pipeline(ctx context.Context, assetID string) ([]PipelineStep, error)
}

// AssetClient calls the asset service over signed HTTP GETs.
type AssetClient struct {
	baseURL string
	client  *httpclient.Client
}

// NewAssetClient creates an asset client. The client's Prepare hook is
// expected to sign requests.
func NewAssetClient(baseURL string, client *httpclient.Client) *AssetClient {
	return &AssetClient{baseURL: baseURL, client: client}
}

// SignedURL resolves an asset id to a playable URL.
func (c *AssetClient) SignedURL(ctx context.Context, assetID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := c.getJSON(ctx, "/assets/"+url.PathEscape(assetID)+"/url", &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", fmt.Errorf("asset %s: empty url", assetID)
	}
	return out.URL, nil
}

// ListComponents returns every component-type asset of a project.
func (c *AssetClient) ListComponents(ctx context.Context, projectID string) ([]Component, error) {
	var out struct {
		Assets []Component `json:"assets"`
	}
	if err := c.getJSON(ctx, "/projects/"+url.PathEscape(projectID)+"/assets?type=component", &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// Pipeline returns the processing steps recorded for an asset.
func (c *AssetClient) Pipeline(ctx context.Context, assetID string) ([]PipelineStep, error) {
	var out struct {
		Steps []PipelineStep `json:"steps"`
	}
	if err := c.getJSON(ctx, "/assets/"+url.PathEscape(assetID)+"/pipeline", &out); err != nil {
		return nil, err
	}
	return out.Steps, nil
}

func (c *AssetClient) getJSON(ctx context.Context, endpoint string, v any) error {
	resp, err := c.client.Get(ctx, c.baseURL+endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("asset service %s: status %d: %s", endpoint, resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}
