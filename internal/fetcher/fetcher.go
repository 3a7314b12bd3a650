// Package fetcher gathers everything a render needs before it starts: the
// project snapshot, resolved asset URLs, custom component source and
// completed transcriptions.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/reelforge/internal/project"
)

const (
	defaultLookupConcurrency = 8
	transcriptionStep        = "transcription"
	stepSucceeded            = "succeeded"
)

// RenderData is the fully resolved input of a render.
type RenderData struct {
	Project          *project.Project
	ComponentFiles   map[string]string
	Transcriptions   map[string]json.RawMessage
	TimelineDuration float64
}

// Fetcher resolves render inputs. A nil AssetService leaves clips as they are.
type Fetcher struct {
	projects    ProjectSource
	assets      AssetService
	concurrency int
	logger      *slog.Logger
}

// New creates a Fetcher.
func New(projects ProjectSource, assets AssetService, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		projects:    projects,
		assets:      assets,
		concurrency: defaultLookupConcurrency,
		logger:      logger,
	}
}

// WithSource returns a copy of the Fetcher reading projects from source.
func (f *Fetcher) WithSource(source ProjectSource) *Fetcher {
	clone := *f
	clone.projects = source
	return &clone
}

// Fetch retrieves and resolves the project for (userID, projectID, branchID).
// Only the snapshot retrieval and component listing are fatal; individual
// asset and transcription lookups degrade to missing data.
func (f *Fetcher) Fetch(ctx context.Context, userID, projectID, branchID string) (*RenderData, error) {
	p, err := f.projects.FetchProject(ctx, userID, projectID, branchID)
	if err != nil {
		return nil, err
	}

	data := &RenderData{
		Project:        p,
		ComponentFiles: map[string]string{},
		Transcriptions: map[string]json.RawMessage{},
	}

	if f.assets != nil {
		assetIDs := p.AssetIDs()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			p.ApplyAssetURLs(f.resolveURLs(gctx, assetIDs))
			return nil
		})
		g.Go(func() error {
			files, err := f.componentFiles(gctx, projectID)
			if err != nil {
				return err
			}
			data.ComponentFiles = files
			return nil
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		data.Transcriptions = f.transcriptions(ctx, clipAssetIDs(p))
		if len(data.Transcriptions) > 0 {
			if p.Transcriptions == nil {
				p.Transcriptions = make(map[string]json.RawMessage, len(data.Transcriptions))
			}
			for id, t := range data.Transcriptions {
				p.Transcriptions[id] = t
			}
		}
	}

	data.TimelineDuration = p.TimelineDuration()
	return data, nil
}

// resolveURLs looks up a signed URL for each id. Failures are logged and omitted.
func (f *Fetcher) resolveURLs(ctx context.Context, ids []string) map[string]string {
	var mu sync.Mutex
	urls := make(map[string]string, len(ids))

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			u, err := f.assets.SignedURL(ctx, id)
			if err != nil {
				f.logger.WarnContext(ctx, "asset url unresolved, clip will render without source",
					slog.String("asset_id", id),
					slog.String("error", err.Error()),
				)
				return nil
			}
			mu.Lock()
			urls[id] = u
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return urls
}

func (f *Fetcher) componentFiles(ctx context.Context, projectID string) (map[string]string, error) {
	components, err := f.assets.ListComponents(ctx, projectID)
	if errors.Is(err, ErrNotFound) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	files := make(map[string]string, len(components))
	for _, c := range components {
		if c.Code == "" {
			continue
		}
		files[c.VirtualPath()] = c.Code
	}
	return files, nil
}

// transcriptions returns the output of each asset's succeeded transcription step.
func (f *Fetcher) transcriptions(ctx context.Context, ids []string) map[string]json.RawMessage {
	var mu sync.Mutex
	out := make(map[string]json.RawMessage)

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			steps, err := f.assets.Pipeline(ctx, id)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					f.logger.DebugContext(ctx, "asset pipeline unavailable",
						slog.String("asset_id", id),
						slog.String("error", err.Error()),
					)
				}
				return nil
			}
			for _, step := range steps {
				if step.Type == transcriptionStep && step.Status == stepSucceeded && len(step.Output) > 0 {
					mu.Lock()
					out[id] = step.Output
					mu.Unlock()
					break
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// clipAssetIDs returns the distinct primary asset ids used by clips.
func clipAssetIDs(p *project.Project) []string {
	seen := make(map[string]struct{})
	var ids []string
	p.Clips(func(_ *project.Layer, c *project.Clip) {
		if c.AssetID == "" {
			return
		}
		if _, ok := seen[c.AssetID]; !ok {
			seen[c.AssetID] = struct{}{}
			ids = append(ids, c.AssetID)
		}
	})
	return ids
}
