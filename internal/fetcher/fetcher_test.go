package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/reelforge/internal/httpclient"
	"github.com/jmylchreest/reelforge/internal/project"
	"github.com/jmylchreest/reelforge/internal/signing"
)

const testProject = `{
  "layers": [
    {"id": "v1", "type": "video", "clips": [
      {"id": "good", "type": "video", "start": 0, "duration": 5, "assetId": "asset-ok", "maskAssetId": "mask-ok"},
      {"id": "bad", "type": "video", "start": 5, "duration": 4, "speed": 2, "assetId": "asset-missing"}
    ]},
    {"id": "t1", "type": "text", "clips": [
      {"id": "title", "type": "text", "start": 1, "duration": 2, "text": "Hi"}
    ]}
  ],
  "settings": {"backgroundColor": "#000"}
}`

func testClient(secret string) *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.Timeout = 5 * time.Second
	signer := signing.New(secret)
	cfg.Prepare = signer.SignRequest
	return httpclient.New(cfg)
}

func newServices(t *testing.T, signed *atomic.Int32) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get(signing.HeaderSignature) != "" && req.Header.Get(signing.HeaderTimestamp) != "" {
				signed.Add(1)
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/users/{user}/projects/{project}/branches/{branch}/snapshot", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "u1", chi.URLParam(req, "user"))
		assert.Equal(t, "main", chi.URLParam(req, "branch"))
		w.Write([]byte(testProject))
	})
	r.Get("/assets/{id}/url", func(w http.ResponseWriter, req *http.Request) {
		switch chi.URLParam(req, "id") {
		case "asset-ok":
			json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/ok.mp4"})
		case "mask-ok":
			json.NewEncoder(w).Encode(map[string]string{"url": "https://cdn.example.com/mask.png"})
		default:
			http.NotFound(w, req)
		}
	})
	r.Get("/projects/{project}/assets", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "component", req.URL.Query().Get("type"))
		json.NewEncoder(w).Encode(map[string]any{"assets": []Component{
			{ID: "c1", Name: "LowerThird", Code: "export default () => null"},
			{ID: "c2", Path: "custom/Intro.tsx", Code: "export const Intro = 1"},
			{ID: "c3", Name: "Empty"},
		}})
	})
	r.Get("/assets/{id}/pipeline", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "id") != "asset-ok" {
			http.NotFound(w, req)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"steps": []map[string]any{
			{"type": "thumbnail", "status": "succeeded"},
			{"type": "transcription", "status": "succeeded", "output": map[string]any{"words": []string{"hello"}}},
		}})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_ResolvesAndToleratesMissingAssets(t *testing.T) {
	var signed atomic.Int32
	srv := newServices(t, &signed)
	client := testClient("shh")

	f := New(NewHTTPProjectSource(srv.URL, client), NewAssetClient(srv.URL, client), nil)
	data, err := f.Fetch(context.Background(), "u1", "p1", "")
	require.NoError(t, err)

	clips := data.Project.Layers[0].Clips
	assert.Equal(t, "https://cdn.example.com/ok.mp4", clips[0].Src)
	assert.Equal(t, "https://cdn.example.com/mask.png", clips[0].MaskSrc)
	assert.Empty(t, clips[1].Src, "unresolvable asset is left without a source")

	assert.Equal(t, map[string]string{
		"components/LowerThird.tsx": "export default () => null",
		"custom/Intro.tsx":          "export const Intro = 1",
	}, data.ComponentFiles)

	require.Contains(t, data.Transcriptions, "asset-ok")
	assert.NotContains(t, data.Transcriptions, "asset-missing")
	assert.JSONEq(t, `{"words":["hello"]}`, string(data.Project.Transcriptions["asset-ok"]))

	// bad ends at 5 + 4/2 = 7
	assert.InDelta(t, 7.0, data.TimelineDuration, 1e-9)
	assert.Positive(t, signed.Load())
}

func TestFetch_ProjectFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("no access"))
	}))
	defer srv.Close()

	f := New(NewHTTPProjectSource(srv.URL, testClient("")), nil, nil)
	_, err := f.Fetch(context.Background(), "u1", "p1", "b1")
	require.ErrorIs(t, err, ErrProjectFetch)
	assert.Contains(t, err.Error(), "403")
}

func TestFetch_UnsignedWithoutSecret(t *testing.T) {
	var signed atomic.Int32
	srv := newServices(t, &signed)
	client := testClient("")

	f := New(NewHTTPProjectSource(srv.URL, client), NewAssetClient(srv.URL, client), nil)
	_, err := f.Fetch(context.Background(), "u1", "p1", "main")
	require.NoError(t, err)
	assert.Zero(t, signed.Load())
}

func TestFetch_FileSourceWithoutAssetService(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.json")
	require.NoError(t, os.WriteFile(path, []byte(testProject), 0o600))

	f := New(FileProjectSource{Path: path}, nil, nil)
	data, err := f.Fetch(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.Empty(t, data.Project.Layers[0].Clips[0].Src)
	assert.Empty(t, data.ComponentFiles)
	assert.InDelta(t, 7.0, data.TimelineDuration, 1e-9)

	_, err = New(FileProjectSource{Path: filepath.Join(dir, "missing.json")}, nil, nil).
		Fetch(context.Background(), "", "", "")
	assert.ErrorIs(t, err, ErrProjectFetch)
}

func TestFetch_StaticSource(t *testing.T) {
	var p project.Project
	require.NoError(t, json.NewDecoder(strings.NewReader(testProject)).Decode(&p))

	f := New(nil, nil, nil).WithSource(StaticProjectSource{Project: &p})
	data, err := f.Fetch(context.Background(), "", "", "")
	require.NoError(t, err)
	assert.Same(t, &p, data.Project)

	_, err = New(StaticProjectSource{}, nil, nil).Fetch(context.Background(), "", "", "")
	assert.ErrorIs(t, err, ErrProjectFetch)
}
