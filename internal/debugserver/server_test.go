package debugserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/mesh"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *terrain.Terrain, *mesh.Builder) {
	t.Helper()
	tr := terrain.New(nil)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })

	b := mesh.NewBuilder()
	return New(tr, WithMeshes(b)), tr, b
}

func do(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthzAndMetrics(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = do(s, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "terrastream_tiles_registered")
}

func TestTiles(t *testing.T) {
	s, tr, b := newTestServer(t)

	for _, k := range []tilekey.Key{tilekey.New(1, 1, 0), tilekey.Root, tilekey.New(1, 0, 1)} {
		_, err := tr.AddTile(k, terrain.DefaultTileOptions())
		require.NoError(t, err)
	}
	b.Rebuild(tilekey.Root, terrain.Content{})

	w := do(s, http.MethodGet, "/api/v1/tiles")
	require.Equal(t, http.StatusOK, w.Code)

	var tiles []TileReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tiles))
	require.Len(t, tiles, 3)
	assert.Equal(t, "0/0/0", tiles[0].Key)
	assert.Equal(t, "1/1/0", tiles[1].Key)
	assert.Equal(t, "1/0/1", tiles[2].Key)
	require.NotNil(t, tiles[0].Triangles)
	assert.Equal(t, 2, *tiles[0].Triangles)
	assert.Nil(t, tiles[1].Triangles)
	assert.Equal(t, int64(-1), tiles[1].TerrainRevision)
}

func TestTile(t *testing.T) {
	s, tr, _ := newTestServer(t)
	_, err := tr.AddTile(tilekey.New(1, 1, 0), terrain.DefaultTileOptions())
	require.NoError(t, err)

	tests := []struct {
		path string
		code int
	}{
		{"/api/v1/tiles/1/1/0", http.StatusOK},
		{"/api/v1/tiles/2/0/0", http.StatusNotFound},
		{"/api/v1/tiles/1/5/0", http.StatusBadRequest},
		{"/api/v1/tiles/x/0/0", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := do(s, http.MethodGet, tt.path)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestTerrainRevision(t *testing.T) {
	s, tr, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/api/v1/terrain/revision")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"revision":1}`, w.Body.String())
	assert.Equal(t, int64(1), tr.Revision())

	w = do(s, http.MethodGet, "/api/v1/terrain")
	require.Equal(t, http.StatusOK, w.Code)

	var report TerrainReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, int64(1), report.Revision)
	assert.Equal(t, tr.NumTaskServiceThreads(), report.NumTaskServiceThreads)
	assert.Nil(t, report.TaskService, "reading the report does not start the task service")
	require.NotNil(t, report.Meshes)
	assert.Equal(t, 0, report.Meshes.Count)

	tr.TaskService()
	w = do(s, http.MethodGet, "/api/v1/terrain")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.NotNil(t, report.TaskService)
	assert.Equal(t, tr.NumTaskServiceThreads(), report.TaskService.Workers)
}

func TestLogLevel(t *testing.T) {
	s, _, _ := newTestServer(t)
	t.Cleanup(func() { logger.SetLevel("info") })

	req := func(body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPut, "/api/v1/log/level", strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
		s.Handler().ServeHTTP(w, r)
		return w
	}

	w := req(`{"level":"debug"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"level":"debug"}`, w.Body.String())

	w = do(s, http.MethodGet, "/api/v1/log/level")
	assert.JSONEq(t, `{"level":"debug"}`, w.Body.String())

	assert.Equal(t, http.StatusBadRequest, req(`{"level":"verbose"}`).Code)
	assert.Equal(t, http.StatusBadRequest, req(`not json`).Code)
	assert.Equal(t, "debug", logger.Level())
}

func TestListenAndServeStops(t *testing.T) {
	s, _, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-done)
}
