// Package debugserver exposes terrain state, health and prometheus metrics
// over HTTP.
package debugserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/mesh"
	"github.com/Faultbox/terrastream/internal/scene"
	"github.com/Faultbox/terrastream/internal/taskservice"
	"github.com/Faultbox/terrastream/internal/telemetry"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

const shutdownTimeout = 5 * time.Second

// FrameReporter reports the last frame of a scene driver.
type FrameReporter interface {
	LastFrame() *scene.FrameStats
}

// MeshReporter reports mesh builder state.
type MeshReporter interface {
	Len() int
	Stats() mesh.Stats
	Mesh(key tilekey.Key) (*mesh.Mesh, bool)
}

// Server serves the debug API for one terrain.
type Server struct {
	terrain *terrain.Terrain
	frames  FrameReporter
	meshes  MeshReporter
	tracing bool
	log     *zap.Logger

	engine *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithFrames adds frame stats to the terrain report.
func WithFrames(f FrameReporter) Option {
	return func(s *Server) { s.frames = f }
}

// WithMeshes adds mesh stats to the reports.
func WithMeshes(m MeshReporter) Option {
	return func(s *Server) { s.meshes = m }
}

// WithTracing traces API requests.
func WithTracing(enabled bool) Option {
	return func(s *Server) { s.tracing = enabled }
}

// New builds the router.
func New(t *terrain.Terrain, opts ...Option) *Server {
	s := &Server{
		terrain: t,
		log:     logger.Named("debugserver"),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	if s.tracing {
		r.Use(telemetry.GinMiddleware())
	}
	r.Use(s.requestLogger())

	r.GET("/healthz", s.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/terrain", s.terrainInfo)
	v1.POST("/terrain/revision", s.incrementRevision)
	v1.GET("/tiles", s.tiles)
	v1.GET("/tiles/:level/:x/:y", s.tile)
	v1.GET("/log/level", s.logLevel)
	v1.PUT("/log/level", s.setLogLevel)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("debug server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("debug server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down debug server: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Duration("latency", time.Since(start)),
			zap.Int("size", c.Writer.Size()))
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// TerrainReport is the body of GET /api/v1/terrain.
type TerrainReport struct {
	Revision              int64              `json:"revision"`
	NumTaskServiceThreads int                `json:"num_task_service_threads"`
	Tiles                 int                `json:"tiles"`
	TaskService           *taskservice.Stats `json:"task_service,omitempty"`
	LastFrame             *scene.FrameStats  `json:"last_frame,omitempty"`
	Meshes                *MeshReport        `json:"meshes,omitempty"`
}

// MeshReport summarizes the mesh builder.
type MeshReport struct {
	Count int `json:"count"`
	mesh.Stats
}

func (s *Server) terrainInfo(c *gin.Context) {
	report := TerrainReport{
		Revision:              s.terrain.Revision(),
		NumTaskServiceThreads: s.terrain.NumTaskServiceThreads(),
		Tiles:                 s.terrain.Len(),
	}
	if svc, ok := s.terrain.StartedTaskService(); ok {
		stats := svc.Stats()
		report.TaskService = &stats
	}
	if s.frames != nil {
		report.LastFrame = s.frames.LastFrame()
	}
	if s.meshes != nil {
		report.Meshes = &MeshReport{Count: s.meshes.Len(), Stats: s.meshes.Stats()}
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) incrementRevision(c *gin.Context) {
	rev := s.terrain.IncrementRevision()
	s.log.Info("terrain revision incremented via API", zap.Int64("revision", rev))
	c.JSON(http.StatusOK, gin.H{"revision": rev})
}

// TileReport is one tile in the tiles API.
type TileReport struct {
	terrain.Info
	Triangles *int `json:"triangles,omitempty"`
}

func (s *Server) report(tile *terrain.Tile) TileReport {
	r := TileReport{Info: tile.Info()}
	if s.meshes != nil {
		if m, ok := s.meshes.Mesh(tile.Key()); ok {
			n := m.Triangles()
			r.Triangles = &n
		}
	}
	return r
}

func (s *Server) tiles(c *gin.Context) {
	tiles := s.terrain.Tiles()
	sort.Slice(tiles, func(i, j int) bool {
		a, b := tiles[i].Key(), tiles[j].Key()
		if a.Level != b.Level {
			return a.Level < b.Level
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})

	out := make([]TileReport, 0, len(tiles))
	for _, t := range tiles {
		out = append(out, s.report(t))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) tile(c *gin.Context) {
	key, err := tilekey.Parse(c.Param("level") + "/" + c.Param("x") + "/" + c.Param("y"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, ok := s.terrain.Tile(key)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "tile not registered: " + key.String()})
		return
	}
	c.JSON(http.StatusOK, s.report(t))
}

type levelBody struct {
	Level string `json:"level"`
}

func (s *Server) logLevel(c *gin.Context) {
	c.JSON(http.StatusOK, levelBody{Level: logger.Level()})
}

func (s *Server) setLogLevel(c *gin.Context) {
	var body levelBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch body.Level {
	case "debug", "info", "warn", "error":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown level: " + body.Level})
		return
	}
	logger.SetLevel(body.Level)
	s.log.Info("log level changed via API", zap.String("level", body.Level))
	c.JSON(http.StatusOK, levelBody{Level: logger.Level()})
}
