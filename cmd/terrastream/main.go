// Package main runs the terrain streaming engine against a map or noise
// source, driving a simulated viewer and serving the debug API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/terrastream/internal/cache"
	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/debugserver"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/mesh"
	"github.com/Faultbox/terrastream/internal/scene"
	"github.com/Faultbox/terrastream/internal/source"
	"github.com/Faultbox/terrastream/internal/telemetry"
	"github.com/Faultbox/terrastream/internal/terrain"
	gmath "github.com/Faultbox/terrastream/pkg/math"
)

const closeTimeout = 10 * time.Second

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	if path := config.WritePath(); path != "" {
		if err := cfg.SaveTo(path); err != nil {
			fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("config written to %s\n", path)
		return
	}

	// Initialize logger
	fileCfg := logger.FileConfig{}
	if cfg.Logging.LogFile != "" {
		fileCfg = logger.DefaultFileConfig(cfg.Logging.LogFile)
		fileCfg.JSON = cfg.Logging.JSON
	}
	if err := logger.Init(cfg.Logging.Level, fileCfg, true); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("=== terrastream ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	code := 0
	if err := run(cfg); err != nil {
		logger.Error("terrastream failed", zap.Error(err))
		code = 1
	} else {
		logger.Info("terrastream stopped normally")
	}
	logger.Sync()
	os.Exit(code)
}

func run(cfg *config.Config) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.Insecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		if serr := shutdownTracer(context.Background()); serr != nil {
			logger.Warn("tracer shutdown failed", zap.Error(serr))
		}
	}()

	factory, closeSource, err := openSource(cfg.Source)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeSource(); cerr != nil {
			logger.Warn("closing layer source failed", zap.Error(cerr))
		}
	}()

	payloads, err := cache.New(cache.Config{
		Backend:       cfg.Cache.Backend,
		CapacityMB:    cfg.Cache.CapacityMB,
		BadgerDir:     cfg.Cache.BadgerDir,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
		TTL:           cfg.Cache.TTL,
	})
	if err != nil {
		return fmt.Errorf("opening payload cache: %w", err)
	}
	if payloads != nil {
		defer payloads.Close()
		factory = source.NewCachingFactory(factory, payloads, cfg.Cache.Backend)
		logger.Info("payload cache enabled", zap.String("backend", cfg.Cache.Backend))
	}

	t := terrain.New(factory, terrain.WithNumTaskServiceThreads(cfg.Terrain.NumTaskServiceThreads))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if cerr := t.Close(closeCtx); cerr != nil && err == nil {
			err = fmt.Errorf("closing terrain: %w", cerr)
		}
	}()

	builder := mesh.NewBuilder(mesh.WithWorldSize(cfg.Terrain.WorldSize))

	tileOpts := terrain.DefaultTileOptions()
	tileOpts.PerLayerUpdates = cfg.Terrain.PerLayerUpdates
	tileOpts.RequestElevation = cfg.Terrain.RequestElevation
	driver := scene.NewDriver(t, builder, scene.Config{
		MaxLevel:     cfg.Terrain.MaxLevel,
		RangeFactor:  cfg.Terrain.LODRangeFactor,
		WorldSize:    cfg.Terrain.WorldSize,
		RetireFrames: cfg.Terrain.RetireFrames,
		Tile:         tileOpts,
	})

	half := cfg.Terrain.WorldSize / 2
	path := scene.Orbit{
		Center: gmath.Vec2{X: half, Y: half},
		Radius: half * 0.6,
		Period: cfg.Terrain.OrbitPeriod,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return driver.Run(gctx, cfg.Terrain.FrameInterval, path)
	})
	if cfg.Debug.Enabled {
		srv := debugserver.New(t,
			debugserver.WithFrames(driver),
			debugserver.WithMeshes(builder),
			debugserver.WithTracing(cfg.Telemetry.Enabled),
		)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.Debug.Addr)
		})
	}

	logger.Info("streaming terrain",
		zap.String("source", cfg.Source.Kind),
		zap.Int("threads", t.NumTaskServiceThreads()),
		zap.Int("max_level", cfg.Terrain.MaxLevel))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if last := driver.LastFrame(); last != nil {
		logger.Info("final frame",
			zap.Int64("stamp", last.Stamp),
			zap.Int("tiles", last.Tiles),
			zap.Int("meshes", builder.Len()))
	}
	return nil
}

// openSource builds the configured layer factory. The returned function
// releases any opened archives.
func openSource(cfg config.SourceConfig) (terrain.LayerFactory, func() error, error) {
	switch cfg.Kind {
	case config.SourceMap:
		readers, closeReaders, err := source.OpenReaders(cfg.GRFPaths, cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		m, err := source.OpenMap(readers, cfg.MapName,
			source.WithResolution(cfg.Resolution),
			source.WithMapLogger(logger.Named("source")))
		if err != nil {
			_ = closeReaders()
			return nil, nil, fmt.Errorf("opening map %s: %w", cfg.MapName, err)
		}
		logger.Info("map source opened", zap.String("map", m.Name()))
		return m, closeReaders, nil
	default:
		return source.NewNoiseSource(cfg.Seed, cfg.Resolution), func() error { return nil }, nil
	}
}
