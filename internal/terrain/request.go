package terrain

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/metrics"
	"github.com/Faultbox/terrastream/internal/taskservice"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

const tracerName = "github.com/Faultbox/terrastream/internal/terrain"

// StaleThreshold is the number of update cycles a request may lag behind
// the task service stamp before its progress monitor cancels it.
const StaleThreshold = 2

// colorPriorityStep separates sibling color layers of one tile so lower
// indices sort first.
const colorPriorityStep = 0.1

// LayerRequest fetches one layer of one tile on a task service worker.
// The embedded Request carries the lifecycle state, stamp and progress
// callback. The owning Tile only reads the result after observing the
// Completed state.
type LayerRequest struct {
	*taskservice.Request

	id       string
	key      tilekey.Key
	layer    layers.ID
	revision int64
	factory  LayerFactory
	log      *zap.Logger

	elevation atomic.Pointer[layers.Heightfield]
	color     atomic.Pointer[layers.ColorLayer]
}

func newLayerRequest(key tilekey.Key, layer layers.ID, revision int64, factory LayerFactory, log *zap.Logger) *LayerRequest {
	r := &LayerRequest{
		id:       uuid.NewString(),
		key:      key,
		layer:    layer,
		revision: revision,
		factory:  factory,
		log:      log,
	}
	r.Request = taskservice.NewRequest(layerPriority(key, layer), r.execute)
	return r
}

// layerPriority orders by quadtree level, then favors elevation and lower
// color indices within a tile.
func layerPriority(key tilekey.Key, layer layers.ID) float32 {
	p := float32(key.Level)
	if layer.Kind == layers.KindColor {
		p += colorPriorityStep * float32(layer.Index)
	}
	return p
}

// ID is a unique identifier used in logs.
func (r *LayerRequest) ID() string { return r.id }

// Key returns the target tile.
func (r *LayerRequest) Key() tilekey.Key { return r.key }

// Layer returns which layer the request fetches.
func (r *LayerRequest) Layer() layers.ID { return r.layer }

// Revision returns the terrain revision the request was installed at.
func (r *LayerRequest) Revision() int64 { return r.revision }

// Elevation returns the produced heightfield, or nil.
func (r *LayerRequest) Elevation() *layers.Heightfield { return r.elevation.Load() }

// ColorLayer returns the produced color raster, or nil.
func (r *LayerRequest) ColorLayer() *layers.ColorLayer { return r.color.Load() }

// HasResult reports whether the factory produced a payload.
func (r *LayerRequest) HasResult() bool {
	return r.Elevation() != nil || r.ColorLayer() != nil
}

// resetForRetry returns a cancelled request to Idle with a fresh monitor
// and no leftover payload.
func (r *LayerRequest) resetForRetry(service *taskservice.Service) bool {
	if !r.Reset() {
		return false
	}
	r.elevation.Store(nil)
	r.color.Store(nil)
	r.SetProgressCallback(newProgressMonitor(r.Request, service))
	return true
}

// execute runs on a worker goroutine.
func (r *LayerRequest) execute(ctx context.Context, progress taskservice.ProgressCallback) {
	kind := r.layer.Kind.String()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "terrain.produce_layer",
		trace.WithAttributes(
			attribute.String("tile.key", r.key.String()),
			attribute.String("layer", r.layer.String()),
			attribute.Int64("request.stamp", r.Stamp()),
			attribute.Int64("terrain.revision", r.revision),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.LayerProductionSeconds.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()

	defer func() {
		if v := recover(); v != nil {
			r.log.Error("layer factory panicked",
				zap.String("request", r.id), zap.Stringer("tile", r.key),
				zap.Stringer("layer", r.layer), zap.Any("panic", v))
			span.SetStatus(codes.Error, "panic")
		}
	}()

	ctx = WithRevision(ctx, r.revision)

	var err error
	switch r.layer.Kind {
	case layers.KindElevation:
		var hf *layers.Heightfield
		hf, err = r.factory.CreateElevationLayer(ctx, r.key, progress)
		if err == nil && hf != nil && !progress.ReportProgress(1, 1) {
			r.elevation.Store(hf)
		}
	case layers.KindColor:
		var cl *layers.ColorLayer
		cl, err = r.factory.CreateColorLayer(ctx, r.key, r.layer.Index, progress)
		if err == nil && cl != nil && !progress.ReportProgress(1, 1) {
			r.color.Store(cl)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("layer factory failed",
			zap.String("request", r.id), zap.Stringer("tile", r.key),
			zap.Stringer("layer", r.layer), zap.Error(err))
	}
}

// progressMonitor cancels a request whose stamp has fallen more than
// StaleThreshold cycles behind the task service. Once cancelled it stays
// cancelled; a retry gets a new monitor.
type progressMonitor struct {
	request  *taskservice.Request
	service  *taskservice.Service
	canceled atomic.Bool
}

func newProgressMonitor(request *taskservice.Request, service *taskservice.Service) *progressMonitor {
	return &progressMonitor{request: request, service: service}
}

// ReportProgress implements taskservice.ProgressCallback.
func (m *progressMonitor) ReportProgress(current, total float64) bool {
	if m.canceled.Load() {
		return true
	}
	if m.service.Stamp()-m.request.Stamp() > StaleThreshold {
		m.canceled.Store(true)
		return true
	}
	return false
}

// Canceled reports whether the monitor has tripped.
func (m *progressMonitor) Canceled() bool {
	return m.canceled.Load()
}
