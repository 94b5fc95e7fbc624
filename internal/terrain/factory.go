package terrain

import (
	"context"

	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/taskservice"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

// ProgressMonitor is polled by a LayerFactory while it produces a layer.
// ReportProgress returns true once the result is no longer wanted; the
// factory should then stop and return a nil payload.
type ProgressMonitor = taskservice.ProgressCallback

// LayerFactory produces layer payloads for tiles. Implementations are
// called from worker goroutines and must be safe for concurrent use.
//
// A nil payload with a nil error means the layer does not exist for the
// tile. Errors are logged by the caller and treated the same way.
type LayerFactory interface {
	// NumColorLayers is the number of color layers every tile carries.
	NumColorLayers() int

	CreateElevationLayer(ctx context.Context, key tilekey.Key, progress ProgressMonitor) (*layers.Heightfield, error)
	CreateColorLayer(ctx context.Context, key tilekey.Key, index int, progress ProgressMonitor) (*layers.ColorLayer, error)
}

type revisionKey struct{}

// WithRevision attaches the terrain revision a request was installed at.
func WithRevision(ctx context.Context, revision int64) context.Context {
	return context.WithValue(ctx, revisionKey{}, revision)
}

// RevisionFromContext returns the terrain revision attached by
// WithRevision. Factories use it to keep cached payloads of different
// revisions apart.
func RevisionFromContext(ctx context.Context) (int64, bool) {
	rev, ok := ctx.Value(revisionKey{}).(int64)
	return rev, ok
}
