package source

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/cache"
	"github.com/Faultbox/terrastream/internal/layers"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/metrics"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/internal/tilekey"
)

// CachingFactory consults a payload cache before delegating to the wrapped
// factory. Keys carry the terrain revision, so payloads produced before a
// revision bump are never served afterwards.
type CachingFactory struct {
	next    terrain.LayerFactory
	cache   cache.PayloadCache
	backend string
	log     *zap.Logger
}

var _ terrain.LayerFactory = (*CachingFactory)(nil)

// NewCachingFactory wraps next. backend labels the cache metrics.
func NewCachingFactory(next terrain.LayerFactory, c cache.PayloadCache, backend string) *CachingFactory {
	return &CachingFactory{
		next:    next,
		cache:   c,
		backend: backend,
		log:     logger.Named("source.cache"),
	}
}

// NumColorLayers implements terrain.LayerFactory.
func (f *CachingFactory) NumColorLayers() int {
	return f.next.NumColorLayers()
}

// CreateElevationLayer implements terrain.LayerFactory.
func (f *CachingFactory) CreateElevationLayer(ctx context.Context, key tilekey.Key, progress terrain.ProgressMonitor) (*layers.Heightfield, error) {
	ck := cacheKey(ctx, key, layers.Elevation)
	if data, ok := f.lookup(ctx, ck); ok {
		hf, err := layers.DecodeHeightfield(data)
		if err == nil {
			return hf, nil
		}
		f.log.Warn("discarding undecodable cache entry", zap.String("key", ck), zap.Error(err))
	}

	hf, err := f.next.CreateElevationLayer(ctx, key, progress)
	if err != nil || hf == nil {
		return hf, err
	}

	if data, err := layers.EncodeHeightfield(hf); err == nil {
		f.store(ctx, ck, data)
	}
	return hf, nil
}

// CreateColorLayer implements terrain.LayerFactory.
func (f *CachingFactory) CreateColorLayer(ctx context.Context, key tilekey.Key, index int, progress terrain.ProgressMonitor) (*layers.ColorLayer, error) {
	ck := cacheKey(ctx, key, layers.Color(index))
	if data, ok := f.lookup(ctx, ck); ok {
		cl, err := layers.DecodeColorLayer(data)
		if err == nil {
			return cl, nil
		}
		f.log.Warn("discarding undecodable cache entry", zap.String("key", ck), zap.Error(err))
	}

	cl, err := f.next.CreateColorLayer(ctx, key, index, progress)
	if err != nil || cl == nil {
		return cl, err
	}

	if data, err := layers.EncodeColorLayer(cl); err == nil {
		f.store(ctx, ck, data)
	}
	return cl, nil
}

func (f *CachingFactory) lookup(ctx context.Context, key string) ([]byte, bool) {
	data, found, err := f.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.PayloadCacheLookups.WithLabelValues(f.backend, "error").Inc()
		f.log.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		return nil, false
	case !found:
		metrics.PayloadCacheLookups.WithLabelValues(f.backend, "miss").Inc()
		return nil, false
	default:
		metrics.PayloadCacheLookups.WithLabelValues(f.backend, "hit").Inc()
		return data, true
	}
}

func (f *CachingFactory) store(ctx context.Context, key string, data []byte) {
	if err := f.cache.Set(ctx, key, data); err != nil {
		f.log.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// cacheKey is "<tile>/<layer>@<revision>".
func cacheKey(ctx context.Context, key tilekey.Key, layer layers.ID) string {
	rev, _ := terrain.RevisionFromContext(ctx)
	return fmt.Sprintf("%s/%s@%d", key, layer, rev)
}
