// Package metrics holds the prometheus collectors for terrain streaming.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "terrastream"

var (
	LayerRequestsInstalled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_requests_installed_total",
		Help:      "Total number of layer requests created by tiles",
	}, []string{"layer"})

	LayerRequestsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_requests_submitted_total",
		Help:      "Total number of layer requests handed to the task service, including resubmissions",
	}, []string{"layer"})

	LayerRequestsHarvested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_requests_harvested_total",
		Help:      "Total number of completed layer requests merged into tiles",
	}, []string{"layer", "outcome"})

	LayerRequestsCanceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "layer_requests_canceled_total",
		Help:      "Total number of cancelled layer requests reset for retry",
	}, []string{"layer"})

	LayerProductionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "layer_production_seconds",
		Help:      "Time spent in the data factory producing one layer",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"layer"})

	TaskQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "task_queue_depth",
		Help:      "Number of requests waiting in the task service queue",
	})

	TilesRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tiles_registered",
		Help:      "Number of tiles in the terrain registry",
	})

	TerrainRevision = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "terrain_revision",
		Help:      "Current terrain revision",
	})

	TileReloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tile_reloads_total",
		Help:      "Total number of tiles found out of sync with the terrain revision",
	})

	GeometryRebuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geometry_rebuilds_total",
		Help:      "Total number of tile geometry revision bumps",
	})

	PayloadCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_cache_lookups_total",
		Help:      "Payload cache lookups by backend and result",
	}, []string{"backend", "result"})
)
