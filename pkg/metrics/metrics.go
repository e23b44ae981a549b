// Package metrics defines the Prometheus collectors exported by relgraph.
//
// Collectors are registered on the default registry through promauto, so
// they exist as soon as the package is imported. Expose them with promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeaturesIngested counts applied training features by feature type.
	FeaturesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relgraph_features_ingested_total",
			Help: "Total number of training features applied to the graph",
		},
		[]string{"type"},
	)

	// FeaturesRejected counts malformed features that were skipped.
	FeaturesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relgraph_features_rejected_total",
			Help: "Total number of malformed training features skipped",
		},
		[]string{"reason"},
	)

	// GraphNodes tracks the node count of the live graph.
	GraphNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relgraph_graph_nodes",
		Help: "Number of nodes in the live graph",
	})

	// GraphEdges tracks the undirected edge count of the live graph.
	GraphEdges = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relgraph_graph_edges",
		Help: "Number of undirected edges in the live graph",
	})

	// QueryDuration measures spreading-activation queries.
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relgraph_query_duration_seconds",
		Help:    "Duration of activation queries in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	// QueriesTruncated counts queries that stopped on their time budget.
	QueriesTruncated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relgraph_queries_truncated_total",
		Help: "Queries that returned best-effort results after exhausting their time budget",
	})

	// QueryCacheLookups counts result cache lookups by outcome (hit, miss).
	QueryCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relgraph_query_cache_lookups_total",
			Help: "Activation result cache lookups by outcome",
		},
		[]string{"result"},
	)

	// SnapshotDuration measures snapshot save and load.
	SnapshotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relgraph_snapshot_duration_seconds",
			Help:    "Duration of snapshot operations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		},
		[]string{"op"},
	)
)
