// Package metrics exports engine activity as Prometheus metrics by plugging
// into the service as its EventSink.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendant/simple-records/pkg/simplerecords"
)

const namespace = "simplerecords"

// Sink is a simplerecords.EventSink backed by Prometheus collectors
type Sink struct {
	recordsCreated  *prometheus.CounterVec
	blocksStaged    prometheus.Counter
	bytesStaged     prometheus.Counter
	blobsCommitted  prometheus.Counter
	blocksPerCommit prometheus.Histogram
	backendFailures *prometheus.CounterVec
}

var _ simplerecords.EventSink = (*Sink)(nil)

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) (*Sink, error) {
	s := &Sink{
		recordsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_created_total",
			Help:      "Records created, by record type and class.",
		}, []string{"type", "class"}),
		blocksStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_staged_total",
			Help:      "Blocks staged for uploads, re-staged blocks included.",
		}),
		bytesStaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_bytes_total",
			Help:      "Bytes received through staged blocks.",
		}),
		blobsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blobs_committed_total",
			Help:      "Staged uploads committed.",
		}),
		blocksPerCommit: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "blocks_per_commit",
			Help:      "Number of blocks assembled by each commit.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		backendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failures_total",
			Help:      "Blob backend failures, by operation.",
		}, []string{"op"}),
	}

	for _, c := range []prometheus.Collector{
		s.recordsCreated, s.blocksStaged, s.bytesStaged,
		s.blobsCommitted, s.blocksPerCommit, s.backendFailures,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return s, nil
}

func (s *Sink) RecordCreated(ctx context.Context, record *simplerecords.Record) error {
	s.recordsCreated.WithLabelValues(string(record.RecordType), string(record.RecordClass)).Inc()
	return nil
}

func (s *Sink) BlockStaged(ctx context.Context, block *simplerecords.StagedBlock) error {
	s.blocksStaged.Inc()
	s.bytesStaged.Add(float64(block.Size))
	return nil
}

func (s *Sink) BlobCommitted(ctx context.Context, record *simplerecords.Record, blocks int) error {
	s.blobsCommitted.Inc()
	s.blocksPerCommit.Observe(float64(blocks))
	return nil
}

func (s *Sink) BackendFailed(ctx context.Context, op string, err error) error {
	s.backendFailures.WithLabelValues(op).Inc()
	return nil
}

// Handler serves the metrics gathered by g in the Prometheus text format
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
