// Package metrics provides Prometheus metrics for the pagedrop server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all pagedrop metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	// UploadsTotal counts finished uploads by terminal state (committed, rejected, failed).
	UploadsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "pagedrop_uploads_total",
		Help: "Uploads processed, by terminal state",
	}, []string{"state"})

	UploadBytes = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "pagedrop_upload_bytes",
		Help:    "Size of accepted upload payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})

	// RedemptionsTotal counts redemption attempts by outcome.
	RedemptionsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "pagedrop_redemptions_total",
		Help: "Code redemption attempts, by outcome",
	}, []string{"outcome"})

	QuotaDebitedTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "pagedrop_quota_debited_total",
		Help: "Upload slots consumed",
	})

	QuotaCreditedTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "pagedrop_quota_credited_total",
		Help: "Upload slots granted through redeem codes",
	})

	CodesIssuedTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "pagedrop_codes_issued_total",
		Help: "Redeem codes issued",
	})

	StagingSweptTotal = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "pagedrop_staging_swept_total",
		Help: "Abandoned staging directories removed by the sweeper",
	})

	// HTTPRequestDuration is labelled by route pattern, not raw path.
	HTTPRequestDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pagedrop_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)
