package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	forwardPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_forward_passes_total",
		Help: "Total number of transformer forward passes",
	})

	tokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_tokens_total",
		Help: "Total number of input tokens processed",
	})

	forwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_forward_duration_seconds",
		Help:    "Wall time of one transformer forward pass",
		Buckets: prometheus.DefBuckets,
	})
)
