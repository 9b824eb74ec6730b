package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 事件处理流水线指标，按链和事件名区分

var (
	// Processor
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "processor",
		Name:      "events_received_total",
		Help:      "Total decoded events received",
	}, []string{"chain", "event"})

	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "processor",
		Name:      "events_processed_total",
		Help:      "Total events projected successfully",
	}, []string{"chain", "event"})

	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "processor",
		Name:      "events_failed_total",
		Help:      "Total events failed after retry, by error class",
	}, []string{"chain", "event", "class"})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "processor",
		Name:      "events_rejected_total",
		Help:      "Total events rejected by validation or decoding",
	}, []string{"chain", "event"})

	ProcessLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "processor",
		Name:      "event_duration_seconds",
		Help:      "Event processing duration including retries",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain", "event"})

	RetryAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "indexer",
		Subsystem: "processor",
		Name:      "attempts",
		Help:      "Handler attempts per event",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	}, []string{"chain", "event"})

	// Dead letters
	DeadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "deadletter",
		Name:      "added_total",
		Help:      "Total dead letters recorded",
	}, []string{"chain", "event"})

	DeadLettersPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "indexer",
		Subsystem: "deadletter",
		Name:      "pending",
		Help:      "Dead letters waiting for replay",
	})

	DeadLetterReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "deadletter",
		Name:      "replays_total",
		Help:      "Dead letter replays by outcome",
	}, []string{"outcome"})

	// Detector
	DetectorLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "detector",
		Name:      "lookups_total",
		Help:      "Token kind lookups by cache layer and resolved kind",
	}, []string{"source", "kind"})

	// Sweeper
	ListingsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "sweeper",
		Name:      "listings_expired_total",
		Help:      "Total listings moved to EXPIRED",
	})

	// Consumer
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "indexer",
		Subsystem: "consumer",
		Name:      "messages_total",
		Help:      "Kafka messages consumed by topic and outcome",
	}, []string{"topic", "outcome"})
)
