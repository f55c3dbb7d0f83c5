// Package metrics provides Prometheus metrics for the SMTP listener, the
// decomposer and the storage writer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailsaver"

var (
	// SessionsTotal counts accepted SMTP connections.
	SessionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "sessions_total",
			Help:      "Total number of accepted SMTP connections",
		},
	)

	// SessionsActive tracks connections currently being served.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "sessions_active",
			Help:      "Number of SMTP sessions currently open",
		},
	)

	// CommandsTotal counts SMTP commands by verb.
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "commands_total",
			Help:      "Total number of SMTP commands received by verb",
		},
		[]string{"command"},
	)

	// SequenceErrorsTotal counts commands rejected for arriving out of order.
	SequenceErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "sequence_errors_total",
			Help:      "Total number of commands rejected because of the session state",
		},
		[]string{"command"},
	)

	// MessagesAcceptedTotal counts DATA transactions acknowledged with 250.
	MessagesAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "messages_accepted_total",
			Help:      "Total number of messages acknowledged to the client",
		},
	)

	// MessageSize observes raw DATA payload sizes in bytes.
	MessageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "message_size_bytes",
			Help:      "Size of received DATA payloads in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	// MalformedMessagesTotal counts messages decomposed with defects.
	MalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "parser",
			Name:      "malformed_messages_total",
			Help:      "Total number of messages that decomposed with defects",
		},
	)

	// PersistFailuresTotal counts failed writes by artifact kind.
	PersistFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "failures_total",
			Help:      "Total number of failed artifact writes by kind",
		},
		[]string{"artifact"},
	)

	// AttachmentsSavedTotal counts attachment files written.
	AttachmentsSavedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "attachments_saved_total",
			Help:      "Total number of attachment files written",
		},
	)

	// PersistDuration measures how long persisting one message takes.
	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persist_duration_seconds",
			Help:      "Time spent persisting one message in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// QueueDepth tracks messages waiting for a persistence worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "queue_depth",
			Help:      "Number of messages waiting for a persistence worker",
		},
	)

	// HTTPRequestsTotal counts browsing server requests by status code.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of browsing server requests by method and status",
		},
		[]string{"method", "status"},
	)
)
