// Package metrics registers the Prometheus instrumentation for the radio
// pipeline, exposed by the HTTP server on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	StreamListeners  prometheus.Gauge
	PushClients      prometheus.Gauge
	EncoderRestarts  *prometheus.CounterVec
	WatchdogRestarts prometheus.Counter
	WatchdogRejoins  prometheus.Counter

	TranscriptionSessions  prometheus.Counter
	TranscriptsPersisted   prometheus.Counter
	TranscriptPersistFails prometheus.Counter

	SlotClaims   prometheus.Counter
	SlotReleases *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		StreamListeners: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "radio_stream_listeners",
			Help: "Current number of attached stream listeners",
		}),
		PushClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "radio_push_clients",
			Help: "Current number of open push event connections",
		}),
		EncoderRestarts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "radio_encoder_restarts_total",
			Help: "Total encoder process restarts by failure class",
		}, []string{"class"}),
		WatchdogRestarts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "radio_watchdog_restarts_total",
			Help: "Total restart requests issued by the pipeline watchdog",
		}),
		WatchdogRejoins: promauto.NewCounter(prometheus.CounterOpts{
			Name: "radio_watchdog_rejoins_total",
			Help: "Total full voice-channel rejoins forced by the watchdog",
		}),
		TranscriptionSessions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "radio_transcription_sessions_total",
			Help: "Total per-speaker transcription sessions started",
		}),
		TranscriptsPersisted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "radio_transcripts_persisted_total",
			Help: "Total transcripts written to the repository",
		}),
		TranscriptPersistFails: promauto.NewCounter(prometheus.CounterOpts{
			Name: "radio_transcript_persist_failures_total",
			Help: "Total transcript persistence failures",
		}),
		SlotClaims: promauto.NewCounter(prometheus.CounterOpts{
			Name: "radio_anon_slot_claims_total",
			Help: "Total successful anonymous slot claims",
		}),
		SlotReleases: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "radio_anon_slot_releases_total",
			Help: "Total anonymous slot releases by reason",
		}, []string{"reason"}),
	}
}
