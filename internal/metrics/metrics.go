// Package metrics defines the prometheus collectors the bot exports
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	XPAwarded         *prometheus.CounterVec
	LevelUps          *prometheus.CounterVec
	VoiceSessions     prometheus.Gauge
	ModerationActions *prometheus.CounterVec
	StorageErrors     *prometheus.CounterVec
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		XPAwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelup",
			Name:      "xp_awarded_total",
			Help:      "XP granted by kind. Removals are not counted.",
		}, []string{"kind"}),
		LevelUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelup",
			Name:      "level_ups_total",
			Help:      "Level up notifications by kind.",
		}, []string{"kind"}),
		VoiceSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "levelup",
			Name:      "voice_sessions",
			Help:      "Voice sessions currently tracked.",
		}),
		ModerationActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelup",
			Name:      "moderation_actions_total",
			Help:      "Moderation actions mirrored to log channels.",
		}, []string{"action"}),
		StorageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "levelup",
			Name:      "storage_errors_total",
			Help:      "Ledger operations that failed against the store.",
		}, []string{"op"}),
	}

	reg.MustRegister(m.XPAwarded, m.LevelUps, m.VoiceSessions, m.ModerationActions, m.StorageErrors)

	return m
}
