// Package metrics exposes prometheus collectors for the bot.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tvpbot"

var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound chat messages by kind and result",
		},
		[]string{"kind", "result"},
	)

	ValidatorUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_updates_total",
			Help:      "Validator poll cycles by result (changed, unchanged, skipped, failed)",
		},
		[]string{"result"},
	)

	ValidatorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_events_total",
			Help:      "Change events emitted by the snapshot differ",
		},
		[]string{"kind"},
	)

	PendingFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_flushes_total",
			Help:      "Batched block notification flushes by trigger",
		},
		[]string{"trigger"},
	)

	FinalizedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "finalized_block",
			Help:      "Last finalized block seen by the observer",
		},
	)

	ActiveEra = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_era",
			Help:      "Last active era seen by the observer",
		},
	)

	InboundUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_updates_total",
			Help:      "Processed chat updates by type",
		},
		[]string{"type"},
	)
)

func Result(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}
