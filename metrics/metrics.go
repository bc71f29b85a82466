package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relayer"

var (
	// CommittedHeightGauge is the last fully committed block/ledger height,
	// labelled by checkpoint key.
	CommittedHeightGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "committed_height",
		Help:      "Last block/ledger height whose effects are durably committed",
	}, []string{"key"})

	// EventsHandledCounter counts processed events per handler and outcome.
	EventsHandledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_handled_total",
		Help:      "Events handled, by handler and outcome",
	}, []string{"handler", "outcome"})

	// SkipsCounter counts skipped events by reason.
	SkipsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_skipped_total",
		Help:      "Events skipped, by reason",
	}, []string{"reason"})

	// SubmissionsCounter counts outbound chain submissions by destination
	// chain and result.
	SubmissionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Outbound chain submissions, by chain and result",
	}, []string{"chain", "result"})

	// LowBalanceGauge is 1 while the relayer/door account balance is below
	// the configured minimum, labelled by account.
	LowBalanceGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "low_balance",
		Help:      "Whether the signing account balance is below the configured minimum",
	}, []string{"chain", "account"})
)
