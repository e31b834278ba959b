package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	heartbeatTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecore_presence_heartbeat_total",
		Help: "Presence heartbeats by result",
	}, []string{"result"})

	typingBroadcastTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecore_typing_broadcast_total",
		Help: "Typing status broadcasts by state and result",
	}, []string{"state", "result"})

	optimisticActionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecore_optimistic_action_total",
		Help: "Optimistic actions by outcome (confirmed, rolled_back, busy, discarded)",
	}, []string{"outcome"})

	feedFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "livecore_feed_fetch_total",
		Help: "Feed page fetches by kind (fresh, more) and result",
	}, []string{"kind", "result"})
)

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
