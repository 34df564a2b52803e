package movement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "balance_resolutions_total",
		Help:      "Balance rows resolved per side and date branch.",
	}, []string{"side", "branch"})
	movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "movements_total",
		Help:      "Movements written or undone.",
	}, []string{"op", "account"})
	shiftedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "movements_shifted_total",
		Help:      "Later movements whose snapshot values were shifted by a retroactive write or undo.",
	})
)
