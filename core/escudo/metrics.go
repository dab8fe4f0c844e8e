package escudo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	grantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escudos",
		Name:      "granted_total",
		Help:      "Escudos issued, by source.",
	}, []string{"source"})

	redemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escudos",
		Name:      "redemptions_total",
		Help:      "Redemption attempts, by result (ok, insufficient).",
	}, []string{"result"})

	redeemedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escudos",
		Name:      "redeemed_total",
		Help:      "Escudos consumed by redemptions.",
	})

	expiredGrantsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escudos",
		Name:      "expired_grants_total",
		Help:      "Grants expired by the cleanup sweep.",
	})

	balanceCorrectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "escudos",
		Name:      "balance_corrections_total",
		Help:      "Cached user balances rewritten by reconciliation.",
	})
)
