package txn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "blite_txn_active_sessions",
	Help: "gauge of live explicit transactions",
})

var txnCommits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_txn_commits_total",
	Help: "counter of committed explicit transactions",
})

var txnAborts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_txn_aborts_total",
	Help: "counter of rolled-back or failed explicit transactions",
})

var txnSweeps = promauto.NewCounter(prometheus.CounterOpts{
	Name: "blite_txn_sweeps_total",
	Help: "counter of idle transactions reaped by the sweeper",
})
