// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	repoLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_repo_loads_total",
		Help: "Repository metadata loads by result",
	}, []string{"result"}) // result=success|skipped|failure

	resolves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_resolves_total",
		Help: "Goal resolutions by result code",
	}, []string{"result"}) // result=no_problem|warning|error|failure

	transactions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_transactions_total",
		Help: "Executed transactions by result",
	}, []string{"result"}) // result=ok|error|download_failed

	transactionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pkgd_transaction_duration_seconds",
		Help:    "Wall time of do_transaction including downloads",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_downloads_total",
		Help: "Package downloads by result",
	}, []string{"result"}) // result=fetched|cached|coalesced|failure

	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pkgd_download_bytes_total",
		Help: "Bytes received from mirrors",
	})

	authzDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pkgd_authz_decisions_total",
		Help: "Authorization decisions by action and result",
	}, []string{"action", "result"}) // result=allowed|denied|error
)

// IncRepoLoad records a repository load outcome.
func IncRepoLoad(result string) {
	repoLoads.WithLabelValues(result).Inc()
}

// IncResolve records a resolve outcome.
func IncResolve(result string) {
	resolves.WithLabelValues(result).Inc()
}

// ObserveTransaction records a finished transaction.
func ObserveTransaction(result string, d time.Duration) {
	transactions.WithLabelValues(result).Inc()
	transactionDuration.Observe(d.Seconds())
}

// IncDownload records a package download outcome.
func IncDownload(result string) {
	downloads.WithLabelValues(result).Inc()
}

// AddDownloadBytes records received bytes.
func AddDownloadBytes(n int64) {
	if n > 0 {
		downloadBytes.Add(float64(n))
	}
}

// IncAuthzDecision records an authorization decision.
func IncAuthzDecision(action, result string) {
	authzDecisions.WithLabelValues(action, result).Inc()
}
