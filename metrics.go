package idman

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idman_login_attempts_total",
			Help: "Login attempts by credential mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	accountLockouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idman_account_lockouts_total",
			Help: "Accounts locked after repeated failed logins.",
		},
	)

	tokenVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idman_token_verifications_total",
			Help: "Token verification results by outcome.",
		},
		[]string{"outcome"},
	)

	grantExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idman_grant_exchanges_total",
			Help: "OAuth2 token endpoint exchanges by grant type and outcome.",
		},
		[]string{"grant_type", "outcome"},
	)
)

var registerMetricsOnce sync.Once

// RegisterMetrics registers the package collectors with the default registry.
// Safe to call more than once.
func RegisterMetrics() {
	registerMetricsOnce.Do(func() {
		prometheus.MustRegister(
			loginAttempts,
			accountLockouts,
			tokenVerifications,
			grantExchanges,
		)
	})
}

// MetricsHandler exposes the default registry for scraping.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
