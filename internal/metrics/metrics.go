// Package metrics provides Prometheus metrics for the IdP.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Authentication metrics
	loginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_login_attempts_total",
			Help: "Total number of end-user login attempts",
		},
		[]string{"status"}, // "success", "failure", "locked"
	)

	clientAuthenticationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_client_authentications_total",
			Help: "Total number of client authentication attempts",
		},
		[]string{"method", "result"},
	)

	// Token metrics
	tokensIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type", "grant_type"}, // type: "access", "refresh", "id"
	)

	tokenRequestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_token_request_errors_total",
			Help: "Total number of rejected token requests",
		},
		[]string{"grant_type", "error"},
	)

	tokenIntrospectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_token_introspections_total",
			Help: "Total number of token introspection requests",
		},
		[]string{"active"},
	)

	tokenRevocationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idp_token_revocations_total",
			Help: "Total number of token revocation requests",
		},
	)

	// Authorization code metrics
	authCodesIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idp_auth_codes_issued_total",
			Help: "Total number of authorization codes issued",
		},
	)

	// CIBA metrics
	cibaRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_ciba_requests_total",
			Help: "Total number of backchannel authentication requests",
		},
		[]string{"result"},
	)

	cibaDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_ciba_decisions_total",
			Help: "Total number of backchannel authentication decisions",
		},
		[]string{"status"}, // "AUTHORIZED", "DENIED"
	)

	rateLimitExceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_rate_limit_exceeded_total",
			Help: "Total number of rate limit exceeded events",
		},
		[]string{"endpoint"},
	)

	accountLockoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "idp_account_lockouts_total",
			Help: "Total number of account lockouts",
		},
	)

	grantsSweptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idp_grants_swept_total",
			Help: "Total number of expired grants removed",
		},
		[]string{"kind"},
	)
)

// RecordLogin records an end-user login attempt.
func RecordLogin(status string) {
	loginAttemptsTotal.WithLabelValues(status).Inc()
}

// RecordClientAuthentication records a client authentication attempt.
func RecordClientAuthentication(method string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	clientAuthenticationsTotal.WithLabelValues(method, result).Inc()
}

// RecordTokenIssued records a token being issued.
func RecordTokenIssued(tokenType, grantType string) {
	tokensIssuedTotal.WithLabelValues(tokenType, grantType).Inc()
}

// RecordTokenError records a token request rejected with an OAuth error code.
func RecordTokenError(grantType, code string) {
	tokenRequestErrorsTotal.WithLabelValues(grantType, code).Inc()
}

// RecordTokenIntrospection records a token introspection.
func RecordTokenIntrospection(active bool) {
	tokenIntrospectionsTotal.WithLabelValues(strconv.FormatBool(active)).Inc()
}

// RecordTokenRevocation records a token revocation.
func RecordTokenRevocation() {
	tokenRevocationsTotal.Inc()
}

// RecordAuthCodeIssued records an authorization code being issued.
func RecordAuthCodeIssued() {
	authCodesIssuedTotal.Inc()
}

// RecordCibaRequest records a backchannel authentication request outcome.
func RecordCibaRequest(result string) {
	cibaRequestsTotal.WithLabelValues(result).Inc()
}

// RecordCibaDecision records an authorize or deny decision.
func RecordCibaDecision(status string) {
	cibaDecisionsTotal.WithLabelValues(status).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event.
func RecordRateLimitExceeded(endpoint string) {
	rateLimitExceededTotal.WithLabelValues(endpoint).Inc()
}

// RecordAccountLockout records an account lockout.
func RecordAccountLockout() {
	accountLockoutsTotal.Inc()
}

// RecordSwept records expired grants removed by the sweeper.
func RecordSwept(kind string, n int) {
	if n > 0 {
		grantsSweptTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// Requests are labelled with the matched chi route pattern to keep tenant
// ids and request ids out of the label set.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "/other"
}
