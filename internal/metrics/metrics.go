// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
)

const namespace = "invoicer"

// Исходы отправки счёта.
const (
	OutcomeSent          = "sent"
	OutcomeRejected      = "rejected"
	OutcomeCredential    = "credential_error"
	OutcomeTransport     = "transport_error"
	OutcomeRecordFailure = "record_failed"
)

// Metrics хранит счётчики бизнес-событий и HTTP-запросов.
// Методы безопасно вызывать на nil.
type Metrics struct {
	invoicesGenerated prometheus.Counter
	invoiceSends      *prometheus.CounterVec
	credentialRefresh *prometheus.CounterVec
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	requestsInFlight  prometheus.Gauge
	gatherer          prometheus.Gatherer
}

// New создаёт метрики и регистрирует их в reg. При nil reg используется новый реестр.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		invoicesGenerated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_generated_total",
			Help:      "Total number of generated invoices",
		}),
		invoiceSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoice_sends_total",
			Help:      "Invoice send attempts by outcome",
		}, []string{"outcome"}),
		credentialRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refreshes_total",
			Help:      "OAuth access token refreshes by provider and outcome",
		}, []string{"provider", "outcome"}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "path", "status"}),
		requestsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		}),
		gatherer: reg,
	}
}

// InvoiceGenerated учитывает выпущенный счёт.
func (m *Metrics) InvoiceGenerated() {
	if m == nil {
		return
	}
	m.invoicesGenerated.Inc()
}

// InvoiceSend учитывает попытку отправки с исходом outcome.
func (m *Metrics) InvoiceSend(outcome string) {
	if m == nil {
		return
	}
	m.invoiceSends.WithLabelValues(outcome).Inc()
}

// CredentialRefreshed учитывает результат обновления токена.
func (m *Metrics) CredentialRefreshed(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(apperr.KindOf(err))
	}
	m.credentialRefresh.WithLabelValues(provider, outcome).Inc()
}

// Handler отдаёт метрики в формате Prometheus.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware учитывает HTTP-запросы. В качестве пути используется шаблон маршрута chi.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.requestsInFlight.Inc()
		defer m.requestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, path, strconv.Itoa(status)}

		m.requestsTotal.WithLabelValues(labels...).Inc()
		m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}
