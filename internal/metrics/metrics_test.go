package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/invoicing-system/internal/apperr"
)

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.InvoiceGenerated()
	m.InvoiceGenerated()
	m.InvoiceSend(OutcomeSent)
	m.InvoiceSend(OutcomeRejected)
	m.InvoiceSend(OutcomeSent)
	m.CredentialRefreshed("google", nil)
	m.CredentialRefreshed("google", apperr.New(apperr.ErrReauthenticationRequired, "revoked"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.invoicesGenerated))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.invoiceSends.WithLabelValues(OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invoiceSends.WithLabelValues(OutcomeRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.credentialRefresh.WithLabelValues("google", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.credentialRefresh.WithLabelValues("google", "reauthentication_required")))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.InvoiceGenerated()
		m.InvoiceSend(OutcomeSent)
		m.CredentialRefreshed("google", errors.New("boom"))
	})

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(nil)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/invoices/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", m.Handler())

	for _, id := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/invoices/"+id, nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/api/invoices/{id}", "404")))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "invoicer_http_requests_total"))
}
