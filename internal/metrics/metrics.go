// Package metrics holds the Prometheus collectors the rest of the
// core updates as mailboxes, pairing, and Transit connections
// progress. Nothing in this package starts an HTTP server; the
// wormhole command serves Registry() at /metrics only when given
// -metrics-addr, and an embedder that wants to scrape these registers
// Registry() on its own mux.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the core publishes.
type Metrics struct {
	registry *prometheus.Registry

	MailboxClosed    *prometheus.CounterVec // labeled by mood
	PakeFailures     prometheus.Counter
	TransitAttempted *prometheus.CounterVec // labeled by conn_type
	TransitWon       *prometheus.CounterVec // labeled by conn_type
	BytesTransferred *prometheus.CounterVec // labeled by direction
}

// New constructs a fresh Metrics with all collectors registered
// against a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		MailboxClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wormhole",
			Name:      "mailbox_closed_total",
			Help:      "Mailboxes closed, by mood.",
		}, []string{"mood"}),
		PakeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wormhole",
			Name:      "pake_failures_total",
			Help:      "SPAKE2 key-confirmation failures.",
		}),
		TransitAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wormhole",
			Name:      "transit_candidates_attempted_total",
			Help:      "Transit candidate connections attempted, by type.",
		}, []string{"conn_type"}),
		TransitWon: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wormhole",
			Name:      "transit_candidates_won_total",
			Help:      "Transit candidate connections that won the race, by type.",
		}, []string{"conn_type"}),
		BytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wormhole",
			Name:      "bytes_transferred_total",
			Help:      "Application bytes moved over Transit, by direction.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(m.MailboxClosed, m.PakeFailures, m.TransitAttempted, m.TransitWon, m.BytesTransferred)
	return m
}

// Registry returns the registry an embedder can mount on its own
// HTTP mux (e.g. via promhttp.HandlerFor), if it wants one at all.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

type ctxKey struct{}

// WithContext attaches m to ctx so any function downstream that holds
// ctx can record against it via FromContext, without needing its own
// *Metrics parameter threaded through every call site.
func WithContext(ctx context.Context, m *Metrics) context.Context {
	return context.WithValue(ctx, ctxKey{}, m)
}

// FromContext returns the Metrics attached to ctx by WithContext, or
// nil if none was attached — callers should treat a nil Metrics as
// "don't record" rather than erroring.
func FromContext(ctx context.Context) *Metrics {
	m, _ := ctx.Value(ctxKey{}).(*Metrics)
	return m
}
