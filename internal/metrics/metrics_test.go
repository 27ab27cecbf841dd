package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"wormhole.dev/core/internal/metrics"
)

func TestCountersIncrementAndGather(t *testing.T) {
	m := metrics.New()

	m.MailboxClosed.WithLabelValues("happy").Inc()
	m.MailboxClosed.WithLabelValues("happy").Inc()
	m.MailboxClosed.WithLabelValues("lonely").Inc()
	m.PakeFailures.Inc()
	m.TransitAttempted.WithLabelValues("direct").Inc()
	m.TransitWon.WithLabelValues("relay").Inc()
	m.BytesTransferred.WithLabelValues("sent").Add(1024)

	require.Equal(t, float64(2), testutil.ToFloat64(m.MailboxClosed.WithLabelValues("happy")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.MailboxClosed.WithLabelValues("lonely")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.PakeFailures))
	require.Equal(t, float64(1024), testutil.ToFloat64(m.BytesTransferred.WithLabelValues("sent")))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
