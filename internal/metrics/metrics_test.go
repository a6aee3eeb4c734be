package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Received("tab_activated")
	m.RecordWrite("create", "ok", 10)
	m.SleepGap(600)
	m.SetPending(3)
}

func TestCountersRegisterOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Dropped("tab_activated", "invalid")
	m.Dropped("tab_activated", "invalid")
	m.RecordWrite("incremental", "ok", 15)

	require.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues("tab_activated", "invalid")))
	require.Equal(t, 15.0, testutil.ToFloat64(m.CreditedSeconds))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
