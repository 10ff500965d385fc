package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "test")

	m.Mutation("sales", "CREATE")
	m.Mutation("sales", "CREATE")
	m.RemoteFailure("products", "ACTION")
	m.Reconcile("customers")
	m.Outbox(3, 1)
	m.Sync(250*time.Millisecond, []string{"staff"})

	assert.Equal(t, 2.0, promtest.ToFloat64(m.Mutations.WithLabelValues("sales", "CREATE")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.RemoteFailures.WithLabelValues("products", "ACTION")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Reconciled.WithLabelValues("customers")))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.OutboxPending))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.OutboxDead))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.SyncFailures.WithLabelValues("staff")))

	n, err := promtest.GatherAndCount(reg, "test_sync_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Mutation("sales", "CREATE")
		m.RemoteFailure("sales", "CREATE")
		m.Reconcile("sales")
		m.Outbox(1, 1)
		m.Sync(time.Second, []string{"sales"})
	})
}

func TestNew_DefaultNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, "")
	m.Outbox(0, 0)

	n, err := promtest.GatherAndCount(reg, "ledgersync_outbox_pending")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
