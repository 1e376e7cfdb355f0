package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	assert.NotPanics(t, func() {
		m.WindowOpened()
		m.WindowClosed("quiet", 3)
		m.ReplyLookup("hit")
		m.ReplyEntries(1)
		m.Routed("text")
		m.Unhandled()
		m.TaskStarted()
		m.TaskFinished("ok")
		m.TasksAbandoned(2)
		m.Execution("llm.chat", "timeout", 0.5)
	})
}

func TestMetricsRecord(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := MustNew(reg)

	m.WindowOpened()
	m.WindowOpened()
	m.WindowClosed("quiet", 2)
	m.TaskStarted()
	m.TaskFinished("ok")
	m.TasksAbandoned(0)
	m.TasksAbandoned(3)
	m.Execution("llm.chat", "", 0.1)
	m.Execution("llm.chat", "crashed", 0.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.windowsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.flushes.WithLabelValues("quiet")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksActive))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.tasksAbandoned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.execFailures.WithLabelValues("llm.chat", "crashed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.execFailures))
}

func TestMustNewReusesRegisteredCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	a := MustNew(reg)
	b := MustNew(reg)

	a.Unhandled()
	b.Unhandled()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.unhandled))
	assert.Same(t, a.unhandled, b.unhandled)
}
