package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewMetricsWith_IsolatedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith("test", reg)

	m.PipelineSteps.WithLabelValues("settlement", "ok").Inc()
	m.PipelineSteps.WithLabelValues("settlement", "ok").Inc()
	m.WSClients.Set(3)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.PipelineSteps.WithLabelValues("settlement", "ok")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.WSClients))

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(DefaultMetrics.DispatchesTotal.WithLabelValues("BTC", "error"))
	RecordDispatch("BTC", assert.AnError, 0)
	after := testutil.ToFloat64(DefaultMetrics.DispatchesTotal.WithLabelValues("BTC", "error"))
	assert.Equal(t, before+1, after)

	beforeDropped := testutil.ToFloat64(DefaultMetrics.WSMessagesDropped)
	RecordWSMessage(true)
	assert.Equal(t, beforeDropped+1, testutil.ToFloat64(DefaultMetrics.WSMessagesDropped))
}
