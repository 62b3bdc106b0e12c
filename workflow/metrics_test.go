package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetricsRecordRun(t *testing.T) {
	ctx := testContext(t)
	registry := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(registry)

	_, err := RunToCompletion(ctx, pipeline(t), "m",
		WithRunID("metered"),
		WithMetrics(metrics),
		WithCheckpointManager(NewInMemoryCheckpointManager()))
	require.NoError(t, err)

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues("metered", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.checkpoints.WithLabelValues("metered", "capture")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.queueDepth))
	assert.Equal(t, 3, testutil.CollectAndCount(metrics.executorLatency))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.superstepLatency))
}

func TestPrometheusMetricsFailures(t *testing.T) {
	ctx := testContext(t)
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	failing := NewFuncExecutor("boom", func(ctx context.Context, s string, wctx WorkflowContext) error {
		return errors.New("boom")
	})
	wf, err := NewBuilder("boom").AddExecutor(failing).Build()
	require.NoError(t, err)

	_, err = RunToCompletion(ctx, wf, "x", WithRunID("failing"), WithMetrics(metrics))
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues("failing", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.executorLatency))
}

func TestPrometheusMetricsToggle(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())

	metrics.Disable()
	metrics.RecordSuperstep("r", time.Millisecond, "ok")
	metrics.UpdatePendingRequests(4)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues("r", "ok")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pendingRequests))

	metrics.Enable()
	metrics.RecordSuperstep("r", time.Millisecond, "ok")
	metrics.UpdatePendingRequests(4)
	metrics.IncrementStateConflicts("r")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues("r", "ok")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.pendingRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.stateConflicts.WithLabelValues("r")))

	metrics.Reset()
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.pendingRequests))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.supersteps.WithLabelValues("r", "ok")))
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var metrics *PrometheusMetrics
	assert.NotPanics(t, func() {
		metrics.RecordSuperstep("r", time.Millisecond, "ok")
		metrics.RecordExecutorLatency("r", "e", time.Millisecond, "success")
		metrics.UpdateQueueDepth(1)
		metrics.AddInflight(1)
		metrics.UpdatePendingRequests(1)
		metrics.IncrementStateConflicts("r")
		metrics.IncrementCheckpoints("r", "capture")
	})
}
