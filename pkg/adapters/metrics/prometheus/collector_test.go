package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecordsRunsAndStages(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRunSubmitted("submitted")
	c.RecordRunSubmitted("rejected")
	c.RecordRunCompleted("succeeded", 3*time.Second)
	c.RecordStageExecuted("Index", "Succeeded", time.Second)
	c.RecordStageExecuted("AlignSingle", "Failed", time.Second)
	c.RecordStageFailure("AlignSingle", "ToolFailed")
	c.SetActiveRuns(2)
	c.AddReadyStages(3)
	c.AddReadyStages(-1)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsSubmitted.WithLabelValues("submitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsSubmitted.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.runsCompleted.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stagesExecuted.WithLabelValues("Index", "Succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stageFailures.WithLabelValues("AlignSingle", "ToolFailed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.readyStages))
}

func TestCollectorRecordsTools(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordToolExecution("bwa", time.Second, false)
	c.RecordToolExecution("samtools", time.Second, true)
	c.RecordToolExecution("samtools", time.Second, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolExecutions.WithLabelValues("bwa")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.toolExecutions.WithLabelValues("samtools")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.toolFailures.WithLabelValues("samtools")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.toolDuration))
}

func TestCollectorWorkerPoolGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWorkerPoolStatus(3, 1, 0)
	assert.Equal(t, 3.0, testutil.ToFloat64(c.workerPoolIdle))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.workerPoolBusy))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.workerPoolStopped))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["alignflow_worker_pool_idle"])
	assert.True(t, names["alignflow_ready_stages"])
}

func TestCollectorsUseSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}
