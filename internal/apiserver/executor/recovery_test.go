package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"deploy-admin/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, store *memStore, id string, status model.RunStatus, stepStatuses ...model.StepStatus) {
	t.Helper()
	require.NoError(t, store.CreateRun(context.Background(), &model.PipelineRun{
		ID:         id,
		Namespace:  "prod",
		PipelineID: "deploy",
		Status:     status,
		StartedAt:  time.Now().UTC().Add(-time.Hour),
	}))
	steps := make([]*model.PipelineStep, len(stepStatuses))
	for i, st := range stepStatuses {
		steps[i] = &model.PipelineStep{RunID: id, Seq: i + 1, StepID: "s", Status: st}
	}
	require.NoError(t, store.CreateSteps(context.Background(), steps))
}

func TestRecoverStaleRuns(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})

	// 进程重启前留下的孤儿：running 和 pending 都要强制失败
	seedRun(t, rig.store, "run-stale-running", model.RunStatusRunning,
		model.StepStatusSuccess, model.StepStatusRunning, model.StepStatusPending)
	seedRun(t, rig.store, "run-stale-pending", model.RunStatusPending,
		model.StepStatusPending)
	seedRun(t, rig.store, "run-done", model.RunStatusSuccess,
		model.StepStatusSuccess)

	require.NoError(t, rig.exec.RecoverStaleRuns(context.Background()))

	run, _ := rig.store.GetRun(context.Background(), "run-stale-running")
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "crashed while running: process was restarted", *run.Error)
	require.NotNil(t, run.FinishedAt)

	run, _ = rig.store.GetRun(context.Background(), "run-stale-pending")
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "crashed while pending: process was restarted", *run.Error)

	// 孤儿的步骤：running 置 failed，pending 置 skipped，已完成的不动
	steps, _ := rig.store.ListStepsByRun(context.Background(), "run-stale-running")
	assert.Equal(t, model.StepStatusSuccess, steps[0].Status)
	assert.Equal(t, model.StepStatusFailed, steps[1].Status)
	assert.Equal(t, model.StepStatusSkipped, steps[2].Status)

	// 已终止的执行不受影响
	run, _ = rig.store.GetRun(context.Background(), "run-done")
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Nil(t, run.Error)
}

func TestRecoverStaleRunsBeyondSinglePage(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})

	// 孤儿数量超过单页上限：恢复分批列取直到清空，一个不漏
	total := recoverBatchSize + 50
	for i := 0; i < total; i++ {
		seedRun(t, rig.store, fmt.Sprintf("run-stale-%04d", i), model.RunStatusRunning,
			model.StepStatusRunning)
	}

	require.NoError(t, rig.exec.RecoverStaleRuns(context.Background()))

	remaining, err := rig.store.ListRunsByStatus(context.Background(), model.RunStatusRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	run, _ := rig.store.GetRun(context.Background(), "run-stale-0000")
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "crashed while running: process was restarted", *run.Error)
}

func TestRecoverStaleRunsEmptyStore(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})
	assert.NoError(t, rig.exec.RecoverStaleRuns(context.Background()))
}
