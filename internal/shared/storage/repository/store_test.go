// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"deploy-admin/internal/shared/model"
	"deploy-admin/internal/shared/storage/dbutil"
	sqlitedriver "deploy-admin/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestRun 构造测试 Run
func newTestRun(id string) *model.PipelineRun {
	return &model.PipelineRun{
		ID:           id,
		Namespace:    "prod",
		PipelineID:   "web-deploy",
		PipelineName: "Web Deploy",
		Status:       model.RunStatusRunning,
		Params:       json.RawMessage(`{"version":"1.2.3"}`),
		StartedAt:    time.Now().UTC().Truncate(time.Second),
	}
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.False(t, d.SupportsReturning())
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
}

// ============================================================================
// Run 测试
// ============================================================================

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("run-001")
	require.NoError(t, s.CreateRun(ctx, run))

	// Get
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "prod", got.Namespace)
	assert.Equal(t, "web-deploy", got.PipelineID)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.JSONEq(t, `{"version":"1.2.3"}`, string(got.Params))
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.Error)

	// 不存在的 Run 返回 (nil, nil)
	got, err = s.GetRun(ctx, "run-missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	// UpdateRunStatus 到终止状态
	errMsg := "step deploy failed"
	finished := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed, &errMsg, &finished))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, errMsg, *got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestListRunsByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, spec := range []struct {
		id     string
		status model.RunStatus
	}{
		{"run-a", model.RunStatusRunning},
		{"run-b", model.RunStatusSuccess},
		{"run-c", model.RunStatusRunning},
		{"run-d", model.RunStatusPending},
	} {
		run := newTestRun(spec.id)
		run.Status = spec.status
		require.NoError(t, s.CreateRun(ctx, run))
	}

	running, err := s.ListRunsByStatus(ctx, model.RunStatusRunning, 0)
	require.NoError(t, err)
	require.Len(t, running, 2)

	pending, err := s.ListRunsByStatus(ctx, model.RunStatusPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "run-d", pending[0].ID)
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		run := newTestRun(id)
		run.StartedAt = base.Add(time.Duration(i) * time.Minute)
		if id == "run-3" {
			run.Namespace = "staging"
		}
		require.NoError(t, s.CreateRun(ctx, run))
	}

	// 按命名空间过滤 + 时间倒序
	runs, err := s.ListRuns(ctx, "prod", 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	all, err := s.ListRuns(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// ============================================================================
// Step 测试
// ============================================================================

func newTestSteps(runID string) []*model.PipelineStep {
	return []*model.PipelineStep{
		{RunID: runID, Seq: 1, StepID: "build", Name: "Build", Action: "image-build", Status: model.StepStatusPending},
		{RunID: runID, Seq: 2, StepID: "deploy", Name: "Deploy", Action: "service-deploy", Status: model.StepStatusPending},
		{RunID: runID, Seq: 3, StepID: "purge", Name: "Purge cache", Action: "cache-purge", Status: model.StepStatusPending},
	}
}

func TestStepLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("run-steps")
	require.NoError(t, s.CreateRun(ctx, run))

	steps := newTestSteps(run.ID)
	require.NoError(t, s.CreateSteps(ctx, steps))

	// 批量插入后回填数据库 ID
	for _, st := range steps {
		assert.NotZero(t, st.ID, "step %s id not backfilled", st.StepID)
	}

	// 按声明顺序返回
	got, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "build", got[0].StepID)
	assert.Equal(t, "deploy", got[1].StepID)
	assert.Equal(t, "purge", got[2].StepID)

	// running → success 带产出和日志引用
	require.NoError(t, s.MarkStepRunning(ctx, steps[0].ID))
	output := json.RawMessage(`{"image":"web:1.2.3"}`)
	require.NoError(t, s.FinishStep(ctx, steps[0].ID, model.StepStatusSuccess, output, "", "logs/run-steps/build.jsonl"))

	got, err = s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusSuccess, got[0].Status)
	assert.JSONEq(t, `{"image":"web:1.2.3"}`, string(got[0].Output))
	require.NotNil(t, got[0].LogRef)
	assert.Equal(t, "logs/run-steps/build.jsonl", *got[0].LogRef)
	require.NotNil(t, got[0].StartedAt)
	require.NotNil(t, got[0].FinishedAt)

	// failed 带错误文本
	require.NoError(t, s.MarkStepRunning(ctx, steps[1].ID))
	require.NoError(t, s.FinishStep(ctx, steps[1].ID, model.StepStatusFailed, nil, "container not found", ""))
	got, err = s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, got[1].Status)
	require.NotNil(t, got[1].Error)
	assert.Equal(t, "container not found", *got[1].Error)
	assert.Nil(t, got[1].LogRef)
}

func TestMarkStaleStepsForRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newTestRun("run-stale")
	require.NoError(t, s.CreateRun(ctx, run))

	steps := newTestSteps(run.ID)
	require.NoError(t, s.CreateSteps(ctx, steps))
	require.NoError(t, s.MarkStepRunning(ctx, steps[0].ID))

	// running→failed，pending→skipped
	require.NoError(t, s.MarkStaleStepsForRun(ctx, run.ID))

	got, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, got[0].Status)
	assert.Equal(t, model.StepStatusSkipped, got[1].Status)
	assert.Equal(t, model.StepStatusSkipped, got[2].Status)
	for _, st := range got {
		require.NotNil(t, st.FinishedAt, "step %s finished_at not set", st.StepID)
	}
}
