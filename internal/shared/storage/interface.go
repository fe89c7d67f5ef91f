// Package storage 定义持久化存储层抽象接口
//
// 设计原则：依赖倒置 (DIP)
//   - 调用方只依赖接口，不知道具体实现
//   - 具体实现在子包中：repository/（database/sql + 方言）、mongostore/
//   - 初始化时通过依赖注入传入实现
package storage

import (
	"context"
	"encoding/json"
	"time"

	"deploy-admin/internal/shared/model"
)

// ============================================================================
// 持久化存储接口
// ============================================================================

// RunStore 执行记录存储接口
type RunStore interface {
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, namespace string, limit, offset int) ([]*model.PipelineRun, error)
	// ListRunsByStatus 按状态筛选（启动恢复流程用它查找孤儿 Run）
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.PipelineRun, error)
	// UpdateRunStatus 更新状态；终止状态附带 finished 时间，failed 附带错误文本
	UpdateRunStatus(ctx context.Context, id string, status model.RunStatus, errMsg *string, finished *time.Time) error
}

// StepStore 步骤记录存储接口
type StepStore interface {
	// CreateSteps 按声明顺序批量创建一次执行的全部步骤记录，
	// 并回填各记录的数据库 ID
	CreateSteps(ctx context.Context, steps []*model.PipelineStep) error
	ListStepsByRun(ctx context.Context, runID string) ([]*model.PipelineStep, error)
	// MarkStepRunning 步骤进入 running，记录开始时间
	MarkStepRunning(ctx context.Context, id int64) error
	// FinishStep 步骤进入终止状态，记录结束时间及产出/错误/日志引用
	FinishStep(ctx context.Context, id int64, status model.StepStatus, output json.RawMessage, errMsg string, logRef string) error
	// MarkStaleStepsForRun 恢复/兜底路径：running→failed，pending→skipped
	MarkStaleStepsForRun(ctx context.Context, runID string) error
}

// ============================================================================
// 组合接口
// ============================================================================

// PersistentStore 持久化存储组合接口
type PersistentStore interface {
	RunStore
	StepStore
	Close() error
}
