// Package model 定义核心数据模型
//
// run.go 包含执行相关的数据模型定义：
//   - PipelineRun：流水线的单次执行实例
//   - PipelineStep：执行中的单个步骤记录
//   - RunStatus / StepStatus：状态枚举
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RunStatus - 执行状态
// ============================================================================

// RunStatus 表示单次执行（PipelineRun）的状态
//
// 状态机：pending → running → {success | failed | cancelled}
//   - pending：创建瞬间的过渡状态，触发调用内立即推进到 running
//   - running：步骤循环正在执行
//   - success/failed/cancelled：终止状态，进入后不再变更
//
// cancelled 与 failed 严格区分：取消（显式请求、安全超时、
// 父级取消、进程关闭）不是错误。
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal 判断是否为终止状态
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// ============================================================================
// StepStatus - 步骤状态
// ============================================================================

// StepStatus 表示单个步骤的状态
//
// 状态机：pending → running → {success | failed | skipped}
//
// skipped 覆盖三种情况：
//   - 前序步骤失败/执行被取消，本步骤未到达
//   - 步骤的动作名在当前注册表中不存在（软失败，不中断执行）
//   - 步骤执行中观察到取消信号（取消不是错误，不记为 failed）
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusSuccess StepStatus = "success"
	StepStatusFailed  StepStatus = "failed"
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal 判断是否为终止状态
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusSuccess, StepStatusFailed, StepStatusSkipped:
		return true
	default:
		return false
	}
}

// ============================================================================
// PipelineRun - 执行实例
// ============================================================================

// PipelineRun 表示一条流水线的一次执行
//
// 生命周期：由执行器在触发时创建；只被执行器的步骤循环和
// 恢复/关闭流程修改；从不删除（只追加的历史记录）。
//
// 字段说明：
//   - ID：全局唯一，时间前缀保证大体有序，如 "run-20260829T102501-a1b2c3d4e5f6"
//   - Namespace/PipelineID/PipelineName：流水线身份
//   - Params：触发时传入参数的 JSON 序列化快照
//   - DryRun：演练执行，不占用并发槽位
//   - TriggeredBy：触发主体（可选）
//   - Error：失败原因（仅 failed 时填充）
type PipelineRun struct {
	ID           string          `json:"id" bson:"_id" db:"id"`
	Namespace    string          `json:"namespace" bson:"namespace" db:"namespace"`
	PipelineID   string          `json:"pipeline_id" bson:"pipeline_id" db:"pipeline_id"`
	PipelineName string          `json:"pipeline_name" bson:"pipeline_name" db:"pipeline_name"`
	Status       RunStatus       `json:"status" bson:"status" db:"status"`
	Params       json.RawMessage `json:"params,omitempty" bson:"params,omitempty" db:"params"`
	DryRun       bool            `json:"dry_run" bson:"dry_run" db:"dry_run"`
	TriggeredBy  *string         `json:"triggered_by,omitempty" bson:"triggered_by,omitempty" db:"triggered_by"`
	StartedAt    time.Time       `json:"started_at" bson:"started_at" db:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty" bson:"finished_at,omitempty" db:"finished_at"`
	Error        *string         `json:"error,omitempty" bson:"error,omitempty" db:"error"`
}

// SlotKey 返回并发槽位键 "namespace:pipelineId"
func (r *PipelineRun) SlotKey() string {
	return r.Namespace + ":" + r.PipelineID
}

// ============================================================================
// PipelineStep - 步骤记录
// ============================================================================

// PipelineStep 表示一次执行中的单个步骤
//
// 全部步骤记录在 Run 创建时一次性批量落库（非惰性创建），
// 初始状态均为 pending。同一 Run 内步骤按 Seq 全序排列，
// 任一时刻至多一个步骤处于 running。
//
// 字段说明：
//   - ID：数据库自增主键
//   - StepID：配置中声明的步骤标识
//   - Output：动作处理器产出（JSON，可选）
//   - LogRef：步骤日志工件的对象存储键（可选）
type PipelineStep struct {
	ID         int64           `json:"id" bson:"_id" db:"id"`
	RunID      string          `json:"run_id" bson:"run_id" db:"run_id"`
	Seq        int             `json:"seq" bson:"seq" db:"seq"`
	StepID     string          `json:"step_id" bson:"step_id" db:"step_id"`
	Name       string          `json:"name" bson:"name" db:"name"`
	Action     string          `json:"action" bson:"action" db:"action"`
	Status     StepStatus      `json:"status" bson:"status" db:"status"`
	StartedAt  *time.Time      `json:"started_at,omitempty" bson:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty" bson:"finished_at,omitempty" db:"finished_at"`
	Output     json.RawMessage `json:"output,omitempty" bson:"output,omitempty" db:"output"`
	Error      *string         `json:"error,omitempty" bson:"error,omitempty" db:"error"`
	LogRef     *string         `json:"log_ref,omitempty" bson:"log_ref,omitempty" db:"log_ref"`
}
