// Package action 实现可插拔的动作框架
//
// 注册表把动作名映射到处理器；执行器按步骤声明的动作名分发。
// 各处理器只通过传入的 Context 与外界交互（日志、取消、子流水线触发），
// 不直接依赖执行器。
package action

import (
	"context"

	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/model"
)

// Handler 动作处理器接口
//
// Execute 的 ctx 携带本次执行的取消信号（显式取消/安全超时/父级取消/
// 进程关闭），所有阻塞点必须及时响应。返回的 map 作为步骤产出持久化。
type Handler interface {
	// Name 返回动作名（注册键）
	Name() string

	// Execute 执行动作；cfg 是已完成模板解析的步骤配置
	Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error)
}

// TriggerFunc 触发子流水线的回调（由执行器注入，避免循环依赖）
type TriggerFunc func(ctx context.Context, namespace, pipelineID string, params map[string]any, callStack []string) (string, error)

// LookupRunFunc 查询执行记录的回调
type LookupRunFunc func(ctx context.Context, runID string) (*model.PipelineRun, error)

// Context 单个步骤的执行上下文
//
// 由执行器在分发每个步骤前构造。CallStack 只在嵌套流水线动作中
// 使用，记录当前调用链上的 "namespace:pipelineId" 键用于环检测。
type Context struct {
	RunID     string
	StepID    string
	Namespace string

	// Log 步骤日志（落盘 + 事件总线）
	Log *StepLogger

	// CallStack 嵌套触发调用链
	CallStack []string

	// TriggerChild 触发子流水线；非嵌套动作不使用
	TriggerChild TriggerFunc

	// LookupRun 查询执行记录；嵌套动作等待子执行时使用
	LookupRun LookupRunFunc

	// Bus 事件总线；嵌套动作订阅子执行的终止事件
	Bus eventbus.Bus
}
