package executor

import "fmt"

// ConflictError 目标流水线的并发槽位已被占用
//
// 携带在途执行的 ID，调用方可据此跳转到该执行。触发调用不产生
// 任何状态变更。
type ConflictError struct {
	Namespace  string
	PipelineID string
	// ActiveRunID 占用槽位的在途执行
	ActiveRunID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("pipeline %s:%s is already running (run %s)",
		e.Namespace, e.PipelineID, e.ActiveRunID)
}

// NotFoundError 命名空间或流水线不存在
type NotFoundError struct {
	Namespace  string
	PipelineID string
}

func (e *NotFoundError) Error() string {
	if e.PipelineID == "" {
		return fmt.Sprintf("namespace %s not found", e.Namespace)
	}
	return fmt.Sprintf("pipeline %s:%s not found", e.Namespace, e.PipelineID)
}

// ValidationError 触发参数不合法
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
