// Package eventbus 进程内事件总线
//
// 提供按主题（topic）键控的发布/订阅能力，驱动实时日志/状态流
// 和嵌套流水线的完成等待。引擎自身只依赖进程内实现，
// 不引入外部 broker（跨进程消费方通过 WebSocket 网关接入）。
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// 主题约定：
//   - Run 主题：topic = runID，接收该 Run 范围内的 log/step:status/run:status 事件
//   - 全局主题：topic = TopicGlobal，接收所有 Run 的 run:started 事件
const TopicGlobal = "global"

// 事件类型常量
const (
	EventRunStarted = "run:started"
	EventRunStatus  = "run:status"
	EventStepStatus = "step:status"
	EventLog        = "log"
)

// Event 总线事件
//
// Payload 为普通结构化记录，总线本身不做序列化。
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// ============================================================================
// 总线接口
// ============================================================================

// Bus 事件总线接口
//
// 顺序保证：同一主题内事件按发布顺序单线程投递到每个订阅者回调，
// 消费方不会先看到后发布的事件。
type Bus interface {
	// Publish 向主题发布事件，同步投递到当前全部订阅者
	Publish(topic string, event *Event)

	// Subscribe 订阅主题，返回取消订阅函数。
	// 单主题订阅者数量超过上限时返回 ErrTopicFull。
	Subscribe(topic string, fn func(*Event)) (func(), error)
}
