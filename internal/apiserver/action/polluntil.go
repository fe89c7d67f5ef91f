package action

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError 轮询超过截止时间
//
// 与远端上报的失败（RemoteError）区分：超时说明远端操作仍在进行，
// 只是超出了本步骤允许的等待窗口。
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string {
	return e.Message
}

// RemoteError 远端系统上报的终止性失败，原文保留远端消息
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// CheckResult 单次状态检查的结论
type CheckResult struct {
	// Done 为 true 时轮询立即结束，Output 作为动作产出返回
	Done   bool
	Output map[string]any
}

// Continue 继续轮询
func Continue() (CheckResult, error) {
	return CheckResult{}, nil
}

// Done 轮询完成
func Done(output map[string]any) (CheckResult, error) {
	return CheckResult{Done: true, Output: output}, nil
}

// PollSpec 轮询规格
//
// 每个启动长时远端操作的动作（构建、服务重启、一次性任务）共用
// 同一个轮询骨架，动作之间只有 Poll/Check/OnProgress 的含义不同。
type PollSpec[S any] struct {
	// Interval 轮询间隔
	Interval time.Duration
	// Timeout 截止时间；超出后以 TimeoutMessage 报 TimeoutError
	Timeout        time.Duration
	TimeoutMessage string

	// Poll 获取远端当前状态
	Poll func(ctx context.Context) (S, error)
	// Check 判定状态：继续 / 完成（附产出）/ 终止性失败
	Check func(state S) (CheckResult, error)
	// OnProgress 每次 Poll 后的副作用（通常是增量日志转发），可选
	OnProgress func(state S)
}

// PollUntil 通用轮询直到完成
//
// 循环：取消感知的间隔休眠 → Poll → OnProgress → Check。
// 四种退出方式：
//   - Check 返回 Done：返回产出，不再发起额外 Poll
//   - Check 返回错误：原样透传（远端失败原因原文保留）
//   - ctx 取消：休眠立即唤醒，返回 ctx.Err()
//   - 截止时间到：返回 TimeoutError{TimeoutMessage}
func PollUntil[S any](ctx context.Context, spec PollSpec[S]) (map[string]any, error) {
	if spec.Interval <= 0 {
		spec.Interval = 3 * time.Second
	}
	if spec.Timeout <= 0 {
		spec.Timeout = 10 * time.Minute
	}
	msg := spec.TimeoutMessage
	if msg == "" {
		msg = fmt.Sprintf("operation did not complete within %s", spec.Timeout)
	}

	deadline := time.NewTimer(spec.Timeout)
	defer deadline.Stop()

	ticker := time.NewTimer(spec.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, &TimeoutError{Message: msg}
		case <-ticker.C:
		}

		state, err := spec.Poll(ctx)
		if err != nil {
			return nil, err
		}
		if spec.OnProgress != nil {
			spec.OnProgress(state)
		}
		result, err := spec.Check(state)
		if err != nil {
			return nil, err
		}
		if result.Done {
			return result.Output, nil
		}

		ticker.Reset(spec.Interval)
	}
}
