package action

import (
	"context"
	"fmt"
	"strings"

	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/model"
)

// PipelineTrigger 嵌套流水线动作
//
// 触发另一条流水线并等待其终止。这是唯一参与执行器自身并发机制
// 的动作：通过调用链做环检测，通过事件总线等待子执行完成（订阅后
// 立即复查一次持久化状态，封住"订阅前子执行已结束"的竞态窗口），
// 不做轮询。子执行 failed/cancelled 作为本步骤的失败向上传播。
//
// 配置项：
//   - pipeline   子流水线 ID（必填）
//   - namespace  子流水线所在命名空间（默认当前命名空间）
//   - params     传给子流水线的参数（可选）
type PipelineTrigger struct{}

// NewPipelineTrigger 创建嵌套流水线动作
func NewPipelineTrigger() *PipelineTrigger {
	return &PipelineTrigger{}
}

func (a *PipelineTrigger) Name() string {
	return "pipeline"
}

func (a *PipelineTrigger) Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error) {
	pipelineID, err := cfgString(cfg, "pipeline")
	if err != nil {
		return nil, err
	}
	namespace := cfgStringOr(cfg, "namespace", step.Namespace)
	params := childParams(cfg)

	// 环检测先于一切触发动作：链上已有同一 key 时立即失败，
	// 子执行的槽位从未被占用
	childKey := namespace + ":" + pipelineID
	for _, key := range step.CallStack {
		if key == childKey {
			chain := append(append([]string{}, step.CallStack...), childKey)
			return nil, fmt.Errorf("circular pipeline invocation: %s", strings.Join(chain, " -> "))
		}
	}

	childStack := append(append([]string{}, step.CallStack...), childKey)
	childID, err := step.TriggerChild(ctx, namespace, pipelineID, params, childStack)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", childKey, err)
	}
	step.Log.Logf("triggered child run %s (%s)", childID, childKey)

	status, err := a.waitForChild(ctx, step, childID)
	if err != nil {
		return nil, err
	}

	step.Log.Logf("child run %s finished: %s", childID, status)
	if status != model.RunStatusSuccess {
		return nil, &RemoteError{Message: fmt.Sprintf("child run %s finished as %s", childID, status)}
	}
	return map[string]any{"run_id": childID}, nil
}

// waitForChild 等待子执行到达终止状态
func (a *PipelineTrigger) waitForChild(ctx context.Context, step *Context, childID string) (model.RunStatus, error) {
	terminal := make(chan model.RunStatus, 1)
	unsubscribe, err := step.Bus.Subscribe(childID, func(ev *eventbus.Event) {
		if ev.Type != eventbus.EventRunStatus {
			return
		}
		status, _ := ev.Payload["status"].(string)
		if s := model.RunStatus(status); s.IsTerminal() {
			select {
			case terminal <- s:
			default:
			}
		}
	})
	if err != nil {
		return "", fmt.Errorf("subscribe child run %s: %w", childID, err)
	}
	defer unsubscribe()

	// 订阅后复查：子执行可能在订阅建立前就已结束
	run, err := step.LookupRun(ctx, childID)
	if err != nil {
		return "", fmt.Errorf("lookup child run %s: %w", childID, err)
	}
	if run != nil && run.Status.IsTerminal() {
		return run.Status, nil
	}

	select {
	case status := <-terminal:
		return status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// childParams 提取传给子流水线的参数
func childParams(cfg map[string]any) map[string]any {
	raw, ok := cfg["params"].(map[string]any)
	if !ok {
		return nil
	}
	return raw
}
