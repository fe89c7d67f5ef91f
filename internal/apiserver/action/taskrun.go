package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deploy-admin/internal/shared/docker"
)

// TaskRun 一次性任务动作
//
// 启动一次性容器（迁移脚本、批处理任务），轮询至退出并增量转发日志。
// 退出码非零视为远端失败；取消时尽力停止在途容器。
//
// 配置项：
//   - image            任务镜像（必填）
//   - cmd              启动命令（可选，字符串数组）
//   - env              环境变量（可选，KEY=VALUE 数组）
//   - timeout_seconds  任务超时（默认 600）
type TaskRun struct {
	client *docker.Client
}

// NewTaskRun 创建一次性任务动作
func NewTaskRun(client *docker.Client) *TaskRun {
	return &TaskRun{client: client}
}

func (a *TaskRun) Name() string {
	return "task-run"
}

func (a *TaskRun) Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error) {
	image, err := cfgString(cfg, "image")
	if err != nil {
		return nil, err
	}
	cmd, err := cfgStrings(cfg, "cmd")
	if err != nil {
		return nil, err
	}
	env, err := cfgStrings(cfg, "env")
	if err != nil {
		return nil, err
	}
	timeout := cfgDuration(cfg, "timeout_seconds", 10*time.Minute)

	containerName := fmt.Sprintf("task-%s-%s", step.RunID, step.StepID)
	containerID, err := a.client.CreateContainer(ctx, &docker.ContainerConfig{
		Name:  containerName,
		Image: image,
		Cmd:   cmd,
		Env:   env,
		Labels: map[string]string{
			"deploy-admin/run":  step.RunID,
			"deploy-admin/step": step.StepID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create task container: %w", err)
	}
	defer a.cleanup(containerID)

	if err := a.client.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("start task container: %w", err)
	}
	step.Log.Logf("task started: image=%s", image)

	stream := &logStreamer{client: a.client, containerID: containerID}
	output, err := PollUntil(ctx, PollSpec[*docker.ContainerState]{
		Interval:       2 * time.Second,
		Timeout:        timeout,
		TimeoutMessage: fmt.Sprintf("task %s did not finish within %s", image, timeout),
		Poll: func(ctx context.Context) (*docker.ContainerState, error) {
			return a.client.InspectState(ctx, containerID)
		},
		OnProgress: func(*docker.ContainerState) {
			stream.forward(ctx, step.Log)
		},
		Check: func(state *docker.ContainerState) (CheckResult, error) {
			if state.Running {
				return Continue()
			}
			if state.ExitCode != 0 {
				return CheckResult{}, &RemoteError{
					Message: fmt.Sprintf("task %s failed with exit code %d", image, state.ExitCode),
				}
			}
			return Done(map[string]any{"exit_code": 0})
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			a.stopBestEffort(containerID)
		}
		return nil, err
	}

	step.Log.Logf("task finished: image=%s", image)
	return output, nil
}

func (a *TaskRun) stopBestEffort(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopTimeout := 5
	a.client.StopContainer(ctx, containerID, &stopTimeout)
}

func (a *TaskRun) cleanup(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.client.RemoveContainer(ctx, containerID, true)
}
