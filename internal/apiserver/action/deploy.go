package action

import (
	"context"
	"fmt"
	"time"

	"deploy-admin/internal/shared/docker"
)

// ServiceDeploy 服务部署动作
//
// 重启目标服务容器并轮询至稳定：容器运行中且健康检查（如有）通过。
//
// 配置项：
//   - container             目标容器名（必填）
//   - stop_timeout_seconds  停止宽限期（默认 10）
//   - timeout_seconds       稳定等待超时（默认 300）
type ServiceDeploy struct {
	client *docker.Client
}

// NewServiceDeploy 创建服务部署动作
func NewServiceDeploy(client *docker.Client) *ServiceDeploy {
	return &ServiceDeploy{client: client}
}

func (a *ServiceDeploy) Name() string {
	return "service-deploy"
}

func (a *ServiceDeploy) Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error) {
	container, err := cfgString(cfg, "container")
	if err != nil {
		return nil, err
	}
	stopTimeout := int(cfgDuration(cfg, "stop_timeout_seconds", 10*time.Second) / time.Second)
	timeout := cfgDuration(cfg, "timeout_seconds", 5*time.Minute)

	exists, err := a.client.ContainerExists(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", container, err)
	}
	if !exists {
		return nil, &RemoteError{Message: fmt.Sprintf("container %s not found", container)}
	}

	step.Log.Logf("restarting container %s", container)
	if err := a.client.StopContainer(ctx, container, &stopTimeout); err != nil {
		return nil, fmt.Errorf("stop %s: %w", container, err)
	}
	if err := a.client.StartContainer(ctx, container); err != nil {
		return nil, fmt.Errorf("start %s: %w", container, err)
	}

	return PollUntil(ctx, PollSpec[*docker.ContainerState]{
		Interval:       2 * time.Second,
		Timeout:        timeout,
		TimeoutMessage: fmt.Sprintf("container %s did not become healthy within %s", container, timeout),
		Poll: func(ctx context.Context) (*docker.ContainerState, error) {
			return a.client.InspectState(ctx, container)
		},
		OnProgress: func(state *docker.ContainerState) {
			if state.Health != "" {
				step.Log.Logf("container %s health: %s", container, state.Health)
			}
		},
		Check: func(state *docker.ContainerState) (CheckResult, error) {
			if !state.Running {
				return CheckResult{}, &RemoteError{
					Message: fmt.Sprintf("container %s exited during deploy (exit code %d)", container, state.ExitCode),
				}
			}
			switch state.Health {
			case "", "healthy":
				return Done(map[string]any{"container": container, "health": state.Health})
			case "unhealthy":
				return CheckResult{}, &RemoteError{
					Message: fmt.Sprintf("container %s is unhealthy after restart", container),
				}
			default: // starting
				return Continue()
			}
		},
	})
}
