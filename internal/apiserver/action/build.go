package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deploy-admin/internal/shared/docker"
)

// ImageBuild 镜像构建动作
//
// 启动一次性构建容器（挂载构建上下文和 Docker socket）完成构建，
// 轮询容器状态直到退出，期间增量转发构建日志。
//
// 配置项：
//   - image            目标镜像标签（必填）
//   - context_dir      构建上下文的宿主机路径（必填）
//   - dockerfile       Dockerfile 路径，相对构建上下文（默认 Dockerfile）
//   - builder_image    构建器镜像（默认 docker:27-cli）
//   - timeout_seconds  构建超时（默认 900）
type ImageBuild struct {
	client *docker.Client
}

// NewImageBuild 创建镜像构建动作
func NewImageBuild(client *docker.Client) *ImageBuild {
	return &ImageBuild{client: client}
}

func (a *ImageBuild) Name() string {
	return "image-build"
}

func (a *ImageBuild) Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error) {
	image, err := cfgString(cfg, "image")
	if err != nil {
		return nil, err
	}
	contextDir, err := cfgString(cfg, "context_dir")
	if err != nil {
		return nil, err
	}
	dockerfile := cfgStringOr(cfg, "dockerfile", "Dockerfile")
	builderImage := cfgStringOr(cfg, "builder_image", "docker:27-cli")
	timeout := cfgDuration(cfg, "timeout_seconds", 15*time.Minute)

	containerName := fmt.Sprintf("build-%s-%s", step.RunID, step.StepID)
	containerID, err := a.client.CreateContainer(ctx, &docker.ContainerConfig{
		Name:       containerName,
		Image:      builderImage,
		Cmd:        []string{"build", "-t", image, "-f", dockerfile, "."},
		WorkingDir: "/workspace",
		Volumes: map[string]string{
			contextDir:             "/workspace",
			"/var/run/docker.sock": "/var/run/docker.sock",
		},
		Labels: map[string]string{
			"deploy-admin/run":  step.RunID,
			"deploy-admin/step": step.StepID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start build: %w", err)
	}
	defer a.cleanup(containerID)

	if err := a.client.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("start build: %w", err)
	}
	step.Log.Logf("build started: image=%s context=%s", image, contextDir)

	stream := &logStreamer{client: a.client, containerID: containerID}
	output, err := PollUntil(ctx, PollSpec[*docker.ContainerState]{
		Interval:       2 * time.Second,
		Timeout:        timeout,
		TimeoutMessage: fmt.Sprintf("build of %s did not finish within %s", image, timeout),
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
					Message: fmt.Sprintf("build of %s failed with exit code %d", image, state.ExitCode),
				}
			}
			return Done(map[string]any{"image": image})
		},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// 取消时尽力停止在途构建
			a.stopBestEffort(containerID)
		}
		return nil, err
	}

	step.Log.Logf("build finished: image=%s", image)
	return output, nil
}

// stopBestEffort 取消路径的尽力停止，不使用已取消的 ctx
func (a *ImageBuild) stopBestEffort(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	stopTimeout := 5
	a.client.StopContainer(ctx, containerID, &stopTimeout)
}

func (a *ImageBuild) cleanup(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.client.RemoveContainer(ctx, containerID, true)
}
