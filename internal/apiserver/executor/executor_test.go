package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"deploy-admin/internal/apiserver/action"
	"deploy-admin/internal/apiserver/configsource"
	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// 测试夹具
// ============================================================================

// memStore 内存版 PersistentStore
type memStore struct {
	mu     sync.Mutex
	runs   map[string]*model.PipelineRun
	steps  map[string][]*model.PipelineStep
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{
		runs:  make(map[string]*model.PipelineRun),
		steps: make(map[string][]*model.PipelineStep),
	}
}

func (m *memStore) CreateRun(_ context.Context, run *model.PipelineRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, namespace string, _, _ int) ([]*model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PipelineRun
	for _, run := range m.runs {
		if namespace == "" || run.Namespace == namespace {
			cp := *run
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListRunsByStatus(_ context.Context, status model.RunStatus, limit int) ([]*model.PipelineRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PipelineRun
	for _, run := range m.runs {
		if run.Status == status {
			cp := *run
			out = append(out, &cp)
			// 与 SQL/Mongo 实现一致：结果截断到单页上限
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memStore) UpdateRunStatus(_ context.Context, id string, status model.RunStatus, errMsg *string, finished *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	run.Status = status
	run.Error = errMsg
	run.FinishedAt = finished
	return nil
}

func (m *memStore) CreateSteps(_ context.Context, steps []*model.PipelineStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range steps {
		m.nextID++
		st.ID = m.nextID
		cp := *st
		m.steps[st.RunID] = append(m.steps[st.RunID], &cp)
	}
	return nil
}

func (m *memStore) ListStepsByRun(_ context.Context, runID string) ([]*model.PipelineStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.PipelineStep, 0, len(m.steps[runID]))
	for _, st := range m.steps[runID] {
		cp := *st
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) findStep(id int64) *model.PipelineStep {
	for _, steps := range m.steps {
		for _, st := range steps {
			if st.ID == id {
				return st
			}
		}
	}
	return nil
}

func (m *memStore) MarkStepRunning(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.findStep(id)
	if st == nil {
		return fmt.Errorf("step %d not found", id)
	}
	now := time.Now().UTC()
	st.Status = model.StepStatusRunning
	st.StartedAt = &now
	return nil
}

func (m *memStore) FinishStep(_ context.Context, id int64, status model.StepStatus, output json.RawMessage, errMsg string, logRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.findStep(id)
	if st == nil {
		return fmt.Errorf("step %d not found", id)
	}
	now := time.Now().UTC()
	st.Status = status
	st.Output = output
	st.FinishedAt = &now
	if errMsg != "" {
		st.Error = &errMsg
	}
	if logRef != "" {
		st.LogRef = &logRef
	}
	return nil
}

func (m *memStore) MarkStaleStepsForRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.steps[runID] {
		switch st.Status {
		case model.StepStatusRunning:
			st.Status = model.StepStatusFailed
		case model.StepStatusPending:
			st.Status = model.StepStatusSkipped
		}
	}
	return nil
}

func (m *memStore) Close() error { return nil }

// memProvider 内存版流水线定义来源
type memProvider struct {
	namespaces map[string]*model.Namespace
}

func (p *memProvider) GetNamespace(_ context.Context, name string) (*model.Namespace, error) {
	ns, ok := p.namespaces[name]
	if !ok {
		return nil, configsource.ErrNamespaceNotFound
	}
	return ns, nil
}

func (p *memProvider) ListNamespaces(context.Context) ([]string, error) {
	var names []string
	for name := range p.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (p *memProvider) Close() error { return nil }

// captureBus 录制所有发布事件的总线包装
type captureBus struct {
	inner *eventbus.MemoryBus

	mu     sync.Mutex
	events map[string][]*eventbus.Event
}

func newCaptureBus() *captureBus {
	return &captureBus{inner: eventbus.NewMemoryBus(), events: make(map[string][]*eventbus.Event)}
}

func (b *captureBus) Publish(topic string, event *eventbus.Event) {
	b.mu.Lock()
	b.events[topic] = append(b.events[topic], event)
	b.mu.Unlock()
	b.inner.Publish(topic, event)
}

func (b *captureBus) Subscribe(topic string, fn func(*eventbus.Event)) (func(), error) {
	return b.inner.Subscribe(topic, fn)
}

func (b *captureBus) topicEvents(topic string) []*eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*eventbus.Event{}, b.events[topic]...)
}

// stubAction 可编程动作
type stubAction struct {
	name    string
	execute func(ctx context.Context, cfg map[string]any, step *action.Context) (map[string]any, error)
}

func (s *stubAction) Name() string { return s.name }

func (s *stubAction) Execute(ctx context.Context, cfg map[string]any, step *action.Context) (map[string]any, error) {
	if s.execute == nil {
		return map[string]any{"ok": true}, nil
	}
	return s.execute(ctx, cfg, step)
}

// testRig 组装好的执行器测试环境
type testRig struct {
	store    *memStore
	provider *memProvider
	registry *action.Registry
	bus      *captureBus
	exec     *Executor
}

func newTestRig(t *testing.T, pipelines ...*model.Pipeline) *testRig {
	t.Helper()
	rig := &testRig{
		store: newMemStore(),
		provider: &memProvider{namespaces: map[string]*model.Namespace{
			"prod": {
				Name:      "prod",
				Variables: map[string]any{"registry": "reg.local"},
				Pipelines: pipelines,
			},
		}},
		registry: action.NewRegistry(),
		bus:      newCaptureBus(),
	}
	rig.exec = New(Config{
		Store:          rig.store,
		Provider:       rig.provider,
		Registry:       rig.registry,
		Bus:            rig.bus,
		DefaultTimeout: time.Minute,
	})
	return rig
}

// waitTerminal 轮询等待 Run 到达终止状态
func waitTerminal(t *testing.T, store *memStore, runID string) *model.PipelineRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		require.NotNil(t, run)
		if run.Status.IsTerminal() {
			return run
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", runID)
	return nil
}

func threeStepPipeline(id string, actionName string) *model.Pipeline {
	return &model.Pipeline{
		ID:   id,
		Name: id,
		Steps: []model.StepDef{
			{ID: "s1", Name: "Step 1", Action: actionName},
			{ID: "s2", Name: "Step 2", Action: actionName},
			{ID: "s3", Name: "Step 3", Action: actionName},
		},
	}
}

// ============================================================================
// 触发与并发槽位
// ============================================================================

func TestTriggerSuccessRun(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", map[string]any{"version": "1.0"}, TriggerOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.Nil(t, run.Error)
	require.NotNil(t, run.FinishedAt)

	steps, err := rig.store.ListStepsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, st := range steps {
		assert.Equal(t, model.StepStatusSuccess, st.Status)
		assert.JSONEq(t, `{"ok":true}`, string(st.Output))
	}

	// 槽位已释放，可再次触发
	assert.Equal(t, 0, rig.exec.ActiveCount())
	_, err = rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	assert.NoError(t, err)
}

func TestTriggerConflict(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "block"))
	started := make(chan struct{})
	release := make(chan struct{})
	rig.registry.MustRegister(&stubAction{name: "block", execute: func(ctx context.Context, _ map[string]any, _ *action.Context) (map[string]any, error) {
		close(started)
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	first, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)
	<-started

	// 槽位被占：Conflict 携带在途 runID，且不落任何新状态
	_, err = rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, first, conflict.ActiveRunID)

	rig.store.mu.Lock()
	assert.Len(t, rig.store.runs, 1)
	rig.store.mu.Unlock()

	close(release)
	waitTerminal(t, rig.store, first)
}

func TestTriggerDryRunSkipsSlot(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "block"))
	release := make(chan struct{})
	rig.registry.MustRegister(&stubAction{name: "block", execute: func(ctx context.Context, _ map[string]any, _ *action.Context) (map[string]any, error) {
		select {
		case <-release:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}})

	// 演练执行不占槽位：同一流水线可并发触发
	first, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{DryRun: true})
	require.NoError(t, err)
	second, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 0, rig.exec.ActiveCount())

	close(release)
	assert.Equal(t, model.RunStatusSuccess, waitTerminal(t, rig.store, first).Status)
	assert.Equal(t, model.RunStatusSuccess, waitTerminal(t, rig.store, second).Status)
}

func TestTriggerNotFound(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})

	var notFound *NotFoundError
	_, err := rig.exec.Trigger(context.Background(), "staging", "deploy", nil, TriggerOptions{})
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "staging", notFound.Namespace)

	_, err = rig.exec.Trigger(context.Background(), "prod", "missing", nil, TriggerOptions{})
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.PipelineID)

	// 出错路径回滚槽位占用
	assert.Equal(t, 0, rig.exec.ActiveCount())
	rig.store.mu.Lock()
	assert.Empty(t, rig.store.runs)
	rig.store.mu.Unlock()
}

// failingStepStore 步骤落库总是失败的存储
type failingStepStore struct {
	*memStore
	stepErr error
}

func (f *failingStepStore) CreateSteps(context.Context, []*model.PipelineStep) error {
	return f.stepErr
}

func TestTriggerStepPersistFailureFailsRun(t *testing.T) {
	store := &failingStepStore{memStore: newMemStore(), stepErr: errors.New("disk full")}
	provider := &memProvider{namespaces: map[string]*model.Namespace{
		"prod": {Name: "prod", Pipelines: []*model.Pipeline{threeStepPipeline("deploy", "noop")}},
	}}
	registry := action.NewRegistry()
	registry.MustRegister(&stubAction{name: "noop"})
	exec := New(Config{
		Store:          store,
		Provider:       provider,
		Registry:       registry,
		Bus:            newCaptureBus(),
		DefaultTimeout: time.Minute,
	})

	_, err := exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persist steps")

	// Run 行已落库：必须就地置为 failed，不能滞留 running 等下次启动恢复
	store.mu.Lock()
	require.Len(t, store.runs, 1)
	var run *model.PipelineRun
	for _, r := range store.runs {
		cp := *r
		run = &cp
	}
	store.mu.Unlock()
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "disk full")
	require.NotNil(t, run.FinishedAt)

	stale, err := store.ListRunsByStatus(context.Background(), model.RunStatusRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// 槽位已回滚，可立即重试
	assert.Equal(t, 0, exec.ActiveCount())
}

func TestTriggerParamValidation(t *testing.T) {
	p := threeStepPipeline("deploy", "noop")
	p.Parameters = []model.ParamDecl{{Name: "version", Required: true}}
	rig := newTestRig(t, p)
	rig.registry.MustRegister(&stubAction{name: "noop"})

	var valErr *ValidationError
	_, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	assert.ErrorAs(t, err, &valErr)

	_, err = rig.exec.Trigger(context.Background(), "prod", "deploy", map[string]any{"version": 42}, TriggerOptions{})
	assert.ErrorAs(t, err, &valErr)

	_, err = rig.exec.Trigger(context.Background(), "prod", "deploy", map[string]any{"version": "1.0"}, TriggerOptions{})
	assert.NoError(t, err)
}

// ============================================================================
// 步骤循环
// ============================================================================

func TestStepFailureSkipsRest(t *testing.T) {
	rig := newTestRig(t, &model.Pipeline{
		ID:   "deploy",
		Name: "deploy",
		Steps: []model.StepDef{
			{ID: "s1", Name: "Step 1", Action: "ok"},
			{ID: "s2", Name: "Step 2", Action: "boom"},
			{ID: "s3", Name: "Step 3", Action: "ok"},
		},
	})
	rig.registry.MustRegister(&stubAction{name: "ok"})
	rig.registry.MustRegister(&stubAction{name: "boom", execute: func(context.Context, map[string]any, *action.Context) (map[string]any, error) {
		return nil, errors.New("remote build failed: exit 1")
	}})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)

	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "remote build failed: exit 1", *run.Error)

	steps, _ := rig.store.ListStepsByRun(context.Background(), runID)
	assert.Equal(t, model.StepStatusSuccess, steps[0].Status)
	assert.Equal(t, model.StepStatusFailed, steps[1].Status)
	require.NotNil(t, steps[1].Error)
	assert.Equal(t, "remote build failed: exit 1", *steps[1].Error)
	assert.Equal(t, model.StepStatusSkipped, steps[2].Status)

	assert.Equal(t, 0, rig.exec.ActiveCount())
}

func TestUnknownActionSoftSkip(t *testing.T) {
	rig := newTestRig(t, &model.Pipeline{
		ID:   "deploy",
		Name: "deploy",
		Steps: []model.StepDef{
			{ID: "s1", Name: "Step 1", Action: "ok"},
			{ID: "s2", Name: "Step 2", Action: "not-installed"},
			{ID: "s3", Name: "Step 3", Action: "ok"},
		},
	})
	rig.registry.MustRegister(&stubAction{name: "ok"})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)

	// 未注册动作软跳过，不中断执行
	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusSuccess, run.Status)

	steps, _ := rig.store.ListStepsByRun(context.Background(), runID)
	assert.Equal(t, model.StepStatusSuccess, steps[0].Status)
	assert.Equal(t, model.StepStatusSkipped, steps[1].Status)
	assert.Equal(t, model.StepStatusSuccess, steps[2].Status)
}

func TestTemplateFailureFailsRun(t *testing.T) {
	rig := newTestRig(t, &model.Pipeline{
		ID:   "deploy",
		Name: "deploy",
		Steps: []model.StepDef{
			{ID: "s1", Name: "Step 1", Action: "ok", Config: map[string]any{"image": "{{vars.missing}}"}},
			{ID: "s2", Name: "Step 2", Action: "ok"},
		},
	})
	rig.registry.MustRegister(&stubAction{name: "ok"})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)

	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	steps, _ := rig.store.ListStepsByRun(context.Background(), runID)
	assert.Equal(t, model.StepStatusFailed, steps[0].Status)
	assert.Equal(t, model.StepStatusSkipped, steps[1].Status)
}

func TestTemplateResolutionFeedsHandler(t *testing.T) {
	var gotCfg map[string]any
	rig := newTestRig(t, &model.Pipeline{
		ID:   "deploy",
		Name: "deploy",
		Steps: []model.StepDef{
			{ID: "s1", Name: "Step 1", Action: "capture", Config: map[string]any{
				"image": "{{vars.registry}}/web:{{param.version}}",
			}},
		},
	})
	rig.registry.MustRegister(&stubAction{name: "capture", execute: func(_ context.Context, cfg map[string]any, _ *action.Context) (map[string]any, error) {
		gotCfg = cfg
		return nil, nil
	}})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", map[string]any{"version": "2.1"}, TriggerOptions{})
	require.NoError(t, err)
	waitTerminal(t, rig.store, runID)

	assert.Equal(t, "reg.local/web:2.1", gotCfg["image"])
}

// ============================================================================
// 取消与超时
// ============================================================================

func TestCancelMidStep(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "block"))
	started := make(chan struct{}, 3)
	rig.registry.MustRegister(&stubAction{name: "block", execute: func(ctx context.Context, _ map[string]any, _ *action.Context) (map[string]any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)
	<-started

	require.True(t, rig.exec.Cancel(runID))

	run := waitTerminal(t, rig.store, runID)
	// 取消不是失败
	assert.Equal(t, model.RunStatusCancelled, run.Status)

	steps, _ := rig.store.ListStepsByRun(context.Background(), runID)
	assert.Equal(t, model.StepStatusSkipped, steps[0].Status)
	assert.Equal(t, model.StepStatusSkipped, steps[1].Status)
	assert.Equal(t, model.StepStatusSkipped, steps[2].Status)

	// 槽位已释放
	assert.Equal(t, 0, rig.exec.ActiveCount())
	assert.False(t, rig.exec.Cancel(runID))
}

func TestCancelUnknownRun(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})
	assert.False(t, rig.exec.Cancel("run-nope"))
}

func TestSafetyTimeout(t *testing.T) {
	p := threeStepPipeline("deploy", "block")
	p.TimeoutSeconds = 1
	rig := newTestRig(t, p)
	rig.registry.MustRegister(&stubAction{name: "block", execute: func(ctx context.Context, _ map[string]any, _ *action.Context) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)

	// 安全超时触发取消信号，下游与外部取消不可区分
	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
}

func TestShutdownAll(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "block"))
	started := make(chan struct{})
	rig.registry.MustRegister(&stubAction{name: "block", execute: func(ctx context.Context, _ map[string]any, _ *action.Context) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)
	<-started

	rig.exec.ShutdownAll(context.Background())

	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusCancelled, run.Status)
	assert.Equal(t, 0, rig.exec.ActiveCount())
}

// ============================================================================
// 事件顺序
// ============================================================================

func TestEventOrderingForSuccessfulRun(t *testing.T) {
	rig := newTestRig(t, threeStepPipeline("deploy", "noop"))
	rig.registry.MustRegister(&stubAction{name: "noop"})

	runID, err := rig.exec.Trigger(context.Background(), "prod", "deploy", nil, TriggerOptions{})
	require.NoError(t, err)
	waitTerminal(t, rig.store, runID)

	var sequence []string
	for _, ev := range rig.bus.topicEvents(runID) {
		switch ev.Type {
		case eventbus.EventStepStatus:
			sequence = append(sequence, fmt.Sprintf("step:%v(%v)", ev.Payload["status"], ev.Payload["seq"]))
		case eventbus.EventRunStatus:
			sequence = append(sequence, fmt.Sprintf("run:%v", ev.Payload["status"]))
		}
	}
	assert.Equal(t, []string{
		"run:running",
		"step:running(1)", "step:success(1)",
		"step:running(2)", "step:success(2)",
		"step:running(3)", "step:success(3)",
		"run:success",
	}, sequence)

	// 全局主题收到 run:started
	global := rig.bus.topicEvents(eventbus.TopicGlobal)
	require.Len(t, global, 1)
	assert.Equal(t, eventbus.EventRunStarted, global[0].Type)
	assert.Equal(t, runID, global[0].RunID)
}

// ============================================================================
// 嵌套触发
// ============================================================================

func TestNestedPipelineCycleDetection(t *testing.T) {
	// p1 的唯一步骤触发 p1 自身：内层触发必须立即失败且不占槽位
	rig := newTestRig(t, &model.Pipeline{
		ID:   "p1",
		Name: "p1",
		Steps: []model.StepDef{
			{ID: "recurse", Name: "Recurse", Action: "pipeline", Config: map[string]any{"pipeline": "p1"}},
		},
	})
	rig.registry.MustRegister(action.NewPipelineTrigger())

	runID, err := rig.exec.Trigger(context.Background(), "prod", "p1", nil, TriggerOptions{})
	require.NoError(t, err)

	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "circular pipeline invocation")

	// 内层触发从未占用槽位、从未落库
	rig.store.mu.Lock()
	assert.Len(t, rig.store.runs, 1)
	rig.store.mu.Unlock()
}

func TestNestedPipelineSuccess(t *testing.T) {
	rig := newTestRig(t,
		&model.Pipeline{
			ID:   "parent",
			Name: "parent",
			Steps: []model.StepDef{
				{ID: "child-step", Name: "Run child", Action: "pipeline", Config: map[string]any{"pipeline": "child"}},
			},
		},
		&model.Pipeline{
			ID:    "child",
			Name:  "child",
			Steps: []model.StepDef{{ID: "s1", Name: "Step 1", Action: "noop"}},
		},
	)
	rig.registry.MustRegister(&stubAction{name: "noop"})
	rig.registry.MustRegister(action.NewPipelineTrigger())

	runID, err := rig.exec.Trigger(context.Background(), "prod", "parent", nil, TriggerOptions{})
	require.NoError(t, err)

	run := waitTerminal(t, rig.store, runID)
	assert.Equal(t, model.RunStatusSuccess, run.Status)

	// 父子两条 Run 都已落库且成功
	rig.store.mu.Lock()
	assert.Len(t, rig.store.runs, 2)
	rig.store.mu.Unlock()

	steps, _ := rig.store.ListStepsByRun(context.Background(), runID)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusSuccess, steps[0].Status)
	require.NotNil(t, steps[0].Output)
}
