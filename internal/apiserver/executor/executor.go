// Package executor 实现流水线执行引擎
//
// 两阶段触发协议：阶段一在触发调用内同步完成（并发槽位占用、
// 定义解析、Run/Step 落库、run:started 事件），调用方立即拿到
// runID；阶段二的步骤循环在受监督的 goroutine 中异步执行，
// panic 和意外错误都会被兜住并转成终止状态——引擎绝不允许
// 一条 Run 在进程已感知出错后仍停留在 running。
//
// 并发控制：每个 "namespace:pipelineId" 至多一条非演练执行，
// 由进程内槽位注册表原子的查插保证（检查与占用之间无让出点）。
// 槽位只在 Run 到达终止状态时释放。
package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"deploy-admin/internal/apiserver/action"
	"deploy-admin/internal/apiserver/configsource"
	"deploy-admin/internal/apiserver/template"
	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/model"
	"deploy-admin/internal/shared/objstore"
	"deploy-admin/internal/shared/storage"
)

// Config 执行器装配参数
type Config struct {
	Store    storage.PersistentStore
	Provider configsource.Provider
	Registry *action.Registry
	Bus      eventbus.Bus

	// Artifacts 步骤日志归档（可选，nil 时日志只留在本地）
	Artifacts *objstore.Client
	// LogDir 步骤日志本地目录（空则不落盘）
	LogDir string

	// DefaultTimeout 单次执行的安全超时，流水线定义可覆盖
	DefaultTimeout time.Duration

	// OnRunStarted 触发成功回调（指标用），可选
	OnRunStarted func(namespace, pipelineID string)
	// OnRunFinished 终止回调（指标用），可选
	OnRunFinished func(status model.RunStatus, duration time.Duration)
}

// slot 并发槽位：互斥锁 + "该流水线是否在跑"的发现机制
type slot struct {
	runID  string
	cancel context.CancelFunc
}

// Executor 流水线执行器
type Executor struct {
	store    storage.PersistentStore
	provider configsource.Provider
	registry *action.Registry
	bus      eventbus.Bus

	artifacts      *objstore.Client
	logDir         string
	defaultTimeout time.Duration
	onRunStarted   func(namespace, pipelineID string)
	onRunFinished  func(status model.RunStatus, duration time.Duration)

	mu    sync.Mutex
	slots map[string]*slot
}

// New 创建执行器
func New(cfg Config) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = time.Hour
	}
	return &Executor{
		store:          cfg.Store,
		provider:       cfg.Provider,
		registry:       cfg.Registry,
		bus:            cfg.Bus,
		artifacts:      cfg.Artifacts,
		logDir:         cfg.LogDir,
		defaultTimeout: cfg.DefaultTimeout,
		onRunStarted:   cfg.OnRunStarted,
		onRunFinished:  cfg.OnRunFinished,
		slots:          make(map[string]*slot),
	}
}

// TriggerOptions 触发选项
type TriggerOptions struct {
	// DryRun 演练执行：正常跑步骤，但不占用并发槽位
	DryRun bool
	// TriggeredBy 触发主体（可选）
	TriggeredBy string
	// CallerCtx 调用方取消信号（可选）：取消时联动取消本次执行。
	// 嵌套触发时传父执行的 ctx，实现父级取消向下传播。
	CallerCtx context.Context
	// CallStack 嵌套触发调用链（环检测用）
	CallStack []string
}

// runState 单次执行的监督状态
type runState struct {
	run      *model.PipelineRun
	pipeline *model.Pipeline
	steps    []*model.PipelineStep
	rc       *model.ResolutionContext
	opts     TriggerOptions

	cancel     context.CancelFunc
	timer      *time.Timer
	stopCaller func() bool
	started    time.Time
}

// Trigger 触发一次流水线执行（两阶段协议的阶段一）
//
// 返回时 Run/Step 已落库、run:started 已发布；步骤循环异步继续。
// 错误语义：槽位被占返回 *ConflictError（携带在途 runID），
// 命名空间/流水线不存在返回 *NotFoundError，两者都不产生状态变更
// （槽位占用会在出错路径上回滚）。
func (e *Executor) Trigger(ctx context.Context, namespace, pipelineID string, params map[string]any, opts TriggerOptions) (string, error) {
	if err := validateParams(params); err != nil {
		return "", err
	}

	runID := newRunID()
	key := namespace + ":" + pipelineID

	// 顶层触发的调用链以自身为起点；嵌套触发由 pipeline 动作追加子节点后传入
	if len(opts.CallStack) == 0 {
		opts.CallStack = []string{key}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stopCaller := func() bool { return false }
	if opts.CallerCtx != nil {
		stopCaller = context.AfterFunc(opts.CallerCtx, cancel)
	}

	// 槽位查插必须原子：检查与占用之间不允许任何 I/O 或让出
	if !opts.DryRun {
		e.mu.Lock()
		if existing, busy := e.slots[key]; busy {
			e.mu.Unlock()
			stopCaller()
			cancel()
			return "", &ConflictError{Namespace: namespace, PipelineID: pipelineID, ActiveRunID: existing.runID}
		}
		e.slots[key] = &slot{runID: runID, cancel: cancel}
		e.mu.Unlock()
	}

	release := func() {
		if !opts.DryRun {
			e.releaseSlot(key, runID)
		}
		stopCaller()
		cancel()
	}

	ns, err := e.provider.GetNamespace(ctx, namespace)
	if err != nil {
		release()
		if errors.Is(err, configsource.ErrNamespaceNotFound) {
			return "", &NotFoundError{Namespace: namespace}
		}
		return "", fmt.Errorf("resolve namespace %s: %w", namespace, err)
	}
	pipeline := ns.Pipeline(pipelineID)
	if pipeline == nil {
		release()
		return "", &NotFoundError{Namespace: namespace, PipelineID: pipelineID}
	}
	if err := checkDeclaredParams(pipeline, params); err != nil {
		release()
		return "", err
	}

	now := time.Now().UTC()
	paramsJSON, _ := json.Marshal(params)
	run := &model.PipelineRun{
		ID:           runID,
		Namespace:    namespace,
		PipelineID:   pipelineID,
		PipelineName: pipeline.Name,
		Status:       model.RunStatusRunning,
		Params:       paramsJSON,
		DryRun:       opts.DryRun,
		StartedAt:    now,
	}
	if opts.TriggeredBy != "" {
		run.TriggeredBy = &opts.TriggeredBy
	}

	steps := make([]*model.PipelineStep, len(pipeline.Steps))
	for i, def := range pipeline.Steps {
		steps[i] = &model.PipelineStep{
			RunID:  runID,
			Seq:    i + 1,
			StepID: def.ID,
			Name:   def.Name,
			Action: def.Action,
			Status: model.StepStatusPending,
		}
	}

	if err := e.store.CreateRun(ctx, run); err != nil {
		release()
		return "", fmt.Errorf("persist run: %w", err)
	}
	if err := e.store.CreateSteps(ctx, steps); err != nil {
		// Run 行已落库：必须就地置为终止态，不能把一条 running
		// 记录留给下次启动恢复收尾
		reason := fmt.Sprintf("persist steps: %v", err)
		finishedAt := time.Now().UTC()
		if uerr := e.store.UpdateRunStatus(ctx, runID, model.RunStatusFailed, &reason, &finishedAt); uerr != nil {
			log.Printf("[Executor] Run %s: force-fail after step persist failure: %v", runID, uerr)
		}
		release()
		return "", fmt.Errorf("persist steps: %w", err)
	}

	e.bus.Publish(eventbus.TopicGlobal, &eventbus.Event{
		Type:  eventbus.EventRunStarted,
		RunID: runID,
		Payload: map[string]any{
			"namespace":     namespace,
			"pipeline_id":   pipelineID,
			"pipeline_name": pipeline.Name,
			"dry_run":       opts.DryRun,
		},
	})
	e.publishRunStatus(runID, model.RunStatusRunning, "")

	timeout := e.defaultTimeout
	if pipeline.TimeoutSeconds > 0 {
		timeout = time.Duration(pipeline.TimeoutSeconds) * time.Second
	}

	state := &runState{
		run:      run,
		pipeline: pipeline,
		steps:    steps,
		rc:       &model.ResolutionContext{Params: params, Variables: ns.Variables},
		opts:     opts,
		cancel:   cancel,
		// 安全超时触发的是取消信号，下游无法区分超时与外部取消
		timer:      time.AfterFunc(timeout, cancel),
		stopCaller: stopCaller,
		started:    now,
	}

	if e.onRunStarted != nil {
		e.onRunStarted(namespace, pipelineID)
	}

	log.Printf("[Executor] Run %s started: %s (dry_run=%v, timeout=%s)", runID, key, opts.DryRun, timeout)
	go e.supervise(runCtx, state)

	return runID, nil
}

// Cancel 取消指定执行
//
// 触发取消信号后立即返回，不等待执行实际结束；终止通过
// run:status 事件异步观察。返回是否找到了匹配的在途执行。
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	var target *slot
	for _, s := range e.slots {
		if s.runID == runID {
			target = s
			break
		}
	}
	e.mu.Unlock()

	if target == nil {
		return false
	}
	target.cancel()
	log.Printf("[Executor] Run %s cancellation requested", runID)
	return true
}

// ActiveCount 当前在途执行数
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}

// ShutdownAll 进程关闭路径：取消所有在途执行并立即落库 cancelled
//
// 调用后注册表被清空；在途 goroutine 在宽限期内观察取消信号退出。
func (e *Executor) ShutdownAll(ctx context.Context) {
	e.mu.Lock()
	active := e.slots
	e.slots = make(map[string]*slot)
	e.mu.Unlock()

	reason := "server shutdown"
	now := time.Now().UTC()
	for _, s := range active {
		s.cancel()
		if err := e.store.UpdateRunStatus(ctx, s.runID, model.RunStatusCancelled, &reason, &now); err != nil {
			log.Printf("[Executor] Failed to persist shutdown for run %s: %v", s.runID, err)
		}
	}
	if len(active) > 0 {
		log.Printf("[Executor] Shutdown: cancelled %d active runs", len(active))
	}
}

// recoverBatchSize 启动恢复单次列取的孤儿 Run 数量
const recoverBatchSize = 200

// RecoverStaleRuns 启动恢复：孤儿 Run 强制置为 failed
//
// 槽位注册表不跨进程存活，持久化记录里仍是 running/pending 的
// Run 必然来自上次不洁关闭。只收尾不续跑：对应步骤
// running→failed、pending→skipped。必须在接受新触发之前调用。
// 分批列取直到清空，孤儿数量超过单页上限也不会漏扫。
func (e *Executor) RecoverStaleRuns(ctx context.Context) error {
	recovered := 0
	for _, status := range []model.RunStatus{model.RunStatusRunning, model.RunStatusPending} {
		for {
			runs, err := e.store.ListRunsByStatus(ctx, status, recoverBatchSize)
			if err != nil {
				return fmt.Errorf("list %s runs: %w", status, err)
			}
			if len(runs) == 0 {
				break
			}
			for _, run := range runs {
				reason := fmt.Sprintf("crashed while %s: process was restarted", status)
				now := time.Now().UTC()
				if err := e.store.UpdateRunStatus(ctx, run.ID, model.RunStatusFailed, &reason, &now); err != nil {
					return fmt.Errorf("recover run %s: %w", run.ID, err)
				}
				if err := e.store.MarkStaleStepsForRun(ctx, run.ID); err != nil {
					return fmt.Errorf("recover steps of run %s: %w", run.ID, err)
				}
				recovered++
			}
		}
	}
	if recovered > 0 {
		log.Printf("[Executor] Recovered %d stale runs from previous process", recovered)
	}
	return nil
}

// ============================================================================
// 阶段二：步骤循环
// ============================================================================

// supervise 受监督地执行步骤循环
// 逃出循环的 panic 被转成强制失败，保证槽位释放、Run 到达终止态
func (e *Executor) supervise(runCtx context.Context, state *runState) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Executor] Run %s: panic in step loop: %v", state.run.ID, r)
			e.store.MarkStaleStepsForRun(context.Background(), state.run.ID)
			e.finishRun(state, model.RunStatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	e.runSteps(runCtx, state)
}

func (e *Executor) runSteps(runCtx context.Context, state *runState) {
	runID := state.run.ID

	for i, def := range state.pipeline.Steps {
		st := state.steps[i]

		// 步骤开始前已观察到取消：本步骤及后续全部 skipped
		if runCtx.Err() != nil {
			e.skipFrom(state, i, "")
			e.finishRun(state, model.RunStatusCancelled, "")
			return
		}

		// 未注册的动作名软跳过：配置可以超前于当前动作集合
		handler, known := e.registry.Get(def.Action)
		if !known {
			log.Printf("[Executor] Run %s: step %s references unknown action %q, skipping", runID, def.ID, def.Action)
			e.finishStep(state, st, model.StepStatusSkipped, nil, "", "")
			continue
		}

		resolved, err := template.ResolveConfig(def.Config, state.rc)
		if err != nil {
			msg := fmt.Sprintf("resolve config of step %s: %v", def.ID, err)
			e.finishStep(state, st, model.StepStatusFailed, nil, msg, "")
			e.skipFrom(state, i+1, "")
			e.finishRun(state, model.RunStatusFailed, msg)
			return
		}

		if err := e.store.MarkStepRunning(context.Background(), st.ID); err != nil {
			log.Printf("[Executor] Run %s: mark step %s running: %v", runID, def.ID, err)
		}
		e.publishStepStatus(runID, st, model.StepStatusRunning, "")

		logger, err := action.NewStepLogger(e.logDir, runID, def.ID, e.bus)
		if err != nil {
			// 落盘不可用时退化为只发事件
			log.Printf("[Executor] Run %s: step log unavailable: %v", runID, err)
			logger, _ = action.NewStepLogger("", runID, def.ID, e.bus)
		}

		output, execErr := handler.Execute(runCtx, resolved, &action.Context{
			RunID:        runID,
			StepID:       def.ID,
			Namespace:    state.run.Namespace,
			Log:          logger,
			CallStack:    state.opts.CallStack,
			TriggerChild: e.triggerChild,
			LookupRun:    e.store.GetRun,
			Bus:          e.bus,
		})
		logger.Close()
		logRef := e.archiveStepLog(runID, def.ID, logger.Path())

		if execErr != nil {
			if runCtx.Err() != nil {
				// 取消不是错误：观察到取消信号后的处理器失败记 skipped
				e.finishStep(state, st, model.StepStatusSkipped, nil, "", logRef)
				e.skipFrom(state, i+1, "")
				e.finishRun(state, model.RunStatusCancelled, "")
				return
			}
			e.finishStep(state, st, model.StepStatusFailed, nil, execErr.Error(), logRef)
			e.skipFrom(state, i+1, "")
			e.finishRun(state, model.RunStatusFailed, execErr.Error())
			return
		}

		var outputJSON json.RawMessage
		if len(output) > 0 {
			outputJSON, _ = json.Marshal(output)
		}
		e.finishStep(state, st, model.StepStatusSuccess, outputJSON, "", logRef)
	}

	e.finishRun(state, model.RunStatusSuccess, "")
}

// triggerChild 嵌套触发回调：父执行的 ctx 作为取消联动源
func (e *Executor) triggerChild(ctx context.Context, namespace, pipelineID string, params map[string]any, callStack []string) (string, error) {
	return e.Trigger(ctx, namespace, pipelineID, params, TriggerOptions{
		CallerCtx: ctx,
		CallStack: callStack,
	})
}

// skipFrom 把 from 起的未执行步骤全部置为 skipped
func (e *Executor) skipFrom(state *runState, from int, errMsg string) {
	for _, st := range state.steps[from:] {
		e.finishStep(state, st, model.StepStatusSkipped, nil, errMsg, "")
	}
}

// finishStep 持久化步骤终止状态并发布事件
func (e *Executor) finishStep(state *runState, st *model.PipelineStep, status model.StepStatus, output json.RawMessage, errMsg, logRef string) {
	if err := e.store.FinishStep(context.Background(), st.ID, status, output, errMsg, logRef); err != nil {
		log.Printf("[Executor] Run %s: persist step %s=%s: %v", state.run.ID, st.StepID, status, err)
	}
	e.publishStepStatus(state.run.ID, st, status, errMsg)
}

// finishRun 收尾：落库终止状态、发终止事件、停表、释放槽位
// 这是槽位释放的唯一路径
func (e *Executor) finishRun(state *runState, status model.RunStatus, errMsg string) {
	state.timer.Stop()
	state.stopCaller()
	state.cancel()

	now := time.Now().UTC()
	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	if err := e.store.UpdateRunStatus(context.Background(), state.run.ID, status, errPtr, &now); err != nil {
		log.Printf("[Executor] Run %s: persist terminal status %s: %v", state.run.ID, status, err)
	}
	e.publishRunStatus(state.run.ID, status, errMsg)

	if !state.opts.DryRun {
		e.releaseSlot(state.run.SlotKey(), state.run.ID)
	}

	duration := now.Sub(state.started)
	if e.onRunFinished != nil {
		e.onRunFinished(status, duration)
	}
	log.Printf("[Executor] Run %s finished: %s (%.1fs)", state.run.ID, status, duration.Seconds())
}

// releaseSlot 释放槽位；runID 不匹配时不动（槽位已被后续执行占用）
func (e *Executor) releaseSlot(key, runID string) {
	e.mu.Lock()
	if s, ok := e.slots[key]; ok && s.runID == runID {
		delete(e.slots, key)
	}
	e.mu.Unlock()
}

// archiveStepLog 归档步骤日志，返回 log_ref（归档失败时退回本地路径）
func (e *Executor) archiveStepLog(runID, stepID, path string) string {
	if path == "" {
		return ""
	}
	if e.artifacts == nil {
		return path
	}
	key := fmt.Sprintf("logs/%s/%s.jsonl", runID, stepID)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.artifacts.UploadFile(ctx, key, path); err != nil {
		log.Printf("[Executor] Run %s: archive step log %s: %v", runID, stepID, err)
		return path
	}
	return key
}

// ============================================================================
// 事件与工具
// ============================================================================

func (e *Executor) publishRunStatus(runID string, status model.RunStatus, errMsg string) {
	payload := map[string]any{"status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.bus.Publish(runID, &eventbus.Event{
		Type:    eventbus.EventRunStatus,
		RunID:   runID,
		Payload: payload,
	})
}

func (e *Executor) publishStepStatus(runID string, st *model.PipelineStep, status model.StepStatus, errMsg string) {
	payload := map[string]any{
		"step_id": st.StepID,
		"seq":     st.Seq,
		"status":  string(status),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.bus.Publish(runID, &eventbus.Event{
		Type:    eventbus.EventStepStatus,
		RunID:   runID,
		Payload: payload,
	})
}

// validateParams 参数值类型限定为 string 或 bool
func validateParams(params map[string]any) error {
	for name, val := range params {
		switch val.(type) {
		case string, bool:
		default:
			return &ValidationError{Message: fmt.Sprintf("parameter %s must be a string or boolean", name)}
		}
	}
	return nil
}

// checkDeclaredParams 校验必填参数
func checkDeclaredParams(pipeline *model.Pipeline, params map[string]any) error {
	for _, decl := range pipeline.Parameters {
		if !decl.Required {
			continue
		}
		if _, ok := params[decl.Name]; !ok {
			return &ValidationError{Message: fmt.Sprintf("required parameter %s is missing", decl.Name)}
		}
	}
	return nil
}

// newRunID 生成时间前缀 + 随机后缀的 Run ID，大体可按时间排序
func newRunID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("20060102T150405"), hex.EncodeToString(b))
}
