// Package run 执行领域 - HTTP 处理
package run

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"deploy-admin/internal/apiserver/executor"
	"deploy-admin/internal/shared/model"
)

// RunStore 定义 run handler 需要的存储接口（用于测试 mock）
type RunStore interface {
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	ListRuns(ctx context.Context, namespace string, limit, offset int) ([]*model.PipelineRun, error)
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]*model.PipelineRun, error)
	ListStepsByRun(ctx context.Context, runID string) ([]*model.PipelineStep, error)
}

// Engine 定义 run handler 需要的执行器接口
type Engine interface {
	Trigger(ctx context.Context, namespace, pipelineID string, params map[string]any, opts executor.TriggerOptions) (string, error)
	Cancel(runID string) bool
}

// Handler 执行领域 HTTP 处理器
type Handler struct {
	store  RunStore
	engine Engine
}

// NewHandler 创建执行处理器
func NewHandler(store RunStore, engine Engine) *Handler {
	return &Handler{store: store, engine: engine}
}

// RegisterRoutes 注册执行相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/namespaces/{ns}/pipelines/{id}/trigger", h.Trigger)
	mux.HandleFunc("GET /api/v1/runs", h.List)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/runs/{id}/steps", h.ListSteps)
	mux.HandleFunc("POST /api/v1/runs/{id}/cancel", h.Cancel)
}

// TriggerRequest 触发流水线的请求体
type TriggerRequest struct {
	Params      map[string]any `json:"params,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
}

// Trigger 触发一次流水线执行
// POST /api/v1/namespaces/{ns}/pipelines/{id}/trigger
//
// 返回 202 表示执行已受理并落库，步骤循环异步进行；
// 同一流水线已有在途执行时返回 409 并携带在途 run_id。
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("ns")
	pipelineID := r.PathValue("id")

	var req TriggerRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	log.Printf("[run.trigger.start] namespace=%s pipeline_id=%s dry_run=%v", namespace, pipelineID, req.DryRun)

	runID, err := h.engine.Trigger(r.Context(), namespace, pipelineID, req.Params, executor.TriggerOptions{
		DryRun:      req.DryRun,
		TriggeredBy: req.TriggeredBy,
	})
	if err != nil {
		var conflict *executor.ConflictError
		var notFound *executor.NotFoundError
		var valErr *executor.ValidationError
		switch {
		case errors.As(err, &conflict):
			log.Printf("[run.trigger.conflict] namespace=%s pipeline_id=%s active_run_id=%s", namespace, pipelineID, conflict.ActiveRunID)
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":         "pipeline already has an active run",
				"active_run_id": conflict.ActiveRunID,
			})
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &valErr):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			log.Printf("[run.trigger.failed] namespace=%s pipeline_id=%s error=%v", namespace, pipelineID, err)
			writeError(w, http.StatusInternalServerError, "failed to trigger pipeline")
		}
		return
	}

	log.Printf("[run.trigger.accepted] namespace=%s pipeline_id=%s run_id=%s", namespace, pipelineID, runID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": model.RunStatusRunning,
	})
}

// Get 获取单个 Run 详情
// GET /api/v1/runs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// List 列出执行记录（可按命名空间或状态过滤）
// GET /api/v1/runs?namespace=prod&limit=50&offset=0
// GET /api/v1/runs?status=running
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	namespace := r.URL.Query().Get("namespace")
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	var runs []*model.PipelineRun
	var err error
	if status != "" {
		runs, err = h.store.ListRunsByStatus(r.Context(), model.RunStatus(status), limit)
	} else {
		runs, err = h.store.ListRuns(r.Context(), namespace, limit, offset)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// ListSteps 列出一次执行的所有步骤（按序号排序）
// GET /api/v1/runs/{id}/steps
func (h *Handler) ListSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := h.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	steps, err := h.store.ListStepsByRun(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps, "count": len(steps)})
}

// Cancel 取消一次在途执行
// POST /api/v1/runs/{id}/cancel
//
// 取消是异步的：这里只发出取消信号，状态落库由执行器在当前步骤
// 返回后完成。对已终止或未知的 Run 返回 409。
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if !h.engine.Cancel(id) {
		run, err := h.store.GetRun(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get run")
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusConflict, "run is not active")
		return
	}

	log.Printf("[run.cancel.signalled] run_id=%s", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

// ============================================================================
// 工具函数
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
