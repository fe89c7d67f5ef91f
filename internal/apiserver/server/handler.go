// Package server 路由配置与核心基础设施
//
// 本文件定义 HTTP API 路由，将请求分发到各领域独立包。
// 仍保留在本包的模块：
//   - websocket.go: WebSocket 事件网关
//   - metrics.go: Prometheus 指标
package server

import (
	"encoding/json"
	"net/http"

	"deploy-admin/internal/apiserver/configsource"
	"deploy-admin/internal/apiserver/executor"
	"deploy-admin/internal/apiserver/pipeline"
	"deploy-admin/internal/apiserver/run"
	"deploy-admin/internal/shared/eventbus"
	"deploy-admin/internal/shared/storage"
)

// Handler API Server 核心处理器，持有全部共享依赖
type Handler struct {
	store    storage.PersistentStore
	provider configsource.Provider
	engine   *executor.Executor
	bus      eventbus.Bus
	metrics  *Metrics

	eventGateway *EventGateway
}

// NewHandler 创建核心处理器
func NewHandler(store storage.PersistentStore, provider configsource.Provider, engine *executor.Executor, bus eventbus.Bus, metrics *Metrics) *Handler {
	return &Handler{
		store:        store,
		provider:     provider,
		engine:       engine,
		bus:          bus,
		metrics:      metrics,
		eventGateway: NewEventGateway(store, bus, metrics),
	}
}

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查:
//   - GET /health - 服务健康检查
//
// 流水线目录 (Pipeline):
//   - GET  /api/v1/namespaces                        - 列出命名空间
//   - GET  /api/v1/namespaces/{ns}/pipelines         - 列出流水线
//   - GET  /api/v1/namespaces/{ns}/pipelines/{id}    - 获取流水线定义
//
// 执行管理 (Run):
//   - POST /api/v1/namespaces/{ns}/pipelines/{id}/trigger - 触发执行
//   - GET  /api/v1/runs                              - 列出执行记录
//   - GET  /api/v1/runs/{id}                         - 获取执行详情
//   - GET  /api/v1/runs/{id}/steps                   - 列出执行步骤
//   - POST /api/v1/runs/{id}/cancel                  - 取消执行
//
// WebSocket:
//   - GET  /ws/runs/{id}/events                      - 实时事件推送
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	// 健康检查
	mux.HandleFunc("GET /health", h.Health)

	// Prometheus 指标端点
	mux.Handle("GET /metrics", MetricsHandler())

	// Pipeline 目录接口
	pipelineHandler := pipeline.NewHandler(h.provider)
	pipelineHandler.RegisterRoutes(mux)

	// Run 接口
	runHandler := run.NewHandler(h.store, h.engine)
	runHandler.RegisterRoutes(mux)

	// 应用指标中间件到 REST API
	apiHandler := h.metrics.MetricsMiddleware(mux)

	// 应用 CORS 中间件
	corsHandler := corsMiddleware(apiHandler)

	// 顶层路由，WebSocket 绕过 metrics 中间件（避免 http.Hijacker 问题）
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /ws/runs/{id}/events", h.eventGateway.HandleRunEvents)
	topMux.Handle("/", corsHandler)

	return topMux
}

// Health 服务健康检查
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"active_runs": h.engine.ActiveCount(),
	})
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
