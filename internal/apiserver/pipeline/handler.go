// Package pipeline 流水线目录 - HTTP 处理
package pipeline

import (
	"encoding/json"
	"errors"
	"net/http"

	"deploy-admin/internal/apiserver/configsource"
)

// Handler 流水线目录 HTTP 处理器
//
// 只读视图：流水线定义由配置来源管理（文件或 etcd），API 不提供写入。
type Handler struct {
	provider configsource.Provider
}

// NewHandler 创建流水线目录处理器
func NewHandler(provider configsource.Provider) *Handler {
	return &Handler{provider: provider}
}

// RegisterRoutes 注册流水线目录路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/namespaces", h.ListNamespaces)
	mux.HandleFunc("GET /api/v1/namespaces/{ns}/pipelines", h.ListPipelines)
	mux.HandleFunc("GET /api/v1/namespaces/{ns}/pipelines/{id}", h.GetPipeline)
}

// ListNamespaces 列出所有命名空间
// GET /api/v1/namespaces
func (h *Handler) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := h.provider.ListNamespaces(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list namespaces")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"namespaces": names, "count": len(names)})
}

// ListPipelines 列出命名空间内的所有流水线
// GET /api/v1/namespaces/{ns}/pipelines
func (h *Handler) ListPipelines(w http.ResponseWriter, r *http.Request) {
	ns, err := h.provider.GetNamespace(r.Context(), r.PathValue("ns"))
	if err != nil {
		if errors.Is(err, configsource.ErrNamespaceNotFound) {
			writeError(w, http.StatusNotFound, "namespace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load namespace")
		return
	}

	// 目录视图不展开步骤配置，只给摘要
	type summary struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		StepCount int    `json:"step_count"`
	}
	pipelines := make([]summary, 0, len(ns.Pipelines))
	for _, p := range ns.Pipelines {
		pipelines = append(pipelines, summary{ID: p.ID, Name: p.Name, StepCount: len(p.Steps)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pipelines": pipelines, "count": len(pipelines)})
}

// GetPipeline 获取单条流水线完整定义
// GET /api/v1/namespaces/{ns}/pipelines/{id}
func (h *Handler) GetPipeline(w http.ResponseWriter, r *http.Request) {
	ns, err := h.provider.GetNamespace(r.Context(), r.PathValue("ns"))
	if err != nil {
		if errors.Is(err, configsource.ErrNamespaceNotFound) {
			writeError(w, http.StatusNotFound, "namespace not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load namespace")
		return
	}

	p := ns.Pipeline(r.PathValue("id"))
	if p == nil {
		writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
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
