// Package pipeline 流水线目录 - Handler 单元测试
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"deploy-admin/internal/apiserver/configsource"
	"deploy-admin/internal/shared/model"
)

// mockProvider 模拟配置来源
type mockProvider struct {
	namespaces map[string]*model.Namespace
	listErr    error
}

func (m *mockProvider) GetNamespace(_ context.Context, name string) (*model.Namespace, error) {
	ns, ok := m.namespaces[name]
	if !ok {
		return nil, configsource.ErrNamespaceNotFound
	}
	return ns, nil
}

func (m *mockProvider) ListNamespaces(context.Context) ([]string, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var names []string
	for name := range m.namespaces {
		names = append(names, name)
	}
	return names, nil
}

func (m *mockProvider) Close() error { return nil }

func newTestMux(p configsource.Provider) *http.ServeMux {
	mux := http.NewServeMux()
	NewHandler(p).RegisterRoutes(mux)
	return mux
}

func prodNamespace() *model.Namespace {
	return &model.Namespace{
		Name: "prod",
		Pipelines: []*model.Pipeline{
			{
				ID:   "deploy-web",
				Name: "Deploy web frontend",
				Steps: []model.StepDef{
					{ID: "build", Name: "Build image", Action: "image-build"},
					{ID: "deploy", Name: "Deploy service", Action: "service-deploy"},
				},
			},
			{
				ID:    "purge-cache",
				Name:  "Purge CDN cache",
				Steps: []model.StepDef{{ID: "purge", Name: "Purge", Action: "cache-purge"}},
			},
		},
	}
}

func TestListNamespaces(t *testing.T) {
	mux := newTestMux(&mockProvider{namespaces: map[string]*model.Namespace{"prod": prodNamespace()}})

	req := httptest.NewRequest("GET", "/api/v1/namespaces", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Namespaces []string `json:"namespaces"`
		Count      int      `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || resp.Namespaces[0] != "prod" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestListNamespaces_Error(t *testing.T) {
	mux := newTestMux(&mockProvider{listErr: errors.New("etcd unavailable")})

	req := httptest.NewRequest("GET", "/api/v1/namespaces", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestListPipelines(t *testing.T) {
	mux := newTestMux(&mockProvider{namespaces: map[string]*model.Namespace{"prod": prodNamespace()}})

	req := httptest.NewRequest("GET", "/api/v1/namespaces/prod/pipelines", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Pipelines []struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			StepCount int    `json:"step_count"`
		} `json:"pipelines"`
		Count int `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Fatalf("expected 2 pipelines, got %d", resp.Count)
	}
	if resp.Pipelines[0].ID != "deploy-web" || resp.Pipelines[0].StepCount != 2 {
		t.Errorf("unexpected summary: %+v", resp.Pipelines[0])
	}
}

func TestListPipelines_NamespaceNotFound(t *testing.T) {
	mux := newTestMux(&mockProvider{namespaces: map[string]*model.Namespace{}})

	req := httptest.NewRequest("GET", "/api/v1/namespaces/staging/pipelines", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetPipeline(t *testing.T) {
	mux := newTestMux(&mockProvider{namespaces: map[string]*model.Namespace{"prod": prodNamespace()}})

	req := httptest.NewRequest("GET", "/api/v1/namespaces/prod/pipelines/deploy-web", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var p model.Pipeline
	json.Unmarshal(w.Body.Bytes(), &p)
	if p.ID != "deploy-web" || len(p.Steps) != 2 {
		t.Errorf("unexpected pipeline: %+v", p)
	}
}

func TestGetPipeline_NotFound(t *testing.T) {
	mux := newTestMux(&mockProvider{namespaces: map[string]*model.Namespace{"prod": prodNamespace()}})

	req := httptest.NewRequest("GET", "/api/v1/namespaces/prod/pipelines/missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
