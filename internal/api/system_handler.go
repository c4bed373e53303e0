package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"docuchat/internal/app/query"
	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
)

// ModelInfo 模型目录条目。
type ModelInfo struct {
	Name        string `json:"name"`
	Size        string `json:"size"`
	Description string `json:"description"`
	Installed   bool   `json:"installed"`
}

// modelCatalog 静态模型目录，/api/models 时与运行时已安装列表合并。
var modelCatalog = map[string]ModelInfo{
	"gemma:2b": {
		Name:        "Gemma 2B",
		Size:        "1.7 GB",
		Description: "Google's efficient model, great for general conversations",
	},
	"phi3": {
		Name:        "Phi-3 Mini",
		Size:        "2.3 GB",
		Description: "Microsoft's small model, excellent reasoning capabilities",
	},
	"llama3.2:1b": {
		Name:        "Llama 3.2 1B",
		Size:        "1.3 GB",
		Description: "Meta's compact model, fast and efficient",
	},
	"qwen2.5:1.5b": {
		Name:        "Qwen 2.5 1.5B",
		Size:        "934 MB",
		Description: "Alibaba's multilingual model, supports many languages",
	},
}

// SystemHandler 健康检查、模型目录与后端切换。
type SystemHandler struct {
	orchestrator *query.Orchestrator
	llm          *ollama.Client
	embedModel   string
}

// NewSystemHandler 创建处理器。
func NewSystemHandler(orchestrator *query.Orchestrator, llm *ollama.Client, embedModel string) *SystemHandler {
	return &SystemHandler{
		orchestrator: orchestrator,
		llm:          llm,
		embedModel:   embedModel,
	}
}

// RegisterRoutes 注册 /api 下的系统路由。
func (h *SystemHandler) RegisterRoutes(r chi.Router) {
	r.Get("/models", h.Models)
	r.Post("/models/load", h.LoadModel)
	r.Get("/system/current", h.CurrentSystem)
	r.Post("/system/switch", h.SwitchSystem)
}

// Health GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"generation_model": h.orchestrator.CurrentModel(),
		"embedding_model":  h.embedModel,
		"rag_enabled":      h.orchestrator.RAGEnabled(),
		"default_backend":  h.orchestrator.DefaultBackend(),
	})
}

// Models GET /api/models — 静态目录合并运行时可用性。
func (h *SystemHandler) Models(w http.ResponseWriter, r *http.Request) {
	installed := make(map[string]bool)
	tags, err := h.llm.Tags(r.Context())
	if err != nil {
		applog.Warn("[System] Failed to query installed models", "error", err)
	}
	for _, t := range tags {
		installed[t] = true
		// phi3:latest 同时认作 phi3
		installed[strings.TrimSuffix(t, ":latest")] = true
	}

	models := make(map[string]ModelInfo, len(modelCatalog))
	for id, info := range modelCatalog {
		info.Installed = installed[id]
		models[id] = info
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_model":    h.orchestrator.CurrentModel(),
		"available_models": models,
	})
}

// LoadModel POST /api/models/load — 拉取模型并切换当前生成模型。
func (h *SystemHandler) LoadModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, ok := modelCatalog[req.Model]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid model %q, available: %v", req.Model, catalogNames()))
		return
	}

	if err := h.llm.Pull(r.Context(), req.Model); err != nil {
		applog.Error("[System] Model pull failed", "model", req.Model, "error", err)
		writeError(w, http.StatusBadGateway, fmt.Sprintf("failed to load model: %v", err))
		return
	}

	h.orchestrator.SetModel(req.Model)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Model %s loaded successfully", req.Model),
		"current_model": req.Model,
	})
}

// CurrentSystem GET /api/system/current
func (h *SystemHandler) CurrentSystem(w http.ResponseWriter, r *http.Request) {
	backends := make([]string, 0, len(h.orchestrator.Backends()))
	for name := range h.orchestrator.Backends() {
		backends = append(backends, name)
	}
	sort.Strings(backends)
	writeJSON(w, http.StatusOK, map[string]any{
		"current_system":    h.orchestrator.DefaultBackend(),
		"available_systems": backends,
	})
}

// SwitchSystem POST /api/system/switch — 切换默认 RAG 后端。
func (h *SystemHandler) SwitchSystem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		System string `json:"system"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.orchestrator.SetDefaultBackend(req.System); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"current_system": req.System,
		"message":        fmt.Sprintf("Switched to %s system", req.System),
	})
}

func catalogNames() []string {
	names := make([]string, 0, len(modelCatalog))
	for id := range modelCatalog {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}
