package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docuchat/internal/domain/agent"
	applog "docuchat/internal/platform/log"
	"docuchat/internal/tool"
)

// AgentRunner 两种 agent 架构对外暴露的公共能力。
type AgentRunner interface {
	Run(ctx context.Context, message string) (agent.Result, error)
	Reset()
	Model() string
	MaxSteps() int
	Tools() []tool.Descriptor
}

// agentEntry 一个已挂载的 agent：路由名、架构标签与实例。
type agentEntry struct {
	name   string
	kind   string
	runner AgentRunner
}

// AgentHandler agent 的查询与管理 API。agent1 为 ReAct，agent2 为计划-执行。
type AgentHandler struct {
	entries []agentEntry
}

// NewAgentHandler 创建 agent 处理器
func NewAgentHandler(react *agent.Agent, planner *agent.Planner) *AgentHandler {
	return &AgentHandler{entries: []agentEntry{
		{name: "agent1", kind: "ReAct", runner: react},
		{name: "agent2", kind: "Plan-and-Execute", runner: planner},
	}}
}

// RegisterRoutes 注册 /api 下的 agent 路由，每个 agent 一组。
func (h *AgentHandler) RegisterRoutes(r chi.Router) {
	for _, e := range h.entries {
		r.Route("/agents/"+e.name, func(r chi.Router) {
			r.Get("/info", h.info(e))
			r.Get("/tools", h.tools(e))
			r.Post("/query", h.query(e))
			r.Post("/reset", h.reset(e))
		})
	}
}

// info GET /api/agents/{name}/info
func (h *AgentHandler) info(e agentEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":        e.name,
			"type":        e.kind,
			"model":       e.runner.Model(),
			"max_steps":   e.runner.MaxSteps(),
			"tools_count": len(e.runner.Tools()),
		})
	}
}

// tools GET /api/agents/{name}/tools
func (h *AgentHandler) tools(e agentEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"tools": e.runner.Tools(),
		})
	}
}

// query POST /api/agents/{name}/query
// agent 内部的失败（守护栏拦截、格式错误、步数耗尽）仍返回 200，
// 结果里的 success 标志与轨迹说明原委；只有 LLM 调用失败才是 5xx。
func (h *AgentHandler) query(e agentEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Message      string `json:"message"`
			ResetHistory bool   `json:"reset_history"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}

		if req.ResetHistory {
			e.runner.Reset()
		}

		result, err := e.runner.Run(r.Context(), req.Message)
		if err != nil {
			applog.Error("[Agent] Run failed", "agent", e.name, "error", err)
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// reset POST /api/agents/{name}/reset
func (h *AgentHandler) reset(e agentEntry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e.runner.Reset()
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "conversation history cleared",
		})
	}
}
