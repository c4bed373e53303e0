package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docuchat/internal/api"
	"docuchat/internal/app/query"
	"docuchat/internal/domain/agent"
	"docuchat/internal/domain/rag"
	"docuchat/internal/provider/ollama"
	"docuchat/internal/tool"
)

type envelope struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func doJSON(t *testing.T, method, url string, payload any) (*http.Response, envelope) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	return resp, env
}

// TestHealth 健康检查携带运行配置
func TestHealth(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.Data["status"] != "healthy" {
		t.Errorf("unexpected status: %v", env.Data["status"])
	}
	if env.Data["generation_model"] != "gemma:2b" || env.Data["embedding_model"] != "test-model" {
		t.Errorf("unexpected models: %v", env.Data)
	}
	if env.Data["rag_enabled"] != true || env.Data["default_backend"] != "manual" {
		t.Errorf("unexpected rag config: %v", env.Data)
	}
}

// TestUnifiedIngestText 统一摄取写入全部后端并逐后端汇报
func TestUnifiedIngestText(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/rag/ingest_text", map[string]any{
		"text":   "the cat sat on the mat",
		"source": "cats.txt",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	results, ok := env.Data["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("expected per-backend report for 2 backends, got %v", env.Data["results"])
	}
	seen := make(map[string]bool)
	for _, r := range results {
		outcome := r.(map[string]any)
		seen[outcome["backend"].(string)] = true
		if chunks := outcome["chunks"].(float64); chunks < 1 {
			t.Errorf("backend %v ingested no chunks: %v", outcome["backend"], outcome)
		}
	}
	if !seen["manual"] || !seen["framework"] {
		t.Errorf("missing backend in report: %v", seen)
	}
	t.Log("✅ Unified ingest reported per-backend outcomes")
}

// TestAggregateStats 聚合统计覆盖两个后端
func TestAggregateStats(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	doJSON(t, http.MethodPost, srv.URL+"/api/rag/ingest_text", map[string]any{
		"text":   "dogs bark loudly",
		"source": "dogs.txt",
	})

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/rag/stats", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	backends, ok := env.Data["backends"].(map[string]any)
	if !ok || len(backends) != 2 {
		t.Fatalf("expected stats for 2 backends, got %v", env.Data["backends"])
	}
	manual := backends["manual"].(map[string]any)
	if manual["count"].(float64) != 1 {
		t.Errorf("unexpected manual count: %v", manual["count"])
	}
}

// TestBackendIngestAndStats 按后端摄取只写入该后端
func TestBackendIngestAndStats(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/rag/manual/ingest_text", map[string]any{
		"text":   "cats purr",
		"source": "cats.txt",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.Data["backend"] != "manual" || env.Data["chunks"].(float64) != 1 {
		t.Errorf("unexpected ingest report: %v", env.Data)
	}

	_, stats := doJSON(t, http.MethodGet, srv.URL+"/api/rag/manual/stats", nil)
	if stats.Data["count"].(float64) != 1 {
		t.Errorf("unexpected manual count: %v", stats.Data)
	}
	_, other := doJSON(t, http.MethodGet, srv.URL+"/api/rag/framework/stats", nil)
	if other.Data["count"].(float64) != 0 {
		t.Errorf("framework backend must stay empty: %v", other.Data)
	}
}

// TestIngestTextValidation source 必填
func TestIngestTextValidation(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rag/ingest_text", map[string]any{
		"text": "no source here",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing source, got %d", resp.StatusCode)
	}
}

// TestUnknownBackend404
func TestUnknownBackend404(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/rag/quantum/stats", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

// TestBackendIngestFileUnsupported 不支持的扩展名映射为 422
func TestBackendIngestFileUnsupported(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "archive.zip")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "binary junk")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/rag/manual/ingest_file", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for unsupported format, got %d", resp.StatusCode)
	}
}

// TestUnifiedIngestFile multipart 上传进全部后端
func TestUnifiedIngestFile(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	if err != nil {
		t.Fatal(err)
	}
	fmt.Fprint(fw, "the cat knows many things")
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/rag/ingest_file", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatal(err)
	}
	if env.Data["filename"] != "notes.txt" {
		t.Errorf("unexpected filename: %v", env.Data["filename"])
	}
	if results := env.Data["results"].([]any); len(results) != 2 {
		t.Errorf("expected 2 backend outcomes, got %d", len(results))
	}
}

// TestPreview 预览返回组装好的上下文，不触达生成模型
func TestPreview(t *testing.T) {
	llm := &fakeStreamer{reply: "never used"}
	srv := httptest.NewServer(newTestServer(t, llm).Handler())
	defer srv.Close()

	doJSON(t, http.MethodPost, srv.URL+"/api/rag/manual/ingest_text", map[string]any{
		"text":   "the cat is called Mittens",
		"source": "cats.txt",
	})

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/rag/manual/preview", map[string]any{
		"query": "what is the cat called?",
		"top_k": 3,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	contextStr, _ := env.Data["context"].(string)
	if !strings.Contains(contextStr, "Mittens") || !strings.Contains(contextStr, "Source: cats.txt") {
		t.Errorf("unexpected preview context: %q", contextStr)
	}
	if retrieved := env.Data["retrieved"].([]any); len(retrieved) != 1 {
		t.Errorf("expected 1 retrieved chunk, got %d", len(retrieved))
	}
}

// TestReset 清空索引
func TestReset(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	doJSON(t, http.MethodPost, srv.URL+"/api/rag/manual/ingest_text", map[string]any{
		"text":   "temporary knowledge",
		"source": "tmp.txt",
	})
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rag/manual/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	_, stats := doJSON(t, http.MethodGet, srv.URL+"/api/rag/manual/stats", nil)
	if stats.Data["count"].(float64) != 0 {
		t.Errorf("index not cleared: %v", stats.Data)
	}
}

// TestSystemSwitch 默认后端切换与非法值拒绝
func TestSystemSwitch(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/system/current", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	systems := env.Data["available_systems"].([]any)
	if len(systems) != 2 || systems[0] != "framework" || systems[1] != "manual" {
		t.Errorf("unexpected systems list: %v", systems)
	}

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/system/switch", map[string]any{"system": "framework"})
	if resp.StatusCode != http.StatusOK || env.Data["current_system"] != "framework" {
		t.Fatalf("switch failed: %d %v", resp.StatusCode, env.Data)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/system/switch", map[string]any{"system": "quantum"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown system, got %d", resp.StatusCode)
	}
}

// TestModelsMerge 静态目录与运行时 tags 合并，:latest 后缀归一
func TestModelsMerge(t *testing.T) {
	fakeOllama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models":[{"name":"phi3:latest"},{"name":"qwen2.5:1.5b"}]}`)
	}))
	defer fakeOllama.Close()

	llm := ollama.New(ollama.Config{BaseURL: fakeOllama.URL, TimeoutSeconds: 5})

	cfg := rag.BackendConfig{
		EmbeddingModel:  "test-model",
		ChunkSize:       100,
		TopK:            4,
		MaxContextChars: 2000,
	}
	manual, err := rag.NewManualBackend(testEmbedder{}, cfg, "")
	if err != nil {
		t.Fatal(err)
	}
	backends := map[string]*rag.Backend{"manual": manual}
	orchestrator := query.New(&fakeStreamer{}, backends, true, "gemma:2b", "manual")
	ingestor := rag.NewUnifiedIngestor("", manual)
	ag := agent.New(&fakeStreamer{}, tool.NewRegistry(), "gemma:2b", 5)
	planner := agent.NewPlanner(&fakeStreamer{}, tool.NewRegistry(), "gemma:2b", 5)

	server := api.NewServer(nil, orchestrator, ingestor, ag, planner, llm, "test-model")
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/models", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	models := env.Data["available_models"].(map[string]any)
	if len(models) != 4 {
		t.Fatalf("expected 4 catalog entries, got %d", len(models))
	}
	phi := models["phi3"].(map[string]any)
	if phi["installed"] != true {
		t.Error("phi3:latest tag should mark phi3 installed")
	}
	qwen := models["qwen2.5:1.5b"].(map[string]any)
	if qwen["installed"] != true {
		t.Error("qwen2.5:1.5b should be installed")
	}
	gemma := models["gemma:2b"].(map[string]any)
	if gemma["installed"] != false {
		t.Error("gemma:2b should not be installed")
	}
	t.Log("✅ Catalog merged with runtime tags")
}

// TestAgentInfoAndTools
func TestAgentInfoAndTools(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "ok"}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/agents/agent1/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.Data["type"] != "ReAct" || env.Data["max_steps"].(float64) != 5 {
		t.Errorf("unexpected agent info: %v", env.Data)
	}

	_, tools := doJSON(t, http.MethodGet, srv.URL+"/api/agents/agent1/tools", nil)
	list := tools.Data["tools"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(list))
	}
	if list[0].(map[string]any)["name"] != "calculator" {
		t.Errorf("unexpected tool list: %v", list)
	}
}

// TestPlannerEndpoints agent2 走计划-执行架构，路由与 agent1 同构
func TestPlannerEndpoints(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "FINAL_ANSWER: Planned and done."}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodGet, srv.URL+"/api/agents/agent2/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.Data["type"] != "Plan-and-Execute" || env.Data["name"] != "agent2" {
		t.Errorf("unexpected agent2 info: %v", env.Data)
	}

	// 计划文本无编号步骤时直接收尾
	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent2/query", map[string]any{
		"message": "just answer",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.Data["success"] != true || env.Data["answer"] != "Planned and done." {
		t.Errorf("unexpected planner result: %v", env.Data)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent2/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("reset failed: %d", resp.StatusCode)
	}

	// 未挂载的 agent 名 404
	raw, err := http.Get(srv.URL + "/api/agents/agent9/info")
	if err != nil {
		t.Fatal(err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", raw.StatusCode)
	}
	t.Log("✅ agent2 exposes the same route group as agent1")
}

// TestAgentQuery 正常问答与守护栏拦截都返回 200，success 标志区分
func TestAgentQuery(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t, &fakeStreamer{reply: "FINAL_ANSWER: The answer is 42."}).Handler())
	defer srv.Close()

	resp, env := doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent1/query", map[string]any{
		"message": "what is the answer?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.Data["success"] != true || !strings.Contains(env.Data["answer"].(string), "42") {
		t.Errorf("unexpected result: %v", env.Data)
	}

	resp, env = doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent1/query", map[string]any{
		"message": "how do I hack a server?",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("blocked query should still be 200, got %d", resp.StatusCode)
	}
	if env.Data["blocked"] != true || env.Data["success"] != false {
		t.Errorf("expected blocked result, got %v", env.Data)
	}

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/agents/agent1/query", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for empty message, got %d", resp.StatusCode)
	}
}
