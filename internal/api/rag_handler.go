package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"docuchat/internal/app/query"
	"docuchat/internal/domain/rag"
	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
)

// maxUploadBytes 单次上传上限。
const maxUploadBytes = 50 << 20

// RAGHandler 文档摄取与检索管理 API。
type RAGHandler struct {
	orchestrator *query.Orchestrator
	ingestor     *rag.UnifiedIngestor
}

// NewRAGHandler 创建 RAG 处理器
func NewRAGHandler(orchestrator *query.Orchestrator, ingestor *rag.UnifiedIngestor) *RAGHandler {
	return &RAGHandler{
		orchestrator: orchestrator,
		ingestor:     ingestor,
	}
}

// RegisterRoutes 注册 /api 下的 RAG 路由。
func (h *RAGHandler) RegisterRoutes(r chi.Router) {
	r.Route("/rag", func(r chi.Router) {
		// 统一摄取：写入全部后端
		r.Get("/stats", h.AggregateStats)
		r.Post("/ingest_file", h.UnifiedIngestFile)
		r.Post("/ingest_text", h.UnifiedIngestText)

		// 按后端操作
		r.Route("/{backend}", func(r chi.Router) {
			r.Get("/stats", h.BackendStats)
			r.Post("/ingest_file", h.BackendIngestFile)
			r.Post("/ingest_text", h.BackendIngestText)
			r.Post("/preview", h.Preview)
			r.Post("/reset", h.Reset)
		})
	})
}

// AggregateStats GET /api/rag/stats — 所有后端的统计。
func (h *RAGHandler) AggregateStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]rag.BackendStats)
	for name, b := range h.orchestrator.Backends() {
		stats[name] = b.Stats()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rag_enabled":     h.orchestrator.RAGEnabled(),
		"default_backend": h.orchestrator.DefaultBackend(),
		"backends":        stats,
	})
}

// BackendStats GET /api/rag/{backend}/stats
func (h *RAGHandler) BackendStats(w http.ResponseWriter, r *http.Request) {
	backend, ok := h.lookupBackend(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, backend.Stats())
}

// UnifiedIngestFile POST /api/rag/ingest_file — multipart 上传，写入全部后端。
func (h *RAGHandler) UnifiedIngestFile(w http.ResponseWriter, r *http.Request) {
	filename, data, ok := readUpload(w, r)
	if !ok {
		return
	}
	outcomes := h.ingestor.IngestFile(r.Context(), filename, data)
	writeJSON(w, http.StatusOK, map[string]any{
		"filename": filename,
		"results":  outcomes,
	})
}

// UnifiedIngestText POST /api/rag/ingest_text
func (h *RAGHandler) UnifiedIngestText(w http.ResponseWriter, r *http.Request) {
	req, ok := readTextPayload(w, r)
	if !ok {
		return
	}
	outcomes := h.ingestor.IngestText(r.Context(), req.Text, req.Source)
	writeJSON(w, http.StatusOK, map[string]any{
		"source":  req.Source,
		"results": outcomes,
	})
}

// BackendIngestFile POST /api/rag/{backend}/ingest_file
func (h *RAGHandler) BackendIngestFile(w http.ResponseWriter, r *http.Request) {
	backend, ok := h.lookupBackend(w, r)
	if !ok {
		return
	}
	filename, data, ok := readUpload(w, r)
	if !ok {
		return
	}

	chunks, err := backend.IngestFile(r.Context(), filename, data)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":  backend.Name(),
		"filename": filename,
		"chunks":   chunks,
	})
}

// BackendIngestText POST /api/rag/{backend}/ingest_text
func (h *RAGHandler) BackendIngestText(w http.ResponseWriter, r *http.Request) {
	backend, ok := h.lookupBackend(w, r)
	if !ok {
		return
	}
	req, ok := readTextPayload(w, r)
	if !ok {
		return
	}

	chunks, err := backend.IngestText(r.Context(), req.Text, req.Source)
	if err != nil {
		writeIngestError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": backend.Name(),
		"source":  req.Source,
		"chunks":  chunks,
	})
}

// Preview POST /api/rag/{backend}/preview — 返回为查询组装的上下文，不触达生成模型。
func (h *RAGHandler) Preview(w http.ResponseWriter, r *http.Request) {
	backend, ok := h.lookupBackend(w, r)
	if !ok {
		return
	}

	var req struct {
		Query   string   `json:"query"`
		TopK    int      `json:"top_k"`
		Sources []string `json:"sources"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	contextStr, results, err := backend.BuildContext(r.Context(), req.Query, req.TopK, req.Sources)
	if err != nil {
		applog.Error("[RAG] Preview failed", "backend", backend.Name(), "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend":   backend.Name(),
		"context":   contextStr,
		"retrieved": results,
	})
}

// Reset POST /api/rag/{backend}/reset — 清空该后端的索引。
func (h *RAGHandler) Reset(w http.ResponseWriter, r *http.Request) {
	backend, ok := h.lookupBackend(w, r)
	if !ok {
		return
	}
	if err := backend.Reset(); err != nil {
		applog.Error("[RAG] Reset failed", "backend", backend.Name(), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": backend.Name(),
		"message": "index cleared",
	})
}

func (h *RAGHandler) lookupBackend(w http.ResponseWriter, r *http.Request) (*rag.Backend, bool) {
	name := chi.URLParam(r, "backend")
	backend, ok := h.orchestrator.Backend(name)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown backend: "+name)
		return nil, false
	}
	return backend, true
}

type textPayload struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

func readTextPayload(w http.ResponseWriter, r *http.Request) (textPayload, bool) {
	var req textPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Source == "" {
		writeError(w, http.StatusBadRequest, "source is required")
		return req, false
	}
	return req, true
}

// readUpload 读取 multipart 表单中的 file 字段。
func readUpload(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return "", nil, false
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return "", nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read upload")
		return "", nil, false
	}
	return header.Filename, data, true
}

// writeIngestError 摄取错误按分类映射状态码：格式/空文档是调用方问题，
// embedding 失败是 LLM 运行时问题。
func writeIngestError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, rag.ErrUnsupportedFormat), errors.Is(err, rag.ErrEmptyDocument):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, rag.ErrEmbeddingFailed),
		errors.Is(err, ollama.ErrUnavailable),
		errors.Is(err, ollama.ErrTimeout):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
