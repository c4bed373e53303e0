package query

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"docuchat/internal/domain/rag"
	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
)

// 提示词固定片段。
const (
	systemPreamble = "You are a helpful AI assistant. Provide clear, concise, and accurate responses. " +
		"Prefer factual, sourced answers when context is provided."
	ragInstruction = "You are given retrieved context from a knowledge base. Use it to answer the question.\n" +
		"If the answer isn't in the context, say you don't know."
)

// Streamer 编排器需要的 LLM 流式生成能力。
type Streamer interface {
	GenerateStream(ctx context.Context, model, prompt string, opts ollama.Options) (<-chan ollama.Chunk, <-chan error)
}

// Session 一次查询的会话态：后端选择与来源过滤。
type Session struct {
	Backend string
	Sources []string
}

// Orchestrator 查询编排器。决定走纯对话还是 RAG 增强提示词，
// 组装提示词后调 LLM 流式生成，把增量原样转发给调用方。
// 当前生成模型与默认后端可在运行时切换。
type Orchestrator struct {
	llm        Streamer
	backends   map[string]*rag.Backend
	ragEnabled bool

	mu             sync.RWMutex
	currentModel   string
	defaultBackend string
}

// New 创建编排器。
func New(llm Streamer, backends map[string]*rag.Backend, ragEnabled bool, model, defaultBackend string) *Orchestrator {
	return &Orchestrator{
		llm:            llm,
		backends:       backends,
		ragEnabled:     ragEnabled,
		currentModel:   model,
		defaultBackend: defaultBackend,
	}
}

// CurrentModel 当前生成模型。
func (o *Orchestrator) CurrentModel() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.currentModel
}

// SetModel 切换当前生成模型。
func (o *Orchestrator) SetModel(model string) {
	o.mu.Lock()
	o.currentModel = model
	o.mu.Unlock()
	applog.Info("[Query] Generation model switched", "model", model)
}

// DefaultBackend 当前默认 RAG 后端。
func (o *Orchestrator) DefaultBackend() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultBackend
}

// SetDefaultBackend 切换默认后端。未知名称报错。
func (o *Orchestrator) SetDefaultBackend(name string) error {
	if _, ok := o.backends[name]; !ok {
		return fmt.Errorf("unknown backend %q", name)
	}
	o.mu.Lock()
	o.defaultBackend = name
	o.mu.Unlock()
	applog.Info("[Query] Default backend switched", "backend", name)
	return nil
}

// Backend 按名称取后端，空名走默认。
func (o *Orchestrator) Backend(name string) (*rag.Backend, bool) {
	if name == "" {
		name = o.DefaultBackend()
	}
	b, ok := o.backends[name]
	return b, ok
}

// Backends 返回全部后端。
func (o *Orchestrator) Backends() map[string]*rag.Backend {
	return o.backends
}

// RAGEnabled RAG 总开关。
func (o *Orchestrator) RAGEnabled() bool { return o.ragEnabled }

// Answer 处理一条用户消息，返回 LLM 增量流。
// 检索阶段失败直接返回错误，不会静默降级成纯对话。
func (o *Orchestrator) Answer(ctx context.Context, userMessage string, session Session) (<-chan ollama.Chunk, <-chan error, error) {
	backend, ok := o.Backend(session.Backend)
	if !ok {
		return nil, nil, fmt.Errorf("unknown backend %q", session.Backend)
	}

	prompt, err := o.buildPrompt(ctx, userMessage, backend, session.Sources)
	if err != nil {
		return nil, nil, err
	}

	chunks, errs := o.llm.GenerateStream(ctx, o.CurrentModel(), prompt, ollama.DefaultOptions())
	return chunks, errs, nil
}

// buildPrompt 选择提示词形态。RAG 关闭、无来源过滤、或过滤命中零分块时
// 走纯对话提示词；否则组装检索上下文。
func (o *Orchestrator) buildPrompt(ctx context.Context, userMessage string, backend *rag.Backend, sources []string) (string, error) {
	useRAG := o.ragEnabled &&
		len(sources) > 0 &&
		backend.Stats().MatchingCount(sources) > 0

	if !useRAG {
		return plainPrompt(userMessage), nil
	}

	contextStr, results, err := backend.BuildContext(ctx, userMessage, backend.TopK(), sources)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	if contextStr == "" {
		return plainPrompt(userMessage), nil
	}

	applog.Debug("[Query] RAG prompt assembled",
		"backend", backend.Name(),
		"retrieved", len(results),
		"context_chars", len(contextStr),
	)
	return ragPrompt(userMessage, contextStr), nil
}

func plainPrompt(userMessage string) string {
	return systemPreamble + "\nUser: " + userMessage + "\nAssistant:"
}

func ragPrompt(userMessage, contextStr string) string {
	var sb strings.Builder
	sb.WriteString(systemPreamble)
	sb.WriteString("\n")
	sb.WriteString(ragInstruction)
	sb.WriteString("\n\nContext:\n")
	sb.WriteString(contextStr)
	sb.WriteString("\n\nUser: ")
	sb.WriteString(userMessage)
	sb.WriteString("\nAssistant:")
	return sb.String()
}
