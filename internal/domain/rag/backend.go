package rag

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	applog "docuchat/internal/platform/log"
)

// contextSeparator 上下文块之间的分隔符。
const contextSeparator = "\n\n---\n\n"

// Embedder 文本向量化能力，由 LLM 客户端提供。
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// BackendConfig 两套后端共用的配置。
type BackendConfig struct {
	EmbeddingModel  string
	ChunkSize       int
	ChunkOverlap    int
	TopK            int
	MaxContextChars int
}

// Backend RAG 后端：解析 -> 分块 -> 向量化 -> 索引 -> 上下文组装。
// manual 与 framework 两套后端只有分块策略和索引实现不同，契约一致。
type Backend struct {
	name     string
	splitter Splitter
	index    Index
	embedder Embedder
	cfg      BackendConfig
}

// NewManualBackend 创建手工后端：固定窗口分块 + 内存索引（JSON 落盘）。
func NewManualBackend(embedder Embedder, cfg BackendConfig, storePath string) (*Backend, error) {
	splitter, err := NewFixedChunker(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("manual backend: %w", err)
	}
	return &Backend{
		name:     "manual",
		splitter: splitter,
		index:    NewMemIndex(cfg.EmbeddingModel, storePath),
		embedder: embedder,
		cfg:      cfg,
	}, nil
}

// NewFrameworkBackend 创建框架后端：递归分块 + chromem 索引。
// dir 为空走 flat 内存模式，否则持久化到目录。
func NewFrameworkBackend(embedder Embedder, cfg BackendConfig, dir string) (*Backend, error) {
	splitter, err := NewRecursiveSplitter(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return nil, fmt.Errorf("framework backend: %w", err)
	}
	index, err := NewChromemIndex(cfg.EmbeddingModel, dir)
	if err != nil {
		return nil, fmt.Errorf("framework backend: %w", err)
	}
	return &Backend{
		name:     "framework",
		splitter: splitter,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
	}, nil
}

// Name 后端标识（manual / framework）。
func (b *Backend) Name() string { return b.name }

// TopK 默认检索条数。
func (b *Backend) TopK() int { return b.cfg.TopK }

// IngestText 分块、向量化并入库，返回新增分块数。
// 任一分块向量化失败则整体失败，索引保持原状。
func (b *Backend) IngestText(ctx context.Context, text, source string) (int, error) {
	parts, err := b.splitter.Split(text)
	if err != nil {
		return 0, fmt.Errorf("split %q: %w", source, err)
	}
	if len(parts) == 0 {
		return 0, nil
	}

	chunks := make([]Chunk, len(parts))
	for i, part := range parts {
		embedding, err := b.embedder.Embed(ctx, b.cfg.EmbeddingModel, part)
		if err != nil {
			return 0, fmt.Errorf("%w: chunk %d/%d of %q: %v", ErrEmbeddingFailed, i+1, len(parts), source, err)
		}
		chunks[i] = Chunk{
			ID:        uuid.NewString(),
			Text:      part,
			Source:    source,
			Embedding: embedding,
		}
	}

	if err := b.index.Add(ctx, chunks); err != nil {
		return 0, fmt.Errorf("index add for %q: %w", source, err)
	}
	applog.Info("[RAG] Ingested text", "backend", b.name, "source", source, "chunks", len(chunks))
	return len(chunks), nil
}

// IngestFile 解析文件后走 IngestText，解析错误原样上抛。
func (b *Backend) IngestFile(ctx context.Context, filename string, data []byte) (int, error) {
	text, err := ParseFile(filename, data)
	if err != nil {
		return 0, err
	}
	return b.IngestText(ctx, text, filename)
}

// BuildContext 向量化查询、检索 top-k 并组装上下文串。
// 截断尽量落在块边界：放不下的整块丢弃；首块本身超限时按字符硬切。
func (b *Backend) BuildContext(ctx context.Context, query string, topK int, sources []string) (string, []ScoredChunk, error) {
	if topK <= 0 {
		topK = b.cfg.TopK
	}

	queryVec, err := b.embedder.Embed(ctx, b.cfg.EmbeddingModel, query)
	if err != nil {
		return "", nil, fmt.Errorf("%w: query: %v", ErrEmbeddingFailed, err)
	}

	results, err := b.index.Search(ctx, queryVec, topK, sources)
	if err != nil {
		return "", nil, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return "", nil, nil
	}

	var sb strings.Builder
	for _, r := range results {
		block := fmt.Sprintf("Source: %s\n%s", r.Chunk.Source, r.Chunk.Text)
		added := len(block)
		if sb.Len() > 0 {
			added += len(contextSeparator)
		}
		if sb.Len()+added > b.cfg.MaxContextChars {
			if sb.Len() == 0 {
				// 单块已超限，硬切保证至少有上下文可用
				sb.WriteString(truncateChars(block, b.cfg.MaxContextChars))
			}
			break
		}
		if sb.Len() > 0 {
			sb.WriteString(contextSeparator)
		}
		sb.WriteString(block)
	}
	return sb.String(), results, nil
}

// Stats 返回后端统计：索引统计加分块/检索参数。
func (b *Backend) Stats() BackendStats {
	return BackendStats{
		IndexStats:      b.index.Stats(),
		Backend:         b.name,
		ChunkSize:       b.cfg.ChunkSize,
		ChunkOverlap:    b.cfg.ChunkOverlap,
		TopKDefault:     b.cfg.TopK,
		MaxContextChars: b.cfg.MaxContextChars,
	}
}

// Reset 清空后端索引。
func (b *Backend) Reset() error {
	if err := b.index.Reset(); err != nil {
		return fmt.Errorf("reset %s index: %w", b.name, err)
	}
	applog.Info("[RAG] Index reset", "backend", b.name)
	return nil
}

// truncateChars 按字节上限截断，回退到最近的 rune 边界，避免切出半个字符。
func truncateChars(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
