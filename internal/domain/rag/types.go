package rag

import "errors"

// 错误分类。摄取路径的失败归为三类，admin 层按 4xx/5xx 语义转换。
var (
	// ErrUnsupportedFormat 文件后缀不在支持范围内。
	ErrUnsupportedFormat = errors.New("rag: unsupported file format")
	// ErrEmptyDocument 解析后没有任何可用文本。
	ErrEmptyDocument = errors.New("rag: no text extracted from document")
	// ErrEmbeddingFailed 向量化失败，摄取按全有全无回滚。
	ErrEmbeddingFailed = errors.New("rag: embedding failed")
)

// Chunk 文档分块。入库后不可变，embedding 维度由模型决定。
type Chunk struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Embedding []float32 `json:"embedding"`
}

// ScoredChunk 检索结果：分块加余弦相似度，分数区间 [-1, 1]。
type ScoredChunk struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// IndexStats 索引统计。
type IndexStats struct {
	Count          int            `json:"count"`
	Sources        map[string]int `json:"sources"`
	EmbeddingModel string         `json:"embedding_model"`
}

// BackendStats 后端统计：索引统计加后端元数据。
type BackendStats struct {
	IndexStats
	Backend         string `json:"backend"`
	ChunkSize       int    `json:"chunk_size"`
	ChunkOverlap    int    `json:"chunk_overlap"`
	TopKDefault     int    `json:"top_k_default"`
	MaxContextChars int    `json:"max_context_chars"`
}

// MatchingCount 返回命中 sources 过滤器的分块数。过滤器为空时返回总数。
func (s IndexStats) MatchingCount(sources []string) int {
	if len(sources) == 0 {
		return s.Count
	}
	n := 0
	for _, src := range sources {
		n += s.Sources[src]
	}
	return n
}
