package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	applog "docuchat/internal/platform/log"
)

// storeVersion 持久化文件版本号，结构变更时递增。
const storeVersion = 1

// memStoreFile JSON 持久化文件结构。
type memStoreFile struct {
	Version        int     `json:"version"`
	EmbeddingModel string  `json:"embedding_model_name"`
	Chunks         []Chunk `json:"chunks"`
}

// MemIndex 内存向量索引（Variant A）。
// 每次 Add 后把全量状态写入单个 JSON 文件，写入采用 write-then-rename，
// 进程崩溃最多丢一次写，不会留下半截文件。
type MemIndex struct {
	mu             sync.RWMutex
	chunks         []Chunk
	embeddingModel string
	path           string // 为空时不持久化
}

// NewMemIndex 创建索引并尝试从 path 加载已有状态。
// 版本或 embedding 模型名不匹配时从空索引开始并打警告。
func NewMemIndex(embeddingModel, path string) *MemIndex {
	idx := &MemIndex{
		embeddingModel: embeddingModel,
		path:           path,
	}
	idx.load()
	return idx
}

func (m *MemIndex) load() {
	if m.path == "" {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			applog.Warn("[RAG/MemIndex] Failed to read store file, starting empty", "path", m.path, "error", err)
		}
		return
	}

	var file memStoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		applog.Warn("[RAG/MemIndex] Corrupt store file, starting empty", "path", m.path, "error", err)
		return
	}
	if file.Version != storeVersion || file.EmbeddingModel != m.embeddingModel {
		applog.Warn("[RAG/MemIndex] Store file mismatch, starting empty",
			"path", m.path,
			"file_version", file.Version,
			"file_model", file.EmbeddingModel,
			"want_model", m.embeddingModel,
		)
		return
	}

	m.chunks = file.Chunks
	applog.Info("[RAG/MemIndex] Loaded persisted index", "path", m.path, "chunks", len(m.chunks))
}

// Add 追加分块并落盘。持久化失败时回滚内存状态，保证磁盘与内存一致。
func (m *MemIndex) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := len(m.chunks)
	m.chunks = append(m.chunks, chunks...)
	if err := m.persistLocked(); err != nil {
		m.chunks = m.chunks[:prev]
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}

func (m *MemIndex) persistLocked() error {
	if m.path == "" {
		return nil
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}

	data, err := json.Marshal(memStoreFile{
		Version:        storeVersion,
		EmbeddingModel: m.embeddingModel,
		Chunks:         m.chunks,
	})
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write store tmp: %w", err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename store: %w", err)
	}
	return nil
}

// Search 暴力余弦检索。同分按插入顺序排序，k<=0 返回空。
func (m *MemIndex) Search(ctx context.Context, query []float32, k int, sources []string) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}
	filter := sourceSet(sources)

	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]ScoredChunk, 0, len(m.chunks))
	for _, c := range m.chunks {
		if !sourceAllowed(c.Source, filter) {
			continue
		}
		candidates = append(candidates, ScoredChunk{
			Chunk: c,
			Score: cosineSimilarity(query, c.Embedding),
		})
	}
	return topK(candidates, k), nil
}

// Stats 返回索引统计。
func (m *MemIndex) Stats() IndexStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sources := make(map[string]int)
	for _, c := range m.chunks {
		sources[c.Source]++
	}
	return IndexStats{
		Count:          len(m.chunks),
		Sources:        sources,
		EmbeddingModel: m.embeddingModel,
	}
}

// Reset 清空索引并重写持久化文件。
func (m *MemIndex) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.chunks
	m.chunks = nil
	if err := m.persistLocked(); err != nil {
		m.chunks = prev
		return fmt.Errorf("persist index: %w", err)
	}
	return nil
}
