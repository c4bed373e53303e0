package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"

	applog "docuchat/internal/platform/log"
)

const (
	chromemCollection = "documents"
	chromemMetaFile   = "meta.json"
)

// chromemMeta 持久化目录旁的元数据文件：embedding 模型名与各来源计数。
// chromem 本身不暴露按元数据聚合的统计，重启后靠它恢复 Stats。
type chromemMeta struct {
	Version        int            `json:"version"`
	EmbeddingModel string         `json:"embedding_model_name"`
	Sources        map[string]int `json:"sources"`
}

// ChromemIndex 库托管向量索引（Variant B），支持两种模式：
//   - flat: 纯内存，重启即失
//   - persistent: chromem 落盘目录，重启加载
//
// chromem 检索为精确余弦计算，召回与暴力检索一致。
type ChromemIndex struct {
	mu             sync.RWMutex
	db             *chromem.DB
	col            *chromem.Collection
	embeddingModel string
	dir            string // 为空即 flat 模式
	sources        map[string]int
	total          int
}

// NewChromemIndex 创建索引。dir 为空走内存模式；否则打开/创建持久化目录。
func NewChromemIndex(embeddingModel, dir string) (*ChromemIndex, error) {
	idx := &ChromemIndex{
		embeddingModel: embeddingModel,
		dir:            dir,
		sources:        make(map[string]int),
	}

	var err error
	if dir == "" {
		idx.db = chromem.NewDB()
	} else {
		idx.db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent vectorstore %q: %w", dir, err)
		}
	}

	idx.col, err = idx.db.GetOrCreateCollection(chromemCollection, nil, rejectEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}

	if dir != "" {
		if err := idx.loadMeta(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// rejectEmbeddingFunc 兜底 embedding 函数。所有分块带预计算向量入库，
// 一旦走到这里说明调用方式有误。
func rejectEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("chromem index only accepts precomputed embeddings")
}

func (x *ChromemIndex) loadMeta() error {
	path := filepath.Join(x.dir, chromemMetaFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// 目录里可能有 chromem 数据但缺 meta（例如外部复制），以集合计数兜底。
			// 此时来源计数为空，按来源过滤的检索查不到这批分块，重新摄取或 Reset 可恢复
			x.total = x.col.Count()
			if x.total > 0 {
				applog.Warn("[RAG/Chromem] Vectorstore has data but no meta file, per-source stats unavailable",
					"dir", x.dir, "chunks", x.total)
			}
			return nil
		}
		return fmt.Errorf("read vectorstore meta: %w", err)
	}

	var meta chromemMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		applog.Warn("[RAG/Chromem] Corrupt meta file, resetting index", "path", path, "error", err)
		return x.Reset()
	}
	if meta.Version != storeVersion || meta.EmbeddingModel != x.embeddingModel {
		applog.Warn("[RAG/Chromem] Meta mismatch, resetting index",
			"path", path,
			"file_model", meta.EmbeddingModel,
			"want_model", x.embeddingModel,
		)
		return x.Reset()
	}

	x.sources = meta.Sources
	if x.sources == nil {
		x.sources = make(map[string]int)
	}
	for _, n := range x.sources {
		x.total += n
	}
	applog.Info("[RAG/Chromem] Loaded persisted index", "dir", x.dir, "chunks", x.total)
	return nil
}

func (x *ChromemIndex) persistMetaLocked() error {
	if x.dir == "" {
		return nil
	}
	data, err := json.Marshal(chromemMeta{
		Version:        storeVersion,
		EmbeddingModel: x.embeddingModel,
		Sources:        x.sources,
	})
	if err != nil {
		return fmt.Errorf("marshal vectorstore meta: %w", err)
	}

	path := filepath.Join(x.dir, chromemMetaFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write vectorstore meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename vectorstore meta: %w", err)
	}
	return nil
}

// Add 批量写入。chromem 内部串行落盘，这里再护住来源计数与 meta。
func (x *ChromemIndex) Add(ctx context.Context, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = chromem.Document{
			ID:        c.ID,
			Content:   c.Text,
			Embedding: c.Embedding,
			Metadata:  map[string]string{"source": c.Source},
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	for _, c := range chunks {
		x.sources[c.Source]++
	}
	x.total += len(chunks)
	return x.persistMetaLocked()
}

// Search 余弦检索。多来源过滤按来源分别查询后合并取 top-k。
func (x *ChromemIndex) Search(ctx context.Context, query []float32, k int, sources []string) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var merged []ScoredChunk
	if len(sources) == 0 {
		results, err := x.queryLocked(ctx, query, k, x.total, nil)
		if err != nil {
			return nil, err
		}
		merged = results
	} else {
		for _, src := range sources {
			count := x.sources[src]
			if count == 0 {
				continue
			}
			results, err := x.queryLocked(ctx, query, k, count, map[string]string{"source": src})
			if err != nil {
				return nil, err
			}
			merged = append(merged, results...)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if k > len(merged) {
		k = len(merged)
	}
	return merged[:k], nil
}

func (x *ChromemIndex) queryLocked(ctx context.Context, query []float32, k, available int, where map[string]string) ([]ScoredChunk, error) {
	// chromem 要求 nResults 不超过候选数
	n := k
	if n > available {
		n = available
	}
	if n == 0 {
		return nil, nil
	}

	results, err := x.col.QueryEmbedding(ctx, query, n, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	scored := make([]ScoredChunk, 0, len(results))
	for _, r := range results {
		scored = append(scored, ScoredChunk{
			Chunk: Chunk{
				ID:        r.ID,
				Text:      r.Content,
				Source:    r.Metadata["source"],
				Embedding: r.Embedding,
			},
			Score: float64(r.Similarity),
		})
	}
	return scored, nil
}

// Stats 返回索引统计。
func (x *ChromemIndex) Stats() IndexStats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	sources := make(map[string]int, len(x.sources))
	for s, n := range x.sources {
		sources[s] = n
	}
	return IndexStats{
		Count:          x.total,
		Sources:        sources,
		EmbeddingModel: x.embeddingModel,
	}
}

// Reset 删除集合并重建。持久化模式下一并重写 meta。
func (x *ChromemIndex) Reset() error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if err := x.db.DeleteCollection(chromemCollection); err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	col, err := x.db.GetOrCreateCollection(chromemCollection, nil, rejectEmbeddingFunc)
	if err != nil {
		return fmt.Errorf("recreate collection: %w", err)
	}
	x.col = col
	x.sources = make(map[string]int)
	x.total = 0
	return x.persistMetaLocked()
}
