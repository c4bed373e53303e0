package rag

import "context"

// Index 向量索引契约，两种实现可互换。
// Add 相对并发 Search 原子：读方只会看到追加前或追加后的完整状态。
type Index interface {
	// Add 批量追加分块。
	Add(ctx context.Context, chunks []Chunk) error
	// Search 对查询向量做余弦相似度 top-k 检索。
	// sources 非空时仅在命中来源的分块中检索；k<=0 返回空。
	Search(ctx context.Context, query []float32, k int, sources []string) ([]ScoredChunk, error)
	// Stats 返回分块总数、各来源计数与 embedding 模型名。
	Stats() IndexStats
	// Reset 清空索引。
	Reset() error
}

// sourceAllowed 判断来源是否命中过滤器。过滤器为空放行一切。
func sourceAllowed(source string, filter map[string]struct{}) bool {
	if len(filter) == 0 {
		return true
	}
	_, ok := filter[source]
	return ok
}

// sourceSet 把来源列表转为集合。
func sourceSet(sources []string) map[string]struct{} {
	if len(sources) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		set[s] = struct{}{}
	}
	return set
}
