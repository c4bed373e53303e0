package rag

import "math"

// cosineSimilarity 计算余弦相似度，零向量返回 0。
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}

// topK 从候选中选出分数最高的 k 条，同分按插入顺序先到先得。
// 候选规模通常在千级以内，稳定排序一次即可。
func topK(candidates []ScoredChunk, k int) []ScoredChunk {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	// 插入排序保证稳定性：先入索引的 chunk 在同分时排前
	sorted := make([]ScoredChunk, 0, len(candidates))
	for _, c := range candidates {
		pos := len(sorted)
		for pos > 0 && sorted[pos-1].Score < c.Score {
			pos--
		}
		sorted = append(sorted, ScoredChunk{})
		copy(sorted[pos+1:], sorted[pos:])
		sorted[pos] = c
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}
