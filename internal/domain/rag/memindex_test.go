package rag

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func testChunks() []Chunk {
	return []Chunk{
		{ID: "c1", Text: "cats purr", Source: "cats.txt", Embedding: []float32{1, 0, 0}},
		{ID: "c2", Text: "dogs bark", Source: "dogs.txt", Embedding: []float32{0, 1, 0}},
		{ID: "c3", Text: "cats nap", Source: "cats.txt", Embedding: []float32{0.9, 0.1, 0}},
	}
}

// TestMemIndexSearch 检索顺序、来源过滤与边界
func TestMemIndexSearch(t *testing.T) {
	idx := NewMemIndex("test-model", "")
	ctx := context.Background()
	if err := idx.Add(ctx, testChunks()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// 朝 c1 方向的查询向量，c1 应排第一
	results, err := idx.Search(ctx, []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 || results[0].Chunk.ID != "c1" {
		t.Fatalf("unexpected results: %v", results)
	}
	if results[0].Score < results[1].Score {
		t.Error("scores must be non-increasing")
	}

	// 来源过滤只返回命中来源
	results, err = idx.Search(ctx, []float32{1, 0, 0}, 10, []string{"dogs.txt"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].Chunk.Source != "dogs.txt" {
		t.Fatalf("filter leaked: %v", results)
	}

	// k=0 与未知来源都返回空
	if r, _ := idx.Search(ctx, []float32{1, 0, 0}, 0, nil); len(r) != 0 {
		t.Errorf("k=0 should return empty, got %v", r)
	}
	if r, _ := idx.Search(ctx, []float32{1, 0, 0}, 5, []string{"missing.txt"}); len(r) != 0 {
		t.Errorf("unknown source should return empty, got %v", r)
	}
}

// TestMemIndexStats 统计计数与来源分布
func TestMemIndexStats(t *testing.T) {
	idx := NewMemIndex("test-model", "")
	if err := idx.Add(context.Background(), testChunks()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	stats := idx.Stats()
	if stats.Count != 3 || stats.Sources["cats.txt"] != 2 || stats.Sources["dogs.txt"] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.EmbeddingModel != "test-model" {
		t.Errorf("expected model recorded, got %q", stats.EmbeddingModel)
	}
	if stats.MatchingCount([]string{"cats.txt"}) != 2 {
		t.Error("MatchingCount with filter mismatch")
	}
	if stats.MatchingCount(nil) != 3 {
		t.Error("MatchingCount without filter must equal total")
	}
}

// TestMemIndexPersistenceRoundTrip 落盘后重开进程状态一致
func TestMemIndexPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store", "manual.json")
	ctx := context.Background()

	idx := NewMemIndex("test-model", path)
	if err := idx.Add(ctx, testChunks()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// 模拟重启：从同一路径重新加载
	reopened := NewMemIndex("test-model", path)
	stats := reopened.Stats()
	if stats.Count != 3 || stats.Sources["cats.txt"] != 2 {
		t.Fatalf("state lost across restart: %+v", stats)
	}

	results, err := reopened.Search(ctx, []float32{1, 0, 0}, 1, nil)
	if err != nil || len(results) != 1 || results[0].Chunk.ID != "c1" {
		t.Fatalf("search after reload failed: %v %v", results, err)
	}
	t.Logf("✅ Persistence round-trip kept %d chunks", stats.Count)
}

// TestMemIndexModelMismatch 模型名不匹配时从空索引开始
func TestMemIndexModelMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.json")

	idx := NewMemIndex("model-a", path)
	if err := idx.Add(context.Background(), testChunks()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	other := NewMemIndex("model-b", path)
	if other.Stats().Count != 0 {
		t.Fatalf("expected empty index on model mismatch, got %d chunks", other.Stats().Count)
	}
}

// TestMemIndexCorruptFile 损坏的落盘文件从空索引开始
func TestMemIndexCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx := NewMemIndex("test-model", path)
	if idx.Stats().Count != 0 {
		t.Fatal("expected empty index for corrupt store file")
	}
}

// TestMemIndexReset 清空后统计归零且落盘文件同步
func TestMemIndexReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manual.json")
	idx := NewMemIndex("test-model", path)
	if err := idx.Add(context.Background(), testChunks()); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if err := idx.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if idx.Stats().Count != 0 {
		t.Error("expected zero chunks after reset")
	}

	reopened := NewMemIndex("test-model", path)
	if reopened.Stats().Count != 0 {
		t.Error("reset must persist to disk")
	}
}
