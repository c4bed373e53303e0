package rag

import (
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// Splitter 文本分块策略。两套后端各用一种实现，尺寸/重叠契约一致。
type Splitter interface {
	Split(text string) ([]string, error)
}

// FixedChunker 固定字符窗口分块器（manual 后端）。
// 窗口大小 chunkSize，步长 chunkSize-overlap，末窗允许不满。
type FixedChunker struct {
	chunkSize int
	overlap   int
}

// NewFixedChunker 创建分块器。chunkSize <= overlap 视为配置错误。
func NewFixedChunker(chunkSize, overlap int) (*FixedChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, chunk_size), got %d (chunk_size %d)", overlap, chunkSize)
	}
	return &FixedChunker{chunkSize: chunkSize, overlap: overlap}, nil
}

// Split 按字符窗口切分。空输入返回空列表，短于窗口的文本返回单元素。
func (c *FixedChunker) Split(text string) ([]string, error) {
	text = normalizeText(text)
	runes := []rune(text)
	n := len(runes)
	if n == 0 {
		return nil, nil
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + c.chunkSize
		if end > n {
			end = n
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == n {
			break
		}
		start = end - c.overlap
	}
	return chunks, nil
}

// normalizeText 统一换行并去除行首尾空白。
func normalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// RecursiveSplitter 递归分隔符分块器（framework 后端），按段落->句子->词逐级回退。
type RecursiveSplitter struct {
	splitter textsplitter.RecursiveCharacter
}

// NewRecursiveSplitter 创建递归分块器，遵守同一套尺寸/重叠契约。
func NewRecursiveSplitter(chunkSize, overlap int) (*RecursiveSplitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap must be in [0, chunk_size), got %d (chunk_size %d)", overlap, chunkSize)
	}
	ts := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(chunkSize),
		textsplitter.WithChunkOverlap(overlap),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
	)
	return &RecursiveSplitter{splitter: ts}, nil
}

// Split 切分文本，过滤空块。
func (s *RecursiveSplitter) Split(text string) ([]string, error) {
	text = normalizeText(text)
	if text == "" {
		return nil, nil
	}
	parts, err := s.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	chunks := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks, nil
}
