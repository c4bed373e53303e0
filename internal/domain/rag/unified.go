package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	applog "docuchat/internal/platform/log"
)

// IngestOutcome 单个后端的摄取结果。
type IngestOutcome struct {
	Backend string `json:"backend"`
	Chunks  int    `json:"chunks"`
	Error   string `json:"error,omitempty"`
}

// UnifiedIngestor 把同一份内容写入两套后端。单个后端失败不影响另一个，
// 结果逐后端上报。原始文件字节可选落到上传目录（只写不读）。
type UnifiedIngestor struct {
	backends  []*Backend
	uploadDir string
}

// NewUnifiedIngestor 创建统一摄取器。uploadDir 为空时不保存原始文件。
func NewUnifiedIngestor(uploadDir string, backends ...*Backend) *UnifiedIngestor {
	return &UnifiedIngestor{backends: backends, uploadDir: uploadDir}
}

// IngestText 把文本写入所有后端，返回逐后端结果。
func (u *UnifiedIngestor) IngestText(ctx context.Context, text, source string) []IngestOutcome {
	outcomes := make([]IngestOutcome, 0, len(u.backends))
	for _, b := range u.backends {
		n, err := b.IngestText(ctx, text, source)
		outcome := IngestOutcome{Backend: b.Name(), Chunks: n}
		if err != nil {
			outcome.Error = err.Error()
			applog.Warn("[RAG/Unified] Backend ingest failed", "backend", b.Name(), "source", source, "error", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// IngestFile 保存原始字节（若配置了上传目录）并把文件写入所有后端。
func (u *UnifiedIngestor) IngestFile(ctx context.Context, filename string, data []byte) []IngestOutcome {
	if err := u.saveUpload(filename, data); err != nil {
		applog.Warn("[RAG/Unified] Failed to save upload", "filename", filename, "error", err)
	}

	outcomes := make([]IngestOutcome, 0, len(u.backends))
	for _, b := range u.backends {
		n, err := b.IngestFile(ctx, filename, data)
		outcome := IngestOutcome{Backend: b.Name(), Chunks: n}
		if err != nil {
			outcome.Error = err.Error()
			applog.Warn("[RAG/Unified] Backend ingest failed", "backend", b.Name(), "filename", filename, "error", err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (u *UnifiedIngestor) saveUpload(filename string, data []byte) error {
	if u.uploadDir == "" {
		return nil
	}
	if err := os.MkdirAll(u.uploadDir, 0o755); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}
	// 只取文件名部分，拒绝路径穿越
	path := filepath.Join(u.uploadDir, filepath.Base(filename))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write upload: %w", err)
	}
	return nil
}
