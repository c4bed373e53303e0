package rag

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "docuchat/internal/platform/log"
)

// ParseFile 按文件后缀分发解析，返回纯文本。
// 支持 .pdf / .docx / .txt / .md，其余后缀返回 ErrUnsupportedFormat。
func ParseFile(filename string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return parsePDF(filename, data)
	case ".docx":
		return parseDOCX(filename, data)
	case ".txt", ".md":
		return parseText(filename, data)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(filename))
	}
}

// SupportedExtensions 支持的文件后缀列表。
func SupportedExtensions() []string {
	return []string{".pdf", ".docx", ".txt", ".md"}
}

// parsePDF 逐页提取文本。无法提取的页贡献空串，整体为空时报 ErrEmptyDocument。
// pdf 库对畸形文件可能 panic，这里统一转为错误返回。
func parsePDF(filename string, data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: malformed pdf %s: %v", ErrEmptyDocument, filename, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open pdf %s: %v", ErrEmptyDocument, filename, err)
	}

	pages := r.NumPage()
	var sb strings.Builder
	for i := 1; i <= pages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[RAG/Parser] Failed to extract page text", "file", filename, "page", i, "error", err)
			continue
		}
		if pageText = strings.TrimSpace(pageText); pageText != "" {
			sb.WriteString(pageText)
			sb.WriteString("\n\n")
		}
	}

	text = strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("%w: pdf %s has no extractable text", ErrEmptyDocument, filename)
	}
	return text, nil
}

var (
	reDocxParagraph = regexp.MustCompile(`(?s)<w:p[ >].*?</w:p>|<w:p/>`)
	reDocxRun       = regexp.MustCompile(`(?s)<w:t[^>]*>(.*?)</w:t>`)
)

// parseDOCX 提取段落文本，段落间以换行连接。
func parseDOCX(filename string, data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("%w: open docx %s: %v", ErrEmptyDocument, filename, err)
	}
	defer r.Close()

	// docx 库返回文档 XML，按 <w:p> 段落提取 <w:t> 文本串
	content := r.Editable().GetContent()
	var paragraphs []string
	for _, para := range reDocxParagraph.FindAllString(content, -1) {
		var sb strings.Builder
		for _, run := range reDocxRun.FindAllStringSubmatch(para, -1) {
			sb.WriteString(unescapeXML(run[1]))
		}
		if p := strings.TrimSpace(sb.String()); p != "" {
			paragraphs = append(paragraphs, p)
		}
	}

	text := strings.Join(paragraphs, "\n")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: docx %s has no extractable text", ErrEmptyDocument, filename)
	}
	return text, nil
}

// parseText 纯文本/Markdown：按 UTF-8 解码，非法字节替换而非拒绝。
func parseText(filename string, data []byte) (string, error) {
	text := strings.ToValidUTF8(string(data), "�")
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrEmptyDocument, filename)
	}
	return text, nil
}

var xmlUnescaper = strings.NewReplacer(
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&apos;", "'",
	"&amp;", "&",
)

func unescapeXML(s string) string {
	return xmlUnescaper.Replace(s)
}
