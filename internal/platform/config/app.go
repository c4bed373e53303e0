package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"`
	Server    ServerConfig `yaml:"server"`
	LLM       LLMConfig    `yaml:"llm"`
	RAG       RAGConfig    `yaml:"rag"`
	Agent     AgentConfig  `yaml:"agent"`
}

type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

// LLMConfig Ollama 运行时连接与默认模型配置。
type LLMConfig struct {
	BaseURL         string `yaml:"base_url"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
	GenerationModel string `yaml:"generation_model"`
	EmbeddingModel  string `yaml:"embedding_model"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

// RAGConfig 检索增强配置，两套后端共用。
type RAGConfig struct {
	Enabled         bool   `yaml:"enabled"`
	TopK            int    `yaml:"top_k"`
	MaxContextChars int    `yaml:"max_context_chars"`
	ChunkSize       int    `yaml:"chunk_size"`
	ChunkOverlap    int    `yaml:"chunk_overlap"`
	BackendDefault  string `yaml:"backend_default"` // manual | framework
	VectorStore     string `yaml:"vectorstore"`     // framework 专用: flat | persistent
	VectorStorePath string `yaml:"vectorstore_path"`
	UploadDir       string `yaml:"upload_dir"`
}

type AgentConfig struct {
	MaxSteps int `yaml:"max_steps"`
}

// 后端标识与 framework 索引模式的合法取值。
const (
	BackendManual    = "manual"
	BackendFramework = "framework"

	VectorStoreFlat       = "flat"
	VectorStorePersistent = "persistent"
)

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8000,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 600,
		},
		LLM: LLMConfig{
			BaseURL:         "http://localhost:11434",
			TimeoutSeconds:  120,
			GenerationModel: "gemma:2b",
			EmbeddingModel:  "nomic-embed-text",
			MaxIdleConns:    8,
		},
		RAG: RAGConfig{
			Enabled:         true,
			TopK:            4,
			MaxContextChars: 2000,
			ChunkSize:       800,
			ChunkOverlap:    200,
			BackendDefault:  BackendManual,
			VectorStore:     VectorStoreFlat,
			VectorStorePath: "data/vectorstore",
			UploadDir:       "",
		},
		Agent: AgentConfig{
			MaxSteps: 5,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件为 YAML，路径通过 APP_CONFIG_FILE 指定；未指定时尝试 ./config.yaml。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE"))
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q failed: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("LLM_BASE_URL", &c.LLM.BaseURL)
	applyInt("LLM_TIMEOUT_SECONDS", &c.LLM.TimeoutSeconds)
	applyString("LLM_GENERATION_MODEL", &c.LLM.GenerationModel)
	applyString("LLM_EMBEDDING_MODEL", &c.LLM.EmbeddingModel)
	applyInt("LLM_MAX_IDLE_CONNS", &c.LLM.MaxIdleConns)

	applyBool("RAG_ENABLED", &c.RAG.Enabled)
	applyInt("RAG_TOP_K", &c.RAG.TopK)
	applyInt("RAG_MAX_CONTEXT_CHARS", &c.RAG.MaxContextChars)
	applyInt("RAG_CHUNK_SIZE", &c.RAG.ChunkSize)
	applyInt("RAG_CHUNK_OVERLAP", &c.RAG.ChunkOverlap)
	applyString("RAG_BACKEND_DEFAULT", &c.RAG.BackendDefault)
	applyString("RAG_VECTORSTORE", &c.RAG.VectorStore)
	applyString("RAG_VECTORSTORE_PATH", &c.RAG.VectorStorePath)
	applyString("RAG_UPLOAD_DIR", &c.RAG.UploadDir)

	applyInt("AGENT_MAX_STEPS", &c.Agent.MaxSteps)
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.LLM.BaseURL) == "" {
		return fmt.Errorf("LLM_BASE_URL is required")
	}
	if c.LLM.TimeoutSeconds <= 0 {
		return fmt.Errorf("LLM_TIMEOUT_SECONDS must be positive, got %d", c.LLM.TimeoutSeconds)
	}
	if c.RAG.ChunkSize <= 0 {
		return fmt.Errorf("RAG_CHUNK_SIZE must be positive, got %d", c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 || c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return fmt.Errorf("RAG_CHUNK_OVERLAP must be in [0, chunk_size), got %d (chunk_size %d)",
			c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.RAG.TopK <= 0 {
		return fmt.Errorf("RAG_TOP_K must be positive, got %d", c.RAG.TopK)
	}
	if c.RAG.MaxContextChars <= 0 {
		return fmt.Errorf("RAG_MAX_CONTEXT_CHARS must be positive, got %d", c.RAG.MaxContextChars)
	}
	switch c.RAG.BackendDefault {
	case BackendManual, BackendFramework:
	default:
		return fmt.Errorf("RAG_BACKEND_DEFAULT must be %q or %q, got %q",
			BackendManual, BackendFramework, c.RAG.BackendDefault)
	}
	switch c.RAG.VectorStore {
	case VectorStoreFlat, VectorStorePersistent:
	default:
		return fmt.Errorf("RAG_VECTORSTORE must be %q or %q, got %q",
			VectorStoreFlat, VectorStorePersistent, c.RAG.VectorStore)
	}
	if strings.TrimSpace(c.RAG.VectorStorePath) == "" {
		return fmt.Errorf("RAG_VECTORSTORE_PATH is required")
	}
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("AGENT_MAX_STEPS must be positive, got %d", c.Agent.MaxSteps)
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
