package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"docuchat/internal/api"
	"docuchat/internal/app/query"
	"docuchat/internal/domain/agent"
	"docuchat/internal/domain/rag"
	"docuchat/internal/platform/config"
	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
	"docuchat/internal/tool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Config load failed: %v\n", err)
		os.Exit(1)
	}

	applog.Init(applog.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	llm := ollama.New(ollama.Config{
		BaseURL:        cfg.LLM.BaseURL,
		TimeoutSeconds: cfg.LLM.TimeoutSeconds,
		MaxIdleConns:   cfg.LLM.MaxIdleConns,
	})
	applog.Infof("✅ LLM client ready (runtime: %s, generation: %s, embedding: %s)",
		cfg.LLM.BaseURL, cfg.LLM.GenerationModel, cfg.LLM.EmbeddingModel)

	backendCfg := rag.BackendConfig{
		EmbeddingModel:  cfg.LLM.EmbeddingModel,
		ChunkSize:       cfg.RAG.ChunkSize,
		ChunkOverlap:    cfg.RAG.ChunkOverlap,
		TopK:            cfg.RAG.TopK,
		MaxContextChars: cfg.RAG.MaxContextChars,
	}

	// vectorstore_path 是目录：manual 的 JSON 文件与 framework 的持久化目录都放里面
	manualBackend, err := rag.NewManualBackend(llm, backendCfg, filepath.Join(cfg.RAG.VectorStorePath, "manual.json"))
	if err != nil {
		applog.Fatalf("❌ Failed to build manual backend: %v", err)
	}
	applog.Info("✅ Manual RAG backend ready", "chunks", manualBackend.Stats().Count)

	frameworkDir := ""
	if cfg.RAG.VectorStore == config.VectorStorePersistent {
		frameworkDir = filepath.Join(cfg.RAG.VectorStorePath, "framework")
	}
	frameworkBackend, err := rag.NewFrameworkBackend(llm, backendCfg, frameworkDir)
	if err != nil {
		applog.Fatalf("❌ Failed to build framework backend: %v", err)
	}
	applog.Infof("✅ Framework RAG backend ready (vectorstore: %s)", cfg.RAG.VectorStore)

	backends := map[string]*rag.Backend{
		manualBackend.Name():    manualBackend,
		frameworkBackend.Name(): frameworkBackend,
	}
	ingestor := rag.NewUnifiedIngestor(cfg.RAG.UploadDir, manualBackend, frameworkBackend)

	registry := tool.NewRegistry()
	registry.Register(tool.NewCalculatorTool())
	registry.Register(tool.NewTimeTool())
	registry.Register(tool.NewWeatherTool())
	registry.Register(tool.NewKnowledgeTool())
	applog.Infof("✅ Tool registry ready (tools: %v)", registry.Names())

	ag := agent.New(llm, registry, cfg.LLM.GenerationModel, cfg.Agent.MaxSteps)
	planner := agent.NewPlanner(llm, registry, cfg.LLM.GenerationModel, cfg.Agent.MaxSteps)

	orchestrator := query.New(llm, backends, cfg.RAG.Enabled, cfg.LLM.GenerationModel, cfg.RAG.BackendDefault)
	if !cfg.RAG.Enabled {
		applog.Warn("⚠️  RAG is disabled, all chat turns use plain prompts")
	}

	serverConfig := api.DefaultServerConfig()
	serverConfig.Host = cfg.Server.Host
	serverConfig.Port = cfg.Server.Port
	serverConfig.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	serverConfig.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	server := api.NewServer(serverConfig, orchestrator, ingestor, ag, planner, llm, cfg.LLM.EmbeddingModel)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		applog.Info("🔄 Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Stop(ctx); err != nil {
			applog.Errorf("❌ Server shutdown error: %v", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		applog.Fatalf("❌ Server error: %v", err)
	}

	applog.Info("👋 Server stopped")
}
