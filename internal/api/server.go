package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"docuchat/internal/app/query"
	"docuchat/internal/domain/agent"
	"docuchat/internal/domain/rag"
	applog "docuchat/internal/platform/log"
	"docuchat/internal/provider/ollama"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8000,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // WebSocket 长连接需要较长写超时
	}
}

// Server HTTP 服务器：admin 面 + WebSocket 会话层。
type Server struct {
	config       *ServerConfig
	orchestrator *query.Orchestrator
	ingestor     *rag.UnifiedIngestor
	agent        *agent.Agent
	planner      *agent.Planner
	llm          *ollama.Client
	embedModel   string
	httpSrv      *http.Server
}

// NewServer 创建服务器
func NewServer(
	config *ServerConfig,
	orchestrator *query.Orchestrator,
	ingestor *rag.UnifiedIngestor,
	ag *agent.Agent,
	planner *agent.Planner,
	llm *ollama.Client,
	embedModel string,
) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config:       config,
		orchestrator: orchestrator,
		ingestor:     ingestor,
		agent:        ag,
		planner:      planner,
		llm:          llm,
		embedModel:   embedModel,
	}
}

// Start 启动服务器
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Chat gateway starting on %s", addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	systemHandler := NewSystemHandler(s.orchestrator, s.llm, s.embedModel)
	ragHandler := NewRAGHandler(s.orchestrator, s.ingestor)
	agentHandler := NewAgentHandler(s.agent, s.planner)
	wsHandler := NewWSHandler(s.orchestrator)

	r.Get("/health", systemHandler.Health)
	r.Route("/api", func(r chi.Router) {
		systemHandler.RegisterRoutes(r)
		ragHandler.RegisterRoutes(r)
		agentHandler.RegisterRoutes(r)
	})
	r.Get("/ws", wsHandler.Serve)

	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
