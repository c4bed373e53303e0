package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"docuchat/internal/app/query"
	"docuchat/internal/platform/config"
	applog "docuchat/internal/platform/log"
)

const welcomeMessage = "Connected to chat server. Type your message to chat with the AI."

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsEvent 服务端下行事件：system / user / typing / ai / error。
type wsEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wsClientMessage 客户端上行消息。
// useLangchain 缺省时沿用会话当前后端，显式给出时切换。
type wsClientMessage struct {
	Message      string   `json:"message"`
	Sources      []string `json:"sources"`
	UseLangchain *bool    `json:"useLangchain"`
}

// WSHandler WebSocket 会话层。每条连接一个读协程加一个顺序处理循环，
// 断连时取消在途的 LLM 调用。
type WSHandler struct {
	orchestrator *query.Orchestrator

	mu     sync.Mutex
	active map[*websocket.Conn]struct{}
}

// NewWSHandler 创建会话处理器。
func NewWSHandler(orchestrator *query.Orchestrator) *WSHandler {
	return &WSHandler{
		orchestrator: orchestrator,
		active:       make(map[*websocket.Conn]struct{}),
	}
}

// ActiveConnections 当前活跃连接数。
func (h *WSHandler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// Serve GET /ws — 升级连接并进入会话循环。
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		applog.Warn("[WebSocket] Upgrade failed", "error", err)
		return
	}

	h.register(conn)
	defer h.unregister(conn)
	defer conn.Close()

	applog.Info("[WebSocket] Client connected", "remote", conn.RemoteAddr().String())

	if err := conn.WriteJSON(wsEvent{Type: "system", Message: welcomeMessage}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 读协程只负责收帧；读错误（含断连）触发 cancel，中止在途生成
	incoming := make(chan []byte)
	go func() {
		defer close(incoming)
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				applog.Info("[WebSocket] Client disconnected", "remote", conn.RemoteAddr().String())
				return
			}
			select {
			case incoming <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	// 会话态：后端选择跨消息保留，默认跟随全局配置
	session := query.Session{Backend: h.orchestrator.DefaultBackend()}

	for data := range incoming {
		h.handleMessage(ctx, conn, &session, data)
	}
}

// handleMessage 按协议处理一条消息：echo -> typing -> 生成 -> ai/error。
func (h *WSHandler) handleMessage(ctx context.Context, conn *websocket.Conn, session *query.Session, data []byte) {
	var msg wsClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.send(conn, wsEvent{Type: "error", Message: "Invalid message format"})
		return
	}

	if msg.UseLangchain != nil {
		if *msg.UseLangchain {
			session.Backend = config.BackendFramework
		} else {
			session.Backend = config.BackendManual
		}
	}
	session.Sources = msg.Sources

	userMessage := strings.TrimSpace(msg.Message)
	if userMessage == "" {
		return
	}

	applog.Info("[WebSocket] Message received",
		"backend", session.Backend,
		"sources", session.Sources,
		"preview", preview(userMessage, 80),
	)

	if !h.send(conn, wsEvent{Type: "user", Message: msg.Message}) {
		return
	}
	if !h.send(conn, wsEvent{Type: "typing", Message: "AI is typing... (" + backendLabel(session.Backend) + " system)"}) {
		return
	}

	chunks, errs, err := h.orchestrator.Answer(ctx, userMessage, *session)
	if err != nil {
		h.send(conn, wsEvent{Type: "error", Message: "Error processing message: " + err.Error()})
		return
	}

	// 聚合增量，整轮回复作为单个 ai 事件下发
	var sb strings.Builder
	for chunk := range chunks {
		sb.WriteString(chunk.Delta)
	}
	if err := <-errs; err != nil {
		if ctx.Err() != nil {
			// 断连取消：丢弃半截输出，不再写连接
			return
		}
		applog.Error("[WebSocket] Generation failed", "error", err)
		h.send(conn, wsEvent{Type: "error", Message: "Error processing message: " + err.Error()})
		return
	}

	h.send(conn, wsEvent{Type: "ai", Message: sb.String()})
}

func (h *WSHandler) send(conn *websocket.Conn, event wsEvent) bool {
	if err := conn.WriteJSON(event); err != nil {
		applog.Warn("[WebSocket] Write failed", "error", err)
		return false
	}
	return true
}

func (h *WSHandler) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[conn] = struct{}{}
}

func (h *WSHandler) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, conn)
}

func backendLabel(backend string) string {
	if backend == config.BackendFramework {
		return "LangChain"
	}
	return "Manual"
}

// preview 截断日志串，回退到最近的 rune 边界，避免切出半个字符。
func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
