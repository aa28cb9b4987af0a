package broadcast

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 鉴权在上游反向代理完成
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsControl 发给客户端的非事件控制帧
type wsControl struct {
	Type string `json:"type"`
}

// WSHandler 告警事件的WebSocket订阅端点
//
// 查询参数：
//
//	scope     订阅范围（hospital:<id> 或 alert:<id>），必填
//	last_seen 客户端已收到的最大序列号，省略则只收新事件
//
// 重放缓冲已淘汰漏掉的事件时，先下发 {"type":"replay_unavailable"}
// 再进入纯实时模式，客户端应自行全量刷新。
type WSHandler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewWSHandler 创建WebSocket处理器
func NewWSHandler(hub *Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		http.Error(w, "scope is required", http.StatusBadRequest)
		return
	}

	var lastSeen *uint64
	if raw := r.URL.Query().Get("last_seen"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid last_seen", http.StatusBadRequest)
			return
		}
		lastSeen = &n
	}

	sub, replay, err := h.hub.Subscribe(r.Context(), scope, lastSeen)
	staleCursor := false
	if err == ErrReplayUnavailable {
		// 缓冲窗口外：降级为纯实时订阅，通知客户端全量刷新
		staleCursor = true
		sub, replay, err = h.hub.Subscribe(r.Context(), scope, nil)
	}
	if err != nil {
		h.logger.Error("Failed to subscribe",
			zap.String("scope", scope),
			zap.Error(err))
		http.Error(w, "subscription unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.Unsubscribe(sub)
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("scope", scope),
			zap.Error(err))
		return
	}

	h.logger.Info("Subscriber connected",
		zap.String("subscriber_id", sub.ID),
		zap.String("scope", scope),
		zap.Bool("replay", lastSeen != nil),
		zap.Int("replayed_events", len(replay)))

	go h.writePump(conn, sub, replay, staleCursor)
	go h.readPump(conn, sub)
}

// writePump 先写重放事件，再写实时事件
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber, replay []Event, staleCursor bool) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		h.hub.Unsubscribe(sub)
	}()

	if staleCursor {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(wsControl{Type: "replay_unavailable"}); err != nil {
			return
		}
	}

	for _, event := range replay {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	for {
		select {
		case event := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-sub.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event queue overflow"))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只用于感知客户端断开和处理pong
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		conn.Close()
		h.hub.Unsubscribe(sub)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Subscriber connection error",
					zap.String("subscriber_id", sub.ID),
					zap.Error(err))
			}
			return
		}
	}
}
