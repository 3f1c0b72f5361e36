package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/han-fei/telemesh/pkg/models"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 512
	watchBuffer    = 256
)

// watchMessage websocket推送的消息
type watchMessage struct {
	Type     string                   `json:"type"` // snapshot 或 report
	Samples  map[string]models.Sample `json:"samples,omitempty"`
	Identity string                   `json:"identity,omitempty"`
	Sample   *models.Sample           `json:"sample,omitempty"`
	Path     []string                 `json:"path,omitempty"`
}

// handleWatch 先推送一次快照，之后推送每个被接收的样本
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if !s.requireSource(w) {
		return
	}

	// 先订阅再取快照，避免两者之间的样本丢失
	feed, unsubscribe := s.opts.Source.Subscribe(watchBuffer)
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.QueryTimeout)
	samples, err := s.opts.Source.GetAllTelemetry(ctx)
	cancel()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("升级WebSocket连接失败", "error", err)
		return
	}
	defer conn.Close()

	s.logger.Debug("watch客户端已连接", "remote", r.RemoteAddr)

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	if err := writeMessage(conn, watchMessage{Type: "snapshot", Samples: samples}); err != nil {
		return
	}

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case report, ok := <-feed:
			if !ok {
				closeConn(conn)
				return
			}
			sample := report.Sample
			msg := watchMessage{Type: "report", Identity: report.Identity, Sample: &sample, Path: report.Path}
			if err := writeMessage(conn, msg); err != nil {
				s.logger.Debug("推送watch消息失败", "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.shutdown:
			closeConn(conn)
			return
		}
	}
}

// readPump 只处理控制帧，客户端断开时关闭closed
func (s *Server) readPump(conn *websocket.Conn, closed chan struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("读取WebSocket消息错误", "error", err)
			}
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg watchMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(msg)
}

func closeConn(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
		time.Now().Add(time.Second))
}
