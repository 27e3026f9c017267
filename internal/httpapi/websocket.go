package httpapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/auth"
	"github.com/fastband-ai/fastband/internal/hub"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are the proxy's job; agents are not browsers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	maxFrameSize       = 64 * 1024
	closeGrace         = time.Second
	readDeadline       = 90 * time.Second
	forwardedForHeader = "X-Forwarded-For"
)

// wsConn adapts a gorilla connection to the hub transport surface.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) WriteMessage(data []byte) error {
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close(code int, reason string) error {
	deadline := time.Now().Add(closeGrace)
	_ = w.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return w.c.Close()
}

// handleWS upgrades the request and pumps inbound frames into the hub
// until the client goes away. Initial subscriptions come from the
// ?subscriptions= query parameter (comma-separated, invalid names are
// ignored); none means ALL.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIPFrom(r)

	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	conn := &wsConn{c: raw}
	if !s.hub.Connect(conn, id, clientIP, parseSubscriptions(r.URL.Query().Get("subscriptions"))) {
		return
	}

	agentName := ""
	if agentCtx, ok := auth.FromContext(r.Context()); ok {
		agentName = agentCtx.AgentName
	}
	s.logger.Debug("WebSocket session started",
		zap.String("connection_id", id),
		zap.String("agent", agentName),
	)

	raw.SetReadLimit(maxFrameSize)
	_ = raw.SetReadDeadline(time.Now().Add(readDeadline))
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			s.hub.Disconnect(id)
			return
		}
		_ = raw.SetReadDeadline(time.Now().Add(readDeadline))
		s.hub.HandleClientMessage(id, data, nil)
	}
}

// clientIPFrom prefers the first X-Forwarded-For entry so per-IP caps
// survive a reverse proxy, falling back to the socket address.
func clientIPFrom(r *http.Request) string {
	if fwd := r.Header.Get(forwardedForHeader); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseSubscriptions(raw string) []hub.Subscription {
	if raw == "" {
		return nil
	}
	var subs []hub.Subscription
	for _, part := range strings.Split(raw, ",") {
		if sub, ok := hub.ParseSubscription(strings.TrimSpace(part)); ok {
			subs = append(subs, sub)
		}
	}
	return subs
}
