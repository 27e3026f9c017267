package hub

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fastband-ai/fastband/internal/events"
	"github.com/fastband-ai/fastband/internal/metrics"
)

// Subscription is a filter selecting which event families a connection
// receives. The vocabulary is closed.
type Subscription string

const (
	SubAll        Subscription = "ALL"
	SubAgents     Subscription = "AGENTS"
	SubOpsLog     Subscription = "OPS_LOG"
	SubTickets    Subscription = "TICKETS"
	SubDirectives Subscription = "DIRECTIVES"
)

// ParseSubscription validates one subscription name.
func ParseSubscription(s string) (Subscription, bool) {
	switch Subscription(s) {
	case SubAll, SubAgents, SubOpsLog, SubTickets, SubDirectives:
		return Subscription(s), true
	}
	return "", false
}

// Targets maps an event type to the subscription set it reaches. Every
// event reaches ALL plus its family subscription.
func Targets(t events.Type) []Subscription {
	switch t.Family() {
	case "ticket", "code_review":
		return []Subscription{SubAll, SubTickets}
	case "agent":
		return []Subscription{SubAll, SubAgents}
	case "ops_log", "build":
		return []Subscription{SubAll, SubOpsLog}
	case "directive":
		return []Subscription{SubAll, SubDirectives}
	}
	return []Subscription{SubAll}
}

// Close codes used by the hub.
const (
	CloseNormal   = 1000
	CloseCapacity = 1013
)

// Defaults for admission control.
const (
	DefaultMaxConnections = 1000
	DefaultMaxPerIP       = 50
	HeartbeatInterval     = 30 * time.Second
)

// Message is the wire shape of everything the hub sends and receives:
// UTF-8 JSON with an ISO-8601 UTC timestamp.
type Message struct {
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(typ string, data map[string]any) Message {
	return Message{
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}
}

// Server-originated message types outside the event vocabulary.
const (
	MsgConnected = "system:connected"
	MsgPing      = "system:ping"
	MsgPong      = "system:pong"
	MsgError     = "system:error"
	MsgSubscribe = "subscribe"
)

// Conn is the minimal transport surface the hub writes to. The gorilla
// *websocket.Conn is adapted to it in httpapi; tests use an in-memory fake.
type Conn interface {
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// connection is one live client.
type connection struct {
	id          string
	conn        Conn
	clientIP    string
	connectedAt time.Time

	// writeMu serializes writes so messages to one connection keep
	// publication order.
	writeMu sync.Mutex

	mu       sync.Mutex
	subs     map[Subscription]struct{}
	lastPing time.Time
}

func (c *connection) subscribedToAny(targets []Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range targets {
		if _, ok := c.subs[t]; ok {
			return true
		}
	}
	return false
}

func (c *connection) subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Options configures a Hub.
type Options struct {
	MaxConnections int
	MaxPerIP       int
}

// Hub is the WebSocket connection pool with subscription-filtered
// broadcast, heartbeat, and admission caps.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*connection
	perIP map[string]int

	maxConnections int
	maxPerIP       int

	heartbeatMu   sync.Mutex
	heartbeatStop chan struct{}

	logger *zap.Logger
}

// New creates an empty hub. Non-positive caps select the defaults.
func New(logger *zap.Logger, opts Options) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.MaxPerIP <= 0 {
		opts.MaxPerIP = DefaultMaxPerIP
	}
	return &Hub{
		conns:          make(map[string]*connection),
		perIP:          make(map[string]int),
		maxConnections: opts.MaxConnections,
		maxPerIP:       opts.MaxPerIP,
		logger:         logger,
	}
}

// Connect admits a connection after checking the global and per-IP caps.
// Rejections close the transport with 1013 and return false. An empty
// subscription list defaults to ALL. Admitted clients immediately receive
// system:connected.
func (h *Hub) Connect(conn Conn, id, clientIP string, subs []Subscription) bool {
	h.mu.Lock()
	if len(h.conns) >= h.maxConnections {
		h.mu.Unlock()
		h.logger.Warn("Connection rejected, server at capacity",
			zap.String("connection_id", id),
			zap.Int("max_connections", h.maxConnections),
		)
		_ = conn.Close(CloseCapacity, "server at capacity")
		return false
	}
	if h.perIP[clientIP] >= h.maxPerIP {
		h.mu.Unlock()
		h.logger.Warn("Connection rejected, too many from IP",
			zap.String("connection_id", id),
			zap.String("client_ip", clientIP),
			zap.Int("max_per_ip", h.maxPerIP),
		)
		_ = conn.Close(CloseCapacity, "too many connections from your IP")
		return false
	}

	if len(subs) == 0 {
		subs = []Subscription{SubAll}
	}
	c := &connection{
		id:          id,
		conn:        conn,
		clientIP:    clientIP,
		connectedAt: time.Now(),
		subs:        make(map[Subscription]struct{}, len(subs)),
		lastPing:    time.Now(),
	}
	for _, s := range subs {
		c.subs[s] = struct{}{}
	}
	h.conns[id] = c
	h.perIP[clientIP]++
	total := len(h.conns)
	h.mu.Unlock()

	metrics.HubConnections.Set(float64(total))
	h.logger.Info("WebSocket connected",
		zap.String("connection_id", id),
		zap.String("client_ip", clientIP),
		zap.Int("connections", total),
	)

	h.send(c, NewMessage(MsgConnected, map[string]any{
		"connection_id": id,
		"subscriptions": c.subscriptions(),
	}))
	return true
}

// Disconnect removes the connection and closes it with 1000.
func (h *Hub) Disconnect(id string) {
	h.dropConnection(id, CloseNormal, "")
}

func (h *Hub) dropConnection(id string, code int, reason string) {
	h.mu.Lock()
	c, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
		h.perIP[c.clientIP]--
		if h.perIP[c.clientIP] <= 0 {
			delete(h.perIP, c.clientIP)
		}
	}
	total := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = c.conn.Close(code, reason)
	metrics.HubConnections.Set(float64(total))
	h.logger.Info("WebSocket disconnected",
		zap.String("connection_id", id),
		zap.Int("code", code),
	)
}

// send writes a message to one connection under its write lock. Send
// failures drop the connection synchronously.
func (h *Hub) send(c *connection, msg Message) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Unserializable hub message", zap.Error(err))
		return false
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(raw)
	c.writeMu.Unlock()
	if err != nil {
		metrics.HubSendFailures.Inc()
		h.logger.Warn("WebSocket send failed, dropping connection",
			zap.String("connection_id", c.id),
			zap.Error(err),
		)
		h.dropConnection(c.id, CloseNormal, "send failure")
		return false
	}
	metrics.HubMessagesSent.Inc()
	return true
}

// snapshot copies the connection list so sends run outside the hub lock.
func (h *Hub) snapshot() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends an event to every connection whose subscriptions
// intersect the event's target set, returning the number of successful
// sends.
func (h *Hub) Broadcast(eventType events.Type, data map[string]any) int {
	targets := Targets(eventType)
	msg := NewMessage(string(eventType), data)
	sent := 0
	for _, c := range h.snapshot() {
		if !c.subscribedToAny(targets) {
			continue
		}
		if h.send(c, msg) {
			sent++
		}
	}
	return sent
}

// BroadcastToSubscription sends a message to every connection holding the
// given subscription.
func (h *Hub) BroadcastToSubscription(sub Subscription, msg Message) int {
	sent := 0
	for _, c := range h.snapshot() {
		if !c.subscribedToAny([]Subscription{sub}) {
			continue
		}
		if h.send(c, msg) {
			sent++
		}
	}
	return sent
}

// BroadcastAll sends a message to every connection regardless of
// subscriptions.
func (h *Hub) BroadcastAll(msg Message) int {
	sent := 0
	for _, c := range h.snapshot() {
		if h.send(c, msg) {
			sent++
		}
	}
	return sent
}

// UpdateSubscriptions replaces a connection's subscription set. An empty
// set defaults to ALL. Unknown connections return false.
func (h *Hub) UpdateSubscriptions(id string, subs []Subscription) bool {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if len(subs) == 0 {
		subs = []Subscription{SubAll}
	}
	c.mu.Lock()
	c.subs = make(map[Subscription]struct{}, len(subs))
	for _, s := range subs {
		c.subs[s] = struct{}{}
	}
	c.mu.Unlock()
	return true
}

// ClientHandler receives application messages the hub does not consume.
type ClientHandler func(connectionID string, msg Message)

// HandleClientMessage processes one inbound frame. Invalid JSON replies
// with system:error and keeps the connection open. system:ping gets a
// system:pong; system:pong refreshes the last-ping timestamp; subscribe
// updates the subscription set. Anything else goes to the handler.
func (h *Hub) HandleClientMessage(id string, raw []byte, handler ClientHandler) {
	h.mu.RLock()
	c, ok := h.conns[id]
	h.mu.RUnlock()
	if !ok {
		return
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.send(c, NewMessage(MsgError, map[string]any{"error": "invalid JSON"}))
		return
	}

	switch msg.Type {
	case MsgPing:
		h.send(c, NewMessage(MsgPong, nil))
	case MsgPong:
		c.mu.Lock()
		c.lastPing = time.Now()
		c.mu.Unlock()
	case MsgSubscribe:
		subs := parseSubscriptionData(msg.Data)
		if !h.UpdateSubscriptions(id, subs) {
			return
		}
		h.send(c, NewMessage(MsgConnected, map[string]any{
			"connection_id": id,
			"subscriptions": c.subscriptions(),
		}))
	default:
		if handler != nil {
			handler(id, msg)
		}
	}
}

func parseSubscriptionData(data map[string]any) []Subscription {
	raw, ok := data["subscriptions"].([]any)
	if !ok {
		return nil
	}
	var subs []Subscription
	for _, v := range raw {
		if s, ok := v.(string); ok {
			if sub, valid := ParseSubscription(s); valid {
				subs = append(subs, sub)
			}
		}
	}
	return subs
}

// StartHeartbeat begins broadcasting system:ping on the interval (the
// default when non-positive). Calling it twice is a no-op.
func (h *Hub) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		interval = HeartbeatInterval
	}
	h.heartbeatMu.Lock()
	defer h.heartbeatMu.Unlock()
	if h.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	h.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.BroadcastAll(NewMessage(MsgPing, nil))
			}
		}
	}()
}

// StopHeartbeat cancels the heartbeat task.
func (h *Hub) StopHeartbeat() {
	h.heartbeatMu.Lock()
	defer h.heartbeatMu.Unlock()
	if h.heartbeatStop != nil {
		close(h.heartbeatStop)
		h.heartbeatStop = nil
	}
}

// Stats summarizes the pool.
type Stats struct {
	Connections     int                  `json:"connections"`
	MaxConnections  int                  `json:"max_connections"`
	BySubscription  map[Subscription]int `json:"by_subscription"`
	UniqueClientIPs int                  `json:"unique_client_ips"`
}

// GetStats returns a point-in-time view of the pool.
func (h *Hub) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	stats := Stats{
		Connections:     len(h.conns),
		MaxConnections:  h.maxConnections,
		BySubscription:  make(map[Subscription]int),
		UniqueClientIPs: len(h.perIP),
	}
	for _, c := range h.conns {
		for _, s := range c.subscriptions() {
			stats.BySubscription[s]++
		}
	}
	return stats
}

// Shutdown stops the heartbeat and closes every connection with 1000.
func (h *Hub) Shutdown() {
	h.StopHeartbeat()
	for _, c := range h.snapshot() {
		h.dropConnection(c.id, CloseNormal, "server shutting down")
	}
}
