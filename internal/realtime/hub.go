// Package realtime pushes transaction status changes to websocket clients.
//
// A client connects to the hub, sends {"type":"AUTH","token":"..."} within the
// auth timeout and then receives TRANSACTION_STATUS_CHANGE messages for its
// own transactions. Admin clients receive every change.
package realtime

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"cashbridge/internal/domain"
	"cashbridge/internal/logging"
	"cashbridge/internal/observability"
)

// Message types.
const (
	TypeAuth         = "AUTH"
	TypeAuthOK       = "AUTH_OK"
	TypeAuthError    = "AUTH_ERROR"
	TypeStatusChange = "TRANSACTION_STATUS_CHANGE"
)

// Identity is an authenticated websocket user.
type Identity struct {
	UserID string
	Admin  bool
}

// TokenVerifier validates the bearer token sent in the AUTH message.
type TokenVerifier interface {
	VerifyToken(token string) (Identity, error)
}

// Config configures hub timing.
type Config struct {
	// AuthTimeout is how long a new connection may stay unauthenticated.
	AuthTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
	// SendBuffer is the per-client queue length; overflow drops messages.
	SendBuffer int
}

// DefaultConfig returns default hub configuration.
func DefaultConfig() Config {
	return Config{
		AuthTimeout:  5 * time.Second,
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
		SendBuffer:   32,
	}
}

// StatusMessage is the wire form of a status change.
type StatusMessage struct {
	Type          string    `json:"type"`
	TransactionID string    `json:"transactionId"`
	Status        string    `json:"status"`
	SettlementRef string    `json:"settlementRef,omitempty"`
	Step          string    `json:"step,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

type inbound struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type outbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Hub tracks authenticated clients and fans out status changes.
type Hub struct {
	verifier TokenVerifier
	config   Config
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  atomic.Bool
}

// Option configures Hub.
type Option func(*Hub)

// WithConfig overrides the timing configuration.
func WithConfig(cfg Config) Option {
	return func(h *Hub) {
		h.config = cfg
	}
}

// WithCheckOrigin sets the upgrade origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// NewHub creates a Hub authenticating clients with v.
func NewHub(v TokenVerifier, opts ...Option) *Hub {
	h := &Hub{
		verifier: v,
		config:   DefaultConfig(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.config.SendBuffer <= 0 {
		h.config.SendBuffer = DefaultConfig().SendBuffer
	}
	h.logger = logging.OrNop(h.logger).Named("realtime")
	return h
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, h.config.SendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

// NotifyStatus queues change for its owner and all admins. Slow clients
// whose queue is full miss the message.
func (h *Hub) NotifyStatus(change domain.StatusChange) {
	msg, err := json.Marshal(StatusMessage{
		Type:          TypeStatusChange,
		TransactionID: change.TransactionID,
		Status:        change.Status.String(),
		SettlementRef: change.SettlementRef,
		Step:          change.Step.String(),
		Reason:        change.Reason,
		Timestamp:     change.At,
	})
	if err != nil {
		h.logger.Error("encode status change", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.admin && c.userID != change.UserID {
			continue
		}
		select {
		case c.send <- msg:
			observability.RecordWSMessage(false)
		default:
			observability.RecordWSMessage(true)
			h.logger.Warn("dropping status change for slow client",
				zap.String("client_id", c.id),
				zap.String("transaction_id", change.TransactionID),
			)
		}
	}
}

// ClientCount returns the number of authenticated clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed.Swap(true) {
		h.mu.Unlock()
		return
	}
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
}

// register adds c unless the hub is closed.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return false
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetWSClients(n)
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	observability.SetWSClients(n)
}

// client is one websocket connection.
type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	writeM sync.Mutex

	userID string
	admin  bool
}

// readLoop authenticates the connection and then drains client frames.
func (c *client) readLoop() {
	h := c.hub
	defer func() {
		h.unregister(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(h.config.AuthTimeout))
	var msg inbound
	if err := c.conn.ReadJSON(&msg); err != nil {
		h.logger.Debug("no auth message", zap.String("client_id", c.id), zap.Error(err))
		return
	}
	if msg.Type != TypeAuth || msg.Token == "" {
		c.writeJSON(outbound{Type: TypeAuthError, Message: "authentication required"})
		return
	}
	ident, err := h.verifier.VerifyToken(msg.Token)
	if err != nil {
		h.logger.Info("websocket auth rejected", zap.String("client_id", c.id), zap.Error(err))
		c.writeJSON(outbound{Type: TypeAuthError, Message: "invalid token"})
		return
	}
	c.userID = ident.UserID
	c.admin = ident.Admin

	if !h.register(c) {
		c.writeJSON(outbound{Type: TypeAuthError, Message: "server shutting down"})
		c.close(websocket.CloseGoingAway, "server shutdown")
		return
	}
	c.writeJSON(outbound{Type: TypeAuthOK})
	h.logger.Debug("websocket client authenticated",
		zap.String("client_id", c.id),
		zap.String("user_id", c.userID),
		zap.Bool("admin", c.admin),
	)

	readTimeout := 2 * h.config.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop delivers queued messages and pings.
func (c *client) writeLoop() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close(websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
	return c.conn.WriteMessage(messageType, data)
}

func (c *client) writeJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.write(websocket.TextMessage, data); err != nil {
		c.hub.logger.Debug("websocket write failed", zap.String("client_id", c.id), zap.Error(err))
	}
}

func (c *client) close(code int, reason string) {
	c.once.Do(func() {
		close(c.done)
		c.writeM.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.writeM.Unlock()
		c.conn.Close()
	})
}
