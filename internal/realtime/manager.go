package realtime

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/auth"
	"einvoice-portal/onboarding-backend/internal/onboarding"
)

// AbandonFunc is called when a connection stays idle for the configured timeout.
type AbandonFunc func(userID, role string, idleFor time.Duration)

// Config holds websocket timings.
type Config struct {
	IdleTimeout    time.Duration `json:"idle_timeout"`
	PingInterval   time.Duration `json:"ping_interval"`
	PongWait       time.Duration `json:"pong_wait"`
	WriteWait      time.Duration `json:"write_wait"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// DefaultConfig returns default websocket timings
func DefaultConfig() Config {
	return Config{
		IdleTimeout:  15 * time.Minute,
		PingInterval: 54 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
	}
}

// Manager handles WebSocket connections and forwards bridge messages to them
type Manager struct {
	connections map[string]*Connection
	mu          sync.RWMutex
	bridge      *Bridge
	upgrader    websocket.Upgrader
	config      Config
	onAbandon   AbandonFunc
	logger      *zap.Logger
}

// Connection represents a WebSocket client connection
type Connection struct {
	ID           string
	UserID       string
	Role         string
	Conn         *websocket.Conn
	Send         chan Message
	LastActivity time.Time
	UserAgent    string
	IPAddress    string

	sub  *Subscription
	idle *onboarding.IdleWatcher
	done chan struct{}
	once sync.Once
	mu   sync.Mutex
}

// NewManager creates a new WebSocket manager
func NewManager(bridge *Bridge, config Config, onAbandon AbandonFunc, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongWait <= 0 {
		config.PongWait = def.PongWait
	}
	if config.WriteWait <= 0 {
		config.WriteWait = def.WriteWait
	}

	m := &Manager{
		connections: make(map[string]*Connection),
		bridge:      bridge,
		config:      config,
		onAbandon:   onAbandon,
		logger:      logger,
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range m.config.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Serve handles GET /ws for the authenticated caller
func (m *Manager) Serve(c *gin.Context) {
	p, ok := auth.CurrentPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return
	}
	if _, err := m.HandleConnection(c.Writer, c.Request, p.UserID, p.Role); err != nil {
		m.logger.Warn("WebSocket upgrade failed", zap.String("user_id", p.UserID), zap.Error(err))
	}
}

// HandleConnection upgrades the request and starts the connection pumps
func (m *Manager) HandleConnection(w http.ResponseWriter, r *http.Request, userID, role string) (*Connection, error) {
	sub := m.bridge.Subscribe(userID)
	if sub == nil {
		http.Error(w, "realtime channel closed", http.StatusServiceUnavailable)
		return nil, fmt.Errorf("bridge stopped")
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.bridge.Unsubscribe(sub)
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Role:         role,
		Conn:         conn,
		Send:         make(chan Message, 32),
		LastActivity: time.Now(),
		UserAgent:    r.Header.Get("User-Agent"),
		IPAddress:    r.RemoteAddr,
		sub:          sub,
		done:         make(chan struct{}),
	}
	connection.idle = onboarding.NewIdleWatcher(m.config.IdleTimeout, func() { m.handleIdle(connection) })

	m.mu.Lock()
	m.connections[connection.ID] = connection
	m.mu.Unlock()

	m.logger.Info("Connection registered",
		zap.String("connection_id", connection.ID),
		zap.String("user_id", userID))

	connection.idle.Start()
	go m.readPump(connection)
	go m.writePump(connection)

	m.enqueue(connection, Message{
		Type:      MessageStatus,
		Data:      map[string]interface{}{"status": "connected", "connection_id": connection.ID},
		Timestamp: time.Now().UTC(),
	})
	return connection, nil
}

// readPump reads client messages until the connection fails
func (m *Manager) readPump(conn *Connection) {
	defer m.release(conn)

	conn.Conn.SetReadLimit(512)
	conn.Conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(m.config.PongWait))
		return nil
	})

	for {
		var msg Message
		if err := conn.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Debug("WebSocket read failed", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}

		conn.mu.Lock()
		conn.LastActivity = time.Now()
		conn.mu.Unlock()

		m.handleMessage(conn, &msg)
	}
}

// writePump forwards bridge and direct messages to the socket
func (m *Manager) writePump(conn *Connection) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Conn.Close()
	}()

	for {
		select {
		case msg, ok := <-conn.sub.C:
			if !ok {
				conn.Conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := m.write(conn, msg); err != nil {
				return
			}

		case msg := <-conn.Send:
			if err := m.write(conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-conn.done:
			return
		}
	}
}

func (m *Manager) write(conn *Connection, msg Message) error {
	conn.Conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
	return conn.Conn.WriteJSON(msg)
}

func (m *Manager) handleMessage(conn *Connection, msg *Message) {
	switch msg.Type {
	case MessageActivity:
		conn.idle.Touch()
	case MessagePing:
		conn.idle.Touch()
		m.enqueue(conn, Message{
			Type:      MessageStatus,
			Data:      map[string]interface{}{"status": "alive"},
			Timestamp: time.Now().UTC(),
		})
	default:
		m.logger.Debug("Unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (m *Manager) handleIdle(conn *Connection) {
	m.logger.Info("Onboarding session idle",
		zap.String("user_id", conn.UserID),
		zap.Duration("idle_for", m.config.IdleTimeout))
	m.enqueue(conn, Message{
		Type:      MessageIdle,
		Data:      map[string]interface{}{"idle_seconds": m.config.IdleTimeout.Seconds()},
		Timestamp: time.Now().UTC(),
	})
	if m.onAbandon != nil {
		m.onAbandon(conn.UserID, conn.Role, m.config.IdleTimeout)
	}
}

func (m *Manager) enqueue(conn *Connection, msg Message) {
	select {
	case conn.Send <- msg:
	case <-conn.done:
	default:
		m.logger.Warn("Connection buffer full, dropping message", zap.String("connection_id", conn.ID))
	}
}

// release tears a connection down once.
func (m *Manager) release(conn *Connection) {
	conn.once.Do(func() {
		conn.idle.Stop()
		close(conn.done)
		m.bridge.Unsubscribe(conn.sub)
		conn.Conn.Close()

		m.mu.Lock()
		delete(m.connections, conn.ID)
		m.mu.Unlock()

		m.logger.Info("Connection unregistered",
			zap.String("connection_id", conn.ID),
			zap.String("user_id", conn.UserID))
	})
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// GetUserConnections returns all connections for a specific user
func (m *Manager) GetUserConnections(userID string) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var connections []*Connection
	for _, conn := range m.connections {
		if conn.UserID == userID {
			connections = append(connections, conn)
		}
	}
	return connections
}

// Close closes every connection
func (m *Manager) Close() {
	m.mu.RLock()
	connections := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		connections = append(connections, conn)
	}
	m.mu.RUnlock()

	for _, conn := range connections {
		m.release(conn)
	}
}
