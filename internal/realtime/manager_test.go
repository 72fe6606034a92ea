package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"einvoice-portal/onboarding-backend/internal/auth"
)

const wsSecret = "ws-secret"

type abandonRecorder struct {
	mu    sync.Mutex
	users []string
}

func (r *abandonRecorder) record(userID, role string, idleFor time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = append(r.users, userID+":"+role)
}

func (r *abandonRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func setupServer(t *testing.T, cfg Config) (*httptest.Server, *Bridge, *Manager, *abandonRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bridge := NewBridge(zap.NewNop())
	bridge.Start()
	rec := &abandonRecorder{}
	manager := NewManager(bridge, cfg, rec.record, zap.NewNop())

	r := gin.New()
	r.GET("/ws", auth.Middleware(wsSecret), manager.Serve)
	server := httptest.NewServer(r)

	t.Cleanup(func() {
		manager.Close()
		server.Close()
		bridge.Stop()
	})
	return server, bridge, manager, rec
}

func dial(t *testing.T, server *httptest.Server, userID, role string) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateAccessToken(userID, "", role, "portal", wsSecret, time.Hour)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })

	var status Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&status))
	require.Equal(t, MessageStatus, status.Type)
	return conn
}

func TestManager_ForwardsProgressChanges(t *testing.T) {
	server, bridge, manager, _ := setupServer(t, DefaultConfig())

	tab1 := dial(t, server, "user-1", "si")
	tab2 := dial(t, server, "user-1", "si")
	assert.Eventually(t, func() bool { return manager.GetConnectionCount() == 2 }, time.Second, 10*time.Millisecond)
	assert.Len(t, manager.GetUserConnections("user-1"), 2)

	bridge.Publish("user-1", string(MessageProgressChanged), map[string]interface{}{"current_step": "integration_choice"})

	for _, conn := range []*websocket.Conn{tab1, tab2} {
		var msg Message
		conn.SetReadDeadline(time.Now().Add(time.Second))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, MessageProgressChanged, msg.Type)
		payload := msg.Payload.(map[string]interface{})
		assert.Equal(t, "integration_choice", payload["current_step"])
	}
}

func TestManager_RejectsMissingToken(t *testing.T) {
	server, _, _, _ := setupServer(t, DefaultConfig())

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestManager_IdleConnectionReportsAbandon(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 50 * time.Millisecond
	server, _, _, rec := setupServer(t, cfg)

	conn := dial(t, server, "user-2", "app")

	var msg Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageIdle, msg.Type)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestManager_PingRepliesAlive(t *testing.T) {
	server, _, _, _ := setupServer(t, DefaultConfig())
	conn := dial(t, server, "user-3", "hybrid")

	require.NoError(t, conn.WriteJSON(Message{Type: MessagePing}))

	var msg Message
	conn.SetReadDeadline(time.Now().Add(time.Second))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageStatus, msg.Type)
	assert.Equal(t, "alive", msg.Data["status"])
}

func TestManager_CloseDropsConnections(t *testing.T) {
	server, bridge, manager, _ := setupServer(t, DefaultConfig())
	dial(t, server, "user-4", "si")
	require.Eventually(t, func() bool { return manager.GetConnectionCount() == 1 }, time.Second, 10*time.Millisecond)

	manager.Close()
	assert.Equal(t, 0, manager.GetConnectionCount())
	assert.Eventually(t, func() bool { return bridge.Subscribers("user-4") == 0 }, time.Second, 10*time.Millisecond)
}
