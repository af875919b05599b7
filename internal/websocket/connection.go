package websocket

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"securechat/internal/config"
)

// Connection is one client socket known to the Manager
type Connection struct {
	ID         string
	Conn       *websocket.Conn
	RemoteAddr string
	Send       chan []byte
	Health     *config.ConnectionHealth
	CreatedAt  time.Time
}

// NewConnection creates a new connection with a buffered outbound queue
func NewConnection(id string, conn *websocket.Conn, sendBuffer int) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		Health:    config.NewConnectionHealth(),
		CreatedAt: time.Now(),
	}
	if conn != nil {
		c.RemoteAddr = conn.RemoteAddr().String()
	}
	return c
}

// enqueue queues a frame without blocking. Callers hold the manager lock
// so Send cannot be closed underneath them.
func (c *Connection) enqueue(frame []byte) bool {
	select {
	case c.Send <- frame:
		c.Health.RecordActivity()
		return true
	default:
		c.Health.RecordDrop()
		return false
	}
}

// IsHealthy checks if the connection is still answering pings
func (c *Connection) IsHealthy(pongTimeout time.Duration) bool {
	return c.Health.CheckHealth(pongTimeout)
}

// GenerateConnectionID creates a unique connection ID
func GenerateConnectionID() string {
	return uuid.NewString()
}
