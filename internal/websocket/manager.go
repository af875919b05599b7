package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"securechat/internal/apperror"
	"securechat/internal/config"
	"securechat/internal/logger"
	"securechat/internal/protocol"
)

// Broadcast is a frame addressed to a room group
type Broadcast struct {
	RoomID    string
	Frame     []byte
	ExcludeID string // ID ของ connection ที่ไม่ต้องการส่งไป
}

type registration struct {
	conn   *Connection
	result chan error
}

// Manager owns every live connection and the per-room multicast groups.
// Register, unregister and broadcast are serialised through Run.
type Manager struct {
	connections map[string]*Connection
	groups      map[string]map[string]struct{}
	mutex       sync.RWMutex

	broadcast  chan *Broadcast
	register   chan registration
	unregister chan *Connection
	done       chan struct{}

	config       *config.ServerConfig
	metrics      *config.ServerMetrics
	log          *zap.Logger
	onDisconnect func(connID string)
}

// NewManager creates a new WebSocket manager
func NewManager(cfg *config.ServerConfig, metrics *config.ServerMetrics, log *zap.Logger) *Manager {
	if metrics == nil {
		metrics = config.NewServerMetrics()
	}
	return &Manager{
		connections:  make(map[string]*Connection),
		groups:       make(map[string]map[string]struct{}),
		broadcast:    make(chan *Broadcast, cfg.BroadcastBuffer),
		register:     make(chan registration),
		unregister:   make(chan *Connection, 16),
		done:         make(chan struct{}),
		config:       cfg,
		metrics:      metrics,
		log:          logger.OrNop(log).Named("ws"),
		onDisconnect: func(string) {},
	}
}

// OnDisconnect sets the hook run after a connection is unregistered.
// Must be called before Run.
func (m *Manager) OnDisconnect(fn func(connID string)) {
	m.onDisconnect = fn
}

// Run starts the manager's main loop. It must be called once.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)

	// เริ่ม health check goroutine ถ้า enable
	if m.config.EnableHealthCheck {
		go m.runHealthCheck(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case req := <-m.register:
			req.result <- m.registerConnection(req.conn)

		case conn := <-m.unregister:
			m.unregisterConnection(conn)

		case msg := <-m.broadcast:
			m.broadcastMessage(msg)
		}
	}
}

// AddConnection registers a socket and queues its welcome frame
func (m *Manager) AddConnection(conn *websocket.Conn) (*Connection, error) {
	c := NewConnection(GenerateConnectionID(), conn, m.config.SendBuffer)
	return c, m.add(c)
}

func (m *Manager) add(c *Connection) error {
	req := registration{conn: c, result: make(chan error, 1)}
	select {
	case m.register <- req:
		return <-req.result
	case <-m.done:
		return apperror.TransportUnavailable("relay is shutting down")
	}
}

// RemoveConnection removes a connection
func (m *Manager) RemoveConnection(connID string) {
	m.mutex.RLock()
	conn, exists := m.connections[connID]
	m.mutex.RUnlock()

	if !exists {
		return
	}
	select {
	case m.unregister <- conn:
	case <-m.done:
	}
}

// GetConnection returns a connection by ID
func (m *Manager) GetConnection(connID string) (*Connection, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	conn, exists := m.connections[connID]
	return conn, exists
}

// GetConnectionCount returns the number of active connections
func (m *Manager) GetConnectionCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connections)
}

// SendTo queues a frame for a single connection. A vanished or stalled
// target yields TransportUnavailable.
func (m *Manager) SendTo(connID string, frame []byte) error {
	m.mutex.RLock()
	conn, exists := m.connections[connID]
	if !exists {
		m.mutex.RUnlock()
		return apperror.ErrPeerGone
	}
	ok := conn.enqueue(frame)
	m.mutex.RUnlock()

	if !ok {
		m.log.Warn("send queue full, dropping connection", zap.String("conn", connID))
		go m.RemoveConnection(connID)
		return apperror.TransportUnavailable("target connection is not keeping up")
	}
	return nil
}

// BroadcastToRoom queues a frame for every member of a room group
func (m *Manager) BroadcastToRoom(roomID string, frame []byte, excludeID string) {
	select {
	case m.broadcast <- &Broadcast{RoomID: roomID, Frame: frame, ExcludeID: excludeID}:
	default:
		m.log.Warn("broadcast channel is full, dropping frame", zap.String("room", roomID))
	}
}

// JoinGroup subscribes a connection to a room's broadcasts
func (m *Manager) JoinGroup(roomID, connID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.connections[connID]; !exists {
		return
	}
	group, ok := m.groups[roomID]
	if !ok {
		group = make(map[string]struct{})
		m.groups[roomID] = group
	}
	group[connID] = struct{}{}
}

// LeaveGroup unsubscribes a connection from a room
func (m *Manager) LeaveGroup(roomID, connID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.leaveGroupLocked(roomID, connID)
}

// DropGroup forgets a room group entirely, e.g. when the room expires
func (m *Manager) DropGroup(roomID string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.groups, roomID)
}

// GroupSize returns the number of subscribers of a room
func (m *Manager) GroupSize(roomID string) int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.groups[roomID])
}

func (m *Manager) leaveGroupLocked(roomID, connID string) {
	group, ok := m.groups[roomID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(m.groups, roomID)
	}
}

// registerConnection adds a new connection
func (m *Manager) registerConnection(conn *Connection) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	// ตรวจสอบ connection limits
	if len(m.connections) >= m.config.MaxConnections {
		m.log.Warn("connection limit reached, rejecting", zap.String("conn", conn.ID), zap.Int("max", m.config.MaxConnections))
		if conn.Conn != nil {
			if frame, err := protocol.Encode(protocol.Error{Code: string(apperror.CodeTransportUnavailable), Message: "server is full, try again later"}); err == nil {
				conn.Conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
				conn.Conn.WriteMessage(websocket.TextMessage, frame)
			}
			conn.Conn.Close()
		}
		return apperror.TransportUnavailable("connection limit reached")
	}

	m.connections[conn.ID] = conn
	m.metrics.IncrementConnections()
	m.log.Info("connection registered",
		zap.String("conn", conn.ID),
		zap.String("remote", conn.RemoteAddr),
		zap.Int("total", len(m.connections)),
	)

	welcome, err := protocol.Encode(protocol.Welcome{ConnectionID: conn.ID})
	if err == nil {
		conn.enqueue(welcome)
	}
	return nil
}

// unregisterConnection removes a connection and runs the disconnect hook
func (m *Manager) unregisterConnection(conn *Connection) {
	m.mutex.Lock()
	if _, exists := m.connections[conn.ID]; !exists {
		m.mutex.Unlock()
		return
	}

	for roomID := range m.groups {
		m.leaveGroupLocked(roomID, conn.ID)
	}
	delete(m.connections, conn.ID)
	close(conn.Send)
	total := len(m.connections)
	m.mutex.Unlock()

	m.metrics.DecrementConnections()
	m.log.Info("connection unregistered", zap.String("conn", conn.ID), zap.Int("total", total))

	m.onDisconnect(conn.ID)
}

// broadcastMessage sends a frame to every connection of a room group
func (m *Manager) broadcastMessage(msg *Broadcast) {
	m.mutex.RLock()
	sentCount := 0
	var slow []*Connection

	for connID := range m.groups[msg.RoomID] {
		if connID == msg.ExcludeID {
			continue
		}
		conn, exists := m.connections[connID]
		if !exists {
			continue
		}
		if conn.enqueue(msg.Frame) {
			sentCount++
		} else {
			slow = append(slow, conn)
		}
	}
	m.mutex.RUnlock()

	// Connection ไม่ตอบสนอง ลบออก
	for _, conn := range slow {
		m.log.Warn("removing unresponsive connection", zap.String("conn", conn.ID))
		m.unregisterConnection(conn)
	}

	m.log.Debug("broadcast",
		zap.String("room", msg.RoomID),
		zap.Int("recipients", sentCount),
		zap.String("excluded", msg.ExcludeID),
	)
}

func (m *Manager) closeAll() {
	m.mutex.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mutex.RUnlock()

	for _, conn := range conns {
		m.unregisterConnection(conn)
	}
}

// runHealthCheck runs periodic health checks on all connections
func (m *Manager) runHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	m.log.Info("connection health monitor started", zap.Duration("interval", m.config.HealthCheckInterval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.performHealthCheck(ctx)
		}
	}
}

// performHealthCheck removes connections that stopped answering pings
func (m *Manager) performHealthCheck(ctx context.Context) {
	m.mutex.RLock()
	unhealthy := make([]*Connection, 0)
	healthyCount := 0
	for _, conn := range m.connections {
		if !conn.IsHealthy(m.config.PongTimeout) {
			unhealthy = append(unhealthy, conn)
		} else {
			healthyCount++
		}
	}
	m.mutex.RUnlock()

	for _, conn := range unhealthy {
		m.log.Warn("removing unhealthy connection",
			zap.String("conn", conn.ID),
			zap.Int64("missed_pongs", conn.Health.GetStats().MissedPongs),
		)
		select {
		case m.unregister <- conn:
		case <-ctx.Done():
			return
		}
	}

	if len(unhealthy) > 0 {
		m.log.Info("health check completed", zap.Int("healthy", healthyCount), zap.Int("removed", len(unhealthy)))
	}
}

// GetAllConnectionsHealth returns health statistics for all connections
func (m *Manager) GetAllConnectionsHealth() map[string]*config.ConnectionHealth {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	healthStats := make(map[string]*config.ConnectionHealth, len(m.connections))
	for id, conn := range m.connections {
		healthStats[id] = conn.Health.GetStats()
	}
	return healthStats
}
