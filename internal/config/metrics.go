package config

import (
	"sync"
	"time"
)

// ServerMetrics holds relay counters exposed on /api/stats
type ServerMetrics struct {
	TotalConnections  int64     `json:"total_connections"`
	ActiveConnections int64     `json:"active_connections"`
	TotalMessages     int64     `json:"total_messages"`
	RoomsCreated      int64     `json:"rooms_created"`
	ActiveRooms       int64     `json:"active_rooms"`
	RoomsExpired      int64     `json:"rooms_expired"`
	JoinRequests      int64     `json:"join_requests"`
	JoinApprovals     int64     `json:"join_approvals"`
	JoinRejections    int64     `json:"join_rejections"`
	FailedPasskeys    int64     `json:"failed_passkeys"`
	StartTime         time.Time `json:"start_time"`
	LastMessageTime   time.Time `json:"last_message_time"`
	MessageRate       float64   `json:"message_rate"`
	ConnectionRate    float64   `json:"connection_rate"`
	mutex             sync.RWMutex
}

// NewServerMetrics creates new server metrics
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{
		StartTime: time.Now(),
	}
}

func (sm *ServerMetrics) IncrementConnections() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalConnections++
	sm.ActiveConnections++
}

func (sm *ServerMetrics) DecrementConnections() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.ActiveConnections--
}

func (sm *ServerMetrics) IncrementMessages() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.TotalMessages++
	sm.LastMessageTime = time.Now()
}

func (sm *ServerMetrics) IncrementRooms() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.RoomsCreated++
	sm.ActiveRooms++
}

// RoomExpired moves one room from active to expired
func (sm *ServerMetrics) RoomExpired() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.ActiveRooms--
	sm.RoomsExpired++
}

func (sm *ServerMetrics) IncrementJoinRequests() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.JoinRequests++
}

func (sm *ServerMetrics) IncrementJoinApprovals() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.JoinApprovals++
}

func (sm *ServerMetrics) IncrementJoinRejections() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.JoinRejections++
}

func (sm *ServerMetrics) IncrementFailedPasskeys() {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	sm.FailedPasskeys++
}

// GetMetrics returns current metrics with calculated rates
func (sm *ServerMetrics) GetMetrics() *ServerMetrics {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	uptime := time.Since(sm.StartTime).Seconds()
	if uptime <= 0 {
		uptime = 1
	}

	return &ServerMetrics{
		TotalConnections:  sm.TotalConnections,
		ActiveConnections: sm.ActiveConnections,
		TotalMessages:     sm.TotalMessages,
		RoomsCreated:      sm.RoomsCreated,
		ActiveRooms:       sm.ActiveRooms,
		RoomsExpired:      sm.RoomsExpired,
		JoinRequests:      sm.JoinRequests,
		JoinApprovals:     sm.JoinApprovals,
		JoinRejections:    sm.JoinRejections,
		FailedPasskeys:    sm.FailedPasskeys,
		StartTime:         sm.StartTime,
		LastMessageTime:   sm.LastMessageTime,
		MessageRate:       float64(sm.TotalMessages) / uptime,
		ConnectionRate:    float64(sm.TotalConnections) / uptime,
	}
}
