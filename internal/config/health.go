package config

import (
	"sync"
	"time"
)

// ConnectionHealth represents the health status of a relay connection
type ConnectionHealth struct {
	IsHealthy       bool      `json:"is_healthy"`
	LastPingTime    time.Time `json:"last_ping_time"`
	LastPongTime    time.Time `json:"last_pong_time"`
	PingsSent       int64     `json:"pings_sent"`
	PongsReceived   int64     `json:"pongs_received"`
	MissedPongs     int64     `json:"missed_pongs"`
	FramesDropped   int64     `json:"frames_dropped"`
	ConnectionStart time.Time `json:"connection_start"`
	LastActivity    time.Time `json:"last_activity"`
	mutex           sync.RWMutex
}

// NewConnectionHealth creates a new connection health tracker
func NewConnectionHealth() *ConnectionHealth {
	now := time.Now()
	return &ConnectionHealth{
		IsHealthy:       true,
		ConnectionStart: now,
		LastActivity:    now,
	}
}

// RecordPing records a ping sent
func (ch *ConnectionHealth) RecordPing() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.LastPingTime = time.Now()
	ch.PingsSent++
}

// RecordPong records a pong received
func (ch *ConnectionHealth) RecordPong() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.LastPongTime = time.Now()
	ch.PongsReceived++
	ch.IsHealthy = true
	ch.MissedPongs = 0
}

// RecordActivity records a frame read from or queued to the peer
func (ch *ConnectionHealth) RecordActivity() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.LastActivity = time.Now()
}

// RecordDrop counts a frame that could not be queued
func (ch *ConnectionHealth) RecordDrop() {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()
	ch.FramesDropped++
}

// CheckHealth checks if connection is healthy
func (ch *ConnectionHealth) CheckHealth(pongTimeout time.Duration) bool {
	ch.mutex.Lock()
	defer ch.mutex.Unlock()

	// ยังไม่เคยส่ง ping ถือว่า healthy
	if ch.LastPingTime.IsZero() {
		return true
	}

	last := ch.LastPongTime
	if last.IsZero() {
		last = ch.LastPingTime
	}

	if time.Since(last) > pongTimeout {
		ch.IsHealthy = false
		ch.MissedPongs++
		return false
	}

	return ch.IsHealthy
}

// GetStats returns a snapshot of the health statistics
func (ch *ConnectionHealth) GetStats() *ConnectionHealth {
	ch.mutex.RLock()
	defer ch.mutex.RUnlock()

	return &ConnectionHealth{
		IsHealthy:       ch.IsHealthy,
		LastPingTime:    ch.LastPingTime,
		LastPongTime:    ch.LastPongTime,
		PingsSent:       ch.PingsSent,
		PongsReceived:   ch.PongsReceived,
		MissedPongs:     ch.MissedPongs,
		FramesDropped:   ch.FramesDropped,
		ConnectionStart: ch.ConnectionStart,
		LastActivity:    ch.LastActivity,
	}
}
