package config

import (
	"fmt"
	"sync"
)

// ConfigManager owns the live configuration and notifies listeners on reload
type ConfigManager struct {
	config    *ServerConfig
	loader    *ConfigLoader
	mutex     sync.RWMutex
	callbacks []func(*ServerConfig)
	onError   func(error)
}

// NewConfigManager creates a new configuration manager
func NewConfigManager(configPath string) *ConfigManager {
	return &ConfigManager{
		loader:  NewConfigLoader(configPath),
		onError: func(error) {},
	}
}

// Initialize loads the initial configuration and starts watching the file
func (cm *ConfigManager) Initialize() error {
	cfg, err := cm.loader.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	cm.mutex.Lock()
	cm.config = cfg
	cm.mutex.Unlock()

	cm.loader.WatchConfig(cm.onConfigChange)
	return nil
}

// GetConfig returns a copy of the current configuration
func (cm *ConfigManager) GetConfig() *ServerConfig {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	configCopy := *cm.config
	return &configCopy
}

// RegisterCallback registers a callback for configuration reloads
func (cm *ConfigManager) RegisterCallback(callback func(*ServerConfig)) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.callbacks = append(cm.callbacks, callback)
}

// OnError sets the handler for reloads that fail to parse or validate
func (cm *ConfigManager) OnError(fn func(error)) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.onError = fn
}

func (cm *ConfigManager) onConfigChange(newConfig *ServerConfig, err error) {
	cm.mutex.Lock()
	if err != nil {
		// เก็บ config เดิมไว้ถ้าไฟล์ใหม่ใช้ไม่ได้
		onError := cm.onError
		cm.mutex.Unlock()
		onError(err)
		return
	}
	cm.config = newConfig
	callbacks := append([]func(*ServerConfig){}, cm.callbacks...)
	cm.mutex.Unlock()

	configCopy := *newConfig
	for _, callback := range callbacks {
		callback(&configCopy)
	}
}

// GetConfigSummary returns the non-secret settings served on /api/config
func (cm *ConfigManager) GetConfigSummary() map[string]interface{} {
	config := cm.GetConfig()

	return map[string]interface{}{
		"server": map[string]interface{}{
			"port":                 config.Port,
			"max_connections":      config.MaxConnections,
			"max_rooms":            config.MaxRooms,
			"max_members_per_room": config.MaxMembersPerRoom,
		},
		"rooms": map[string]interface{}{
			"room_ttl":        config.RoomTTL.String(),
			"history_limit":   config.HistoryLimit,
			"sweep_interval":  config.SweepInterval.String(),
			"max_message_ttl": config.MaxMessageTTL.String(),
		},
		"timeouts": map[string]interface{}{
			"heartbeat_interval": config.HeartbeatInterval.String(),
			"read_timeout":       config.ReadTimeout.String(),
			"write_timeout":      config.WriteTimeout.String(),
			"pong_timeout":       config.PongTimeout.String(),
		},
		"security": map[string]interface{}{
			"max_ciphertext_bytes": config.MaxCiphertextBytes,
			"max_nickname_length":  config.MaxNicknameLength,
			"max_room_name_length": config.MaxRoomNameLength,
			"rate_limit_messages":  config.RateLimitMessages,
			"rate_limit_window":    config.RateLimitWindow.String(),
		},
		"features": map[string]interface{}{
			"enable_health_check": config.EnableHealthCheck,
			"enable_rate_limit":   config.EnableRateLimit,
			"analytics":           config.Mongo.URI != "",
		},
	}
}
