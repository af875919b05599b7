package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "CHAT"

// LoggerMode selects the zap encoder and level
type LoggerMode struct {
	Development bool   `mapstructure:"development" json:"development"`
	Level       string `mapstructure:"level" json:"level"`
}

// MongoSettings enables the analytics sink when URI is set
type MongoSettings struct {
	URI      string `mapstructure:"uri" json:"-"`
	Database string `mapstructure:"database" json:"database"`
}

// ServerConfig holds relay configuration
type ServerConfig struct {
	Port              string `mapstructure:"port" json:"port"`
	MaxConnections    int    `mapstructure:"max_connections" json:"max_connections"`
	MaxRooms          int    `mapstructure:"max_rooms" json:"max_rooms"`
	MaxMembersPerRoom int    `mapstructure:"max_members_per_room" json:"max_members_per_room"`

	// Room lifecycle
	RoomTTL       time.Duration `mapstructure:"room_ttl" json:"room_ttl"`
	HistoryLimit  int           `mapstructure:"history_limit" json:"history_limit"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" json:"sweep_interval"`
	MaxMessageTTL time.Duration `mapstructure:"max_message_ttl" json:"max_message_ttl"`

	// Transport
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval" json:"heartbeat_interval"`
	ReadTimeout         time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	PongTimeout         time.Duration `mapstructure:"pong_timeout" json:"pong_timeout"`
	BroadcastBuffer     int           `mapstructure:"broadcast_buffer" json:"broadcast_buffer"`
	SendBuffer          int           `mapstructure:"send_buffer" json:"send_buffer"`
	MaxFrameBytes       int64         `mapstructure:"max_frame_bytes" json:"max_frame_bytes"`
	EnableHealthCheck   bool          `mapstructure:"enable_health_check" json:"enable_health_check"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" json:"health_check_interval"`
	AllowedOrigins      []string      `mapstructure:"allowed_origins" json:"allowed_origins"`

	// Security settings
	MaxCiphertextBytes int           `mapstructure:"max_ciphertext_bytes" json:"max_ciphertext_bytes"`
	MaxNicknameLength  int           `mapstructure:"max_nickname_length" json:"max_nickname_length"`
	MaxRoomNameLength  int           `mapstructure:"max_room_name_length" json:"max_room_name_length"`
	RateLimitMessages  int           `mapstructure:"rate_limit_messages" json:"rate_limit_messages"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window" json:"rate_limit_window"`
	EnableRateLimit    bool          `mapstructure:"enable_rate_limit" json:"enable_rate_limit"`

	Logger LoggerMode    `mapstructure:"logger" json:"logger"`
	Mongo  MongoSettings `mapstructure:"mongo" json:"mongo"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:              ":9090",
		MaxConnections:    1000,
		MaxRooms:          500,
		MaxMembersPerRoom: 50,

		RoomTTL:       time.Hour,
		HistoryLimit:  100,
		SweepInterval: 10 * time.Second,
		MaxMessageTTL: 24 * time.Hour,

		HeartbeatInterval:   30 * time.Second,
		ReadTimeout:         60 * time.Second,
		WriteTimeout:        10 * time.Second,
		PongTimeout:         60 * time.Second, // เวลารอ pong response
		BroadcastBuffer:     256,
		SendBuffer:          256,
		MaxFrameBytes:       256 * 1024,
		EnableHealthCheck:   true,
		HealthCheckInterval: 30 * time.Second,
		AllowedOrigins:      []string{"*"},

		MaxCiphertextBytes: 64 * 1024,
		MaxNicknameLength:  32,
		MaxRoomNameLength:  64,
		RateLimitMessages:  30, // 30 frames
		RateLimitWindow:    10 * time.Second,
		EnableRateLimit:    true,

		Logger: LoggerMode{Development: true, Level: "info"},
		Mongo:  MongoSettings{Database: "securechat"},
	}
}

// Validate rejects settings the relay cannot run with
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.RoomTTL <= 0 {
		errs = append(errs, errors.New("room_ttl must be positive"))
	}
	if c.HistoryLimit <= 0 {
		errs = append(errs, errors.New("history_limit must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.MaxMessageTTL <= 0 {
		errs = append(errs, errors.New("max_message_ttl must be positive"))
	}
	if c.SendBuffer <= 0 || c.BroadcastBuffer <= 0 {
		errs = append(errs, errors.New("send_buffer and broadcast_buffer must be positive"))
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ReadTimeout {
		errs = append(errs, errors.New("heartbeat_interval must be positive and shorter than read_timeout"))
	}
	return errors.Join(errs...)
}

// ConfigLoader loads configuration from an optional file and CHAT_* environment variables
type ConfigLoader struct {
	configPath string
	v          *viper.Viper
	mutex      sync.Mutex
}

// NewConfigLoader creates a new configuration loader
func NewConfigLoader(configPath string) *ConfigLoader {
	return &ConfigLoader{
		configPath: configPath,
	}
}

// LoadConfig reads defaults, then the file (if any), then the environment
func (cl *ConfigLoader) LoadConfig() (*ServerConfig, error) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	v := viper.New()
	setDefaults(v, DefaultServerConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cl.configPath != "" {
		v.SetConfigFile(cl.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cl.configPath, err)
		}
	}

	cfg, err := parse(v)
	if err != nil {
		return nil, err
	}
	cl.v = v
	return cfg, nil
}

// WatchConfig reloads the file on change and hands the new config to callback.
// It is a no-op without a config file.
func (cl *ConfigLoader) WatchConfig(callback func(*ServerConfig, error)) {
	cl.mutex.Lock()
	v := cl.v
	cl.mutex.Unlock()
	if v == nil || cl.configPath == "" {
		return
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		callback(parse(v))
	})
	v.WatchConfig()
}

func parse(v *viper.Viper) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it on Unmarshal
func setDefaults(v *viper.Viper, d *ServerConfig) {
	v.SetDefault("port", d.Port)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("max_rooms", d.MaxRooms)
	v.SetDefault("max_members_per_room", d.MaxMembersPerRoom)
	v.SetDefault("room_ttl", d.RoomTTL)
	v.SetDefault("history_limit", d.HistoryLimit)
	v.SetDefault("sweep_interval", d.SweepInterval)
	v.SetDefault("max_message_ttl", d.MaxMessageTTL)
	v.SetDefault("heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("read_timeout", d.ReadTimeout)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("pong_timeout", d.PongTimeout)
	v.SetDefault("broadcast_buffer", d.BroadcastBuffer)
	v.SetDefault("send_buffer", d.SendBuffer)
	v.SetDefault("max_frame_bytes", d.MaxFrameBytes)
	v.SetDefault("enable_health_check", d.EnableHealthCheck)
	v.SetDefault("health_check_interval", d.HealthCheckInterval)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_ciphertext_bytes", d.MaxCiphertextBytes)
	v.SetDefault("max_nickname_length", d.MaxNicknameLength)
	v.SetDefault("max_room_name_length", d.MaxRoomNameLength)
	v.SetDefault("rate_limit_messages", d.RateLimitMessages)
	v.SetDefault("rate_limit_window", d.RateLimitWindow)
	v.SetDefault("enable_rate_limit", d.EnableRateLimit)
	v.SetDefault("logger.development", d.Logger.Development)
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("mongo.uri", d.Mongo.URI)
	v.SetDefault("mongo.database", d.Mongo.Database)
}
