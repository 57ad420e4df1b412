package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	Bus       BusConfig       `yaml:"bus"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type ServerConfig struct {
	IP   string     `yaml:"ip"`
	Port int        `yaml:"port"`
	CORS CORSConfig `yaml:"cors"`
}

// CORSConfig mirrors the browser policy applied to both the HTTP API and
// the websocket upgrade.
type CORSConfig struct {
	Origins          []string `yaml:"origins"`
	Methods          []string `yaml:"methods"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

// APIConfig points at the external identity and notification service.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	// RejectExpiredJWT refuses bearer tokens that decode as a JWT whose exp
	// claim is already in the past, without calling the authority.
	RejectExpiredJWT bool `yaml:"reject_expired_jwt"`
}

type BusConfig struct {
	Driver    string      `yaml:"driver"`
	Namespace string      `yaml:"namespace"`
	Channels  []string    `yaml:"channels"`
	Redis     RedisConfig `yaml:"redis"`
	NATS      NATSConfig  `yaml:"nats"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

type WebSocketConfig struct {
	Path             string        `yaml:"path"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PongWait         time.Duration `yaml:"pong_wait"`
	WriteWait        time.Duration `yaml:"write_wait"`
	SendQueue        int           `yaml:"send_queue"`
	MaxMessageSize   int64         `yaml:"max_message_size"`
}
