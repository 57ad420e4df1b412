package config

import "time"

// Bus drivers.
const (
	DriverRedis = "redis"
	DriverNATS  = "nats"
)

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:   "0.0.0.0",
			Port: 3001,
			CORS: CORSConfig{
				Origins:          []string{"http://127.0.0.1:5500"},
				Methods:          []string{"GET", "POST"},
				AllowCredentials: true,
			},
		},
		Log: LogConfig{
			Level: "info",
			Dir:   "data/logs",
			File:  "relay.log",
		},
		API: APIConfig{
			BaseURL: "http://localhost",
			Timeout: 10 * time.Second,
		},
		Bus: BusConfig{
			Driver:    DriverRedis,
			Namespace: "ccerp_database",
			Channels:  []string{"laravelchannel", "notification"},
			Redis: RedisConfig{
				Host: "127.0.0.1",
				Port: 6379,
			},
			NATS: NATSConfig{
				URL:  "nats://127.0.0.1:4222",
				Name: "notify-relay",
			},
		},
		WebSocket: WebSocketConfig{
			Path:             "/ws",
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     25 * time.Second,
			PongWait:         60 * time.Second,
			WriteWait:        10 * time.Second,
			SendQueue:        256,
			MaxMessageSize:   64 * 1024,
		},
	}
}
