package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file read when RELAY_CONFIG is unset.
const DefaultPath = "config.yaml"

// Loader assembles configuration from defaults, an optional YAML file, an
// optional .env file and the process environment, in that order.
type Loader struct {
	useDotEnv bool
	path      string
	lookup    func(string) (string, bool)
}

// NewLoader creates a loader reading config.yaml and .env from the working directory.
func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		lookup:    os.LookupEnv,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath overrides the YAML file location.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// WithLookup replaces the environment lookup (useful for tests).
func (l *Loader) WithLookup(lookup func(string) (string, bool)) *Loader {
	if lookup != nil {
		l.lookup = lookup
	}
	return l
}

// Result captures the loaded configuration and its origin.
type Result struct {
	Config       *Config
	Path         string
	FileLoaded   bool
	DotEnvLoaded bool
}

// Load resolves the final configuration and validates it.
func (l *Loader) Load() (*Result, error) {
	res := &Result{Config: DefaultConfig()}

	if l.useDotEnv {
		res.DotEnvLoaded = godotenv.Load() == nil
	}

	path := l.path
	if path == "" {
		if v, ok := l.lookup("RELAY_CONFIG"); ok && v != "" {
			path = v
		} else {
			path = DefaultPath
		}
	}
	res.Path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, res.Config); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		res.FileLoaded = true
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := l.applyEnv(res.Config); err != nil {
		return nil, err
	}
	normalize(res.Config)

	if err := l.validate(res.Config); err != nil {
		return nil, err
	}
	return res, nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := l.lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := l.lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}

	if err := num("PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if err := num("REDIS_PORT", &cfg.Bus.Redis.Port); err != nil {
		return err
	}
	if v, ok := l.lookup("CORS_ORIGIN"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.CORS.Origins = splitList(v)
	}
	if v, ok := l.lookup("REDIS_PASSWORD"); ok {
		cfg.Bus.Redis.Password = v
	}
	str("REDIS_HOST", &cfg.Bus.Redis.Host)
	str("LARAVEL_API_URL", &cfg.API.BaseURL)
	str("RELAY_NAMESPACE", &cfg.Bus.Namespace)
	str("RELAY_BUS_DRIVER", &cfg.Bus.Driver)
	str("NATS_URL", &cfg.Bus.NATS.URL)
	str("LOG_LEVEL", &cfg.Log.Level)
	return nil
}

func normalize(cfg *Config) {
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.Bus.Driver = strings.ToLower(strings.TrimSpace(cfg.Bus.Driver))
	cfg.Bus.Namespace = strings.TrimSuffix(strings.TrimSpace(cfg.Bus.Namespace), "_")
	if cfg.WebSocket.Path == "" {
		cfg.WebSocket.Path = "/ws"
	}
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Bus.Namespace == "" {
		return errors.New("bus namespace is required")
	}
	switch cfg.Bus.Driver {
	case DriverRedis:
		if cfg.Bus.Redis.Port <= 0 || cfg.Bus.Redis.Port > 65535 {
			return fmt.Errorf("invalid redis port: %d", cfg.Bus.Redis.Port)
		}
	case DriverNATS:
		if cfg.Bus.NATS.URL == "" {
			return errors.New("nats url is required")
		}
	default:
		return fmt.Errorf("unsupported bus driver: %q", cfg.Bus.Driver)
	}

	u, err := url.Parse(cfg.API.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api base url: %q", cfg.API.BaseURL)
	}
	for _, origin := range cfg.Server.CORS.Origins {
		if origin == "*" {
			continue
		}
		o, err := url.Parse(origin)
		if err != nil || (o.Scheme != "http" && o.Scheme != "https") || o.Host == "" {
			return fmt.Errorf("invalid cors origin: %q", origin)
		}
	}
	if cfg.API.Timeout <= 0 {
		return errors.New("api timeout must be positive")
	}

	ws := cfg.WebSocket
	if ws.PingInterval <= 0 || ws.PongWait <= 0 || ws.WriteWait <= 0 {
		return errors.New("websocket timings must be positive")
	}
	if ws.PingInterval >= ws.PongWait {
		return fmt.Errorf("websocket ping interval %s must be shorter than pong wait %s", ws.PingInterval, ws.PongWait)
	}
	if ws.SendQueue <= 0 {
		return errors.New("websocket send queue must be positive")
	}
	return nil
}

// RedisAddr returns host:port for the redis driver.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Bus.Redis.Host, c.Bus.Redis.Port)
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.IP, c.Server.Port)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
