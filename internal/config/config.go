package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

type DatabaseConfig struct {
	DSN string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

type JWTConfig struct {
	Secret         string
	ExpirationTime time.Duration
}

type WebSocketConfig struct {
	HandshakeTimeout time.Duration
	LookupTimeout    time.Duration
	RequireToken     bool
	AllowedOrigins   []string
}

type LogConfig struct {
	Level  slog.Level
	Format string
}

// Load reads configuration from the environment. DB_DSN and JWT_SECRET have no defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CHANNEL", "cliquechain:notifications")
	v.SetDefault("JWT_EXPIRE", 24*time.Hour)
	v.SetDefault("WS_HANDSHAKE_TIMEOUT", 30*time.Second)
	v.SetDefault("WS_LOOKUP_TIMEOUT", 5*time.Second)
	v.SetDefault("WS_REQUIRE_TOKEN", false)
	v.SetDefault("WS_ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.AutomaticEnv()

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("HTTP_ADDR"),
			ShutdownTimeout: v.GetDuration("HTTP_SHUTDOWN_TIMEOUT"),
		},
		Database: DatabaseConfig{
			DSN: v.GetString("DB_DSN"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Channel:  v.GetString("REDIS_CHANNEL"),
		},
		JWT: JWTConfig{
			Secret:         v.GetString("JWT_SECRET"),
			ExpirationTime: v.GetDuration("JWT_EXPIRE"),
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: v.GetDuration("WS_HANDSHAKE_TIMEOUT"),
			LookupTimeout:    v.GetDuration("WS_LOOKUP_TIMEOUT"),
			RequireToken:     v.GetBool("WS_REQUIRE_TOKEN"),
			AllowedOrigins:   splitList(v.GetString("WS_ALLOWED_ORIGINS")),
		},
		Log: LogConfig{
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
	}

	if err := cfg.Log.Level.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, errors.New("DB_DSN is not set")
	}
	if cfg.JWT.Secret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
