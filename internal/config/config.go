package config

import (
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	DBDSN          string
	JWTSecret      string
	RedisAddr      string
	Store          string
	PageSize       int
	FetchTimeout   time.Duration
	ResyncInterval time.Duration
	NotifyRate     int
	LogLevel       string
	AdminUsers     []string
}

// Load reads the configuration from the environment (DB_DSN, JWT_SECRET,
// REDIS_ADDR, ...) through v.
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("PAGE_SIZE", 20)
	v.SetDefault("FETCH_TIMEOUT", 10*time.Second)
	v.SetDefault("RESYNC_INTERVAL", 30*time.Second)
	v.SetDefault("NOTIFY_RATE", 100)
	v.SetDefault("LOG_LEVEL", "info")
	v.AutomaticEnv()

	cfg := &Config{
		DBDSN:          v.GetString("DB_DSN"),
		JWTSecret:      v.GetString("JWT_SECRET"),
		RedisAddr:      v.GetString("REDIS_ADDR"),
		Store:          strings.ToLower(v.GetString("STORE")),
		PageSize:       v.GetInt("PAGE_SIZE"),
		FetchTimeout:   v.GetDuration("FETCH_TIMEOUT"),
		ResyncInterval: v.GetDuration("RESYNC_INTERVAL"),
		NotifyRate:     v.GetInt("NOTIFY_RATE"),
		LogLevel:       v.GetString("LOG_LEVEL"),
	}
	for _, name := range strings.Split(v.GetString("ADMIN_USERS"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			cfg.AdminUsers = append(cfg.AdminUsers, name)
		}
	}

	switch {
	case cfg.JWTSecret == "":
		return nil, errors.New("JWT_SECRET is not set")
	case cfg.Store != StorePostgres && cfg.Store != StoreMemory:
		return nil, errors.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, cfg.Store)
	case cfg.Store == StorePostgres && cfg.DBDSN == "":
		return nil, errors.New("DB_DSN is not set")
	case cfg.PageSize <= 0:
		return nil, errors.Errorf("PAGE_SIZE must be positive, got %d", cfg.PageSize)
	case cfg.FetchTimeout <= 0:
		return nil, errors.Errorf("FETCH_TIMEOUT must be positive, got %s", cfg.FetchTimeout)
	}
	return cfg, nil
}

// InitLog sets the stdout threshold from a level name. Unknown names fall
// back to info.
func InitLog(level string) jww.Threshold {
	threshold := jww.LevelInfo
	switch strings.ToLower(level) {
	case "trace":
		threshold = jww.LevelTrace
	case "debug":
		threshold = jww.LevelDebug
	case "warn", "warning":
		threshold = jww.LevelWarn
	case "error":
		threshold = jww.LevelError
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.INFO.Printf("log level set to: %s", strings.ToUpper(level))
	return threshold
}
