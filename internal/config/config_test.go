package config

import (
	"testing"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DSN", "postgres://localhost/chat")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 20, cfg.PageSize)
	assert.Equal(t, 10*time.Second, cfg.FetchTimeout)
	assert.Equal(t, 30*time.Second, cfg.ResyncInterval)
	assert.Equal(t, 100, cfg.NotifyRate)
	assert.Empty(t, cfg.AdminUsers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE", "Memory")
	t.Setenv("PAGE_SIZE", "50")
	t.Setenv("FETCH_TIMEOUT", "2s")
	t.Setenv("ADMIN_USERS", " ada, ,grace ")

	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 50, cfg.PageSize)
	assert.Equal(t, 2*time.Second, cfg.FetchTimeout)
	assert.Equal(t, []string{"ada", "grace"}, cfg.AdminUsers)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"no secret", map[string]string{"STORE": "memory"}},
		{"unknown store", map[string]string{"JWT_SECRET": "x", "STORE": "sqlite"}},
		{"postgres without dsn", map[string]string{"JWT_SECRET": "x"}},
		{"zero page size", map[string]string{"JWT_SECRET": "x", "STORE": "memory", "PAGE_SIZE": "0"}},
		{"negative timeout", map[string]string{"JWT_SECRET": "x", "STORE": "memory", "FETCH_TIMEOUT": "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"JWT_SECRET", "STORE", "DB_DSN", "PAGE_SIZE", "FETCH_TIMEOUT"} {
				t.Setenv(k, tt.env[k])
			}
			_, err := Load(viper.New())
			assert.Error(t, err)
		})
	}
}

func TestInitLog(t *testing.T) {
	defer InitLog("info")
	assert.Equal(t, jww.LevelDebug, InitLog("DEBUG"))
	assert.Equal(t, jww.LevelWarn, InitLog("warning"))
	assert.Equal(t, jww.LevelInfo, InitLog("chatty"))
}
