package zorm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zorm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
driver: postgres
dsn: postgres://app@localhost/app
replicas:
  - postgres://app@replica-1/app
pool:
  max_open_conns: 20
  max_idle_conns: 5
  conn_max_lifetime: 30m
logLevel: debug
stmtCacheSize: 64
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://app@localhost/app", cfg.DSN)
	assert.Equal(t, []string{"postgres://app@replica-1/app"}, cfg.Replicas)
	assert.Equal(t, 20, cfg.Pool.MaxOpenConns)
	assert.Equal(t, 5, cfg.Pool.MaxIdleConns)
	assert.Equal(t, 30*time.Minute, cfg.Pool.ConnMaxLifetime)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 64, cfg.StmtCacheSize)
}

func TestLoadConfig_EnvOverridesDSN(t *testing.T) {
	path := writeConfig(t, "driver: mysql\ndsn: user@tcp(db)/app\n")
	t.Setenv("ZORM_DSN", "other@tcp(db)/app")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "other@tcp(db)/app", cfg.DSN)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "driver: [unclosed"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "driver: oracle\ndsn: x\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"sqlite", Config{Driver: "sqlite3", DSN: "file::memory:"}, true},
		{"postgres alias", Config{Driver: "PostgreSQL", DSN: "postgres://x"}, true},
		{"empty dsn", Config{Driver: "mysql"}, false},
		{"unknown driver", Config{Driver: "oracle", DSN: "x"}, false},
		{"bad log level", Config{Driver: "mysql", DSN: "x", LogLevel: "loud"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestOpen_SQLite(t *testing.T) {
	oldDB := GlobalDB
	oldLogger := logger
	t.Cleanup(func() {
		GlobalDB = oldDB
		SetLogger(oldLogger)
		SetStmtCache(nil)
		ClearDBResolver()
	})

	dir := t.TempDir()
	cfg := Config{
		Driver:        "sqlite",
		DSN:           filepath.Join(dir, "primary.db"),
		Replicas:      []string{filepath.Join(dir, "replica.db")},
		Pool:          DBConfig{MaxOpenConns: 4},
		LogLevel:      "warn",
		StmtCacheSize: 8,
	}

	conn, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()

	assert.Same(t, Dialects.SQLite3, conn.Dialect)
	assert.Same(t, conn.Primary, GlobalDB)
	require.Len(t, conn.Replicas, 1)

	r := GetGlobalResolver()
	require.NotNil(t, r)
	assert.Same(t, conn.Primary, r.Primary())
	assert.Same(t, conn.Replicas[0], r.Replica())
	assert.NotNil(t, currentStmtCache())
	assert.Equal(t, 4, conn.Primary.Stats().MaxOpenConnections)
}

func TestOpen_InvalidConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "sqlite3"})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
