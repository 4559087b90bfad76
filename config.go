package zorm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config describes how to connect the ORM.
type Config struct {
	Driver        string   `yaml:"driver"` // postgres, mysql or sqlite3
	DSN           string   `yaml:"dsn"`
	Replicas      []string `yaml:"replicas"`
	Pool          DBConfig `yaml:"pool"`
	LogLevel      string   `yaml:"logLevel"`
	StmtCacheSize int      `yaml:"stmtCacheSize"`
}

// LoadConfig reads a YAML config file. ZORM_DSN overrides the DSN.
func LoadConfig(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}

	if dsn := os.Getenv("ZORM_DSN"); dsn != "" {
		config.DSN = dsn
	}
	return config, config.Validate()
}

// Validate checks the driver and DSN.
func (c Config) Validate() error {
	if _, err := driverName(c.Driver); err != nil {
		return err
	}
	if c.DSN == "" {
		return fmt.Errorf("%w: empty dsn", ErrInvalidConfig)
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("%w: log level %q", ErrInvalidConfig, c.LogLevel)
		}
	}
	return nil
}

func driverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	}
	return "", fmt.Errorf("%w: unknown driver %q", ErrInvalidConfig, driver)
}

// Open connects the primary and replicas described by cfg and installs them
// as GlobalDB and the global resolver.
func Open(ctx context.Context, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	driver, _ := driverName(cfg.Driver)

	if cfg.LogLevel != "" {
		level, _ := zerolog.ParseLevel(cfg.LogLevel)
		SetLogger(logger.Level(level))
	}

	primary, err := connect(ctx, driver, cfg.DSN, &cfg.Pool)
	if err != nil {
		return nil, fmt.Errorf("connect primary: %w", err)
	}
	conn := &Connection{Primary: primary, Dialect: DialectFor(primary)}

	for i, dsn := range cfg.Replicas {
		replica, err := connect(ctx, driver, dsn, &cfg.Pool)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("connect replica %d: %w", i, err)
		}
		conn.Replicas = append(conn.Replicas, replica)
	}

	GlobalDB = primary
	if len(conn.Replicas) > 0 {
		ConfigureDBResolver(WithPrimary(primary), WithReplicas(conn.Replicas...))
	}
	if cfg.StmtCacheSize > 0 {
		SetStmtCache(NewStmtCache(cfg.StmtCacheSize))
	}

	logger.Info().
		Str("driver", driver).
		Int("replicas", len(conn.Replicas)).
		Bool("json_contains", conn.Dialect.JSONContains).
		Msg("database connected")
	return conn, nil
}
