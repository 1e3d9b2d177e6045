package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/BuzzLyutic/triage/internal/quadrant"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Driver           string  `yaml:"driver"`
	DBPath           string  `yaml:"db_path"`
	DatabaseURL      string  `yaml:"database_url"`
	TriggerRadius    float64 `yaml:"trigger_radius"`
	PreviewThreshold float64 `yaml:"preview_threshold"`
	LogLevel         string  `yaml:"log_level"`
	MetricsFile      string  `yaml:"metrics_file"`
	QueueSize        int     `yaml:"queue_size"`
}

func Default() Config {
	return Config{
		Driver:           DriverSQLite,
		DBPath:           defaultDBPath(),
		TriggerRadius:    quadrant.DefaultTriggerRadius,
		PreviewThreshold: quadrant.DefaultTriggerRadius,
		LogLevel:         "info",
		QueueSize:        64,
	}
}

// DefaultPath is where Load looks when no config file is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "triage.yaml"
	}
	return filepath.Join(dir, "triage", "config.yaml")
}

func defaultDBPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "triage.db"
	}
	return filepath.Join(dir, "triage", "triage.db")
}

// Load layers defaults, the YAML file at path (a missing file is fine) and
// TRIAGE_* environment variables, in that order.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.Driver = getEnv("TRIAGE_DRIVER", cfg.Driver)
	cfg.DBPath = getEnv("TRIAGE_DB_PATH", cfg.DBPath)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = getEnv("TRIAGE_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsFile = getEnv("TRIAGE_METRICS_FILE", cfg.MetricsFile)

	var err error
	if cfg.TriggerRadius, err = getEnvFloat("TRIAGE_TRIGGER_RADIUS", cfg.TriggerRadius); err != nil {
		return Config{}, err
	}
	if cfg.PreviewThreshold, err = getEnvFloat("TRIAGE_PREVIEW_THRESHOLD", cfg.PreviewThreshold); err != nil {
		return Config{}, err
	}
	if cfg.QueueSize, err = getEnvInt("TRIAGE_QUEUE_SIZE", cfg.QueueSize); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("config: db_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}

	if _, err := quadrant.NewClassifier(c.TriggerRadius, c.PreviewThreshold); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.QueueSize)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return f, nil
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}
