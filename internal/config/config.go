package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort              = 8080
	defaultDataDir           = "data"
	defaultDatabasePath      = "data/tasks.db"
	defaultReposFile         = "/etc/coldstore/repos.yml"
	defaultWorkers           = 2
	defaultMaxTaskDuration   = 24 * time.Hour
	defaultMaxWaitFor        = 6 * time.Hour
	defaultZombieInterval    = 5 * time.Minute
	defaultRetentionAge      = 30 * 24 * time.Hour
	defaultRetentionInterval = 24 * time.Hour
)

// SMTP settings for completion notifications. Notifications are disabled when
// Host is empty.
type SMTP struct {
	Host     string `yaml:"host" env:"COLDSTORE_SMTP_HOST"`
	Port     int    `yaml:"port" env:"COLDSTORE_SMTP_PORT"`
	From     string `yaml:"from" env:"COLDSTORE_SMTP_FROM"`
	Username string `yaml:"username" env:"COLDSTORE_SMTP_USERNAME"`
	Password string `yaml:"password" env:"COLDSTORE_SMTP_PASSWORD"`
}

// Config describes runtime configuration for the service.
type Config struct {
	Port         int    `yaml:"port" env:"COLDSTORE_PORT"`
	DataDir      string `yaml:"data_dir" env:"COLDSTORE_DATA_DIR"`
	DatabasePath string `yaml:"database_path" env:"COLDSTORE_DATABASE_PATH"`
	ReposFile    string `yaml:"repos_file" env:"COLDSTORE_REPOS_FILE"`
	RcloneBinary string `yaml:"rclone_binary" env:"COLDSTORE_RCLONE_BINARY"`
	Workers      int    `yaml:"workers" env:"COLDSTORE_WORKERS"`

	MaxTaskDuration   time.Duration `yaml:"max_task_duration" env:"COLDSTORE_MAX_TASK_DURATION"`
	MaxWaitFor        time.Duration `yaml:"max_wait_for" env:"COLDSTORE_MAX_WAIT_FOR"`
	ZombieInterval    time.Duration `yaml:"zombie_interval" env:"COLDSTORE_ZOMBIE_INTERVAL"`
	RetentionAge      time.Duration `yaml:"retention_age" env:"COLDSTORE_RETENTION_AGE"`
	RetentionInterval time.Duration `yaml:"retention_interval" env:"COLDSTORE_RETENTION_INTERVAL"`

	SMTP SMTP `yaml:"smtp"`
}

// Default returns the configuration used when no file and no env are present.
func Default() Config {
	return Config{
		Port:              defaultPort,
		DataDir:           defaultDataDir,
		DatabasePath:      defaultDatabasePath,
		ReposFile:         defaultReposFile,
		Workers:           defaultWorkers,
		MaxTaskDuration:   defaultMaxTaskDuration,
		MaxWaitFor:        defaultMaxWaitFor,
		ZombieInterval:    defaultZombieInterval,
		RetentionAge:      defaultRetentionAge,
		RetentionInterval: defaultRetentionInterval,
	}
}

// Load reads YAML config from the provided path, then applies environment
// overrides. A missing or empty file yields defaults with no error; malformed
// values are fatal, never silently defaulted.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	fileData, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if len(fileData) > 0 {
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env overrides: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.DataDir == "" {
		return errors.New("data_dir must not be empty")
	}
	if c.ReposFile == "" {
		return errors.New("repos_file must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("invalid workers: %d (must be >= 1)", c.Workers)
	}
	for name, d := range map[string]time.Duration{
		"max_task_duration":  c.MaxTaskDuration,
		"max_wait_for":       c.MaxWaitFor,
		"zombie_interval":    c.ZombieInterval,
		"retention_age":      c.RetentionAge,
		"retention_interval": c.RetentionInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s (must be positive)", name, d)
		}
	}
	return nil
}
