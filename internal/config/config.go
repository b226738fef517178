package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// TFConfig holds the application configuration
type TFConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	Nats struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Notifier struct {
		Backend        string        `mapstructure:"backend"` // redis, nats or none
		PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	} `mapstructure:"notifier"`

	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Compactor CompactorConfig `mapstructure:"compactor"`

	LogLevel string `mapstructure:"log_level"`
}

type SchedulerConfig struct {
	OfflineAfter    time.Duration `mapstructure:"offline_after"`    // workers not seen for this long get no task
	MinEtaFloor     time.Duration `mapstructure:"min_eta_floor"`    // smallest remaining time assumed for a running task
	EtaMargin       float64       `mapstructure:"eta_margin"`       // multiplier applied to remaining time
	DefaultDuration time.Duration `mapstructure:"default_duration"` // estimate for templates without history
	TemplateRefresh time.Duration `mapstructure:"template_refresh"` // how often cron entries are synced with templates
	ClaimAttempts   int           `mapstructure:"claim_attempts"`
}

type ReaperConfig struct {
	Schedule               string        `mapstructure:"schedule"`
	ReservedTimeout        time.Duration `mapstructure:"reserved_timeout"`
	StartedTimeout         time.Duration `mapstructure:"started_timeout"`
	CancelRequestedTimeout time.Duration `mapstructure:"cancel_requested_timeout"`
	CancelingTimeout       time.Duration `mapstructure:"canceling_timeout"`
	CompletedTimeout       time.Duration `mapstructure:"completed_timeout"`
	VanishedTimeout        time.Duration `mapstructure:"vanished_timeout"`
	BucketTimeout          time.Duration `mapstructure:"bucket_timeout"`
}

type CompactorConfig struct {
	Schedule        string        `mapstructure:"schedule"`
	KeepPerTemplate int           `mapstructure:"keep_per_template"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	MaxAgeEnabled   bool          `mapstructure:"max_age_enabled"`
}

// LoadConfig reads the configuration from a file or environment variables
func LoadConfig(configPaths ...string) (*TFConfig, error) {
	// can specify config path from environment
	if path, exists := os.LookupEnv("TF_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	// finally read from current working directory
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		// no file anywhere, run on defaults and environment
		return unmarshal(v, cwd)
	}
	return config, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "taskfarm")
	v.SetDefault("database.sslmode", "disable")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("notifier.backend", "redis")
	v.SetDefault("notifier.publish_timeout", 5*time.Second)

	// Scheduler defaults
	v.SetDefault("scheduler.offline_after", 20*time.Minute)
	v.SetDefault("scheduler.min_eta_floor", time.Minute)
	v.SetDefault("scheduler.eta_margin", 1.005)
	v.SetDefault("scheduler.default_duration", 24*time.Hour)
	v.SetDefault("scheduler.template_refresh", time.Minute)
	v.SetDefault("scheduler.claim_attempts", 3)

	// Reaper defaults
	v.SetDefault("reaper.schedule", "@every 1m")
	v.SetDefault("reaper.reserved_timeout", 30*time.Minute)
	v.SetDefault("reaper.started_timeout", 30*time.Minute)
	v.SetDefault("reaper.cancel_requested_timeout", 30*time.Minute)
	v.SetDefault("reaper.canceling_timeout", 30*time.Minute)
	v.SetDefault("reaper.completed_timeout", 24*time.Hour)
	v.SetDefault("reaper.vanished_timeout", 48*time.Hour)
	v.SetDefault("reaper.bucket_timeout", 2*time.Minute)

	// Compactor defaults
	v.SetDefault("compactor.schedule", "@every 1h")
	v.SetDefault("compactor.keep_per_template", 10)
	v.SetDefault("compactor.max_age", 365*24*time.Hour)
	v.SetDefault("compactor.max_age_enabled", false)

	// Log level default
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("TF")                               // Prefix for environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // Replace dots with underscores in env vars
	v.AutomaticEnv()                                   // Read environment variables

	return v
}

func readConfig(v *viper.Viper, path string) (*TFConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not read config file")
		return nil, err
	}
	return unmarshal(v, path)
}

func unmarshal(v *viper.Viper, path string) (*TFConfig, error) {
	var config TFConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Warn().
			Str("path", path).
			Msg("Could not unmarshall config")
		return nil, err
	}
	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string
func (c *TFConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// Level parses LogLevel, falling back to info
func (c *TFConfig) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}
