package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-latch/v1/events"
	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

// config is the resolved configuration, from flags, LATCH_* environment
// variables and the optional YAML file, in that order of precedence.
type config struct {
	Backend   string        `yaml:"backend"`
	Namespace string        `yaml:"namespace"`
	Timeout   time.Duration `yaml:"timeout"`
	LogLevel  string        `yaml:"log-level"`
	Events    bool          `yaml:"events"`
	Redis     redisConfig   `yaml:"redis"`
	NATS      natsConfig    `yaml:"nats"`
}

type redisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

type natsConfig struct {
	URL    string `yaml:"url"`
	Bucket string `yaml:"bucket"`
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.StringP("backend", "b", "redis", "lock store backend (redis, nats, memory)")
	flags.String("namespace", lock.DefaultNamespace, "prefix applied to every lock key")
	flags.Duration("timeout", 5*time.Second, "timeout of a single store call")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("events", false, "log lock lifecycle events")
	flags.String("redis.addr", "127.0.0.1:6379", "Redis address")
	flags.String("redis.password", "", "Redis password")
	flags.Int("redis.db", 0, "Redis database")
	flags.String("nats.url", "nats://127.0.0.1:4222", "NATS server URL")
	flags.String("nats.bucket", presets.DefaultNATSBucket, "JetStream KV bucket")
}

func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("LATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return v, nil
}

func loadConfig(v *viper.Viper) (config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		if _, err := os.Stat(path); err != nil {
			return config{}, fmt.Errorf("config file %q: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	cfg := config{
		Backend:   strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		Namespace: v.GetString("namespace"),
		Timeout:   v.GetDuration("timeout"),
		LogLevel:  v.GetString("log-level"),
		Events:    v.GetBool("events"),
		Redis: redisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		NATS: natsConfig{
			URL:    v.GetString("nats.url"),
			Bucket: v.GetString("nats.bucket"),
		},
	}
	switch cfg.Backend {
	case "redis", "nats", "memory":
	default:
		return config{}, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if cfg.Timeout <= 0 {
		return config{}, fmt.Errorf("timeout must be positive, got %s", cfg.Timeout)
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelWarn
	}
	return level
}

// openLocker builds a locker for cfg. The caller closes it.
func openLocker(cfg config, logger *slog.Logger) (*presets.Locker, error) {
	opts := []lock.Option{lock.WithNamespace(cfg.Namespace), lock.WithLogger(logger)}
	if cfg.Events {
		opts = append(opts, lock.WithEventSink(events.NewLogSink(logger, slog.LevelInfo)))
	}
	switch cfg.Backend {
	case "memory":
		return presets.NewInMemory(opts...), nil
	case "nats":
		return presets.NewNATS(presets.NATSOptions{URL: cfg.NATS.URL, Bucket: cfg.NATS.Bucket, Timeout: cfg.Timeout}, opts...)
	default:
		return presets.NewRedis(presets.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  cfg.Timeout,
		}, opts...), nil
	}
}
