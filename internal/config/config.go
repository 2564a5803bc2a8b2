// Package config loads and hot-reloads the scheduler's recognized
// configuration keys via viper, with fsnotify watching the config file for
// changes. A reload hands the freshly parsed Config to the WatchAndReload
// callback; components already built from the startup Config keep its values.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds the scheduler's recognized configuration keys.
type Config struct {
	BucketCount              int
	PreloadBatchSize         int
	PreloadMaxCachedIDs      int
	HeartbeatInterval        time.Duration
	LivenessWindowMultiplier int
	RebalanceCheckInterval   time.Duration
	DispatchTickInterval     time.Duration
	DefaultRetryInterval     time.Duration
	StorePath                string
	RedisAddr                string
	NATSURL                  string
	OTLPEndpoint             string
	WorkerAddress            string
	ExecutorAddress          string
}

// LivenessWindow is the wall-clock interval within which a worker must
// heartbeat to remain in the live set.
func (c Config) LivenessWindow() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.LivenessWindowMultiplier)
}

func defaults(v *viper.Viper) {
	v.SetDefault("bucket-count", 1024)
	v.SetDefault("preload-batch-size", 1000)
	v.SetDefault("preload-max-cached-ids", 50000)
	v.SetDefault("heartbeat-interval", "10s")
	v.SetDefault("liveness-window-multiplier", 3)
	v.SetDefault("rebalance-check-interval", "30s")
	v.SetDefault("dispatch-tick-interval", "1s")
	v.SetDefault("default-retry-interval", "30s")
	v.SetDefault("store-path", "./data")
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("nats-url", "nats://localhost:4222")
	v.SetDefault("otlp-endpoint", "localhost:4317")
	v.SetDefault("worker-address", "")
	v.SetDefault("executor-address", "localhost:9090")
}

func fromViper(v *viper.Viper) Config {
	return Config{
		BucketCount:              v.GetInt("bucket-count"),
		PreloadBatchSize:         v.GetInt("preload-batch-size"),
		PreloadMaxCachedIDs:      v.GetInt("preload-max-cached-ids"),
		HeartbeatInterval:        v.GetDuration("heartbeat-interval"),
		LivenessWindowMultiplier: v.GetInt("liveness-window-multiplier"),
		RebalanceCheckInterval:   v.GetDuration("rebalance-check-interval"),
		DispatchTickInterval:     v.GetDuration("dispatch-tick-interval"),
		DefaultRetryInterval:     v.GetDuration("default-retry-interval"),
		StorePath:                v.GetString("store-path"),
		RedisAddr:                v.GetString("redis-addr"),
		NATSURL:                  v.GetString("nats-url"),
		OTLPEndpoint:             v.GetString("otlp-endpoint"),
		WorkerAddress:            v.GetString("worker-address"),
		ExecutorAddress:          v.GetString("executor-address"),
	}
}

// Loader wraps a viper instance and exposes the typed Config plus hot-reload.
type Loader struct {
	v *viper.Viper
}

// Load reads configPath (if non-empty) plus environment variables under the
// SCHED_ prefix, and returns a Loader seeded with defaults. A configPath that
// does not exist is not an error: the defaults and environment still apply.
func Load(configPath string) (*Loader, error) {
	v := viper.New()
	defaults(v)
	v.SetEnvPrefix("SCHED")
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, err
			}
		}
	}
	return &Loader{v: v}, nil
}

// Current returns a snapshot of the configuration as of the last reload.
func (l *Loader) Current() Config {
	return fromViper(l.v)
}

// WatchAndReload hot-reloads the configuration file; onChange is invoked with
// the freshly parsed Config after each fsnotify event. Safe to call once;
// viper itself owns the fsnotify watcher goroutine.
func (l *Loader) WatchAndReload(onChange func(Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		slog.Info("config reloaded", "file", e.Name)
		onChange(l.Current())
	})
	l.v.WatchConfig()
}
