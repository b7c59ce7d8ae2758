package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode              string        `mapstructure:"mode"`
	Port              int           `mapstructure:"port"`
	StaticPath        string        `mapstructure:"static_path"`
	Secret            string        `mapstructure:"secret"`
	ReadLimit         int64         `mapstructure:"read_limit"`
	PingPeriod        time.Duration `mapstructure:"ping_period"`
	PongWait          time.Duration `mapstructure:"pong_wait"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	RingTimeout       time.Duration `mapstructure:"ring_timeout"`
	JanitorInterval   time.Duration `mapstructure:"janitor_interval"`
	TombstoneTTL      time.Duration `mapstructure:"tombstone_ttl"`
	TombstoneCapacity int           `mapstructure:"tombstone_capacity"`
	ICEServers        []string      `mapstructure:"ice_servers"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Client    ClientConfig    `mapstructure:"client"`
}

type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	// JWTSecret enables HS256 identity tokens when set.
	JWTSecret string `mapstructure:"jwt_secret"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
}

type ClientConfig struct {
	URL            string        `mapstructure:"url"`
	MaxAttempts    uint          `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

// Loader keeps the viper instance around so the file can be watched.
type Loader struct {
	v    *viper.Viper
	file string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ring_timeout", "45s")
	v.SetDefault("janitor_interval", "15s")
	v.SetDefault("tombstone_ttl", "10m")
	v.SetDefault("tombstone_capacity", 4096)
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rate_limit.per_second", 20)
	v.SetDefault("rate_limit.burst", 40)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("secret", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "file:clinic-calls.db?_pragma=busy_timeout(5000)")
	v.SetDefault("client.url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.max_attempts", 8)
	v.SetDefault("client.initial_backoff", "500ms")
	v.SetDefault("client.max_backoff", "30s")
}

// NewLoader resolves the config file: path if given, otherwise
// config/config.<CONFIG_ENV>.yaml with CONFIG_ENV defaulting to dev.
func NewLoader(path string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")

	if path == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		path = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(path)

	v.SetEnvPrefix("CLINIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	return &Loader{v: v, file: path}
}

// Load reads the file (a missing file falls back to defaults) and decodes it.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", l.file).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.file).Msg("loaded config")
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

// Watch calls fn with the re-decoded config whenever the file changes.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			log.Error().Err(err).Str("module", "config").Msg("reload")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config changed")
		fn(&cfg)
	})
	l.v.WatchConfig()
}

// ApplyLogging sets the global zerolog level and output format.
func ApplyLogging(c LogConfig) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
