// Package config loads mk-server settings from flags, MK_* environment
// variables and an optional YAML file, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. MK_JWT_KEY.
const EnvPrefix = "MK"

// Store kinds.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Sink kinds.
const (
	SinkPostgres = "postgres"
	SinkRedis    = "redis"
	SinkStore    = "store" // whatever store is configured
)

// Dispatcher kinds.
const (
	DispatchResend = "resend"
	DispatchLog    = "log"
)

// Events configures the event emitter and its sink.
type Events struct {
	Sink          string        `mapstructure:"sink"`
	QueueSize     int           `mapstructure:"queue_size"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	Stream        string        `mapstructure:"stream"`
	StreamMaxLen  int64         `mapstructure:"stream_max_len"`
}

// Verify configures verification mail dispatch.
type Verify struct {
	Dispatcher   string        `mapstructure:"dispatcher"`
	ResendAPIKey string        `mapstructure:"resend_api_key"`
	From         string        `mapstructure:"from"`
	BaseURL      string        `mapstructure:"base_url"`
	LinkKey      string        `mapstructure:"link_key"`
	LinkTTL      time.Duration `mapstructure:"link_ttl"`
}

// Retention configures the log retention sweep.
type Retention struct {
	Enabled  bool          `mapstructure:"enabled"`
	Schedule string        `mapstructure:"schedule"`
	Location string        `mapstructure:"location"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Logs configures persisting application logs into the log store.
type Logs struct {
	Persist       bool          `mapstructure:"persist"`
	Level         string        `mapstructure:"level"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Config is the full server configuration.
type Config struct {
	HTTPAddr       string        `mapstructure:"http_addr"`
	GRPCAddr       string        `mapstructure:"grpc_addr"`
	TLSCert        string        `mapstructure:"tls_cert"`
	TLSKey         string        `mapstructure:"tls_key"`
	Dev            bool          `mapstructure:"dev"`
	Store          string        `mapstructure:"store"`
	DSN            string        `mapstructure:"dsn"`
	JWTKey         string        `mapstructure:"jwt_key"`
	AccessTTL      time.Duration `mapstructure:"access_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Events         Events        `mapstructure:"events"`
	Verify         Verify        `mapstructure:"verify"`
	Retention      Retention     `mapstructure:"retention"`
	Logs           Logs          `mapstructure:"logs"`

	// ConfigFile is the YAML file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// flags registers every flag and returns the flag name to viper key mapping.
func flags(fs *pflag.FlagSet) map[string]string {
	flagKeys := map[string]string{}
	str := func(name, key, def, usage string) {
		fs.String(name, def, usage)
		flagKeys[name] = key
	}
	dur := func(name, key string, def time.Duration, usage string) {
		fs.Duration(name, def, usage)
		flagKeys[name] = key
	}
	str("http-addr", "http_addr", ":8080", "REST listen address")
	str("grpc-addr", "grpc_addr", ":8081", "gRPC health listen address")
	str("tls-cert", "tls_cert", "", "TLS certificate (PEM); empty serves plaintext")
	str("tls-key", "tls_key", "", "TLS private key (PEM)")
	fs.Bool("dev", false, "development mode: debug logs, gRPC reflection")
	flagKeys["dev"] = "dev"
	str("store", "store", StorePostgres, "email store: postgres|memory")
	str("dsn", "dsn", "postgres://mk:mk@localhost:5432/mailkeeper?sslmode=disable", "PostgreSQL DSN")
	str("jwt-key", "jwt_key", "", "HS256 access token key (required)")
	dur("access-ttl", "access_ttl", time.Hour, "TTL of tokens minted in dev mode")
	dur("request-timeout", "request_timeout", 10*time.Second, "per-request deadline")

	str("events-sink", "events.sink", SinkStore, "event sink: store|postgres|redis")
	fs.Int("events-queue", 1024, "event queue size")
	flagKeys["events-queue"] = "events.queue_size"
	dur("events-write-timeout", "events.write_timeout", 5*time.Second, "per event write timeout")
	str("redis-addr", "events.redis_addr", "localhost:6379", "Redis address for the redis sink")
	str("redis-password", "events.redis_password", "", "Redis password")
	str("events-stream", "events.stream", "mailkeeper:events", "Redis stream key")

	str("verify-dispatcher", "verify.dispatcher", DispatchLog, "verification dispatch: resend|log")
	str("resend-api-key", "verify.resend_api_key", "", "Resend API key")
	str("verify-from", "verify.from", "no-reply@mailkeeper.local", "sender of verification mails")
	str("verify-base-url", "verify.base_url", "http://localhost:8080/verify", "verification link base URL")
	str("verify-link-key", "verify.link_key", "", "HS256 key of verification links (defaults to jwt-key)")
	dur("verify-link-ttl", "verify.link_ttl", 24*time.Hour, "verification link TTL")

	fs.Bool("retention", true, "run the daily log retention sweep")
	flagKeys["retention"] = "retention.enabled"
	str("retention-schedule", "retention.schedule", "0 0 * * *", "cron spec of the sweep")
	str("retention-location", "retention.location", "UTC", "time zone of the schedule")
	dur("retention-timeout", "retention.timeout", 10*time.Minute, "per sweep timeout")

	fs.Bool("persist-logs", true, "copy application logs into the log store")
	flagKeys["persist-logs"] = "logs.persist"
	str("persist-logs-level", "logs.level", "info", "lowest level copied into the log store")
	dur("persist-logs-flush", "logs.flush_interval", 2*time.Second, "log store flush interval")

	fs.String("config", "", "optional YAML config file")
	return flagKeys
}

// Load parses args and merges env and file settings.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("mk-server", pflag.ContinueOnError)
	flagKeys := flags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind %s: %w", name, err)
		}
	}
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.stream_max_len", int64(0))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, _ := fs.GetString("config")
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ConfigFile = path
	if cfg.Verify.LinkKey == "" {
		cfg.Verify.LinkKey = cfg.JWTKey
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	var problems []error
	if c.JWTKey == "" {
		problems = append(problems, errors.New("missing jwt signing key (--jwt-key / MK_JWT_KEY)"))
	}
	switch c.Store {
	case StorePostgres:
		if c.DSN == "" {
			problems = append(problems, errors.New("postgres store requires --dsn"))
		}
	case StoreMemory:
	default:
		problems = append(problems, fmt.Errorf("unknown store %q", c.Store))
	}
	switch c.Events.Sink {
	case SinkStore, SinkRedis:
	case SinkPostgres:
		if c.Store != StorePostgres {
			problems = append(problems, errors.New("postgres event sink requires the postgres store"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown events sink %q", c.Events.Sink))
	}
	switch c.Verify.Dispatcher {
	case DispatchLog:
	case DispatchResend:
		if c.Verify.ResendAPIKey == "" {
			problems = append(problems, errors.New("resend dispatcher requires --resend-api-key"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown verify dispatcher %q", c.Verify.Dispatcher))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		problems = append(problems, errors.New("--tls-cert and --tls-key go together"))
	}
	if _, err := zapcore.ParseLevel(c.Logs.Level); err != nil {
		problems = append(problems, fmt.Errorf("logs level: %w", err))
	}
	if _, err := time.LoadLocation(c.Retention.Location); err != nil {
		problems = append(problems, fmt.Errorf("retention location: %w", err))
	}
	return errors.Join(problems...)
}
