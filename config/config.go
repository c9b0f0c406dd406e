// Package config loads process settings from the environment, optionally
// layered over a YAML file named by CONFIG_FILE.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"notes-sync/auth"
)

// Snapshot sources.
const (
	SnapshotHTTP   = "http"
	SnapshotTables = "tables"
)

// Stream transports.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportRedis     = "redis"
)

// Inbound auth modes for the presentation API.
const (
	InboundNone  = "none"
	InboundJWKS  = "jwks"
	InboundHS256 = "hs256"
)

type Config struct {
	Debug      bool   `yaml:"debug"`
	LogFormat  string `yaml:"log_format"`
	ListenAddr string `yaml:"listen_addr"`

	Snapshot Snapshot `yaml:"snapshot"`
	Storage  Storage  `yaml:"storage"`
	Stream   Stream   `yaml:"stream"`
	Redis    Redis    `yaml:"redis"`
	Auth     Auth     `yaml:"auth"`
	Create   Create   `yaml:"create"`
	Inbound  Inbound  `yaml:"inbound"`
}

type Snapshot struct {
	Source   string        `yaml:"source"`
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
	CacheKey string        `yaml:"cache_key"`
}

type Storage struct {
	ConnectionString string `yaml:"connection_string"`
	NotesTable       string `yaml:"notes_table"`
	CommandQueue     string `yaml:"command_queue"`
	Owner            string `yaml:"owner"`
	// Provision creates the table and queue at startup.
	Provision bool `yaml:"provision"`
}

type Stream struct {
	Transport   string `yaml:"transport"`
	URL         string `yaml:"url"`
	Channel     string `yaml:"channel"`
	InitMessage string `yaml:"init_message"`
}

type Redis struct {
	ConnectionString string `yaml:"connection_string"`
}

// Auth selects how outbound calls authenticate.
type Auth struct {
	Mode         string        `yaml:"mode"`
	APIKey       string        `yaml:"api_key"`
	Token        string        `yaml:"token"`
	SharedSecret string        `yaml:"shared_secret"`
	Subject      string        `yaml:"subject"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// Create tunes the create dispatcher.
type Create struct {
	Workers        int           `yaml:"workers"`
	Buffer         int           `yaml:"buffer"`
	Timeout        time.Duration `yaml:"timeout"`
	HandoffTimeout time.Duration `yaml:"handoff_timeout"`
	DedupeTTL      time.Duration `yaml:"dedupe_ttl"`
}

// Inbound configures bearer validation on the presentation API.
type Inbound struct {
	Mode         string        `yaml:"mode"`
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	SharedSecret string        `yaml:"shared_secret"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		LogFormat:  "text",
		ListenAddr: ":8080",
		Snapshot:   Snapshot{Source: SnapshotHTTP, CacheKey: "notes:snapshot"},
		Storage:    Storage{NotesTable: "Notes", CommandQueue: "notes-commands", Owner: "default"},
		Stream:     Stream{Transport: TransportSSE, Channel: "note-changes"},
		Auth:       Auth{Mode: string(auth.ModeNone), TokenTTL: time.Hour},
		Create: Create{
			Workers:        8,
			Buffer:         256,
			Timeout:        30 * time.Second,
			HandoffTimeout: 15 * time.Millisecond,
			DedupeTTL:      24 * time.Hour,
		},
		Inbound: Inbound{Mode: InboundNone, JWKSCacheTTL: 15 * time.Minute},
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// FromEnv loads the configuration from the process environment.
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load builds a Config from defaults, the YAML file named by CONFIG_FILE and
// the environment, in that order of precedence (environment wins).
func Load(lookup LookupFunc) (Config, error) {
	cfg := Default()
	if path, ok := lookup("CONFIG_FILE"); ok && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	l := loader{lookup: lookup}
	l.bool("DEBUG", &cfg.Debug)
	l.str("LOG_FORMAT", &cfg.LogFormat)
	l.str("LISTEN_ADDR", &cfg.ListenAddr)
	if port, ok := lookup("FUNCTIONS_CUSTOMHANDLER_PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}

	l.str("SNAPSHOT_SOURCE", &cfg.Snapshot.Source)
	l.str("NOTES_API_URL", &cfg.Snapshot.URL)
	l.duration("SNAPSHOT_CACHE_TTL", &cfg.Snapshot.CacheTTL)
	l.str("SNAPSHOT_CACHE_KEY", &cfg.Snapshot.CacheKey)

	l.str("STORAGE_CONNECTION_STRING", &cfg.Storage.ConnectionString)
	l.str("NOTES_TABLE", &cfg.Storage.NotesTable)
	l.str("COMMAND_QUEUE", &cfg.Storage.CommandQueue)
	l.str("NOTES_OWNER", &cfg.Storage.Owner)
	l.bool("STORAGE_PROVISION", &cfg.Storage.Provision)

	l.str("STREAM_TRANSPORT", &cfg.Stream.Transport)
	l.str("STREAM_URL", &cfg.Stream.URL)
	l.str("STREAM_CHANNEL", &cfg.Stream.Channel)
	l.str("STREAM_INIT_MESSAGE", &cfg.Stream.InitMessage)

	l.str("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)

	l.str("AUTH_MODE", &cfg.Auth.Mode)
	l.str("API_KEY", &cfg.Auth.APIKey)
	l.str("AUTH_TOKEN", &cfg.Auth.Token)
	l.str("AUTH_SHARED_SECRET", &cfg.Auth.SharedSecret)
	l.str("AUTH_SUBJECT", &cfg.Auth.Subject)
	l.duration("AUTH_TOKEN_TTL", &cfg.Auth.TokenTTL)

	l.int("CREATE_WORKERS", &cfg.Create.Workers)
	l.int("CREATE_BUFFER", &cfg.Create.Buffer)
	l.duration("CREATE_TIMEOUT", &cfg.Create.Timeout)
	l.duration("CREATE_HANDOFF_TIMEOUT", &cfg.Create.HandoffTimeout)
	l.duration("DEDUPER_TTL", &cfg.Create.DedupeTTL)

	l.str("INBOUND_AUTH_MODE", &cfg.Inbound.Mode)
	l.str("AUTH0_DOMAIN", &cfg.Inbound.Domain)
	l.str("AUTH0_AUDIENCE", &cfg.Inbound.Audience)
	l.str("LOCAL_AUTH_SHARED_SECRET", &cfg.Inbound.SharedSecret)
	l.duration("JWKS_CACHE_TTL", &cfg.Inbound.JWKSCacheTTL)

	if l.err != nil {
		return Config{}, l.err
	}
	return cfg, nil
}

type loader struct {
	lookup LookupFunc
	err    error
}

func (l *loader) value(key string) (string, bool) {
	v, ok := l.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (l *loader) str(key string, dst *string) {
	if v, ok := l.value(key); ok {
		*dst = v
	}
}

func (l *loader) bool(key string, dst *bool) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = b
}

func (l *loader) int(key string, dst *int) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	if n <= 0 {
		l.fail(fmt.Errorf("invalid %s: must be greater than zero", key))
		return
	}
	*dst = n
}

func (l *loader) duration(key string, dst *time.Duration) {
	v, ok := l.value(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.fail(fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	if d < 0 {
		l.fail(fmt.Errorf("invalid %s: must not be negative", key))
		return
	}
	*dst = d
}

func (l *loader) fail(err error) {
	l.err = errors.Join(l.err, err)
}

// Validate reports settings missing for the selected snapshot source, stream
// transport and auth modes.
func (c Config) Validate() error {
	var errs []error
	switch c.Snapshot.Source {
	case SnapshotHTTP:
		if c.Snapshot.URL == "" {
			errs = append(errs, errors.New("NOTES_API_URL must be set when SNAPSHOT_SOURCE=http"))
		}
	case SnapshotTables:
		if c.Storage.ConnectionString == "" || c.Storage.NotesTable == "" || c.Storage.CommandQueue == "" {
			errs = append(errs, errors.New("missing storage config"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported SNAPSHOT_SOURCE %q", c.Snapshot.Source))
	}
	if c.Snapshot.CacheTTL > 0 && c.Redis.ConnectionString == "" {
		errs = append(errs, errors.New("REDIS_CONNECTION_STRING must be set when SNAPSHOT_CACHE_TTL is set"))
	}

	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket:
		if c.Stream.URL == "" {
			errs = append(errs, fmt.Errorf("STREAM_URL must be set when STREAM_TRANSPORT=%s", c.Stream.Transport))
		}
	case TransportRedis:
		if c.Redis.ConnectionString == "" {
			errs = append(errs, errors.New("REDIS_CONNECTION_STRING must be set when STREAM_TRANSPORT=redis"))
		}
		if c.Stream.Channel == "" {
			errs = append(errs, errors.New("STREAM_CHANNEL must be set when STREAM_TRANSPORT=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STREAM_TRANSPORT %q", c.Stream.Transport))
	}

	if _, err := c.Credentials(); err != nil {
		errs = append(errs, err)
	}

	switch c.Inbound.Mode {
	case "", InboundNone:
	case InboundJWKS:
		if c.Inbound.Domain == "" || c.Inbound.Audience == "" {
			errs = append(errs, errors.New("missing Auth0 config"))
		}
	case InboundHS256:
		if c.Inbound.SharedSecret == "" {
			errs = append(errs, errors.New("LOCAL_AUTH_SHARED_SECRET must be set when INBOUND_AUTH_MODE=hs256"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported INBOUND_AUTH_MODE %q", c.Inbound.Mode))
	}

	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported LOG_FORMAT %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Credentials builds the outbound credentials shared by every transport.
func (c Config) Credentials() (*auth.Credentials, error) {
	mode, err := auth.ParseMode(c.Auth.Mode)
	if err != nil {
		return nil, err
	}
	creds := &auth.Credentials{
		Mode:    mode,
		APIKey:  c.Auth.APIKey,
		Token:   c.Auth.Token,
		Secret:  []byte(c.Auth.SharedSecret),
		Subject: c.Auth.Subject,
		TTL:     c.Auth.TokenTTL,
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}

// RedisOptions parses a connection string given either as a redis:// URL or
// in the "host:port,password=...,ssl=true" form.
func RedisOptions(connStr string) (*redis.Options, error) {
	connStr = strings.TrimSpace(connStr)
	if connStr == "" {
		return nil, errors.New("missing redis config")
	}
	if opts, err := redis.ParseURL(connStr); err == nil {
		return opts, nil
	}
	parts := strings.Split(connStr, ",")
	if strings.Contains(parts[0], "://") || strings.Contains(parts[0], "=") {
		return nil, fmt.Errorf("invalid redis connection string %q", parts[0])
	}
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts, nil
}
