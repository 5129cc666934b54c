package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sheerbytes/sealdrop/internal/transfer"
)

// EnvPrefix is prepended to every environment variable name, e.g.
// SEALDROP_ADDR or SEALDROP_CHUNK_SIZE.
const EnvPrefix = "SEALDROP"

var (
	ErrMissingAddr      = errors.New("config: addr is required")
	ErrMissingDataDir   = errors.New("config: data dir is required")
	ErrInvalidChunkSize = errors.New("config: chunk size out of range")
	ErrInvalidTimeout   = errors.New("config: timeout must be positive")
	ErrInvalidLimit     = errors.New("config: limits must be positive")
	ErrInvalidServerURL = errors.New("config: server url must be an absolute http(s) url")
	ErrInvalidLogFormat = errors.New("config: log format must be text or json")
)

// ServerConfig holds configuration for the sealdropd binary.
type ServerConfig struct {
	Addr      string
	LogLevel  string
	LogFormat string
	DataDir   string
	// Secret signs upload tokens. Empty means a random per-process secret.
	Secret        string
	PublicURL     string
	ChunkSize     int
	ChunkTimeout  time.Duration
	TicketTTL     time.Duration
	MaxObjectSize int64

	MaxConns         int
	MaxConnsPerIP    int
	UploadsPerMinute int
	MessagesPerSec   float64
	MessageBurst     int
}

// ClientConfig holds configuration for the sealdrop binary.
type ClientConfig struct {
	ServerURL    string
	LogLevel     string
	LogFormat    string
	Passphrase   string
	OutDir       string
	JoinTimeout  time.Duration
	ChunkTimeout time.Duration
	NoProgress   bool
}

// LoadDotEnv loads KEY=value pairs from the given files (default ".env")
// into the process environment. Missing files are ignored and variables
// that are already set are left alone.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// BindServerFlags registers the server flags on fs.
func BindServerFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("addr", ":8080", "listen address")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("data-dir", "./data", "directory for stored objects and the catalog")
	fs.String("secret", "", "secret used to sign upload tokens (random when empty)")
	fs.String("public-url", "", "externally visible base url used in object links")
	fs.Int("chunk-size", transfer.DefaultChunkSize, "chunk size announced to uploaders")
	fs.Duration("chunk-timeout", transfer.DefaultChunkTimeout, "chunk acknowledgment timeout announced to uploaders")
	fs.Duration("ticket-ttl", 15*time.Minute, "lifetime of an upload ticket")
	fs.Int64("max-object-size", 2<<30, "maximum stored object size in bytes")
	fs.Int("max-conns", 1000, "maximum concurrent websocket connections")
	fs.Int("max-conns-per-ip", 20, "maximum concurrent websocket connections per client ip")
	fs.Int("uploads-per-minute", 30, "upload tickets per client ip per minute")
	fs.Float64("messages-per-sec", 500, "sustained inbound messages per connection")
	fs.Int("message-burst", 1000, "inbound message burst per connection")
}

// LoadServerConfig resolves server configuration from defaults, an optional
// config file, SEALDROP_* environment variables and the flags in fs, in
// increasing order of precedence.
func LoadServerConfig(fs *pflag.FlagSet) (ServerConfig, error) {
	v, err := newViper(fs)
	if err != nil {
		return ServerConfig{}, err
	}
	cfg := ServerConfig{
		Addr:             v.GetString("addr"),
		LogLevel:         v.GetString("log-level"),
		LogFormat:        v.GetString("log-format"),
		DataDir:          v.GetString("data-dir"),
		Secret:           v.GetString("secret"),
		PublicURL:        strings.TrimRight(v.GetString("public-url"), "/"),
		ChunkSize:        v.GetInt("chunk-size"),
		ChunkTimeout:     v.GetDuration("chunk-timeout"),
		TicketTTL:        v.GetDuration("ticket-ttl"),
		MaxObjectSize:    v.GetInt64("max-object-size"),
		MaxConns:         v.GetInt("max-conns"),
		MaxConnsPerIP:    v.GetInt("max-conns-per-ip"),
		UploadsPerMinute: v.GetInt("uploads-per-minute"),
		MessagesPerSec:   v.GetFloat64("messages-per-sec"),
		MessageBurst:     v.GetInt("message-burst"),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c ServerConfig) Validate() error {
	switch {
	case c.Addr == "":
		return ErrMissingAddr
	case c.DataDir == "":
		return ErrMissingDataDir
	case c.ChunkSize <= 0 || c.ChunkSize > transfer.MaxChunkSize:
		return fmt.Errorf("%w: %d", ErrInvalidChunkSize, c.ChunkSize)
	case c.ChunkTimeout <= 0 || c.TicketTTL <= 0:
		return ErrInvalidTimeout
	case c.MaxObjectSize <= 0 || c.MaxConns <= 0 || c.MaxConnsPerIP <= 0 ||
		c.UploadsPerMinute <= 0 || c.MessagesPerSec <= 0 || c.MessageBurst <= 0:
		return ErrInvalidLimit
	}
	return validateLogFormat(c.LogFormat)
}

// BindClientFlags registers the persistent client flags on fs.
func BindClientFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("server-url", "http://localhost:8080", "server URL")
	fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
	fs.String("passphrase", "", "passphrase for encryption and decryption (prompted when empty)")
	fs.String("out-dir", ".", "directory downloads are written to")
	fs.Duration("join-timeout", transfer.DefaultJoinTimeout, "timeout for joining an upload channel")
	fs.Duration("chunk-timeout", 0, "override the chunk acknowledgment timeout announced by the server")
	fs.Bool("no-progress", false, "disable the progress bar")
}

// LoadClientConfig resolves client configuration the same way as
// LoadServerConfig.
func LoadClientConfig(fs *pflag.FlagSet) (ClientConfig, error) {
	v, err := newViper(fs)
	if err != nil {
		return ClientConfig{}, err
	}
	cfg := ClientConfig{
		ServerURL:    strings.TrimRight(v.GetString("server-url"), "/"),
		LogLevel:     v.GetString("log-level"),
		LogFormat:    v.GetString("log-format"),
		Passphrase:   v.GetString("passphrase"),
		OutDir:       v.GetString("out-dir"),
		JoinTimeout:  v.GetDuration("join-timeout"),
		ChunkTimeout: v.GetDuration("chunk-timeout"),
		NoProgress:   v.GetBool("no-progress"),
	}
	return cfg, cfg.Validate()
}

// Validate reports the first invalid setting.
func (c ClientConfig) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidServerURL, c.ServerURL)
	}
	if c.JoinTimeout <= 0 || c.ChunkTimeout < 0 {
		return ErrInvalidTimeout
	}
	return validateLogFormat(c.LogFormat)
}

func newViper(fs *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	return v, nil
}

func validateLogFormat(format string) error {
	switch format {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidLogFormat, format)
}
