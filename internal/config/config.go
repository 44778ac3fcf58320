// Package config provides Viper-based configuration loading for the lobby bot.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxMessageLength is the longest chat line Bancho accepts.
const MaxMessageLength = 300

// BanchoConfig holds the chat server connection and account settings.
type BanchoConfig struct {
	// Host is the Bancho IRC host name.
	Host string `mapstructure:"host"`
	// Port is the Bancho IRC TCP port.
	Port int `mapstructure:"port"`
	// Username is the osu! account name used as the IRC nick.
	Username string `mapstructure:"username"`
	// Password is the IRC password issued for the account.
	Password string `mapstructure:"password"`
	// IsBotAccount selects the relaxed rate limit granted to bot accounts.
	IsBotAccount bool `mapstructure:"bot_account"`
	// ReadTimeout is the longest silence tolerated before the connection is considered lost.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-line write deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" dial address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (b BanchoConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// RateLimitConfig bounds outbound sends per connection.
type RateLimitConfig struct {
	// Count is the number of sends allowed within Window.
	Count int `mapstructure:"count"`
	// Window is the trailing interval Count applies to.
	Window time.Duration `mapstructure:"window"`
	// MaxQueue caps the outbound queue. Zero means unbounded.
	MaxQueue int `mapstructure:"max_queue"`
}

// ReconnectConfig drives the connection watchdog.
type ReconnectConfig struct {
	// Delay is the wait between losing the connection and the first attempt.
	Delay time.Duration `mapstructure:"delay"`
	// Attempts is the total number of reconnect attempts before giving up.
	Attempts int `mapstructure:"attempts"`
	// AttemptDelay is the wait between failed attempts.
	AttemptDelay time.Duration `mapstructure:"attempt_delay"`
}

// CommandConfig drives command/response correlation.
type CommandConfig struct {
	// Timeout is how long one attempt waits for a matching response.
	Timeout time.Duration `mapstructure:"timeout"`
	// Attempts is the total number of sends per command.
	Attempts int `mapstructure:"attempts"`
}

// DatabaseConfig holds PostgreSQL connection settings for match history.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	// BatchSize is the number of queued rows that forces a flush.
	BatchSize int `mapstructure:"batch_size"`
	// FlushEvery is the periodic flush interval for queued rows.
	FlushEvery time.Duration `mapstructure:"flush_every"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// StatusConfig holds the read-only status endpoint settings.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (s StatusConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// NotifyConfig routes operator notifications.
type NotifyConfig struct {
	// WebhookURL receives a JSON POST per notification. Empty logs only.
	WebhookURL string `mapstructure:"webhook_url"`
	// QueueSize bounds pending notifications; extra ones are dropped.
	QueueSize int `mapstructure:"queue_size"`
	// Timeout bounds one webhook delivery.
	Timeout time.Duration `mapstructure:"timeout"`
}

// LobbiesConfig points at the lobby profile definitions.
type LobbiesConfig struct {
	// ProfilesDir is a directory of lobby profile YAML files.
	ProfilesDir string `mapstructure:"profiles_dir"`
	// ScriptInstructionLimit caps Lua opcodes per hook call. Zero uses the default.
	ScriptInstructionLimit int `mapstructure:"script_instruction_limit"`
}

// Config is the top-level application configuration.
type Config struct {
	Bancho    BanchoConfig    `mapstructure:"bancho"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Command   CommandConfig   `mapstructure:"command"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Status    StatusConfig    `mapstructure:"status"`
	Lobbies   LobbiesConfig   `mapstructure:"lobbies"`
	Notify    NotifyConfig    `mapstructure:"notify"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, err := range []error{
		validateBancho(c.Bancho),
		validateRateLimit(c.RateLimit),
		validateReconnect(c.Reconnect),
		validateCommand(c.Command),
		validateDatabase(c.Database),
		validateLogging(c.Logging),
		validateStatus(c.Status),
		validateNotify(c.Notify),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateBancho(b BanchoConfig) error {
	var errs []string
	if b.Host == "" {
		errs = append(errs, "bancho.host must not be empty")
	}
	if b.Port < 1 || b.Port > 65535 {
		errs = append(errs, fmt.Sprintf("bancho.port must be 1-65535, got %d", b.Port))
	}
	if b.Username == "" {
		errs = append(errs, "bancho.username must not be empty")
	}
	if b.Password == "" {
		errs = append(errs, "bancho.password must not be empty")
	}
	if b.ReadTimeout < 0 {
		errs = append(errs, "bancho.read_timeout must not be negative")
	}
	if b.WriteTimeout < 0 {
		errs = append(errs, "bancho.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRateLimit(r RateLimitConfig) error {
	var errs []string
	if r.Count < 1 {
		errs = append(errs, fmt.Sprintf("rate_limit.count must be >= 1, got %d", r.Count))
	}
	if r.Window <= 0 {
		errs = append(errs, "rate_limit.window must be positive")
	}
	if r.MaxQueue < 0 {
		errs = append(errs, fmt.Sprintf("rate_limit.max_queue must be >= 0, got %d", r.MaxQueue))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateReconnect(r ReconnectConfig) error {
	var errs []string
	if r.Delay < 0 {
		errs = append(errs, "reconnect.delay must not be negative")
	}
	if r.Attempts < 1 {
		errs = append(errs, fmt.Sprintf("reconnect.attempts must be >= 1, got %d", r.Attempts))
	}
	if r.AttemptDelay < 0 {
		errs = append(errs, "reconnect.attempt_delay must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateCommand(c CommandConfig) error {
	var errs []string
	if c.Timeout <= 0 {
		errs = append(errs, "command.timeout must be positive")
	}
	if c.Attempts < 1 {
		errs = append(errs, fmt.Sprintf("command.attempts must be >= 1, got %d", c.Attempts))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if d.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("database.batch_size must be >= 1, got %d", d.BatchSize))
	}
	if d.FlushEvery <= 0 {
		errs = append(errs, "database.flush_every must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateStatus(s StatusConfig) error {
	if !s.Enabled {
		return nil
	}
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("status.port must be 1-65535, got %d", s.Port)
	}
	return nil
}

func validateNotify(n NotifyConfig) error {
	var errs []string
	if n.WebhookURL != "" {
		u, err := url.Parse(n.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Sprintf("notify.webhook_url must be an http(s) URL, got %q", n.WebhookURL))
		}
	}
	if n.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("notify.queue_size must be >= 1, got %d", n.QueueSize))
	}
	if n.Timeout <= 0 {
		errs = append(errs, "notify.timeout must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with LOBBYBOT_ prefix
	v.SetEnvPrefix("LOBBYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	applyBotAccountLimits(v, &cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyBotAccountLimits raises the rate limit to Bancho's bot-account
// allowance unless the limit was set explicitly.
func applyBotAccountLimits(v *viper.Viper, cfg *Config) {
	if !cfg.Bancho.IsBotAccount {
		return
	}
	if !explicit(v, "rate_limit.count") {
		cfg.RateLimit.Count = 300
	}
	if !explicit(v, "rate_limit.window") {
		cfg.RateLimit.Window = time.Minute
	}
}

func explicit(v *viper.Viper, key string) bool {
	if v.InConfig(key) {
		return true
	}
	_, ok := os.LookupEnv("LOBBYBOT_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_")))
	return ok
}

func setDefaults(v *viper.Viper) {
	// Empty defaults register the keys so LOBBYBOT_BANCHO_* env vars apply
	// even when the file omits them.
	v.SetDefault("bancho.username", "")
	v.SetDefault("bancho.password", "")
	v.SetDefault("bancho.host", "irc.ppy.sh")
	v.SetDefault("bancho.port", 6667)
	v.SetDefault("bancho.bot_account", false)
	v.SetDefault("bancho.read_timeout", "3m")
	v.SetDefault("bancho.write_timeout", "10s")

	v.SetDefault("rate_limit.count", 8)
	v.SetDefault("rate_limit.window", "6s")
	v.SetDefault("rate_limit.max_queue", 0)

	v.SetDefault("reconnect.delay", "30s")
	v.SetDefault("reconnect.attempts", 5)
	v.SetDefault("reconnect.attempt_delay", "10s")

	v.SetDefault("command.timeout", "5s")
	v.SetDefault("command.attempts", 5)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "lobbybot")
	v.SetDefault("database.password", "lobbybot")
	v.SetDefault("database.name", "lobbybot")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.batch_size", 50)
	v.SetDefault("database.flush_every", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.host", "127.0.0.1")
	v.SetDefault("status.port", 8080)

	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.queue_size", 32)
	v.SetDefault("notify.timeout", "10s")

	v.SetDefault("lobbies.profiles_dir", "configs/lobbies")
	v.SetDefault("lobbies.script_instruction_limit", 0)
}
