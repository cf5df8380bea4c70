// Package config loads the daemon configuration: a TOML file, an optional
// .env file and MEDIATE_* environment overrides, applied in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config represents ~/.mediate/config.toml.
type Config struct {
	DataDir      string       `toml:"data_dir"`
	HTTP         HTTP         `toml:"http"`
	Log          Log          `toml:"log"`
	Interception Interception `toml:"interception"`
	Operator     Operator     `toml:"operator"`
	Notify       Notify       `toml:"notify"`
	Email        Email        `toml:"email"`
	Moderation   Moderation   `toml:"moderation"`
}

type HTTP struct {
	Addr            string        `toml:"addr" validate:"required"`
	AllowedOrigins  []string      `toml:"allowed_origins"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

type Log struct {
	Level string `toml:"level" validate:"oneof=debug info warn error"`
}

// Interception selects which new client conversations are routed to the
// operator queue.
type Interception struct {
	Mode      string   `toml:"mode" validate:"oneof=never always allowlist"`
	Providers []string `toml:"providers"`
}

type Operator struct {
	Alias string `toml:"alias" validate:"required,max=64"`
}

type Notify struct {
	// EmailBaseURL is the origin relative links in emails are rewritten to.
	EmailBaseURL string `toml:"email_base_url" validate:"omitempty,url"`
}

type Email struct {
	Mode        string        `toml:"mode" validate:"oneof=log smtp"`
	SMTPAddr    string        `toml:"smtp_addr" validate:"required_if=Mode smtp"`
	From        string        `toml:"from" validate:"required_if=Mode smtp,omitempty,email"`
	Username    string        `toml:"username"`
	Password    string        `toml:"password"`
	Interval    time.Duration `toml:"interval"`
	MaxAttempts int           `toml:"max_attempts" validate:"gte=0"`
}

type Moderation struct {
	Terms []string `toml:"terms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		HTTP:         HTTP{Addr: "127.0.0.1:8080", ShutdownTimeout: 10 * time.Second},
		Log:          Log{Level: "info"},
		Interception: Interception{Mode: "never"},
		Operator:     Operator{Alias: "Support Team"},
		Email:        Email{Mode: "log", Interval: 2 * time.Second, MaxAttempts: 5},
	}
}

// env holds the MEDIATE_* overrides. Unset variables leave the file values.
type env struct {
	DataDir           string        `envconfig:"DATA_DIR"`
	HTTPAddr          string        `envconfig:"HTTP_ADDR"`
	AllowedOrigins    []string      `envconfig:"ALLOWED_ORIGINS"`
	LogLevel          string        `envconfig:"LOG_LEVEL"`
	InterceptionMode  string        `envconfig:"INTERCEPTION_MODE"`
	InterceptProvider []string      `envconfig:"INTERCEPTION_PROVIDERS"`
	OperatorAlias     string        `envconfig:"OPERATOR_ALIAS"`
	EmailBaseURL      string        `envconfig:"EMAIL_BASE_URL"`
	EmailMode         string        `envconfig:"EMAIL_MODE"`
	SMTPAddr          string        `envconfig:"SMTP_ADDR"`
	SMTPFrom          string        `envconfig:"SMTP_FROM"`
	SMTPUsername      string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword      string        `envconfig:"SMTP_PASSWORD"`
	EmailInterval     time.Duration `envconfig:"EMAIL_INTERVAL"`
	ModerationTerms   []string      `envconfig:"MODERATION_TERMS"`
}

// Load reads config from the given path. Returns an error if the file is
// missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the file at
// path when it exists, then dotenv and the environment. The result is
// validated.
func Resolve(path, dotenv string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var e env
	if err := envconfig.Process("MEDIATE", &e); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.DataDir, e.DataDir)
	set(&c.HTTP.Addr, e.HTTPAddr)
	set(&c.Log.Level, e.LogLevel)
	set(&c.Interception.Mode, e.InterceptionMode)
	set(&c.Operator.Alias, e.OperatorAlias)
	set(&c.Notify.EmailBaseURL, e.EmailBaseURL)
	set(&c.Email.Mode, e.EmailMode)
	set(&c.Email.SMTPAddr, e.SMTPAddr)
	set(&c.Email.From, e.SMTPFrom)
	set(&c.Email.Username, e.SMTPUsername)
	set(&c.Email.Password, e.SMTPPassword)
	if len(e.AllowedOrigins) > 0 {
		c.HTTP.AllowedOrigins = e.AllowedOrigins
	}
	if len(e.InterceptProvider) > 0 {
		c.Interception.Providers = e.InterceptProvider
	}
	if len(e.ModerationTerms) > 0 {
		c.Moderation.Terms = e.ModerationTerms
	}
	if e.EmailInterval > 0 {
		c.Email.Interval = e.EmailInterval
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
