// Package config loads the catalog's YAML settings.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is read once at startup and passed by value.
type Config struct {
	DatabasePath      string  `yaml:"database_path" validate:"required"`
	BackupDirectory   string  `yaml:"backup_directory" validate:"required"`
	DefaultLoanDays   int     `yaml:"default_loan_days" validate:"gte=1,lte=365"`
	MaxLoanCount      int     `yaml:"max_loan_count" validate:"gte=1,lte=100"`
	MaxRenewalCount   int     `yaml:"max_renewal_count" validate:"gte=0,lte=100"`
	AutoBackupEnabled bool    `yaml:"auto_backup_enabled"`
	Log               Log     `yaml:"log"`
	Tracing           Tracing `yaml:"tracing"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	File   string `yaml:"file"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type Tracing struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file" validate:"required_if=Enabled true"`
}

func Default() Config {
	return Config{
		DatabasePath:      "library.db",
		BackupDirectory:   "./backups",
		DefaultLoanDays:   14,
		MaxLoanCount:      5,
		MaxRenewalCount:   2,
		AutoBackupEnabled: true,
		Log:               Log{Level: "info", Format: "text"},
		Tracing:           Tracing{File: "traces.json"},
	}
}

// Load reads path on top of the defaults. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f, cfg)
}

// Decode overlays the YAML document in r onto base and validates the result.
func Decode(r io.Reader, base Config) (Config, error) {
	cfg := base
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("parse config: %w", err)
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if err := cfg.Validate(); err != nil {
		return base, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes c as YAML to path.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
