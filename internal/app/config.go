package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the Tally MFA service.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	MFA      MFAConfig      `mapstructure:"mfa"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

// AuthConfig captures session token settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures session-upgrade token issuance.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// MFAConfig holds the tunable thresholds of the second-factor subsystem.
type MFAConfig struct {
	Issuer           string        `mapstructure:"issuer"`
	EncryptionKey    string        `mapstructure:"encryption_key"`
	ChallengeTTL     time.Duration `mapstructure:"challenge_ttl"`
	LockoutWindow    time.Duration `mapstructure:"lockout_window"`
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	TrustedDeviceTTL time.Duration `mapstructure:"trusted_device_ttl"`
	RecoveryCodes    int           `mapstructure:"recovery_codes"`
	SweepSchedule    string        `mapstructure:"sweep_schedule"`
}

// LoadConfig reads configuration from an optional file plus TALLY_* env vars.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/tally.db")
	v.SetDefault("auth.jwt.issuer", "tally")
	v.SetDefault("auth.jwt.ttl", 15*time.Minute)
	v.SetDefault("mfa.issuer", "Tally")
	v.SetDefault("mfa.challenge_ttl", 5*time.Minute)
	v.SetDefault("mfa.lockout_window", 15*time.Minute)
	v.SetDefault("mfa.lockout_threshold", 5)
	v.SetDefault("mfa.trusted_device_ttl", 30*24*time.Hour)
	v.SetDefault("mfa.recovery_codes", 10)
	v.SetDefault("mfa.sweep_schedule", "@every 5m")

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks settings that must be fatal at startup rather than
// surfacing per-request.
func (c *Config) Validate() error {
	if _, err := DecodeEncryptionKey(c.MFA.EncryptionKey); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.JWT.Secret) == "" {
		return fmt.Errorf("auth.jwt.secret is required")
	}
	return nil
}
