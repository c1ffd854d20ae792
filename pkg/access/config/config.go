// Package config loads server settings from an optional file and ACCESS_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mikepea/access/pkg/access/database"
	"github.com/mikepea/access/pkg/access/logging"
	"github.com/mikepea/access/pkg/access/manage"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. ACCESS_SERVER_PORT
const EnvPrefix = "ACCESS"

// Config is the complete server configuration
type Config struct {
	Server     ServerConf     `mapstructure:"server"`
	Database   DatabaseConf   `mapstructure:"database"`
	Auth       AuthConf       `mapstructure:"auth"`
	OIDC       OIDCConf       `mapstructure:"oidc"`
	Manage     ManageConf     `mapstructure:"manage"`
	Invitation InvitationConf `mapstructure:"invitation"`
	Log        logging.Conf   `mapstructure:"log"`
	Seed       SeedConf       `mapstructure:"seed"`
}

type ServerConf struct {
	Port      int    `mapstructure:"port"`
	Mode      string `mapstructure:"mode"` // gin mode: debug, release or test
	ClientURL string `mapstructure:"client_url"`
	Metrics   bool   `mapstructure:"metrics"`
}

type DatabaseConf struct {
	DSN     string `mapstructure:"dsn"`
	Migrate bool   `mapstructure:"migrate"`
	Debug   bool   `mapstructure:"debug"`
}

type AuthConf struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// OIDCConf configures sign in through an OpenID Connect provider. An empty issuer disables it.
type OIDCConf struct {
	Issuer       string   `mapstructure:"issuer"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	RedirectURL  string   `mapstructure:"redirect_url"`
	Scopes       []string `mapstructure:"scopes"`
}

// ManageConf configures the catalog client. An empty URL selects the in-memory catalog.
type ManageConf struct {
	URL        string        `mapstructure:"url"`
	User       string        `mapstructure:"user"`
	Password   string        `mapstructure:"password"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheBytes int           `mapstructure:"cache_bytes"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

type InvitationConf struct {
	ExpiryDays int    `mapstructure:"expiry_days"`
	SweepCron  string `mapstructure:"sweep_cron"` // empty disables the eager expiry sweep
}

type SeedConf struct {
	SuperUserEmail    string `mapstructure:"super_user_email"`
	SuperUserPassword string `mapstructure:"super_user_password"`
	SuperUserName     string `mapstructure:"super_user_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.client_url", "http://localhost:3000")
	v.SetDefault("server.metrics", true)

	v.SetDefault("database.dsn", "access.db")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.debug", false)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)

	v.SetDefault("oidc.issuer", "")
	v.SetDefault("oidc.client_id", "")
	v.SetDefault("oidc.client_secret", "")
	v.SetDefault("oidc.redirect_url", "http://localhost:8080/api/v1/oidc/callback")
	v.SetDefault("oidc.scopes", []string{"openid", "profile", "email"})

	v.SetDefault("manage.url", "")
	v.SetDefault("manage.user", "")
	v.SetDefault("manage.password", "")
	v.SetDefault("manage.timeout", 10*time.Second)
	v.SetDefault("manage.cache_bytes", 16*1024*1024)
	v.SetDefault("manage.cache_ttl", 5*time.Minute)

	v.SetDefault("invitation.expiry_days", 14)
	v.SetDefault("invitation.sweep_cron", "@every 1h")

	defaults := logging.SetDefaults()
	v.SetDefault("log.level", defaults.Level)
	v.SetDefault("log.output", defaults.Output)
	v.SetDefault("log.encoding", defaults.Encoding)

	v.SetDefault("seed.super_user_email", "")
	v.SetDefault("seed.super_user_password", "")
	v.SetDefault("seed.super_user_name", "Super User")
}

// Load reads path when it is not empty and applies environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that have no usable fallback
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.OIDC.Issuer != "" && c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc client_id is required when an issuer is configured")
	}
	if c.Invitation.ExpiryDays <= 0 {
		return fmt.Errorf("invitation expiry_days must be positive")
	}
	return c.Log.Validate()
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// InvitationExpiry is the grace period of new invitations
func (c *Config) InvitationExpiry() time.Duration {
	return time.Duration(c.Invitation.ExpiryDays) * 24 * time.Hour
}

func (c *Config) DatabaseConf() database.Conf {
	return database.Conf{DSN: c.Database.DSN, Migrate: c.Database.Migrate, Debug: c.Database.Debug}
}

func (c *Config) ManageConf() manage.Conf {
	return manage.Conf{URL: c.Manage.URL, User: c.Manage.User, Password: c.Manage.Password, Timeout: c.Manage.Timeout}
}

func (c *Config) CacheConf() manage.CacheConf {
	return manage.CacheConf{MaxBytes: c.Manage.CacheBytes, TTL: c.Manage.CacheTTL}
}
