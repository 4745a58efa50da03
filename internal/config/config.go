package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/alexjbarnes/rs-auth/internal/credentials"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for rs-auth.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// LogLevel overrides the environment's default log level.
	LogLevel string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// LoginTokenTimeoutMS is how long an unused login token stays valid.
	LoginTokenTimeoutMS int `env:"LOGIN_TOKEN_TIMEOUT_MS" envDefault:"60000"`

	// AuthService is the service name handed to the credential verifier.
	AuthService string `env:"AUTH_SERVICE" envDefault:"remotestorage"`

	// Credential sources. At least one must be set. AuthUsers has the
	// form "user1:bcrypt_hash1,user2:bcrypt_hash2".
	AuthUsers     string `env:"AUTH_USERS"`
	AuthUsersFile string `env:"AUTH_USERS_FILE"`

	// AuthzDBPath is the bbolt file holding authorization records. Empty
	// keeps them in memory.
	AuthzDBPath string `env:"AUTHZ_DB_PATH"`

	// VerifyTimeout bounds a single credential check.
	VerifyTimeout time.Duration `env:"VERIFY_TIMEOUT" envDefault:"10s"`

	// StaticDir, when set, is served at "/".
	StaticDir string `env:"STATIC_DIR"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve the users file at startup so reloads do not depend on the
	// working directory.
	if cfg.AuthUsersFile != "" {
		abs, err := filepath.Abs(cfg.AuthUsersFile)
		if err != nil {
			return nil, fmt.Errorf("resolving users file to absolute path: %w", err)
		}

		cfg.AuthUsersFile = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AuthUsers == "" && c.AuthUsersFile == "" {
		return fmt.Errorf("at least one of AUTH_USERS or AUTH_USERS_FILE is required")
	}

	if c.LoginTokenTimeoutMS <= 0 {
		return fmt.Errorf("LOGIN_TOKEN_TIMEOUT_MS must be positive, got %d", c.LoginTokenTimeoutMS)
	}

	if c.VerifyTimeout < 0 {
		return fmt.Errorf("VERIFY_TIMEOUT must not be negative")
	}

	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR must not be empty")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// LoginTokenTimeout returns LOGIN_TOKEN_TIMEOUT_MS as a duration.
func (c *Config) LoginTokenTimeout() time.Duration {
	return time.Duration(c.LoginTokenTimeoutMS) * time.Millisecond
}

// ParseAuthUsers parses the AUTH_USERS string.
// Format: "user1:bcrypt_hash1,user2:bcrypt_hash2"
func (c *Config) ParseAuthUsers() (credentials.Users, error) {
	users, err := credentials.ParseUsers(c.AuthUsers)
	if err != nil {
		return nil, fmt.Errorf("AUTH_USERS: %w", err)
	}

	return users, nil
}
