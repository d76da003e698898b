// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the broker configuration
// structure and the logic required to load and validate it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the recognized configuration keys.
const (
	DefaultSessionTimeoutMinutes = 60
	DefaultMaxQueueSize          = 10
	DefaultAverageSessionMinutes = 45
	DefaultDisconnectGraceMS     = 10_000
	DefaultAuditRetentionDays    = 30
	DefaultListenAddress         = ":8080"
	DefaultRedisURL              = "redis://localhost:6379/0"
	DefaultCredentialsDir        = "/var/run/demobroker/credentials"
	DefaultTerminalImage         = "demo-terminal:latest"
	DefaultTerminalPort          = 7681

	// Rate limit defaults, events per window.
	DefaultConnectionRateLimit = 30
	DefaultInviteFailureLimit  = 10
	DefaultCookieRateLimit     = 10
)

// MinSessionSecretBytes is the minimum length of the HMAC session secret.
const MinSessionSecretBytes = 32

// knownWeakSecrets are literals that must never be accepted as a session
// secret, regardless of length.
var knownWeakSecrets = map[string]struct{}{
	"changeme":                                 {},
	"insecure-dev-secret-do-not-use-in-prod!!": {},
	"00000000000000000000000000000000":         {},
	"secret":                                   {},
}

// RateLimits holds the sliding-window thresholds.
type RateLimits struct {
	ConnectionsPerMinute  int
	InviteFailuresPerHour int
	CookiesPerMinute      int
}

// Sandbox holds the per-session credential values and container settings.
// The credential fields are handed to each session via a transient 0600
// file and must never be logged.
type Sandbox struct {
	JiraAPIToken    string
	JiraEmail       string
	JiraSiteURL     string
	JiraProject     string
	ModelOAuthToken string

	TerminalImage   string
	TerminalPort    int
	TerminalBaseURL string
	DemoNetwork     string
	ResetScript     string
}

// Config represents the configuration of the broker.
type Config struct {
	SessionTimeout  time.Duration
	MaxQueueSize    int
	AverageSession  time.Duration
	DisconnectGrace time.Duration
	AuditRetention  time.Duration

	SessionSecret  string
	CredentialsDir string
	RedisURL       string
	ListenAddress  string

	RateLimits RateLimits
	Sandbox    Sandbox

	Debug bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("session_timeout_minutes", DefaultSessionTimeoutMinutes)
	v.SetDefault("max_queue_size", DefaultMaxQueueSize)
	v.SetDefault("average_session_minutes", DefaultAverageSessionMinutes)
	v.SetDefault("disconnect_grace_ms", DefaultDisconnectGraceMS)
	v.SetDefault("audit_retention_days", DefaultAuditRetentionDays)
	v.SetDefault("listen_address", DefaultListenAddress)
	v.SetDefault("redis_url", DefaultRedisURL)
	v.SetDefault("credentials_dir", DefaultCredentialsDir)
	v.SetDefault("connection_rate_limit", DefaultConnectionRateLimit)
	v.SetDefault("invite_failure_limit", DefaultInviteFailureLimit)
	v.SetDefault("cookie_rate_limit", DefaultCookieRateLimit)
	v.SetDefault("terminal_image", DefaultTerminalImage)
	v.SetDefault("terminal_port", DefaultTerminalPort)
	v.SetDefault("terminal_base_url", "http://localhost:8080")
}

// Load reads the configuration from the given file (optional), the
// environment (DMB_ prefix), and built-in defaults, in ascending priority.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DMB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		SessionTimeout:  time.Duration(v.GetInt("session_timeout_minutes")) * time.Minute,
		MaxQueueSize:    v.GetInt("max_queue_size"),
		AverageSession:  time.Duration(v.GetInt("average_session_minutes")) * time.Minute,
		DisconnectGrace: time.Duration(v.GetInt("disconnect_grace_ms")) * time.Millisecond,
		AuditRetention:  time.Duration(v.GetInt("audit_retention_days")) * 24 * time.Hour,
		SessionSecret:   v.GetString("session_secret"),
		CredentialsDir:  v.GetString("credentials_dir"),
		RedisURL:        v.GetString("redis_url"),
		ListenAddress:   v.GetString("listen_address"),
		RateLimits: RateLimits{
			ConnectionsPerMinute:  v.GetInt("connection_rate_limit"),
			InviteFailuresPerHour: v.GetInt("invite_failure_limit"),
			CookiesPerMinute:      v.GetInt("cookie_rate_limit"),
		},
		Sandbox: Sandbox{
			JiraAPIToken:    v.GetString("jira_api_token"),
			JiraEmail:       v.GetString("jira_email"),
			JiraSiteURL:     v.GetString("jira_site_url"),
			JiraProject:     v.GetString("jira_project"),
			ModelOAuthToken: v.GetString("model_oauth_token"),
			TerminalImage:   v.GetString("terminal_image"),
			TerminalPort:    v.GetInt("terminal_port"),
			TerminalBaseURL: v.GetString("terminal_base_url"),
			DemoNetwork:     v.GetString("demo_network"),
			ResetScript:     v.GetString("reset_script"),
		},
		Debug: v.GetBool("debug"),
	}

	return cfg, nil
}

// Validate enforces the invariants that are fatal at startup: a strong
// session secret and a writable credentials directory. It is expected to be
// called once, before the broker starts serving.
func (c *Config) Validate() error {
	if err := validateSessionSecret(c.SessionSecret); err != nil {
		return err
	}

	if err := validateCredentialsDir(c.CredentialsDir); err != nil {
		return err
	}

	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout_minutes must be positive")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive")
	}
	if c.DisconnectGrace <= 0 {
		return fmt.Errorf("disconnect_grace_ms must be positive")
	}

	return nil
}

func validateSessionSecret(secret string) error {
	if len(secret) < MinSessionSecretBytes {
		return fmt.Errorf("session_secret must be at least %d bytes, got %d", MinSessionSecretBytes, len(secret))
	}
	if _, weak := knownWeakSecrets[secret]; weak {
		return fmt.Errorf("session_secret is a known weak literal and must not be used")
	}
	// A secret of one repeated byte passes the length check but carries no
	// usable entropy.
	if strings.Count(secret, secret[:1]) == len(secret) {
		return fmt.Errorf("session_secret must not be a single repeated character")
	}
	return nil
}

func validateCredentialsDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("credentials_dir must be set")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("credentials_dir %s is not accessible: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("credentials_dir %s is not a directory", dir)
	}

	// Probe writability; a read-only mount fails here rather than mid-session.
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("credentials_dir %s is not writable: %w", dir, err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	return nil
}
