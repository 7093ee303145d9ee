package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ncar-hpc/qhistdb/internal/charging"
	"github.com/ncar-hpc/qhistdb/internal/machine"
)

type Config struct {
	DerechoDBURL string `yaml:"derecho_db_url"`
	CasperDBURL  string `yaml:"casper_db_url"`

	HTTPAddr    string `yaml:"http_addr"`
	RequireAuth bool   `yaml:"require_auth"`
	DevInsecure bool   `yaml:"dev_insecure"`
	// JWTKeyB64 is the base64 HS256 key; JWTKey holds it decoded.
	JWTKeyB64 string `yaml:"jwt_signing_key"`
	JWTKey    []byte `yaml:"-"`

	DBMaxOpen     int `yaml:"db_max_open"`
	DBMaxIdle     int `yaml:"db_max_idle"`
	DBConnMaxLife int `yaml:"db_conn_max_lifetime"` // seconds
	DBTimeoutMS   int `yaml:"db_timeout_ms"`

	// RollupInterval of 0 disables the background rollup.
	RollupInterval time.Duration `yaml:"rollup_interval"`
	ChargedView    string        `yaml:"charged_view"`

	HookURL    string `yaml:"hook_url"`
	HookSecret string `yaml:"hook_secret"`

	SSH SSH `yaml:"ssh"`
}

// SSH configures the qhist fetch. Without a KeyFile the system ssh client is
// used.
type SSH struct {
	DerechoHost    string `yaml:"derecho_host"`
	CasperHost     string `yaml:"casper_host"`
	User           string `yaml:"user"`
	KeyFile        string `yaml:"key_file"`
	KnownHostsFile string `yaml:"known_hosts_file"`
	TimeoutSec     int    `yaml:"timeout_sec"`
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaults() *Config {
	return &Config{
		HTTPAddr:       ":8080",
		DBMaxOpen:      10,
		DBMaxIdle:      5,
		DBConnMaxLife:  1800,
		DBTimeoutMS:    2000,
		RollupInterval: time.Hour,
		ChargedView:    string(charging.LiveView),
		SSH: SSH{
			KnownHostsFile: os.ExpandEnv("$HOME/.ssh/known_hosts"),
			TimeoutSec:     300,
		},
	}
}

// Parse builds the configuration from defaults, then the YAML file named by
// QHIST_CONFIG, then QHIST_* environment variables.
func Parse() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("QHIST_CONFIG"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.fromEnv(); err != nil {
		return nil, err
	}
	if cfg.JWTKeyB64 != "" && cfg.JWTKeyB64 != "REPLACE-ME" {
		b, err := base64.StdEncoding.DecodeString(cfg.JWTKeyB64)
		if err != nil {
			return nil, fmt.Errorf("QHIST_JWT_SIGNING_KEY: %w", err)
		}
		cfg.JWTKey = b
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fromEnv() error {
	c.DerechoDBURL = getenv("QHIST_DERECHO_DB_URL", c.DerechoDBURL)
	c.CasperDBURL = getenv("QHIST_CASPER_DB_URL", c.CasperDBURL)
	c.HTTPAddr = getenv("QHIST_HTTP_ADDR", c.HTTPAddr)
	c.RequireAuth = getenv("QHIST_REQUIRE_AUTH", strconv.FormatBool(c.RequireAuth)) == "true"
	c.DevInsecure = getenv("QHIST_DEV_INSECURE", strconv.FormatBool(c.DevInsecure)) == "true"
	c.JWTKeyB64 = getenv("QHIST_JWT_SIGNING_KEY", c.JWTKeyB64)
	c.DBMaxOpen = atoi(getenv("QHIST_DB_MAX_OPEN", strconv.Itoa(c.DBMaxOpen)))
	c.DBMaxIdle = atoi(getenv("QHIST_DB_MAX_IDLE", strconv.Itoa(c.DBMaxIdle)))
	c.DBConnMaxLife = atoi(getenv("QHIST_DB_CONN_MAX_LIFETIME", strconv.Itoa(c.DBConnMaxLife)))
	c.DBTimeoutMS = atoi(getenv("QHIST_DB_TIMEOUT_MS", strconv.Itoa(c.DBTimeoutMS)))
	c.ChargedView = getenv("QHIST_CHARGED_VIEW", c.ChargedView)
	c.HookURL = getenv("QHIST_HOOK_URL", c.HookURL)
	c.HookSecret = getenv("QHIST_HOOK_SECRET", c.HookSecret)
	c.SSH.DerechoHost = getenv("QHIST_DERECHO_SSH_HOST", c.SSH.DerechoHost)
	c.SSH.CasperHost = getenv("QHIST_CASPER_SSH_HOST", c.SSH.CasperHost)
	c.SSH.User = getenv("QHIST_SSH_USER", c.SSH.User)
	c.SSH.KeyFile = getenv("QHIST_SSH_KEY", c.SSH.KeyFile)
	c.SSH.KnownHostsFile = getenv("QHIST_SSH_KNOWN_HOSTS", c.SSH.KnownHostsFile)
	c.SSH.TimeoutSec = atoi(getenv("QHIST_SSH_TIMEOUT_SEC", strconv.Itoa(c.SSH.TimeoutSec)))
	if v := os.Getenv("QHIST_ROLLUP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("QHIST_ROLLUP_INTERVAL: %w", err)
		}
		c.RollupInterval = d
	}
	return nil
}

func (c *Config) Validate() error {
	if c.DerechoDBURL == "" && c.CasperDBURL == "" {
		return errors.New("QHIST_DERECHO_DB_URL or QHIST_CASPER_DB_URL is required")
	}
	if c.RequireAuth && len(c.JWTKey) == 0 && !c.DevInsecure {
		return errors.New("QHIST_JWT_SIGNING_KEY is required when auth is enabled")
	}
	if _, err := charging.ParseViewMode(c.ChargedView); err != nil {
		return err
	}
	if c.RollupInterval < 0 {
		return errors.New("QHIST_ROLLUP_INTERVAL must not be negative")
	}
	return nil
}

// DBURL returns the database of m, empty when m is not configured.
func (c *Config) DBURL(m machine.Machine) string {
	switch m {
	case machine.Derecho:
		return c.DerechoDBURL
	case machine.Casper:
		return c.CasperDBURL
	}
	return ""
}

// Machines lists the machines with a database configured.
func (c *Config) Machines() []machine.Machine {
	var out []machine.Machine
	for _, m := range machine.All() {
		if c.DBURL(m) != "" {
			out = append(out, m)
		}
	}
	return out
}

// SSHHost returns the login host configured for m, empty for the default.
func (c *Config) SSHHost(m machine.Machine) string {
	switch m {
	case machine.Derecho:
		return c.SSH.DerechoHost
	case machine.Casper:
		return c.SSH.CasperHost
	}
	return ""
}

func (c *Config) ViewMode() charging.ViewMode {
	v, _ := charging.ParseViewMode(c.ChargedView)
	return v
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
