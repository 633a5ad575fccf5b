package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the manager's runtime configuration. Every field can be
// set through an environment variable; flags in cmd/manager override.
type Config struct {
	// Git source for challenge definitions
	GitURL    string
	GitBranch string
	RepoDir   string

	// Control RPC listen address
	ListenAddr string

	// Cluster access. Empty Kubeconfig means in-cluster config.
	Kubeconfig string
	// NodeAddress is the externally reachable address used when
	// building instance endpoints from NodePorts.
	NodeAddress string
	// NamespacePrefix prefixes every instance namespace.
	NamespacePrefix string

	// Ledger persistence directory
	DataDir string

	// Lifecycle policy
	DefaultTTL          time.Duration
	MaxTTL              time.Duration
	SyncInterval        time.Duration
	TickInterval        time.Duration
	TickTimeout         time.Duration
	FailureThreshold    int
	MaxInstancesPerTeam int

	LogLevel string
	LogJSON  bool
}

// Default returns the built-in defaults, suitable for local development
func Default() Config {
	return Config{
		GitBranch:           "main",
		RepoDir:             "/var/lib/ctf-manager/challenges",
		ListenAddr:          ":7070",
		NamespacePrefix:     "chal",
		DataDir:             "/var/lib/ctf-manager",
		DefaultTTL:          time.Hour,
		MaxTTL:              4 * time.Hour,
		SyncInterval:        60 * time.Second,
		TickInterval:        10 * time.Second,
		TickTimeout:         30 * time.Second,
		FailureThreshold:    5,
		MaxInstancesPerTeam: 3,
		LogLevel:            "info",
	}
}

// FromEnv loads configuration from CTF_MANAGER_* environment variables
// on top of the defaults.
func FromEnv() (Config, error) {
	cfg := Default()

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	str("CTF_MANAGER_GIT_URL", &cfg.GitURL)
	str("CTF_MANAGER_GIT_BRANCH", &cfg.GitBranch)
	str("CTF_MANAGER_REPO_DIR", &cfg.RepoDir)
	str("CTF_MANAGER_LISTEN_ADDR", &cfg.ListenAddr)
	str("CTF_MANAGER_KUBECONFIG", &cfg.Kubeconfig)
	str("CTF_MANAGER_NODE_ADDRESS", &cfg.NodeAddress)
	str("CTF_MANAGER_NAMESPACE_PREFIX", &cfg.NamespacePrefix)
	str("CTF_MANAGER_DATA_DIR", &cfg.DataDir)
	str("CTF_MANAGER_LOG_LEVEL", &cfg.LogLevel)

	if v, ok := os.LookupEnv("CTF_MANAGER_LOG_JSON"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid CTF_MANAGER_LOG_JSON: %w", err)
		}
		cfg.LogJSON = b
	}

	dur := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
		return nil
	}
	for key, dst := range map[string]*time.Duration{
		"CTF_MANAGER_DEFAULT_TTL":   &cfg.DefaultTTL,
		"CTF_MANAGER_MAX_TTL":       &cfg.MaxTTL,
		"CTF_MANAGER_SYNC_INTERVAL": &cfg.SyncInterval,
		"CTF_MANAGER_TICK_INTERVAL": &cfg.TickInterval,
		"CTF_MANAGER_TICK_TIMEOUT":  &cfg.TickTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return cfg, err
		}
	}

	intv := func(key string, dst *int) error {
		v, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = n
		return nil
	}
	if err := intv("CTF_MANAGER_FAILURE_THRESHOLD", &cfg.FailureThreshold); err != nil {
		return cfg, err
	}
	if err := intv("CTF_MANAGER_MAX_INSTANCES_PER_TEAM", &cfg.MaxInstancesPerTeam); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable for `serve`
func (c Config) Validate() error {
	if c.GitURL == "" {
		return fmt.Errorf("git URL is required (CTF_MANAGER_GIT_URL)")
	}
	if c.GitBranch == "" {
		return fmt.Errorf("git branch is required")
	}
	if c.RepoDir == "" {
		return fmt.Errorf("repo directory is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive")
	}
	if c.DefaultTTL <= 0 || c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("TTL bounds are inconsistent (default %s, max %s)", c.DefaultTTL, c.MaxTTL)
	}
	return nil
}

// ClampTTL applies the default and maximum TTL policy to a requested TTL
func (c Config) ClampTTL(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.DefaultTTL
	}
	if requested > c.MaxTTL {
		return c.MaxTTL
	}
	if requested < time.Second {
		return time.Second
	}
	return requested
}
