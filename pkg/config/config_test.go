package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.GitBranch)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, time.Hour, cfg.DefaultTTL)
	assert.Equal(t, 5, cfg.FailureThreshold)
	assert.Equal(t, 3, cfg.MaxInstancesPerTeam)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CTF_MANAGER_GIT_URL", "https://git.example.com/challenges.git")
	t.Setenv("CTF_MANAGER_GIT_BRANCH", "event-2026")
	t.Setenv("CTF_MANAGER_DEFAULT_TTL", "30m")
	t.Setenv("CTF_MANAGER_FAILURE_THRESHOLD", "2")
	t.Setenv("CTF_MANAGER_LOG_JSON", "true")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://git.example.com/challenges.git", cfg.GitURL)
	assert.Equal(t, "event-2026", cfg.GitBranch)
	assert.Equal(t, 30*time.Minute, cfg.DefaultTTL)
	assert.Equal(t, 2, cfg.FailureThreshold)
	assert.True(t, cfg.LogJSON)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("CTF_MANAGER_DEFAULT_TTL", "soon")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvRejectsMalformedInt(t *testing.T) {
	t.Setenv("CTF_MANAGER_FAILURE_THRESHOLD", "many")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Default()
	base.GitURL = "https://git.example.com/challenges.git"
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing git url", func(c *Config) { c.GitURL = "" }},
		{"missing branch", func(c *Config) { c.GitBranch = "" }},
		{"missing repo dir", func(c *Config) { c.RepoDir = "" }},
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"zero tick interval", func(c *Config) { c.TickInterval = 0 }},
		{"zero failure threshold", func(c *Config) { c.FailureThreshold = 0 }},
		{"max TTL below default", func(c *Config) { c.MaxTTL = time.Minute }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestClampTTL(t *testing.T) {
	cfg := Default() // default 1h, max 4h

	assert.Equal(t, time.Hour, cfg.ClampTTL(0), "zero means default")
	assert.Equal(t, time.Hour, cfg.ClampTTL(-time.Minute))
	assert.Equal(t, 2*time.Hour, cfg.ClampTTL(2*time.Hour))
	assert.Equal(t, 4*time.Hour, cfg.ClampTTL(24*time.Hour), "capped at max")
	assert.Equal(t, time.Second, cfg.ClampTTL(time.Millisecond), "sub-second floors to one second")
}
