// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deehdev/chatbot"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tcp://broker:5555", cfg.ReqAddr)
	assert.Equal(t, "tcp://proxy:5558", cfg.SubAddr)
	assert.Equal(t, 1, cfg.Count)
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.Zero(t, cfg.HeartbeatInterval)
	assert.Equal(t, 2500*time.Millisecond, cfg.MinInterval)
	assert.Equal(t, 5500*time.Millisecond, cfg.MaxInterval)
	assert.Equal(t, 0.4, cfg.PrivateRatio)
	assert.Equal(t, uint(5), cfg.LoginAttempts)
	assert.False(t, cfg.LowercaseTopics)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("REQ_ADDR", "tcp://localhost:6000")
	t.Setenv("SUB_ADDR", "tcp://localhost:6001")
	t.Setenv("BOT_USER", "Ana")
	t.Setenv("BOT_CHANNEL", "filmes")
	t.Setenv("REQUEST_TIMEOUT", "750ms")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")
	t.Setenv("PRIVATE_RATIO", "0")
	t.Setenv("LOWERCASE_TOPICS", "true")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METRICS_ADDR", ":9100")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tcp://localhost:6000", cfg.ReqAddr)
	assert.Equal(t, "tcp://localhost:6001", cfg.SubAddr)
	assert.Equal(t, "Ana", cfg.User)
	assert.Equal(t, "filmes", cfg.Channel)
	assert.Equal(t, 750*time.Millisecond, cfg.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Zero(t, cfg.PrivateRatio)
	assert.True(t, cfg.LowercaseTopics)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, ":9100", cfg.MetricsAddr)
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad req addr", func(c *Config) { c.ReqAddr = "broker:5555" }, "REQ_ADDR"},
		{"bad sub addr", func(c *Config) { c.SubAddr = "" }, "SUB_ADDR"},
		{"no bots", func(c *Config) { c.Count = 0 }, "BOT_COUNT"},
		{"user with many bots", func(c *Config) { c.Count = 3; c.User = "Ana" }, "BOT_USER"},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }, "REQUEST_TIMEOUT"},
		{"negative heartbeat", func(c *Config) { c.HeartbeatInterval = -time.Second }, "HEARTBEAT_INTERVAL"},
		{"inverted interval", func(c *Config) { c.MaxInterval = time.Second }, "publish interval"},
		{"ratio above one", func(c *Config) { c.PrivateRatio = 1.5 }, "PRIVATE_RATIO"},
		{"no login attempts", func(c *Config) { c.LoginAttempts = 0 }, "LOGIN_ATTEMPTS"},
		{"unknown level", func(c *Config) { c.LogLevel = "loud" }, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	cfg.ReqAddr = "nowhere"
	cfg.PrivateRatio = -1

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQ_ADDR")
	assert.Contains(t, err.Error(), "PRIVATE_RATIO")
}

func TestSessionOptions(t *testing.T) {
	t.Setenv("BOT_USER", "Ana")
	t.Setenv("HEARTBEAT_INTERVAL", "3s")
	t.Setenv("LOWERCASE_TOPICS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	opts := cfg.SessionOptions(chatbot.DevNullLogger)
	assert.Equal(t, "Ana", opts.Username)
	assert.Equal(t, 3*time.Second, opts.HeartbeatInterval)
	assert.Equal(t, 0.4, opts.PrivateRatio)
	assert.True(t, opts.LowercaseTopics)
	assert.Same(t, chatbot.DevNullLogger, opts.Logger)
	assert.NotEmpty(t, opts.Names)
}
