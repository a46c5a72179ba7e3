// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the chat bot settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/session"
)

// Config holds every setting of a bot process.
type Config struct {
	ReqAddr string `env:"REQ_ADDR" envDefault:"tcp://broker:5555"`
	SubAddr string `env:"SUB_ADDR" envDefault:"tcp://proxy:5558"`

	User    string `env:"BOT_USER"`
	Channel string `env:"BOT_CHANNEL"`
	Count   int    `env:"BOT_COUNT" envDefault:"1"`

	RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"0s"`
	MinInterval       time.Duration `env:"PUBLISH_MIN_INTERVAL" envDefault:"2.5s"`
	MaxInterval       time.Duration `env:"PUBLISH_MAX_INTERVAL" envDefault:"5.5s"`
	PrivateRatio      float64       `env:"PRIVATE_RATIO" envDefault:"0.4"`
	LoginAttempts     uint          `env:"LOGIN_ATTEMPTS" envDefault:"5"`
	LowercaseTopics   bool          `env:"LOWERCASE_TOPICS" envDefault:"false"`

	LogLevel    string `env:"LOG_LEVEL" envDefault:"warn"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every inconsistent setting at once.
func (c Config) Validate() error {
	var errs []error
	if !strings.Contains(c.ReqAddr, "://") {
		errs = append(errs, fmt.Errorf("REQ_ADDR %q is not an endpoint", c.ReqAddr))
	}
	if !strings.Contains(c.SubAddr, "://") {
		errs = append(errs, fmt.Errorf("SUB_ADDR %q is not an endpoint", c.SubAddr))
	}
	if c.Count < 1 {
		errs = append(errs, fmt.Errorf("BOT_COUNT must be at least 1, got %d", c.Count))
	}
	if c.Count > 1 && c.User != "" {
		errs = append(errs, errors.New("BOT_USER cannot be combined with BOT_COUNT above 1"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("REQUEST_TIMEOUT must be positive, got %v", c.RequestTimeout))
	}
	if c.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must not be negative, got %v", c.HeartbeatInterval))
	}
	if c.MinInterval <= 0 || c.MaxInterval < c.MinInterval {
		errs = append(errs, fmt.Errorf("publish interval [%v, %v] is empty", c.MinInterval, c.MaxInterval))
	}
	if c.PrivateRatio < 0 || c.PrivateRatio > 1 {
		errs = append(errs, fmt.Errorf("PRIVATE_RATIO must be within [0, 1], got %v", c.PrivateRatio))
	}
	if c.LoginAttempts == 0 {
		errs = append(errs, errors.New("LOGIN_ATTEMPTS must be at least 1"))
	}
	if _, err := chatbot.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// SessionOptions maps the configuration onto session options. Dialers,
// output and metrics are left for the caller.
func (c Config) SessionOptions(logger *chatbot.Logger) *session.Options {
	opts := session.DefaultOptions()
	opts.Username = c.User
	opts.Channel = c.Channel
	opts.PrivateRatio = c.PrivateRatio
	opts.MinInterval = c.MinInterval
	opts.MaxInterval = c.MaxInterval
	opts.HeartbeatInterval = c.HeartbeatInterval
	opts.RequestTimeout = c.RequestTimeout
	opts.LowercaseTopics = c.LowercaseTopics
	opts.LoginAttempts = c.LoginAttempts
	if logger != nil {
		opts.Logger = logger
	}
	return opts
}
