// Copyright 2025 The chatbot Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Example chat bot: logs in, joins a channel and chats until interrupted.
//
// Settings come from the environment (REQ_ADDR, SUB_ADDR, BOT_USER, ...);
// flags given on the command line take precedence.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/deehdev/chatbot"
	"github.com/deehdev/chatbot/config"
	"github.com/deehdev/chatbot/session"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "chat-bot: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		reqAddr     string
		subAddr     string
		user        string
		channel     string
		count       int
		heartbeat   time.Duration
		timeout     time.Duration
		lowercase   bool
		logLevel    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "chat-bot",
		Short: "Synthetic user for the chat broker",
		Long: `chat-bot logs in to the chat broker, subscribes to a channel and
its own private topic, then sends channel and private messages at random
intervals while printing everything the fan-out proxy delivers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("req") {
				cfg.ReqAddr = reqAddr
			}
			if flags.Changed("sub") {
				cfg.SubAddr = subAddr
			}
			if flags.Changed("user") {
				cfg.User = user
			}
			if flags.Changed("channel") {
				cfg.Channel = channel
			}
			if flags.Changed("count") {
				cfg.Count = count
			}
			if flags.Changed("heartbeat") {
				cfg.HeartbeatInterval = heartbeat
			}
			if flags.Changed("timeout") {
				cfg.RequestTimeout = timeout
			}
			if flags.Changed("lowercase") {
				cfg.LowercaseTopics = lowercase
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if flags.Changed("metrics") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&reqAddr, "req", "", "broker request endpoint (REQ_ADDR)")
	flags.StringVar(&subAddr, "sub", "", "proxy fan-out endpoint (SUB_ADDR)")
	flags.StringVarP(&user, "user", "u", "", "user name, random when empty (BOT_USER)")
	flags.StringVarP(&channel, "channel", "c", "", "channel to join, random when empty (BOT_CHANNEL)")
	flags.IntVarP(&count, "count", "n", 1, "number of bots to run (BOT_COUNT)")
	flags.DurationVar(&heartbeat, "heartbeat", 0, "heartbeat interval, 0 disables (HEARTBEAT_INTERVAL)")
	flags.DurationVar(&timeout, "timeout", 5*time.Second, "reply deadline (REQUEST_TIMEOUT)")
	flags.BoolVar(&lowercase, "lowercase", false, "lowercase user and channel names (LOWERCASE_TOPICS)")
	flags.StringVar(&logLevel, "log-level", "warn", "error, warn, info, debug or trace (LOG_LEVEL)")
	flags.StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address (METRICS_ADDR)")
	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := chatbot.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := chatbot.NewLogger(level)

	var metrics *chatbot.Metrics
	g, ctx := errgroup.WithContext(ctx)
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		metrics = chatbot.NewMetrics(chatbot.WithRegistry(reg))
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	out := session.SyncWriter(os.Stdout)
	for i := 0; i < cfg.Count; i++ {
		opts := cfg.SessionOptions(logger)
		opts.Output = out
		opts.Metrics = metrics

		g.Go(func() error {
			s := session.New(cfg.ReqAddr, cfg.SubAddr, opts)
			defer s.Close()

			if err := s.Start(ctx); err != nil {
				return err
			}
			return s.Run(ctx)
		})
	}
	return g.Wait()
}
