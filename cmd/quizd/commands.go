// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/TaxaQuiz/pkg/logging"
	"github.com/AleutianAI/TaxaQuiz/services/quiz"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/config"
	"github.com/AleutianAI/TaxaQuiz/services/quiz/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	port       int
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "quizd",
		Short:         "Species quiz round generation and answer verification server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the quiz HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serveCmd.Flags().IntVarP(&opts.port, "port", "p", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg.Redacted())
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "quizd %s\n", version)
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
	return rootCmd
}

// loadServeConfig resolves the configuration and applies flag overrides.
func loadServeConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func runServe(parent context.Context, opts *rootOptions) error {
	cfg, err := loadServeConfig(opts)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
		LogDir:  cfg.Logging.Dir,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceName = cfg.Telemetry.ServiceName
	tcfg.ServiceVersion = version
	tcfg.TraceExporter = cfg.Telemetry.TraceExporter
	tcfg.MetricExporter = cfg.Telemetry.MetricExporter
	tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	tcfg.SampleRate = cfg.Telemetry.SampleRate
	tcfg.Registerer = registry
	if cfg.Server.Production {
		tcfg.Environment = "production"
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	svc, err := quiz.New(cfg, quiz.Options{Registry: registry, Logger: logger.Slog()})
	if err != nil {
		return fmt.Errorf("create quiz service: %w", err)
	}
	defer svc.Close()

	logger.Info("quiz server starting",
		"port", cfg.Server.Port,
		"production", cfg.Server.Production,
		"upstream", cfg.Upstream.BaseURL,
		"version", version)

	if err := svc.Run(ctx); err != nil {
		return err
	}
	logger.Info("quiz server stopped")
	return nil
}
