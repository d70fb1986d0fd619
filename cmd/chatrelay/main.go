// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command chatrelay runs the chat relay server and a terminal client for it.
//
// # Usage
//
//	chatrelay serve --config chatrelay.yaml
//	chatrelay chat --server http://localhost:3000
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/chatrelay/pkg/logging"
	"github.com/AleutianAI/chatrelay/pkg/ux"
	"github.com/AleutianAI/chatrelay/services/relay"
	"github.com/AleutianAI/chatrelay/services/relay/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath     string
	serverURL      string
	conversationID string

	rootCmd = &cobra.Command{
		Use:           "chatrelay",
		Short:         "Streaming chat relay for OpenAI-compatible completion APIs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       relay.Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// A missing .env is normal.
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				slog.Warn("Failed to load .env file", "error", err)
			}
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the relay HTTP server until interrupted",
		RunE:  runServe,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running relay from the terminal",
		RunE:  runChat,
	}
)

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file (default "+config.DefaultPath+" if present)")

	chatCmd.Flags().StringVar(&serverURL, "server", "http://localhost:3000", "base URL of the relay")
	chatCmd.Flags().StringVar(&conversationID, "conversation", "", "resume an existing conversation id")

	rootCmd.AddCommand(serveCmd, chatCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg := loaded.Config

	level, ok := logging.ParseLevel(cfg.Logging.Level)
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()
	logger.SetDefault()
	if !ok {
		slog.Warn("Unknown log level, using info", "level", cfg.Logging.Level)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Slog().Info("Starting chatrelay",
		"version", relay.Version,
		"config", loaded.Path,
		"addr", cfg.Server.Addr(),
		"model", cfg.Upstream.Model,
		"stream", cfg.Upstream.Stream,
	)

	svc, err := relay.New(ctx, cfg, loaded.Path)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}
	return svc.Run(ctx)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printer := ux.NewPrinter(os.Stdout, ux.DetectLevel(os.Stdout))
	client := newChatClient(serverURL, conversationID)
	return runChatLoop(ctx, os.Stdin, printer, client)
}
