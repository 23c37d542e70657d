// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the sqlwarden HTTP server",
		Long:    "Load configuration, connect to the database and model, and serve the chat API until interrupted.",
		RunE:    runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	_ = viper.BindPFlag("server.listen_override", cmd.Flags().Lookup("listen"))

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return wardenerr.Wrapf(err, wardenerr.CodeCLISetupFailure, "loading config")
	}
	if listen := viper.GetString("server.listen_override"); listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := WireApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			log.Warn().Err(err).Msg("shutdown finished with errors")
		}
	}()

	log.Info().
		Str("listen", cfg.Server.Listen).
		Strs("llm_providers", app.Providers.Names()).
		Str("llm_model", cfg.LLM.Model).
		Str("db_provider", cfg.Database.Provider).
		Str("version", version).
		Msg("starting sqlwarden")

	return app.Start(ctx)
}

// commandContext returns cmd's context, or a background context when the
// command runs outside ExecuteContext.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
