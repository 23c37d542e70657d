// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/sqlwarden/sqlwarden/internal/config"
	"github.com/sqlwarden/sqlwarden/internal/logging"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// defaultAddress is where client commands look for a running server.
const defaultAddress = "127.0.0.1:7777"

// NewRootCmd creates the root sqlwarden command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "sqlwarden",
		Short: "SQLWarden: guarded natural-language access to SQL databases",
		Long: "SQLWarden answers questions about a database with an LLM agent, screening prompts,\n" +
			"validating generated SQL against an allow-list, and isolating failing dependencies\n" +
			"behind circuit breakers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newStatusCmd(),
		newAskCmd(),
		newValidateCmd(),
		newTablesCmd(),
		newDoctorCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is left unset: with it viper also tries the bare
		// name, which collides with a ./sqlwarden binary.
		v.SetConfigName("sqlwarden")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/sqlwarden")
		v.AddConfigPath("/etc/sqlwarden")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return wardenerr.Errorf(wardenerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}

	if err := v.BindPFlag("verbose", cmd.Root().PersistentFlags().Lookup("verbose")); err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLISetupFailure, "binding verbose flag: %w", err)
	}

	level := v.GetString("log.level")
	if v.GetBool("verbose") {
		level = "debug"
	}
	logging.Init(logging.Options{
		Environment: logging.Environment(v.GetString("log.environment")),
		Level:       level,
		Output:      cmd.ErrOrStderr(),
	})

	return nil
}

// loadConfig reads the file viper settled on in initViper, resolving
// keyring:// references through the secret store.
func loadConfig() (*config.Config, error) {
	return config.LoadWith(viper.ConfigFileUsed(), secretStoreFactory())
}
