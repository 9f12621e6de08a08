// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command whatsapp-bob links a WhatsApp account to the Bob backend. Allowed
// senders are answered by the backend; every other direct message is
// recorded as teaching material.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/whatsapp-bob/pkg/connector"
	"github.com/aiku/whatsapp-bob/pkg/whatsapp"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath     string
	envFile        string
	generateConfig bool
)

func main() {
	root := &cobra.Command{
		Use:     "whatsapp-bob",
		Short:   "WhatsApp bridge for the Bob backend",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Tag, Commit, BuildTime),
		Args:    cobra.NoArgs,
		RunE:    run,

		SilenceUsage: true,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	root.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.Flags().BoolVarP(&generateConfig, "generate-config", "g", false, "write the example config to --config and exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	if generateConfig {
		if err := os.WriteFile(configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			return fmt.Errorf("failed to write example config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote example config to %s\n", configPath)
		return nil
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	if _, err := os.Stat(configPath); errors.Is(err, fs.ErrNotExist) {
		if err = os.WriteFile(configPath, []byte(connector.ExampleConfig), 0o600); err != nil {
			return fmt.Errorf("failed to create config: %w", err)
		}
	}

	cfg, err := connector.LoadConfig(configPath, nil)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built", BuildTime).
		Msg("Starting whatsapp-bob")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := whatsapp.NewFactory(ctx, cfg.WhatsApp, *log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open WhatsApp credential store")
		return err
	}
	defer closeFactory(factory, log)

	bridge := connector.NewBobConnector(cfg, factory, cmd.OutOrStdout(), *log)
	if err = bridge.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Bridge exited with error")
		return err
	}
	return nil
}

func closeFactory(factory *whatsapp.Factory, log *zerolog.Logger) {
	if err := factory.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close credential store")
	}
}
