// Copyright 2024 RealmWatch Contributors
// Licensed under the AGPLv3, see LICENCE file for details.

// Package main implements notifierd, a host process for the global change
// notifier: it watches an admin feed directory, registers every managed
// file it finds with the notification pipeline, and logs each delivered
// change. The admin subcommands let an operator manage the admin feed
// directly without a running server instance.
package main

import (
	"fmt"
	"os"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	flagConfigDir string
	flagLocalRoot string
	flagServerURL string
	flagToken     string

	cfg *viper.Viper
)

var logger = loggo.GetLogger("notifierd")

var rootCmd = &cobra.Command{
	Use:     "notifierd",
	Short:   "notifierd watches synchronized files and dispatches change notifications",
	Version: "0.1.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		configDir := flagConfigDir
		if configDir == "" {
			configDir = ".notifierd"
		}
		loaded, err := loadConfig(configDir)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigDir, "config-dir", "", "configuration directory (default: ./.notifierd)")
	rootCmd.PersistentFlags().StringVar(&flagLocalRoot, "local-root", "", "local sync state directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server-url", "", "sync server base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagToken, "access-token", "", "sync server access token (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(adminCmd)
}

// resolveLocalRoot applies --local-root > config local_root > default.
func resolveLocalRoot() string {
	if flagLocalRoot != "" {
		return flagLocalRoot
	}
	if v := cfg.GetString(cfgKeyLocalRoot); v != "" {
		return v
	}
	return ".notifierd-data"
}

func resolveServerURL() string {
	if flagServerURL != "" {
		return flagServerURL
	}
	return cfg.GetString(cfgKeyServerURL)
}

func resolveToken() string {
	if flagToken != "" {
		return flagToken
	}
	return cfg.GetString(cfgKeyToken)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
