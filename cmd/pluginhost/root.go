// root.go: root command and shared flags
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultCommandAddr = "127.0.0.1:7070"

type rootOptions struct {
	logLevel  string
	logFormat string
}

func newRootCommand(version, commit, date string) *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pluginhost",
		Short: "Plugin host - install and remove plugin bundles at runtime",
		Long: `pluginhost runs a plugin manager over a plugin package directory and
accepts INSTALL-PLUGINS, UNINSTALL-PLUGINS, UNINSTALL-ALL and LIST-PLUGINS
commands over gRPC.

The install, uninstall and list subcommands talk to a running "serve" process.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newListCommand())

	return rootCmd
}

func (o *rootOptions) newLogger() (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}
	logger.SetLevel(level)

	switch o.logFormat {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid log format %q", o.logFormat)
	}
	return logger, nil
}
