// client.go: install, uninstall and list subcommands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	pluginhost "github.com/agilira/plugin-host"
)

type clientOptions struct {
	addr    string
	timeout time.Duration
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.addr, "addr", defaultCommandAddr, "command server address")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 2*time.Minute, "command timeout")
}

func newInstallCommand() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "install PLUGIN...",
		Short: "Install plugins on a running host",
		Example: `  pluginhost install flowcontrol
  pluginhost install flowcontrol flowcontrol#1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			line := pluginhost.CommandInstallPlugins + ":" + strings.Join(args, "/")
			return runRemoteCommand(cmd.Context(), cmd.OutOrStdout(), opts, line)
		},
	}
	opts.bind(cmd)
	return cmd
}

func newUninstallCommand() *cobra.Command {
	opts := &clientOptions{}
	var all bool
	cmd := &cobra.Command{
		Use:   "uninstall [PLUGIN...]",
		Short: "Uninstall dynamic plugins from a running host",
		Example: `  pluginhost uninstall flowcontrol#1
  pluginhost uninstall --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return fmt.Errorf("--all cannot be combined with plugin names")
			case all:
				return runRemoteCommand(cmd.Context(), cmd.OutOrStdout(), opts, pluginhost.CommandUninstallAll)
			case len(args) == 0:
				return fmt.Errorf("at least one plugin name or --all is required")
			}
			line := pluginhost.CommandUninstallPlugins + ":" + strings.Join(args, "/")
			return runRemoteCommand(cmd.Context(), cmd.OutOrStdout(), opts, line)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "uninstall every dynamic plugin")
	opts.bind(cmd)
	return cmd
}

func newListCommand() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemoteCommand(cmd.Context(), cmd.OutOrStdout(), opts, pluginhost.CommandListPlugins)
		},
	}
	opts.bind(cmd)
	return cmd
}

func runRemoteCommand(ctx context.Context, out io.Writer, opts *clientOptions, line string) error {
	conn, err := grpc.NewClient(opts.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", opts.addr, err)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	result, err := pluginhost.NewCommandClient(conn).Execute(ctx, line)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		return err
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("%d plugin(s) failed: %s", len(result.Failed), strings.Join(result.Failed, ", "))
	}
	return nil
}
