// command.go: Text command processing for runtime plugin management
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"strings"
)

// Command names accepted by CommandProcessor.
const (
	CommandInstallPlugins   = "INSTALL-PLUGINS"
	CommandUninstallPlugins = "UNINSTALL-PLUGINS"
	CommandUninstallAll     = "UNINSTALL-ALL"
	CommandListPlugins      = "LIST-PLUGINS"
)

// CommandResult is the outcome of one processed command.
type CommandResult struct {
	Command   string       `json:"command"`
	Succeeded []string     `json:"succeeded,omitempty"`
	Failed    []string     `json:"failed,omitempty"`
	Skipped   []string     `json:"skipped,omitempty"`
	Plugins   []PluginInfo `json:"plugins,omitempty"`
}

// CommandProcessor parses "NAME:arg1/arg2" command lines and runs them
// against a Manager. The command name is case-insensitive.
//
//	INSTALL-PLUGINS:flowcontrol/flowcontrol#1
//	UNINSTALL-PLUGINS:flowcontrol#1
//	UNINSTALL-ALL
//	LIST-PLUGINS
type CommandProcessor struct {
	manager *Manager
	logger  Logger
}

// NewCommandProcessor creates a processor bound to manager.
func NewCommandProcessor(manager *Manager) *CommandProcessor {
	return &CommandProcessor{
		manager: manager,
		logger:  manager.Logger().With("component", "command"),
	}
}

// ParseCommand splits a command line into its upper-cased name and its
// plugin name arguments.
func ParseCommand(line string) (string, []string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil, NewInvalidCommandError(line)
	}

	name, rawArgs, _ := strings.Cut(line, ":")
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return "", nil, NewInvalidCommandError(line)
	}

	var args []string
	for _, arg := range strings.Split(rawArgs, "/") {
		if arg = strings.TrimSpace(arg); arg != "" {
			args = append(args, arg)
		}
	}
	return name, args, nil
}

// Process runs one command line.
func (p *CommandProcessor) Process(ctx context.Context, line string) (CommandResult, error) {
	name, args, err := ParseCommand(line)
	if err != nil {
		p.logger.Warn("Command information is empty or malformed", "command", line)
		return CommandResult{}, err
	}
	p.logger.Info("Processing command", "command", name, "args", args)

	result := CommandResult{Command: name}
	switch name {
	case CommandInstallPlugins:
		if len(args) == 0 {
			return result, NewInvalidCommandError(line)
		}
		if err := p.manager.Install(ctx, args...); err != nil {
			return result, NewCommandFailedError(name, err)
		}
		for _, plugin := range args {
			if p.manager.IsInstalled(plugin) {
				result.Succeeded = append(result.Succeeded, plugin)
			} else {
				result.Failed = append(result.Failed, plugin)
			}
		}

	case CommandUninstallPlugins:
		if len(args) == 0 {
			return result, NewInvalidCommandError(line)
		}
		p.collectReports(&result, p.manager.Uninstall(ctx, args...))

	case CommandUninstallAll:
		p.collectReports(&result, p.manager.UninstallAll(ctx))

	case CommandListPlugins:
		result.Plugins = p.manager.Plugins()

	default:
		p.logger.Warn("No corresponding command executor found", "command", name)
		return result, NewUnknownCommandError(name)
	}
	return result, nil
}

func (p *CommandProcessor) collectReports(result *CommandResult, reports []UninstallReport) {
	for _, report := range reports {
		switch {
		case report.Skipped:
			result.Skipped = append(result.Skipped, report.Plugin)
		case report.Err() != nil:
			result.Failed = append(result.Failed, report.Plugin)
		default:
			result.Succeeded = append(result.Succeeded, report.Plugin)
		}
	}
}
