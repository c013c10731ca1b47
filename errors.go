// errors.go: structured error definitions for the plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	stderrors "errors"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the plugin host
const (
	// Configuration errors (1000-1099)
	ErrCodeInvalidPluginName    = "PLUGIN_1001"
	ErrCodeNoPluginsConfigured  = "PLUGIN_1009"
	ErrCodeInvalidManagerConfig = "PLUGIN_1012"
	ErrCodeManagerShutdown      = "PLUGIN_1013"

	// Lifecycle errors (2100-2199)
	ErrCodeBundleNotFound         = "PLUGIN_2101"
	ErrCodeSchemaValidation       = "PLUGIN_2102"
	ErrCodeNamespaceLoad          = "PLUGIN_2103"
	ErrCodeConfigConflict         = "PLUGIN_2104"
	ErrCodeResourceClose          = "PLUGIN_2105"
	ErrCodePackageRoot            = "PLUGIN_2106"
	ErrCodeConfigTypeNotFound     = "PLUGIN_2107"
	ErrCodeInterceptorNotFound    = "PLUGIN_2108"
	ErrCodeServiceNotFound        = "PLUGIN_2109"
	ErrCodeServiceStart           = "PLUGIN_2110"
	ErrCodeEnhancementFailed      = "PLUGIN_2111"
	ErrCodeNamespaceSealed        = "PLUGIN_2112"
	ErrCodeInvalidArchiveManifest = "PLUGIN_2113"

	// Configuration management errors (1700-1799)
	ErrCodeConfigParseError   = "CONFIG_1702"
	ErrCodeConfigWatcherError = "CONFIG_1704"
	ErrCodeConfigFileError    = "CONFIG_1706"

	// RPC and command errors (2000-2099)
	ErrCodeInvalidCommand = "RPC_2006"
	ErrCodeUnknownCommand = "RPC_2007"
	ErrCodeCommandFailed  = "RPC_2008"
)

// Bundle and schema error constructors

func NewInvalidPluginNameError(name string) *errors.Error {
	return errors.New(ErrCodeInvalidPluginName, "Invalid plugin name").
		WithUserMessage("Plugin name is required and cannot be empty").
		WithContext("provided_name", name).
		WithSeverity("error")
}

func NewNoPluginsConfiguredError() *errors.Error {
	return errors.New(ErrCodeNoPluginsConfigured, "No plugins configured").
		WithUserMessage("At least one plugin name must be provided").
		WithSeverity("warning")
}

func NewBundleNotFoundError(pluginName, path string) *errors.Error {
	return errors.New(ErrCodeBundleNotFound, "Plugin bundle not found").
		WithUserMessage("The plugin directory does not exist in the plugin package").
		WithContext("plugin_name", pluginName).
		WithContext("plugin_path", path).
		WithSeverity("warning")
}

// NewUnexpectedBundleError reports an archive rejected by the schema validator.
func NewUnexpectedBundleError(pluginName, archive, reason string) *errors.Error {
	return errors.New(ErrCodeSchemaValidation, "Unexpected plugin archive: "+reason).
		WithUserMessage("The archive does not belong to this plugin or its version differs from the accepted one").
		WithContext("plugin_name", pluginName).
		WithContext("archive", archive).
		WithSeverity("warning")
}

func NewInvalidArchiveManifestError(archive string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeInvalidArchiveManifest, "Invalid archive manifest").
		WithUserMessage("The archive manifest could not be read").
		WithContext("archive", archive).
		WithSeverity("error")
}

func NewNamespaceLoadError(pluginName, archive string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeNamespaceLoad, "Namespace load failed").
		WithUserMessage("A plugin archive could not be loaded into its namespace").
		WithContext("plugin_name", pluginName).
		WithContext("archive", archive).
		WithSeverity("error")
}

func NewNamespaceSealedError(namespace string) *errors.Error {
	return errors.New(ErrCodeNamespaceSealed, "Namespace is sealed").
		WithUserMessage("Archives can only be added while a namespace is loading").
		WithContext("namespace", namespace).
		WithSeverity("error")
}

func NewResourceCloseError(namespace string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeResourceClose, "Resource close failed").
		WithUserMessage("A namespace resource could not be released").
		WithContext("namespace", namespace).
		WithSeverity("warning")
}

// NewPackageRootError is the only batch-fatal install error.
func NewPackageRootError(names []string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodePackageRoot, "Resolve plugin package failed").
		WithUserMessage("The plugin package directory could not be resolved").
		WithContext("plugin_names", strings.Join(names, ", ")).
		WithSeverity("error")
}

func NewManagerShutdownError() *errors.Error {
	return errors.New(ErrCodeManagerShutdown, "Manager is shut down").
		WithUserMessage("The plugin manager no longer accepts lifecycle operations").
		WithSeverity("warning")
}

// Configuration error constructors

func NewConfigConflictError(key, retainedType, rejectedType string) *errors.Error {
	return errors.New(ErrCodeConfigConflict, "Configuration key conflict").
		WithUserMessage("Two configuration types produce the same key, the first one is kept").
		WithContext("config_key", key).
		WithContext("retained_type", retainedType).
		WithContext("rejected_type", rejectedType).
		WithSeverity("warning")
}

func NewConfigTypeNotFoundError(pluginName, typeName string) *errors.Error {
	return errors.New(ErrCodeConfigTypeNotFound, "Configuration type not registered").
		WithUserMessage("The plugin declares a configuration type unknown to the host").
		WithContext("plugin_name", pluginName).
		WithContext("config_type", typeName).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigFileError(path string, message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigFileError, "Configuration file error: "+message).
		WithUserMessage("Configuration file access failed").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message).
		WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

func NewInvalidManagerConfigError(message string) *errors.Error {
	return errors.New(ErrCodeInvalidManagerConfig, "Invalid manager configuration: "+message).
		WithUserMessage("Manager configuration validation failed").
		WithSeverity("error")
}

// Enhancement and service error constructors

func NewInterceptorNotFoundError(pluginName, interceptor string) *errors.Error {
	return errors.New(ErrCodeInterceptorNotFound, "Interceptor type not registered").
		WithUserMessage("The plugin declares an interceptor unknown to the interception engine").
		WithContext("plugin_name", pluginName).
		WithContext("interceptor", interceptor).
		WithSeverity("error")
}

func NewEnhancementFailedError(pluginName string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeEnhancementFailed, "Enhancement failed").
		WithUserMessage("The plugin interceptors could not be registered").
		WithContext("plugin_name", pluginName).
		WithSeverity("error")
}

func NewServiceNotFoundError(pluginName, service string) *errors.Error {
	return errors.New(ErrCodeServiceNotFound, "Plugin service not registered").
		WithUserMessage("The plugin declares a service unknown to the host").
		WithContext("plugin_name", pluginName).
		WithContext("service", service).
		WithSeverity("error")
}

func NewServiceStartError(pluginName, service string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeServiceStart, "Plugin service start failed").
		WithUserMessage("A hosted plugin service failed to start").
		WithContext("plugin_name", pluginName).
		WithContext("service", service).
		WithSeverity("error").
		AsRetryable()
}

// Command error constructors

func NewInvalidCommandError(command string) *errors.Error {
	return errors.New(ErrCodeInvalidCommand, "Invalid command").
		WithUserMessage("Command information is empty or malformed").
		WithContext("command", command).
		WithSeverity("warning")
}

func NewUnknownCommandError(command string) *errors.Error {
	return errors.New(ErrCodeUnknownCommand, "Unknown command").
		WithUserMessage("No corresponding command executor found").
		WithContext("command", command).
		WithSeverity("warning")
}

func NewCommandFailedError(command string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeCommandFailed, "Command failed").
		WithUserMessage("The command could not be executed").
		WithContext("command", command).
		WithSeverity("error")
}

// HasErrorCode reports whether err, or any error it wraps, carries the given code.
func HasErrorCode(err error, code string) bool {
	for err != nil {
		var coded *errors.Error
		if !stderrors.As(err, &coded) {
			return false
		}
		if coded.ErrorCode() == errors.ErrorCode(code) {
			return true
		}
		err = coded.Cause
	}
	return false
}

// isCoded reports whether err carries a go-errors code.
func isCoded(err error) bool {
	var coded *errors.Error
	return stderrors.As(err, &coded)
}
