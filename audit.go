// audit.go: Lifecycle audit trail backed by the Argus audit logger
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"time"

	"github.com/agilira/argus"
)

// AuditConfig enables the install/uninstall audit trail.
type AuditConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	OutputFile    string        `json:"output_file" yaml:"output_file"`
	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// Auditor records security-relevant lifecycle operations. A nil *Auditor records nothing.
type Auditor struct {
	audit *argus.AuditLogger
}

// NewAuditor creates an auditor, or returns nil when auditing is disabled.
func NewAuditor(config AuditConfig) (*Auditor, error) {
	if !config.Enabled {
		return nil, nil
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}

	auditLogger, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    config.OutputFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    config.BufferSize,
		FlushInterval: config.FlushInterval,
		IncludeStack:  false,
	})
	if err != nil {
		return nil, NewInvalidManagerConfigError("cannot create audit logger: " + err.Error())
	}
	return &Auditor{audit: auditLogger}, nil
}

// Record writes one audit entry.
func (a *Auditor) Record(event EventType, plugin string, context map[string]interface{}) {
	if a == nil {
		return
	}
	if context == nil {
		context = make(map[string]interface{})
	}
	context["plugin_name"] = plugin
	a.audit.LogSecurityEvent(string(event), "plugin lifecycle operation", context)
}

// Close flushes and closes the audit log.
func (a *Auditor) Close() error {
	if a == nil {
		return nil
	}
	return a.audit.Close()
}
