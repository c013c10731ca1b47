// config_loader.go: Multi-format plugin configuration loading via Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 10 << 20

// envPlaceholder matches ${VAR}, ${VAR:default} and ${VAR:-default}.
var envPlaceholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.]*)(:-?([^}]*))?\}`)

// FileConfigLoader is the default ConfigLoader.
//
// The file format is detected by Argus from the extension. YAML is parsed
// with gopkg.in/yaml.v3 for full YAML 1.2 support; JSON, TOML, HCL, INI and
// properties files go through argus.ParseConfig. The section is looked up by
// its exact key first and then as a dotted path, placeholders in string values
// are expanded from the environment, and the result is bound onto the target
// through a YAML round trip so the target's yaml tags apply.
type FileConfigLoader struct {
	logger Logger
}

// NewFileConfigLoader creates the default loader.
func NewFileConfigLoader(logger Logger) *FileConfigLoader {
	if logger == nil {
		logger = DefaultLogger()
	}
	return &FileConfigLoader{logger: logger}
}

// Load implements ConfigLoader.
func (l *FileConfigLoader) Load(path, section string, target PluginConfig) error {
	doc, err := readConfigDocument(path)
	if err != nil {
		return err
	}

	value, ok := lookupSection(doc, section)
	if !ok {
		l.logger.Debug("Configuration section not found, using defaults",
			"config_path", path, "section", section)
		return nil
	}

	if err := bindSection(expandPlaceholders(value), target); err != nil {
		return NewConfigParseError(path, err).WithContext("section", section)
	}
	return nil
}

// readConfigDocument reads and parses a configuration file into a generic map.
func readConfigDocument(path string) (map[string]interface{}, error) {
	cleanPath := filepath.Clean(path)
	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, NewConfigFileError(cleanPath, "cannot stat file", err)
	}
	if info.IsDir() {
		return nil, NewConfigFileError(cleanPath, "path is a directory", fmt.Errorf("%s is a directory", cleanPath))
	}
	if info.Size() > maxConfigFileSize {
		return nil, NewConfigFileError(cleanPath, "file too large",
			fmt.Errorf("%d bytes exceeds %d", info.Size(), maxConfigFileSize))
	}

	// #nosec G304 -- path comes from the plugin package layout or the operator
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, NewConfigFileError(cleanPath, "cannot read file", err)
	}

	doc, err := parseConfigDocument(data, argus.DetectFormat(cleanPath))
	if err != nil {
		return nil, NewConfigParseError(cleanPath, err)
	}
	return doc, nil
}

func parseConfigDocument(data []byte, format argus.ConfigFormat) (map[string]interface{}, error) {
	switch format {
	case argus.FormatYAML:
		doc := make(map[string]interface{})
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return doc, nil
	default:
		return argus.ParseConfig(data, format)
	}
}

// lookupSection finds section in doc, first as a literal key, then as a dotted path.
func lookupSection(doc map[string]interface{}, section string) (interface{}, bool) {
	if value, ok := doc[section]; ok {
		return value, true
	}
	if !strings.Contains(section, ".") {
		return nil, false
	}

	var current interface{} = doc
	for _, part := range strings.Split(section, ".") {
		m, ok := asStringMap(current)
		if !ok {
			return nil, false
		}
		if current, ok = m[part]; !ok {
			return nil, false
		}
	}
	return current, true
}

func asStringMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func bindSection(value interface{}, target interface{}) error {
	raw, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(raw, target)
}

// expandPlaceholders walks a parsed document and expands placeholders in every string.
func expandPlaceholders(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "${") {
			return val
		}
		return scalarOf(ExpandPlaceholders(val))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = expandPlaceholders(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = expandPlaceholders(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = expandPlaceholders(item)
		}
		return out
	default:
		return v
	}
}

// scalarOf re-types an expanded value so "${PORT:8080}" binds onto an int field.
func scalarOf(expanded string) interface{} {
	var typed interface{}
	if err := yaml.Unmarshal([]byte(expanded), &typed); err != nil || typed == nil {
		return expanded
	}
	switch typed.(type) {
	case map[string]interface{}, map[interface{}]interface{}, []interface{}:
		return expanded
	default:
		return typed
	}
}

// ExpandPlaceholders replaces ${VAR}, ${VAR:default} and ${VAR:-default} with
// the environment value, the inline default, or an empty string.
func ExpandPlaceholders(input string) string {
	if !strings.Contains(input, "${") {
		return input
	}
	return envPlaceholder.ReplaceAllStringFunc(input, func(match string) string {
		sub := envPlaceholder.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(sub[1]); ok && value != "" {
			return value
		}
		return sub[3]
	})
}
