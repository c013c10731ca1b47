// version.go: Plugin archive version parsing and comparison
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strconv"
	"strings"

	"github.com/agilira/go-errors"
)

// UnknownVersion is recorded for plugins whose archives declare no version.
const UnknownVersion = "unknown"

// ErrCodeInvalidVersion is returned when a version string is not semver shaped.
const ErrCodeInvalidVersion = "PLUGIN_2114"

// PluginVersion represents a semantic version as declared by an archive manifest.
type PluginVersion struct {
	Major      uint64
	Minor      uint64
	Patch      uint64
	Prerelease string
	Build      string
	Original   string
}

// ParsePluginVersion parses "x.y.z[-pre][+build]". A leading "v" is accepted.
func ParsePluginVersion(versionStr string) (*PluginVersion, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(versionStr), "v")
	if trimmed == "" {
		return nil, newInvalidVersionError(versionStr, "empty version")
	}

	parts := strings.SplitN(trimmed, ".", 3)
	if len(parts) < 3 {
		return nil, newInvalidVersionError(versionStr, "expected major.minor.patch")
	}

	major, err := parseVersionComponent(versionStr, parts[0], "major")
	if err != nil {
		return nil, err
	}
	minor, err := parseVersionComponent(versionStr, parts[1], "minor")
	if err != nil {
		return nil, err
	}

	patchPart, build, _ := strings.Cut(parts[2], "+")
	patchPart, prerelease, _ := strings.Cut(patchPart, "-")
	patch, err := parseVersionComponent(versionStr, patchPart, "patch")
	if err != nil {
		return nil, err
	}

	return &PluginVersion{
		Major:      major,
		Minor:      minor,
		Patch:      patch,
		Prerelease: prerelease,
		Build:      build,
		Original:   versionStr,
	}, nil
}

func parseVersionComponent(original, component, componentType string) (uint64, error) {
	value, err := strconv.ParseUint(component, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, ErrCodeInvalidVersion, "Invalid version component").
			WithContext("version", original).
			WithContext("component_type", componentType).
			WithContext("component_value", component).
			WithSeverity("error")
	}
	return value, nil
}

func newInvalidVersionError(version, reason string) *errors.Error {
	return errors.New(ErrCodeInvalidVersion, "Invalid version: "+reason).
		WithContext("version", version).
		WithSeverity("error")
}

// Compare compares two plugin versions. Returns -1, 0, or 1.
// Build metadata is ignored.
func (pv *PluginVersion) Compare(other *PluginVersion) int {
	if result := compareComponent(pv.Major, other.Major); result != 0 {
		return result
	}
	if result := compareComponent(pv.Minor, other.Minor); result != 0 {
		return result
	}
	if result := compareComponent(pv.Patch, other.Patch); result != 0 {
		return result
	}

	switch {
	case pv.Prerelease == other.Prerelease:
		return 0
	case pv.Prerelease == "":
		return 1 // release > prerelease
	case other.Prerelease == "":
		return -1
	default:
		return strings.Compare(pv.Prerelease, other.Prerelease)
	}
}

func compareComponent(a, b uint64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}

// String returns the version as originally declared.
func (pv *PluginVersion) String() string {
	return pv.Original
}

// SameVersion reports whether two declared versions denote the same release.
// Both sides are compared semantically when they parse, otherwise as trimmed strings.
func SameVersion(a, b string) bool {
	va, errA := ParsePluginVersion(a)
	vb, errB := ParsePluginVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb) == 0
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
