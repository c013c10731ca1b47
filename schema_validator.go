// schema_validator.go: Archive identity and version validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"os"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// DefaultManifestCacheSize bounds the number of decoded manifests kept in memory.
const DefaultManifestCacheSize = 256

// versionRecord is the accepted version of a real plugin name and the
// registry names (copies included) currently relying on it.
type versionRecord struct {
	version string
	holders map[string]struct{}
}

func (r versionRecord) withHolder(name string) versionRecord {
	holders := make(map[string]struct{}, len(r.holders)+1)
	for h := range r.holders {
		holders[h] = struct{}{}
	}
	holders[name] = struct{}{}
	return versionRecord{version: r.version, holders: holders}
}

func (r versionRecord) withoutHolder(name string) versionRecord {
	holders := make(map[string]struct{}, len(r.holders))
	for h := range r.holders {
		if h != name {
			holders[h] = struct{}{}
		}
	}
	return versionRecord{version: r.version, holders: holders}
}

// heldByOthers reports whether a name other than pluginName holds the record.
func (r versionRecord) heldByOthers(pluginName string) bool {
	for h := range r.holders {
		if h != pluginName {
			return true
		}
	}
	return false
}

type cachedManifest struct {
	manifest ArchiveManifest
	found    bool
}

// SchemaValidator decides whether an archive belongs to a plugin.
//
// An archive is accepted when its manifest names the plugin's real name and
// its version matches the version already accepted for that real name. The
// first accepted version wins until every holder of the record is uninstalled.
// An "unknown" record takes a declared version only while no other name holds
// it, since those holders may have shipped any version.
type SchemaValidator struct {
	versions  cmap.ConcurrentMap[string, versionRecord]
	manifests *lru.Cache[string, cachedManifest]
	logger    Logger
}

// NewSchemaValidator creates a validator with a manifest cache of cacheSize entries.
func NewSchemaValidator(cacheSize int, logger Logger) (*SchemaValidator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultManifestCacheSize
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	cache, err := lru.New[string, cachedManifest](cacheSize)
	if err != nil {
		return nil, err
	}
	return &SchemaValidator{
		versions:  cmap.New[versionRecord](),
		manifests: cache,
		logger:    logger,
	}, nil
}

// CheckSchema validates archive for pluginName. It returns false with an
// UnexpectedBundleError (SchemaValidation code) when the archive must be
// skipped, and false with another error when the archive cannot be read.
// On success pluginName becomes a holder of the real name's version record.
func (v *SchemaValidator) CheckSchema(pluginName, realName, archive string) (bool, error) {
	manifest, found, err := v.manifest(archive)
	if err != nil {
		return false, err
	}
	if !found {
		return false, NewUnexpectedBundleError(pluginName, archive, "archive has no manifest")
	}
	if manifest.Name != realName {
		return false, NewUnexpectedBundleError(pluginName, archive,
			fmt.Sprintf("archive declares plugin %q", manifest.Name))
	}

	declared := manifest.Version
	if declared == "" {
		declared = UnknownVersion
	}

	var accepted bool
	var recorded string
	v.versions.Upsert(realName, versionRecord{}, func(exist bool, current versionRecord, _ versionRecord) versionRecord {
		if !exist {
			accepted = true
			return versionRecord{version: declared}.withHolder(pluginName)
		}
		recorded = current.version
		switch {
		case current.version == UnknownVersion:
			accepted = true
			next := current.withHolder(pluginName)
			if !current.heldByOthers(pluginName) {
				next.version = declared
			}
			return next
		case declared == UnknownVersion, SameVersion(current.version, declared):
			accepted = true
			return current.withHolder(pluginName)
		default:
			return current
		}
	})

	if !accepted {
		return false, NewUnexpectedBundleError(pluginName, archive,
			fmt.Sprintf("version %s differs from accepted version %s", declared, recorded)).
			WithContext("declared_version", declared).
			WithContext("accepted_version", recorded)
	}
	return true, nil
}

// SetDefaultVersion records pluginName as a holder of its real name's version,
// creating an "unknown" record when no archive declared one.
func (v *SchemaValidator) SetDefaultVersion(pluginName string) {
	realName := RealPluginName(pluginName)
	v.versions.Upsert(realName, versionRecord{}, func(exist bool, current versionRecord, _ versionRecord) versionRecord {
		if !exist {
			return versionRecord{version: UnknownVersion}.withHolder(pluginName)
		}
		return current.withHolder(pluginName)
	})
}

// RemoveVersionCache drops pluginName from its version record and removes the
// record once no holder remains.
func (v *SchemaValidator) RemoveVersionCache(pluginName string) {
	realName := RealPluginName(pluginName)
	if !v.versions.Has(realName) {
		return
	}
	v.versions.Upsert(realName, versionRecord{}, func(exist bool, current versionRecord, _ versionRecord) versionRecord {
		if !exist {
			return versionRecord{}
		}
		return current.withoutHolder(pluginName)
	})
	v.versions.RemoveCb(realName, func(_ string, current versionRecord, exists bool) bool {
		return exists && len(current.holders) == 0
	})
}

// Version returns the accepted version for realName.
func (v *SchemaValidator) Version(realName string) (string, bool) {
	record, ok := v.versions.Get(realName)
	if !ok {
		return "", false
	}
	return record.version, true
}

// Holders returns the registry names holding realName's version, sorted.
func (v *SchemaValidator) Holders(realName string) []string {
	record, ok := v.versions.Get(realName)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(record.holders))
	for h := range record.holders {
		out = append(out, h)
	}
	slices.Sort(out)
	return out
}

// manifest reads archive's manifest through the LRU cache. The cache key
// includes size and modification time so a replaced archive is re-read.
func (v *SchemaValidator) manifest(archive string) (ArchiveManifest, bool, error) {
	info, err := os.Stat(archive)
	if err != nil {
		return ArchiveManifest{}, false, err
	}
	key := fmt.Sprintf("%s|%d|%d", archive, info.Size(), info.ModTime().UnixNano())
	if cached, ok := v.manifests.Get(key); ok {
		return cached.manifest, cached.found, nil
	}

	manifest, found, err := ReadArchiveManifest(archive)
	if err != nil {
		return ArchiveManifest{}, false, err
	}
	v.manifests.Add(key, cachedManifest{manifest: manifest, found: found})
	return manifest, found, nil
}
