// namespace.go: Isolated resource namespaces for plugin archives
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NamespaceID identifies a namespace for the lifetime of the process.
type NamespaceID string

// NamespaceKind tells where a namespace sits in the hierarchy.
type NamespaceKind int

const (
	// NamespaceBase is the platform-wide namespace. It is never closed.
	NamespaceBase NamespaceKind = iota
	// NamespacePrimary holds a plugin's main archives.
	NamespacePrimary
	// NamespaceSecondary holds a plugin's service archives, child of the primary one.
	NamespaceSecondary
)

// String returns the string representation of the namespace kind
func (k NamespaceKind) String() string {
	switch k {
	case NamespaceBase:
		return "base"
	case NamespacePrimary:
		return "primary"
	case NamespaceSecondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// Namespace is an ordered set of archives with parent-first resource lookup.
//
// Two plugins shipping a resource with the same name each see their own copy:
// lookup walks the parent chain first (the base namespace), then the
// namespace's own archives in load order, and never crosses into a sibling.
//
// A namespace accepts archives until Seal is called.
type Namespace struct {
	id     NamespaceID
	owner  string
	kind   NamespaceKind
	parent *Namespace

	mu       sync.RWMutex
	archives []*Archive
	sealed   bool
	closed   bool
}

func newNamespace(owner string, kind NamespaceKind, parent *Namespace) *Namespace {
	return &Namespace{
		id:     NamespaceID(uuid.NewString()),
		owner:  owner,
		kind:   kind,
		parent: parent,
	}
}

// NewBaseNamespace creates the platform-wide namespace. Archives appended to it
// are visible to every plugin.
func NewBaseNamespace() *Namespace {
	return newNamespace("platform", NamespaceBase, nil)
}

// ID returns the namespace identifier.
func (ns *Namespace) ID() NamespaceID { return ns.id }

// Owner returns the label of the plugin owning the namespace.
func (ns *Namespace) Owner() string { return ns.owner }

// Kind returns the namespace kind.
func (ns *Namespace) Kind() NamespaceKind { return ns.kind }

// Parent returns the parent namespace, nil for the base namespace.
func (ns *Namespace) Parent() *Namespace { return ns.parent }

// IsBase reports whether this is the platform-wide namespace.
func (ns *Namespace) IsBase() bool { return ns.kind == NamespaceBase }

// Append adds an archive at the end of the load order.
func (ns *Namespace) Append(archive *Archive) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.sealed || ns.closed {
		return NewNamespaceSealedError(string(ns.id))
	}
	ns.archives = append(ns.archives, archive)
	return nil
}

// Seal freezes the archive list.
func (ns *Namespace) Seal() {
	ns.mu.Lock()
	ns.sealed = true
	ns.mu.Unlock()
}

// Sealed reports whether the archive list is frozen.
func (ns *Namespace) Sealed() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.sealed
}

// Closed reports whether Close has released the archives.
func (ns *Namespace) Closed() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.closed
}

// Archives returns the namespace's own archives in load order.
func (ns *Namespace) Archives() []*Archive {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	out := make([]*Archive, len(ns.archives))
	copy(out, ns.archives)
	return out
}

// Lookup finds the archive that provides the named resource.
func (ns *Namespace) Lookup(name string) (*Archive, bool) {
	if ns.parent != nil {
		if archive, ok := ns.parent.Lookup(name); ok {
			return archive, true
		}
	}
	for _, archive := range ns.Archives() {
		if archive.HasResource(name) {
			return archive, true
		}
	}
	return nil, false
}

// Resource returns the content of the named resource as seen from this namespace.
func (ns *Namespace) Resource(name string) ([]byte, error) {
	archive, ok := ns.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("resource %q not visible in namespace %s", name, ns.id)
	}
	return archive.ReadResource(name)
}

// Manifests returns the manifests of the namespace's own archives in load order.
func (ns *Namespace) Manifests() []ArchiveManifest {
	archives := ns.Archives()
	out := make([]ArchiveManifest, 0, len(archives))
	for _, archive := range archives {
		if manifest, ok := archive.Manifest(); ok {
			out = append(out, manifest)
		}
	}
	return out
}

// ConfigDeclarations returns the distinct config types declared by the
// namespace's own archives, in manifest order.
func (ns *Namespace) ConfigDeclarations() []ConfigDeclaration {
	seen := make(map[string]struct{})
	var out []ConfigDeclaration
	for _, manifest := range ns.Manifests() {
		for _, decl := range manifest.Configs {
			if decl.Type == "" {
				continue
			}
			if _, dup := seen[decl.Type]; dup {
				continue
			}
			seen[decl.Type] = struct{}{}
			out = append(out, decl)
		}
	}
	return out
}

// InterceptorDeclarations returns the interceptor bindings declared by the
// namespace's own archives, in manifest order.
func (ns *Namespace) InterceptorDeclarations() []InterceptorDeclaration {
	var out []InterceptorDeclaration
	for _, manifest := range ns.Manifests() {
		out = append(out, manifest.Interceptors...)
	}
	return out
}

// ServiceDeclarations returns the distinct service names declared by the
// namespace's own archives, in manifest order.
func (ns *Namespace) ServiceDeclarations() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, manifest := range ns.Manifests() {
		for _, svc := range manifest.Services {
			if _, dup := seen[svc]; dup || svc == "" {
				continue
			}
			seen[svc] = struct{}{}
			out = append(out, svc)
		}
	}
	return out
}

// CloseOutcome reports what Close released.
type CloseOutcome struct {
	Namespace NamespaceID
	Closed    int
	Skipped   bool
	Errors    []error
}

// Err joins the archive close errors, nil when everything closed cleanly.
func (o CloseOutcome) Err() error {
	return stderrors.Join(o.Errors...)
}

// Close releases every archive. It never panics; failures are collected in
// the outcome. The base namespace is left untouched.
func (ns *Namespace) Close() CloseOutcome {
	outcome := CloseOutcome{Namespace: ns.id}
	if ns.IsBase() {
		outcome.Skipped = true
		return outcome
	}

	ns.mu.Lock()
	if ns.closed {
		ns.mu.Unlock()
		outcome.Skipped = true
		return outcome
	}
	ns.closed = true
	ns.sealed = true
	archives := ns.archives
	ns.archives = nil
	ns.mu.Unlock()

	for _, archive := range archives {
		err := callSafely(archive.Close)
		if err != nil {
			outcome.Errors = append(outcome.Errors,
				NewResourceCloseError(string(ns.id), err).WithContext("archive", archive.Path()))
			continue
		}
		outcome.Closed++
	}
	return outcome
}

// NamespaceFactory creates plugin namespaces under a shared base namespace.
type NamespaceFactory struct {
	base   *Namespace
	logger Logger
}

// NewNamespaceFactory creates a factory. A nil base gets a fresh base namespace.
func NewNamespaceFactory(base *Namespace, logger Logger) *NamespaceFactory {
	if base == nil {
		base = NewBaseNamespace()
	}
	if logger == nil {
		logger = DefaultLogger()
	}
	return &NamespaceFactory{base: base, logger: logger}
}

// Base returns the platform-wide namespace.
func (f *NamespaceFactory) Base() *Namespace {
	return f.base
}

// CreateNamespace creates an empty primary namespace. A nil parent means the base namespace.
func (f *NamespaceFactory) CreateNamespace(owner string, parent *Namespace) *Namespace {
	if parent == nil {
		parent = f.base
	}
	return newNamespace(owner, NamespacePrimary, parent)
}

// LoadArchive opens the archive at path and appends it to ns.
func (f *NamespaceFactory) LoadArchive(ns *Namespace, pluginName, path string) (*Archive, error) {
	archive, err := OpenArchive(path)
	if err != nil {
		return nil, NewNamespaceLoadError(pluginName, path, err)
	}
	if err := ns.Append(archive); err != nil {
		_ = archive.Close()
		return nil, NewNamespaceLoadError(pluginName, path, err)
	}
	return archive, nil
}

// CreateSecondaryNamespace creates a sealed namespace over archives, child of
// parent. It returns nil, nil when archives is empty. If any archive fails to
// open, the archives opened so far are released and a NamespaceLoadError is returned.
func (f *NamespaceFactory) CreateSecondaryNamespace(owner string, archives []string, parent *Namespace) (*Namespace, error) {
	if len(archives) == 0 {
		return nil, nil
	}
	if parent == nil {
		parent = f.base
	}

	ns := newNamespace(owner, NamespaceSecondary, parent)
	for _, path := range archives {
		if _, err := f.LoadArchive(ns, owner, path); err != nil {
			if outcome := ns.Close(); outcome.Err() != nil {
				f.logger.Warn("Failed to release partially loaded namespace",
					"plugin", owner, "namespace", ns.ID(), "error", outcome.Err())
			}
			return nil, err
		}
	}
	ns.Seal()
	return ns, nil
}
