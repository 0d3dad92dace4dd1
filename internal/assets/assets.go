package assets

import (
	"errors"
	"strings"
)

var ErrPackageNotFound = errors.New("package not found")

// Object is one asset inside a package.
type Object struct {
	Name string
	Kind AssetKind
	// Data is the editor-side payload that platform data is derived from.
	Data string
}

// Package is an in-memory editor package.
type Package struct {
	Name     string // long name, e.g. /Game/Maps/Arena
	Filename Filename

	IsMap                bool
	EditorOnly           bool
	UnsupportedPlatforms []string
	Imports              []string
	Objects              []*Object
	ContentHash          string

	fullyLoaded bool
}

func (p *Package) IsFullyLoaded() bool { return p != nil && p.fullyLoaded }

func (p *Package) SupportsPlatform(name string) bool {
	for _, u := range p.UnsupportedPlatforms {
		if strings.EqualFold(u, name) {
			return false
		}
	}
	return true
}

// LoadResult carries the requested package plus every package the load brought
// into memory for the first time (imports included).
type LoadResult struct {
	Package *Package
	Created []*Package
}

// Loader is the package load/unload collaborator the cooker drives from its
// single cooking goroutine.
type Loader interface {
	// Resolve maps a requested filename to its long package name.
	Resolve(file Filename) (string, error)
	Load(name string) (LoadResult, error)
	Find(name string) (*Package, bool)
	Unload(name string) bool
	Loaded() []*Package
	ObjectCount() int
}

// Registry is the asset registry query contract.
type Registry interface {
	AllPackages() []string
	Filename(name string) (Filename, bool)
	Dependencies(name string) []string
	// Dependents counts packages that import name.
	Dependents(name string) int
	ContentHash(name string) (string, error)
}
