package assets

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	PackageExt      = ".upkg"
	DefaultMount    = "/Game"
	maxRedirectHops = 8
)

type descriptor struct {
	Map                  bool     `yaml:"map"`
	EditorOnly           bool     `yaml:"editor_only"`
	UnsupportedPlatforms []string `yaml:"unsupported_platforms"`
	RedirectTo           string   `yaml:"redirect_to"`
	Imports              []string `yaml:"imports"`
	Objects              []struct {
		Name string    `yaml:"name"`
		Kind AssetKind `yaml:"kind"`
		Data string    `yaml:"data"`
	} `yaml:"objects"`
}

type indexEntry struct {
	name       string
	file       Filename
	path       string
	hash       string
	imports    []string
	redirectTo string
}

// DirContent serves packages from YAML descriptors (*.upkg) under a content
// directory. It implements both Loader and Registry.
type DirContent struct {
	root  string
	mount string

	mu         sync.Mutex
	index      map[string]*indexEntry // lower(name)
	byFile     map[string]string      // Filename.Key -> name
	byBase     map[string][]string    // lower(base name) -> names
	dependents map[string]int
	loaded     map[string]*Package
}

func NewDirContent(root string) *DirContent {
	return &DirContent{
		root:   root,
		mount:  DefaultMount,
		loaded: map[string]*Package{},
	}
}

func (c *DirContent) Root() string { return c.root }

// Invalidate drops the scanned index and marks name (if loaded) stale so the
// next Load re-reads its descriptor.
func (c *DirContent) Invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = nil
	if p, ok := c.loaded[strings.ToLower(name)]; ok {
		p.fullyLoaded = false
	}
}

func (c *DirContent) Resolve(file Filename) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureIndexLocked(); err != nil {
		return "", err
	}
	raw := strings.TrimSpace(string(file))
	if strings.HasPrefix(strings.ToLower(raw), strings.ToLower(c.mount)+"/") {
		if e, ok := c.index[strings.ToLower(raw)]; ok {
			return e.name, nil
		}
		return "", fmt.Errorf("%s: %w", raw, ErrPackageNotFound)
	}
	f := NewFilename(raw)
	if path.Ext(string(f)) == "" {
		f = Filename(string(f) + PackageExt)
	}
	if name, ok := c.byFile[f.Key()]; ok {
		return name, nil
	}
	// Search-path fallback: a unique package with the same base name.
	base := strings.TrimSuffix(path.Base(string(f)), PackageExt)
	if names := c.byBase[strings.ToLower(base)]; len(names) == 1 {
		return names[0], nil
	}
	return "", fmt.Errorf("%s: %w", file, ErrPackageNotFound)
}

func (c *DirContent) Load(name string) (LoadResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var res LoadResult
	if err := c.ensureIndexLocked(); err != nil {
		return res, err
	}
	pkg, err := c.loadLocked(name, true, 0, &res)
	if err != nil {
		return res, err
	}
	res.Package = pkg
	return res, nil
}

func (c *DirContent) loadLocked(name string, full bool, hops int, res *LoadResult) (*Package, error) {
	key := strings.ToLower(name)
	ent, ok := c.index[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrPackageNotFound)
	}
	if ent.redirectTo != "" {
		if hops >= maxRedirectHops {
			return nil, fmt.Errorf("%s: redirect chain longer than %d", name, maxRedirectHops)
		}
		return c.loadLocked(ent.redirectTo, full, hops+1, res)
	}

	if p, ok := c.loaded[key]; ok {
		if full && !p.fullyLoaded {
			d, hash, err := readDescriptor(ent.path)
			if err != nil {
				return nil, fmt.Errorf("load %s: %w", name, err)
			}
			applyDescriptor(p, d, hash)
			p.fullyLoaded = true
		}
		return p, nil
	}

	d, hash, err := readDescriptor(ent.path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", name, err)
	}
	p := &Package{Name: ent.name, Filename: ent.file}
	applyDescriptor(p, d, hash)
	p.fullyLoaded = full
	c.loaded[key] = p
	res.Created = append(res.Created, p)

	for _, imp := range d.Imports {
		// Missing imports are tolerated; the importer still cooks.
		_, _ = c.loadLocked(imp, false, 0, res)
	}
	return p, nil
}

func (c *DirContent) Find(name string) (*Package, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.loaded[strings.ToLower(name)]
	return p, ok
}

func (c *DirContent) Unload(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	if _, ok := c.loaded[key]; !ok {
		return false
	}
	delete(c.loaded, key)
	return true
}

func (c *DirContent) Loaded() []*Package {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Package, 0, len(c.loaded))
	for _, p := range c.loaded {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *DirContent) ObjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.loaded {
		n += len(p.Objects)
	}
	return n
}

func (c *DirContent) AllPackages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureIndexLocked(); err != nil {
		return nil
	}
	out := make([]string, 0, len(c.index))
	for _, e := range c.index {
		if e.redirectTo != "" {
			continue
		}
		out = append(out, e.name)
	}
	sort.Strings(out)
	return out
}

func (c *DirContent) Filename(name string) (Filename, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureIndexLocked(); err != nil {
		return "", false
	}
	e, ok := c.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return e.file, true
}

func (c *DirContent) Dependencies(name string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureIndexLocked(); err != nil {
		return nil
	}
	e, ok := c.index[strings.ToLower(name)]
	if !ok {
		return nil
	}
	return append([]string(nil), e.imports...)
}

func (c *DirContent) Dependents(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureIndexLocked(); err != nil {
		return 0
	}
	return c.dependents[strings.ToLower(name)]
}

func (c *DirContent) ContentHash(name string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureIndexLocked(); err != nil {
		return "", err
	}
	e, ok := c.index[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrPackageNotFound)
	}
	return e.hash, nil
}

func (c *DirContent) ensureIndexLocked() error {
	if c.index != nil {
		return nil
	}
	index := map[string]*indexEntry{}
	byFile := map[string]string{}
	byBase := map[string][]string{}
	err := filepath.WalkDir(c.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), PackageExt) {
			return nil
		}
		rel, err := filepath.Rel(c.root, p)
		if err != nil {
			return err
		}
		file := NewFilename(filepath.ToSlash(rel))
		name := c.mount + "/" + strings.TrimSuffix(string(file), path.Ext(string(file)))
		desc, hash, err := readDescriptor(p)
		if err != nil {
			return fmt.Errorf("index %s: %w", rel, err)
		}
		index[strings.ToLower(name)] = &indexEntry{
			name:       name,
			file:       file,
			path:       p,
			hash:       hash,
			imports:    desc.Imports,
			redirectTo: strings.TrimSpace(desc.RedirectTo),
		}
		byFile[file.Key()] = name
		base := strings.ToLower(path.Base(name))
		byBase[base] = append(byBase[base], name)
		return nil
	})
	if err != nil {
		return err
	}
	dependents := map[string]int{}
	for _, e := range index {
		for _, imp := range e.imports {
			dependents[strings.ToLower(imp)]++
		}
	}
	c.index = index
	c.byFile = byFile
	c.byBase = byBase
	c.dependents = dependents
	return nil
}

func readDescriptor(p string) (descriptor, string, error) {
	var d descriptor
	raw, err := os.ReadFile(p)
	if err != nil {
		return d, "", err
	}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return d, "", err
	}
	sum := sha256.Sum256(raw)
	return d, hex.EncodeToString(sum[:]), nil
}

func applyDescriptor(p *Package, d descriptor, hash string) {
	p.IsMap = d.Map
	p.EditorOnly = d.EditorOnly
	p.UnsupportedPlatforms = append([]string(nil), d.UnsupportedPlatforms...)
	p.Imports = append([]string(nil), d.Imports...)
	p.ContentHash = hash
	p.Objects = p.Objects[:0]
	for _, o := range d.Objects {
		p.Objects = append(p.Objects, &Object{Name: o.Name, Kind: o.Kind, Data: o.Data})
	}
}
