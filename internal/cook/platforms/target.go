package platforms

import (
	"sort"
	"strings"

	"assetcook.dev/internal/config"
)

// Target is a target-platform handle. Handles are compared by pointer; a
// Registry hands out exactly one per platform name.
type Target struct {
	Name              string
	ShaderFormat      string
	TextureFormat     string
	MaxPathLength     int
	HasEditorOnlyData bool
}

func (t *Target) String() string {
	if t == nil {
		return "<nil>"
	}
	return t.Name
}

var builtins = []Target{
	{Name: "Win64", ShaderFormat: "PCD3D_SM5", TextureFormat: "DXT", MaxPathLength: 260},
	{Name: "Linux", ShaderFormat: "SF_VULKAN_SM5", TextureFormat: "DXT", MaxPathLength: 1024},
	{Name: "PS4", ShaderFormat: "SF_PS4", TextureFormat: "PS4", MaxPathLength: 200},
	{Name: "XboxOne", ShaderFormat: "PCD3D_SM5", TextureFormat: "DXT", MaxPathLength: 240},
	{Name: "Android", ShaderFormat: "GLSL_ES3_1", TextureFormat: "ASTC", MaxPathLength: 200},
	{Name: "IOS", ShaderFormat: "SF_METAL", TextureFormat: "ASTC", MaxPathLength: 200},
	{Name: "WindowsEditor", ShaderFormat: "PCD3D_SM5", TextureFormat: "DXT", MaxPathLength: 260, HasEditorOnlyData: true},
}

type Registry struct {
	byName map[string]*Target
}

// NewRegistry returns the built-in targets overlaid with config specs. A spec
// naming a built-in replaces the fields it sets.
func NewRegistry(specs []config.PlatformSpec) *Registry {
	r := &Registry{byName: map[string]*Target{}}
	for i := range builtins {
		t := builtins[i]
		r.byName[strings.ToLower(t.Name)] = &t
	}
	for _, s := range specs {
		k := strings.ToLower(s.Name)
		t, ok := r.byName[k]
		if !ok {
			t = &Target{Name: s.Name}
			r.byName[k] = t
		}
		if s.ShaderFormat != "" {
			t.ShaderFormat = s.ShaderFormat
		}
		if s.TextureFormat != "" {
			t.TextureFormat = s.TextureFormat
		}
		if s.MaxPathLength > 0 {
			t.MaxPathLength = s.MaxPathLength
		}
		if s.HasEditorOnlyData {
			t.HasEditorOnlyData = true
		}
	}
	return r
}

func (r *Registry) Lookup(name string) (*Target, bool) {
	t, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

func (r *Registry) MustLookup(name string) *Target {
	t, ok := r.Lookup(name)
	if !ok {
		panic("platforms: unknown target platform " + name)
	}
	return t
}

func (r *Registry) All() []*Target {
	out := make([]*Target, 0, len(r.byName))
	for _, t := range r.byName {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
