package assets

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type AssetKind uint8

const (
	KindGeneric AssetKind = iota
	KindMaterial
	KindTexture
	KindStaticMesh
	KindBlueprint
	KindLevel
)

var kindNames = [...]string{
	KindGeneric:    "Generic",
	KindMaterial:   "Material",
	KindTexture:    "Texture",
	KindStaticMesh: "StaticMesh",
	KindBlueprint:  "Blueprint",
	KindLevel:      "Level",
}

func (k AssetKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("AssetKind(%d)", uint8(k))
}

func ParseAssetKind(s string) (AssetKind, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return KindGeneric, nil
	}
	for i, n := range kindNames {
		if strings.EqualFold(n, s) {
			return AssetKind(i), nil
		}
	}
	return KindGeneric, fmt.Errorf("unknown asset kind %q", s)
}

// AsyncCacheClass reports whether objects of this kind prepare platform data
// asynchronously, and the limiter class they are counted against.
func (k AssetKind) AsyncCacheClass() (string, bool) {
	switch k {
	case KindMaterial, KindTexture, KindStaticMesh:
		return k.String(), true
	default:
		return "", false
	}
}

// CompilesShaders reports whether caching this kind enqueues shader jobs.
func (k AssetKind) CompilesShaders() bool { return k == KindMaterial }

func (k *AssetKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseAssetKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k AssetKind) MarshalYAML() (any, error) { return k.String(), nil }
