package sandbox

import (
	"os"
	"path"
	"path/filepath"
	"strings"

	"assetcook.dev/internal/assets"
)

const (
	PlatformToken  = "[Platform]"
	CookedExt      = ".ucook"
	contentDirName = "Content"
	metadataDir    = "Metadata"
)

// Layout maps targets and files to paths in the cooked output tree.
type Layout struct {
	Pattern string
}

func NewLayout(pattern string) Layout { return Layout{Pattern: pattern} }

func (l Layout) PlatformRoot(platform string) string {
	return filepath.Clean(strings.ReplaceAll(l.Pattern, PlatformToken, platform))
}

// CookedRel is the cooked path of file relative to the platform root, using
// forward slashes.
func (l Layout) CookedRel(file assets.Filename) string {
	f := string(file)
	return path.Join(contentDirName, strings.TrimSuffix(f, path.Ext(f))+CookedExt)
}

func (l Layout) CookedPath(platform string, file assets.Filename) string {
	return filepath.Join(l.PlatformRoot(platform), filepath.FromSlash(l.CookedRel(file)))
}

func (l Layout) MetadataDir(platform string) string {
	return filepath.Join(l.PlatformRoot(platform), metadataDir)
}

func (l Layout) RegistryPath(platform string) string {
	return filepath.Join(l.MetadataDir(platform), "DevelopmentAssetRegistry.db")
}

func (l Layout) IniVersionPath(platform string) string {
	return filepath.Join(l.MetadataDir(platform), "CookedIniVersion.yaml")
}

// Wipe deletes the whole sandbox of a platform.
func (l Layout) Wipe(platform string) error {
	root := l.PlatformRoot(platform)
	if root == "" || root == "." || root == string(filepath.Separator) {
		return nil
	}
	return os.RemoveAll(root)
}
