package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// IniVersion is the per-platform marker recording the settings a sandbox was
// cooked with. A digest mismatch invalidates the whole sandbox.
type IniVersion struct {
	Platform string            `yaml:"platform"`
	Digest   string            `yaml:"digest"`
	Settings map[string]string `yaml:"settings,omitempty"`
	Written  time.Time         `yaml:"written"`
}

func (v IniVersion) Matches(digest string) bool { return v.Digest != "" && v.Digest == digest }

// ReadIniVersion returns ok=false when no marker exists.
func ReadIniVersion(path string) (IniVersion, bool, error) {
	var v IniVersion
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return v, false, nil
	}
	if err != nil {
		return v, false, err
	}
	if err := yaml.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return v, true, nil
}

func WriteIniVersion(path string, v IniVersion) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if v.Written.IsZero() {
		v.Written = time.Now().UTC()
	}
	raw, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
