package cook

import (
	"fmt"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/persistence/sandbox"
)

// SaveOutcome describes a cooked file written for one platform.
type SaveOutcome struct {
	Platform string
	Path     string
	Size     int64
	SHA256   string
	CookedAt time.Time
}

// PackageSaver writes the cooked form of a package for one platform. A failure
// is returned as *SaveError.
type PackageSaver interface {
	Save(pkg *assets.Package, t *platforms.Target, objects []sandbox.CookedObject) (SaveOutcome, error)
}

// SandboxSaver writes cooked packages into the per-platform sandbox tree and
// verifies each file by reading its header back.
type SandboxSaver struct {
	Layout sandbox.Layout
	Codec  sandbox.Codec
	Now    func() time.Time
}

func (s *SandboxSaver) Save(pkg *assets.Package, t *platforms.Target, objects []sandbox.CookedObject) (SaveOutcome, error) {
	out := SaveOutcome{Platform: t.Name}
	fail := func(r SaveReason, err error) (SaveOutcome, error) {
		return out, &SaveError{File: pkg.Filename, Platform: t.Name, Reason: r, Err: err}
	}
	if pkg.EditorOnly && !t.HasEditorOnlyData {
		return fail(SaveEditorOnly, nil)
	}
	if !pkg.SupportsPlatform(t.Name) {
		return fail(SaveUnsupportedPlatform, nil)
	}
	rel := s.Layout.CookedRel(pkg.Filename)
	if t.MaxPathLength > 0 && len(rel) > t.MaxPathLength {
		return fail(SavePathTooLong, fmt.Errorf("%d > %d", len(rel), t.MaxPathLength))
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	out.CookedAt = now().UTC()
	out.Path = s.Layout.CookedPath(t.Name, pkg.Filename)
	cp := sandbox.CookedPackage{
		Header: sandbox.Header{
			Version:     sandbox.FormatVersion,
			Package:     pkg.Name,
			Platform:    t.Name,
			ContentHash: pkg.ContentHash,
			Objects:     len(objects),
			CookedAt:    out.CookedAt,
		},
		Objects: objects,
	}
	size, sum, err := sandbox.WriteCooked(out.Path, cp, s.Codec)
	if err != nil {
		return fail(SaveWriteFailed, err)
	}
	out.Size = size
	out.SHA256 = sum

	h, err := sandbox.ReadHeader(out.Path)
	if err != nil {
		return fail(SaveVerifyFailed, err)
	}
	if h.Package != pkg.Name || h.Platform != t.Name || h.Objects != len(objects) {
		return fail(SaveVerifyFailed, fmt.Errorf("header mismatch: %s/%s/%d", h.Package, h.Platform, h.Objects))
	}
	return out, nil
}
