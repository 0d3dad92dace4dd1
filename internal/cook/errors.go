package cook

import (
	"errors"
	"fmt"

	"assetcook.dev/internal/assets"
)

var (
	ErrCookInProgress   = errors.New("cook by the book already running")
	ErrUnknownPlatform  = errors.New("unknown target platform")
	ErrNotCookOnTheFly  = errors.New("server is not in cook-on-the-fly mode")
	ErrNotCookByTheBook = errors.New("server is not in cook-by-the-book mode")
	ErrNothingToResume  = errors.New("no cancelled cook to resume")
)

// SaveReason classifies a per-platform save failure.
type SaveReason int

const (
	SaveEditorOnly SaveReason = iota + 1
	SaveUnsupportedPlatform
	SavePathTooLong
	SaveMissingDerivedData
	SaveWriteFailed
	SaveVerifyFailed
)

func (r SaveReason) String() string {
	switch r {
	case SaveEditorOnly:
		return "editor_only"
	case SaveUnsupportedPlatform:
		return "unsupported_platform"
	case SavePathTooLong:
		return "path_too_long"
	case SaveMissingDerivedData:
		return "missing_derived_data"
	case SaveWriteFailed:
		return "write_failed"
	case SaveVerifyFailed:
		return "verify_failed"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// SaveError is the failure of saving one package for one platform. It never
// affects other platforms of the same package.
type SaveError struct {
	File     assets.Filename
	Platform string
	Reason   SaveReason
	Err      error
}

func (e *SaveError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("save %s for %s: %s: %v", e.File, e.Platform, e.Reason, e.Err)
	}
	return fmt.Sprintf("save %s for %s: %s", e.File, e.Platform, e.Reason)
}

func (e *SaveError) Unwrap() error { return e.Err }

// saveReason extracts the reason of a save failure, WriteFailed for foreign
// errors.
func saveReason(err error) SaveReason {
	var se *SaveError
	if errors.As(err, &se) {
		return se.Reason
	}
	return SaveWriteFailed
}
