package assets

import (
	"path"
	"strings"
)

// Filename is a content-relative package path with forward slashes. Identity is
// case-insensitive; use Key for map lookups.
type Filename string

func NewFilename(p string) Filename {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	return Filename(strings.TrimPrefix(p, "/"))
}

func (f Filename) Key() string    { return strings.ToLower(string(f)) }
func (f Filename) String() string { return string(f) }
func (f Filename) IsEmpty() bool  { return f == "" }

func (f Filename) Equal(o Filename) bool { return f.Key() == o.Key() }
