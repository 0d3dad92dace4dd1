package tracker

import "assetcook.dev/internal/cook/platforms"

// TickCommand is a mutation marshaled onto the cooking goroutine. The set is
// closed; the cooker switches over every variant.
type TickCommand interface{ tickCommand() }

// RegisterPlatform creates platform data for a target the cooker has not seen.
type RegisterPlatform struct {
	Target *platforms.Target
}

// AddCookOnTheFlyPlatform registers, initializes and adds a platform to the
// session. Done is closed once the platform is usable.
type AddCookOnTheFlyPlatform struct {
	Target *platforms.Target
	Done   chan struct{}
}

// ClearAll forgets every cooked outcome so all packages recook.
type ClearAll struct {
	Done chan struct{}
}

// MarkDirty flags a source package as modified.
type MarkDirty struct {
	PackageName string
}

type Shutdown struct{}

func (RegisterPlatform) tickCommand()        {}
func (AddCookOnTheFlyPlatform) tickCommand() {}
func (ClearAll) tickCommand()                {}
func (MarkDirty) tickCommand()               {}
func (Shutdown) tickCommand()                {}
