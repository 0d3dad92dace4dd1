package tracker

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/cook/platforms"
)

func newTracker(t *testing.T, session ...*platforms.Target) (*PackageTracker, *platforms.Manager, *bytes.Buffer) {
	t.Helper()
	pm := platforms.NewManager(0, nil)
	for _, tgt := range []*platforms.Target{ps4, win64, linux} {
		pm.CreatePlatformData(tgt)
	}
	var buf bytes.Buffer
	tr := New(pm, log.New(&buf, "", 0))
	pm.OnSessionPlatformRemoved = tr.RemoveSessionPlatform
	pm.OnSessionChanged = tr.MarkPendingSaveDirty
	if len(session) > 0 {
		pm.SelectSessionPlatforms(platforms.NewSet(session...))
	}
	return tr, pm, &buf
}

func pkg(name string) *assets.Package {
	rel := strings.TrimPrefix(name, "/Game/")
	return &assets.Package{Name: name, Filename: assets.NewFilename(rel + ".upkg")}
}

func TestPackageTracker_TickCommandsBeforeRequests(t *testing.T) {
	tr, _, _ := newTracker(t, ps4)
	tr.EnqueueUniqueCookRequest(req("A.upkg", ps4), false)
	tr.AddTickCommand(RegisterPlatform{Target: linux})
	tr.AddTickCommand(ClearAll{})

	cmds, _, ok := tr.DequeueRequest()
	if ok || len(cmds) != 2 {
		t.Fatalf("first dequeue cmds=%d ok=%v", len(cmds), ok)
	}
	if _, isReg := cmds[0].(RegisterPlatform); !isReg {
		t.Fatalf("commands out of order: %T", cmds[0])
	}
	cmds, r, ok := tr.DequeueRequest()
	if !ok || len(cmds) != 0 || r.Filename != "A.upkg" {
		t.Fatalf("second dequeue cmds=%d req=%v ok=%v", len(cmds), r, ok)
	}
	if _, _, ok := tr.DequeueRequest(); ok {
		t.Fatalf("expected empty")
	}
}

func TestPackageTracker_WaitForWork(t *testing.T) {
	tr, _, _ := newTracker(t, ps4)
	start := time.Now()
	if tr.WaitForWork(20 * time.Millisecond) {
		t.Fatalf("no work expected")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("wait returned too early")
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.EnqueueUniqueCookRequest(req("A.upkg", ps4), false)
	}()
	if !tr.WaitForWork(2 * time.Second) {
		t.Fatalf("expected wake on enqueue")
	}
}

func TestPackageTracker_NewPackagesDeliveredOnce(t *testing.T) {
	tr, _, _ := newTracker(t, ps4)
	a, b := pkg("/Game/A"), pkg("/Game/B")
	tr.OnPackagesLoaded([]*assets.Package{a, b})
	tr.OnPackagesLoaded([]*assets.Package{a})

	got := tr.TakeNewPackages()
	if len(got) != 2 {
		t.Fatalf("new=%d", len(got))
	}
	if again := tr.TakeNewPackages(); len(again) != 0 {
		t.Fatalf("redelivered %d packages", len(again))
	}
	tr.OnPackageUnloaded(a)
	if tr.IsLoaded("/Game/A") || !tr.IsLoaded("/game/b") {
		t.Fatalf("loaded set wrong: %v", tr.LoadedPackages())
	}
}

func TestPackageTracker_DirtyAfterCookRecooks(t *testing.T) {
	tr, _, _ := newTracker(t, ps4)
	d := pkg("/Game/D")
	tr.OnPackagesLoaded([]*assets.Package{d})
	if !tr.IsPendingSave(d.Name) {
		t.Fatalf("freshly loaded package should be pending save")
	}

	tr.OnPackageCooked(NewCookedPackageRecord(d.Filename, platforms.NewSet(ps4), true), d)
	if tr.IsPendingSave(d.Name) {
		t.Fatalf("cooked package still pending save")
	}
	if !tr.Cooked.Exists(d.Filename, platforms.NewSet(ps4), true) {
		t.Fatalf("expected cooked")
	}

	if !tr.DirtyPackage(d.Filename, d) {
		t.Fatalf("DirtyPackage should report an existing record")
	}
	if tr.Cooked.Exists(d.Filename, platforms.NewSet(ps4), true) {
		t.Fatalf("dirty package still cooked")
	}
	if !tr.IsPendingSave(d.Name) {
		t.Fatalf("dirty package should be pending save again")
	}
	if tr.DirtyPackage(d.Filename, d) {
		t.Fatalf("second DirtyPackage should find nothing")
	}
}

func TestPackageTracker_PendingSaveRecomputedOnSessionChange(t *testing.T) {
	tr, pm, _ := newTracker(t, ps4)
	a := pkg("/Game/A")
	tr.OnPackagesLoaded([]*assets.Package{a})
	tr.OnPackageCooked(NewCookedPackageRecord(a.Filename, platforms.NewSet(ps4), true), a)
	if n := len(tr.PendingSave()); n != 0 {
		t.Fatalf("pending=%d", n)
	}

	pm.AddSessionPlatform(win64)
	got := tr.PendingSave()
	if len(got) != 1 || got[0] != a {
		t.Fatalf("pending after adding Win64=%v", got)
	}

	pm.RemoveSessionPlatform(win64)
	if n := len(tr.PendingSave()); n != 0 {
		t.Fatalf("pending after removing Win64=%d", n)
	}
}

func TestPackageTracker_RemoveSessionPlatformLogsEmptiedRequests(t *testing.T) {
	tr, pm, buf := newTracker(t, ps4, win64)
	tr.EnqueueUniqueCookRequest(req("Only.upkg", ps4), false)
	tr.EnqueueUniqueCookRequest(req("Both.upkg", ps4, win64), false)

	pm.RemoveSessionPlatform(ps4)
	if !strings.Contains(buf.String(), "file=Only.upkg") {
		t.Fatalf("expected error log for emptied request, got %q", buf.String())
	}
	if strings.Contains(buf.String(), "Both.upkg") {
		t.Fatalf("unexpected log for request that kept a platform")
	}
	if tr.IsQueued("Both.upkg", platforms.NewSet(ps4)) || !tr.IsQueued("Both.upkg", platforms.NewSet(win64)) {
		t.Fatalf("queue platforms not stripped")
	}
	if tr.QueueLen() != 2 {
		t.Fatalf("queue len=%d", tr.QueueLen())
	}
}
