package cook

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/config"
	"assetcook.dev/internal/cook/platforms"
	"assetcook.dev/internal/persistence/registry"
	"assetcook.dev/internal/persistence/sandbox"
)

func writeBookContent(t *testing.T, env *testEnv) {
	t.Helper()
	env.write(t, "Maps/Arena.upkg", "map: true\nimports: [/Game/Props/Crate]\nobjects:\n  - {name: Arena, kind: level}\n")
	env.write(t, "Props/Crate.upkg", "imports: [/Game/Materials/M_Wood]\nobjects:\n  - {name: Crate, kind: StaticMesh, data: box}\n")
	env.write(t, "Materials/M_Wood.upkg", "objects:\n  - {name: M_Wood, kind: material, data: grain}\n")
}

func bookConfig(c *config.CookerConfig) {
	c.DefaultPlatforms = []string{"Win64"}
	c.Iterative = true
}

func TestRunCookByTheBook_CooksClosure(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)

	rep, err := env.s.RunCookByTheBook(context.Background(), BookOptions{Packages: []string{"/Game/Maps/Arena"}})
	if err != nil {
		t.Fatalf("RunCookByTheBook: %v", err)
	}
	if env.s.IsCookByTheBookRunning() {
		t.Fatalf("still running")
	}
	pr := rep.Platform("Win64")
	if pr.Cooked != 3 || pr.Failed != 0 || !pr.Wiped {
		t.Fatalf("report=%+v", pr)
	}
	for _, f := range []string{"Maps/Arena.upkg", "Props/Crate.upkg", "Materials/M_Wood.upkg"} {
		if _, err := os.Stat(env.s.layout.CookedPath("Win64", assets.NewFilename(f))); err != nil {
			t.Fatalf("%s: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(env.cfg.DataDir, "reports", "cook-"+rep.RunID+".yaml")); err != nil {
		t.Fatalf("report file: %v", err)
	}

	st, err := registry.Open(env.s.layout.RegistryPath("Win64"), nil)
	if err != nil {
		t.Fatalf("registry open: %v", err)
	}
	defer st.Close()
	entries, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("registry load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("registry entries=%d want 3", len(entries))
	}
	if _, ok, err := sandbox.ReadIniVersion(env.s.layout.IniVersionPath("Win64")); err != nil || !ok {
		t.Fatalf("ini version marker: ok=%v err=%v", ok, err)
	}
}

func TestStartCookByTheBook_Guards(t *testing.T) {
	otf := newTestEnv(t, ModeCookOnTheFly, bookConfig)
	if err := otf.s.StartCookByTheBook(context.Background(), BookOptions{}); !errors.Is(err, ErrNotCookByTheBook) {
		t.Fatalf("err=%v", err)
	}

	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)
	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{Platforms: []string{"Dreamcast"}}); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("err=%v", err)
	}
	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{}); !errors.Is(err, ErrCookInProgress) {
		t.Fatalf("err=%v", err)
	}
}

func TestTickCookByTheBook_RequeuesWhileCacheIsBusy(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Tick.MaxPackagesPerTick = 1
	})
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh, data: box}\n")
	env.cache.completeAfter = 3

	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	ticks := 0
	for env.s.IsCookByTheBookRunning() {
		ticks++
		flags := env.s.TickCookByTheBook(time.Second)
		if ticks <= 3 && !flags.Has(ResultWaitingOnCache) {
			t.Fatalf("tick %d flags=%s, want waiting_on_cache", ticks, flags)
		}
		if ticks > 10 {
			t.Fatalf("book cook did not finish")
		}
	}
	if ticks != 4 {
		t.Fatalf("ticks=%d want 4", ticks)
	}
	if got := env.s.requeuedTotal.Load(); got != 3 {
		t.Fatalf("requeued=%d want 3", got)
	}
	if rep := env.s.Report(); rep.Requeues != 3 || rep.Platform("Win64").Cooked != 1 {
		t.Fatalf("report requeues=%d cooked=%d", rep.Requeues, rep.Platform("Win64").Cooked)
	}
}

func TestTickCookByTheBook_RealtimeWaitsInsteadOfRequeue(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Tick.Realtime = true
	})
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh, data: box}\n")
	env.cache.completeAfter = 3

	if _, err := env.s.RunCookByTheBook(context.Background(), BookOptions{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.s.requeuedTotal.Load() != 0 || env.s.cookedTotal.Load() != 1 {
		t.Fatalf("requeued=%d cooked=%d", env.s.requeuedTotal.Load(), env.s.cookedTotal.Load())
	}
}

func TestCancelAndResumeCookByTheBook(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Tick.MaxPackagesPerTick = 1
	})
	env.write(t, "Props/A.upkg", "objects:\n  - {name: A, kind: generic}\n")
	env.write(t, "Props/B.upkg", "objects:\n  - {name: B, kind: generic}\n")
	env.write(t, "Props/C.upkg", "objects:\n  - {name: C, kind: generic}\n")

	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	env.s.TickCookByTheBook(time.Second)
	if env.s.cookedTotal.Load() != 1 {
		t.Fatalf("cooked=%d after one tick", env.s.cookedTotal.Load())
	}

	env.s.CancelCookByTheBook()
	if flags := env.s.TickCookByTheBook(time.Second); !flags.Has(ResultDone) {
		t.Fatalf("cancel tick flags=%s", flags)
	}
	if env.s.IsCookByTheBookRunning() {
		t.Fatalf("still running after cancel")
	}
	if env.s.PendingResume() != 2 || env.s.tracker.QueueLen() != 0 {
		t.Fatalf("pending=%d queued=%d", env.s.PendingResume(), env.s.tracker.QueueLen())
	}
	if !env.s.Report().Cancelled {
		t.Fatalf("report not marked cancelled")
	}

	if err := env.s.ResumeCookByTheBook(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	for env.s.IsCookByTheBookRunning() {
		env.s.TickCookByTheBook(time.Second)
	}
	if env.s.cookedTotal.Load() != 3 {
		t.Fatalf("cooked=%d want 3", env.s.cookedTotal.Load())
	}
	if env.s.Report().Cancelled {
		t.Fatalf("resumed run still marked cancelled")
	}
	if err := env.s.ResumeCookByTheBook(); !errors.Is(err, ErrNothingToResume) {
		t.Fatalf("err=%v", err)
	}
}

func TestRunCookByTheBook_ContextCancel(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep, err := env.s.RunCookByTheBook(ctx, BookOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	if rep == nil || !rep.Cancelled || env.s.PendingResume() != 3 {
		t.Fatalf("rep=%+v pending=%d", rep, env.s.PendingResume())
	}
}

func TestIterativeCook_SkipsUnchanged(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)
	opts := BookOptions{Iterative: true}

	if _, err := env.s.RunCookByTheBook(context.Background(), opts); err != nil {
		t.Fatalf("first run: %v", err)
	}

	env.open(t)
	rep, err := env.s.RunCookByTheBook(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	pr := rep.Platform("Win64")
	if pr.Wiped || pr.Skipped != 3 || pr.Cooked != 0 {
		t.Fatalf("second run report=%+v", pr)
	}
	win := env.target(t, "Win64")
	if !env.s.tracker.Cooked.Exists("Props/Crate.upkg", platforms.NewSet(win), false) {
		t.Fatalf("skipped package not recorded as cooked")
	}

	env.write(t, "Props/Crate.upkg", "imports: [/Game/Materials/M_Wood]\nobjects:\n  - {name: Crate, kind: StaticMesh, data: bigger-box}\n")
	env.open(t)
	rep, err = env.s.RunCookByTheBook(context.Background(), opts)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	pr = rep.Platform("Win64")
	if pr.Skipped != 2 || pr.Cooked != 1 {
		t.Fatalf("third run report=%+v", pr)
	}
}

func TestIterativeCook_SettingsChangeWipes(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)
	opts := BookOptions{Iterative: true}
	if _, err := env.s.RunCookByTheBook(context.Background(), opts); err != nil {
		t.Fatalf("first run: %v", err)
	}

	env.cfg.Compression = "lz4"
	env.open(t)
	rep, err := env.s.RunCookByTheBook(context.Background(), opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if pr := rep.Platform("Win64"); !pr.Wiped || pr.Skipped != 0 || pr.Cooked != 3 {
		t.Fatalf("report=%+v", pr)
	}
}

func TestFullRebuild_IgnoresPreviousRun(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)
	if _, err := env.s.RunCookByTheBook(context.Background(), BookOptions{Iterative: true}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	rep, err := env.s.RunCookByTheBook(context.Background(), BookOptions{Iterative: true, FullRebuild: true})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if pr := rep.Platform("Win64"); !pr.Wiped || pr.Cooked != 3 {
		t.Fatalf("report=%+v", pr)
	}
}

func TestRequestPackage_BookModeRequiresSessionPlatform(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, bookConfig)
	writeBookContent(t, env)
	if env.s.RequestPackage("Props/Crate.upkg", []string{"Win64"}, false) {
		t.Fatalf("request accepted with no book running")
	}
	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{Packages: []string{"/Game/Materials/M_Wood"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if env.s.RequestPackage("Props/Crate.upkg", []string{"PS4"}, false) {
		t.Fatalf("request accepted for a platform outside the book cook")
	}
	if !env.s.RequestPackage("Props/Crate.upkg", []string{"Win64"}, true) {
		t.Fatalf("request for the book platform rejected")
	}
	for env.s.IsCookByTheBookRunning() {
		env.s.TickCookByTheBook(time.Second)
	}
	if env.s.Report().Platform("Win64").Cooked != 2 {
		t.Fatalf("report=%+v", env.s.Report().Platform("Win64"))
	}
}

const signPackage = "objects:\n" +
	"  - {name: T_Front, kind: texture, data: front}\n" +
	"  - {name: T_Back, kind: texture, data: back}\n" +
	"  - {name: T_Edge, kind: texture, data: edge}\n"

func TestRunCookByTheBook_PackageExceedingClassLimit(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Cache.AsyncLimits = map[string]int{"Texture": 1}
	})
	env.write(t, "Props/Sign.upkg", signPackage)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := env.s.RunCookByTheBook(ctx, BookOptions{Platforms: []string{"Win64", "PS4"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, name := range []string{"Win64", "PS4"} {
		if pr := rep.Platform(name); pr.Cooked != 1 || pr.Failed != 0 {
			t.Fatalf("%s report=%+v", name, pr)
		}
	}
	if got := env.s.requeuedTotal.Load(); got != 0 {
		t.Fatalf("requeued=%d want 0", got)
	}
	if n := env.s.cctx.limiter.inFlight("Texture"); n != 0 {
		t.Fatalf("texture permits still held: %d", n)
	}
}

func TestRunCookByTheBook_ForcesSaveAfterRequeueLimit(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Cache.AsyncLimits = map[string]int{"Texture": 1}
		c.Tick.MaxRequeuesPerPackage = 2
	})
	env.write(t, "Props/Sign.upkg", signPackage)
	// Only a synchronous wait finishes a build.
	env.cache.completeAfter = 1000

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := env.s.RunCookByTheBook(ctx, BookOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := env.s.requeuedTotal.Load(); got != 2 {
		t.Fatalf("requeued=%d want 2", got)
	}
	if rep.Requeues != 2 || rep.Platform("Win64").Cooked != 1 {
		t.Fatalf("report requeues=%d cooked=%d", rep.Requeues, rep.Platform("Win64").Cooked)
	}
	if n := env.s.cctx.limiter.inFlight("Texture"); n != 0 {
		t.Fatalf("texture permits still held: %d", n)
	}
}

func TestTickCookByTheBook_ShaderBackpressure(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Tick.MaxPackagesPerTick = 1
		c.Cache.MaxConcurrentShaderJobs = 4
	})
	env.write(t, "Materials/M_Wood.upkg", "objects:\n  - {name: M_Wood, kind: material, data: grain}\n")
	env.cache.setShaderJobs(10)

	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if flags := env.s.TickCookByTheBook(time.Second); !flags.Has(ResultWaitingOnCache) {
		t.Fatalf("flags=%s want waiting_on_cache", flags)
	}
	if n := env.cache.begun(); n != 0 {
		t.Fatalf("material cache begun while shader jobs saturated: %d", n)
	}

	env.cache.setShaderJobs(0)
	if flags := env.s.TickCookByTheBook(time.Second); !flags.Has(ResultCookedPackage) {
		t.Fatalf("flags=%s want cooked_package", flags)
	}
	if env.s.IsCookByTheBookRunning() {
		t.Fatalf("book cook still running")
	}
	if rep := env.s.Report(); rep.Requeues != 1 || rep.Platform("Win64").Cooked != 1 {
		t.Fatalf("report requeues=%d cooked=%d", rep.Requeues, rep.Platform("Win64").Cooked)
	}
}

func TestTickCookByTheBook_KeepsIdlePlatformsWhileRunning(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, func(c *config.CookerConfig) {
		bookConfig(c)
		c.Tick.MaxPackagesPerTick = 1
	})
	clock := env.withClock(t)
	writeBookContent(t, env)

	if err := env.s.StartCookByTheBook(context.Background(), BookOptions{Platforms: []string{"Win64", "PS4"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Leave both platforms unreferenced since now, then let the TTL pass.
	for _, name := range []string{"Win64", "PS4"} {
		tgt := env.target(t, name)
		env.s.platforms.AddRefCookOnTheFlyPlatform(tgt)
		env.s.platforms.ReleaseCookOnTheFlyPlatform(tgt)
	}
	clock.Advance(env.cfg.PlatformPruneTTL + time.Second)

	env.s.TickCookByTheBook(time.Second)
	if got := env.s.platforms.GetSessionPlatforms(); len(got) != 2 {
		t.Fatalf("session=%s want both platforms", got)
	}
	for i := 0; env.s.IsCookByTheBookRunning(); i++ {
		if i > 20 {
			t.Fatalf("book cook did not finish")
		}
		env.s.TickCookByTheBook(time.Second)
	}
	for _, name := range []string{"Win64", "PS4"} {
		if pr := env.s.Report().Platform(name); pr.Cooked != 3 {
			t.Fatalf("%s cooked=%d want 3", name, pr.Cooked)
		}
	}
}
