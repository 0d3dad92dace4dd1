package cook

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"assetcook.dev/internal/assets"
	"assetcook.dev/internal/config"
)

// runServer starts the cook loop and returns a stop function that shuts it
// down and waits for it.
func runServer(t *testing.T, s *Server) func() {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return func() {
		s.Shutdown()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("Run did not return after Shutdown")
		}
	}
}

func TestRun_RequiresCookOnTheFly(t *testing.T) {
	env := newTestEnv(t, ModeCookByTheBook, nil)
	if err := env.s.Run(context.Background()); !errors.Is(err, ErrNotCookOnTheFly) {
		t.Fatalf("err=%v", err)
	}
	if _, err := env.s.HandleFileRequest(context.Background(), "A.upkg", "Win64"); !errors.Is(err, ErrNotCookOnTheFly) {
		t.Fatalf("err=%v", err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t, ModeCookOnTheFly, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestHandleFileRequest_CooksAndReportsUnsolicited(t *testing.T) {
	env := newTestEnv(t, ModeCookOnTheFly, nil)
	env.write(t, "Maps/Arena.upkg", "map: true\nimports: [/Game/Materials/M_Rock]\nobjects:\n  - {name: Arena, kind: level}\n")
	env.write(t, "Materials/M_Rock.upkg", "objects:\n  - {name: M_Rock, kind: material, data: rough}\n")
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh, data: box}\n")
	stop := runServer(t, env.s)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := env.s.HandleFileRequest(ctx, "Maps/Arena.upkg", "win64")
	if err != nil {
		t.Fatalf("HandleFileRequest: %v", err)
	}
	if !reply.Found || reply.Platform != "Win64" || reply.Size <= 0 || reply.SHA256 == "" {
		t.Fatalf("reply=%+v", reply)
	}
	if _, err := os.Stat(reply.CookedPath); err != nil {
		t.Fatalf("cooked path: %v", err)
	}

	// M_Rock was discovered by the Arena load and cooks behind it. It is
	// reported with whichever reply follows its save.
	unsolicited := reply.Unsolicited
	if len(unsolicited) == 0 {
		deadline := time.Now().Add(5 * time.Second)
		for env.s.tracker.Unsolicited.Len() == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("discovered package never cooked")
			}
			time.Sleep(5 * time.Millisecond)
		}
		reply, err = env.s.HandleFileRequest(ctx, "Props/Crate.upkg", "Win64")
		if err != nil {
			t.Fatalf("HandleFileRequest: %v", err)
		}
		if !reply.Found {
			t.Fatalf("Crate not found: %+v", reply)
		}
		unsolicited = reply.Unsolicited
	}
	if len(unsolicited) != 1 || unsolicited[0] != "Materials/M_Rock.upkg" {
		t.Fatalf("unsolicited=%v", unsolicited)
	}
	// Unsolicited files are reported once.
	reply, _ = env.s.HandleFileRequest(ctx, "Props/Crate.upkg", "Win64")
	if len(reply.Unsolicited) != 0 {
		t.Fatalf("unsolicited repeated: %v", reply.Unsolicited)
	}
	if env.s.platforms.GetPlatformData(env.target(t, "Win64")).ReferenceCount() != 0 {
		t.Fatalf("platform reference leaked")
	}
}

func TestHandleFileRequest_MissingPackage(t *testing.T) {
	env := newTestEnv(t, ModeCookOnTheFly, func(c *config.CookerConfig) { c.Tick.CookInEditor = true })
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh}\n")
	stop := runServer(t, env.s)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := env.s.HandleFileRequest(ctx, "Props/Nope.upkg", "Win64")
	if err != nil {
		t.Fatalf("HandleFileRequest: %v", err)
	}
	if reply.Found || reply.CookedPath != "" {
		t.Fatalf("reply=%+v", reply)
	}
	if _, err := env.s.HandleFileRequest(ctx, "Props/Crate.upkg", "Saturn"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("err=%v", err)
	}
}

func TestHandleFileRequest_ContextDeadline(t *testing.T) {
	env := newTestEnv(t, ModeCookOnTheFly, nil)
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh}\n")
	// No cook loop is running, so the platform is never initialized.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := env.s.HandleFileRequest(ctx, "Props/Crate.upkg", "Win64"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v", err)
	}
}

func TestGetPrecookedList(t *testing.T) {
	env := newTestEnv(t, ModeCookOnTheFly, nil)
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh}\n")
	env.write(t, "Editor/Widget.upkg", "editor_only: true\nobjects:\n  - {name: Widget, kind: generic}\n")
	env.session(t, "Win64")
	env.s.RequestPackage("Props/Crate.upkg", []string{"Win64"}, false)
	env.s.RequestPackage("Editor/Widget.upkg", []string{"Win64"}, false)
	env.drain(t)

	list, err := env.s.GetPrecookedList("Win64")
	if err != nil {
		t.Fatalf("GetPrecookedList: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list=%v, failed saves must not be listed", list)
	}
	if ts, ok := list["Props/Crate.upkg"]; !ok || ts.IsZero() {
		t.Fatalf("list=%v", list)
	}
	if _, err := env.s.GetPrecookedList("Jaguar"); !errors.Is(err, ErrUnknownPlatform) {
		t.Fatalf("err=%v", err)
	}
}

func TestRequestPackage_InitializesNewPlatform(t *testing.T) {
	env := newTestEnv(t, ModeCookOnTheFly, nil)
	env.write(t, "Props/Crate.upkg", "objects:\n  - {name: Crate, kind: StaticMesh}\n")
	if env.s.RequestPackage("", []string{"Win64"}, false) {
		t.Fatalf("empty filename accepted")
	}
	if env.s.RequestPackage("Props/Crate.upkg", []string{"Amiga"}, false) {
		t.Fatalf("unknown platform accepted")
	}
	if !env.s.RequestPackage("Props/Crate.upkg", []string{"Linux"}, false) {
		t.Fatalf("request rejected")
	}
	env.drain(t)

	linux := env.target(t, "Linux")
	if !env.s.platforms.IsPlatformInitialized(linux) || !env.s.platforms.IsSessionPlatform(linux) {
		t.Fatalf("Linux not initialized as a session platform")
	}
	if _, err := os.Stat(env.s.layout.CookedPath("Linux", assets.NewFilename("Props/Crate.upkg"))); err != nil {
		t.Fatalf("cooked file: %v", err)
	}
	st := env.s.Stats()
	if st.Mode != "cook_on_the_fly" || st.CookedTotal != 1 || len(st.SessionPlatforms) != 1 {
		t.Fatalf("stats=%+v", st)
	}
}
