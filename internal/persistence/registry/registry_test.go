package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func TestStore_ReplaceAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Metadata", "DevelopmentAssetRegistry.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err = s.Replace(ctx, []Entry{
		{Filename: "Maps/Arena.upkg", PackageName: "/Game/Maps/Arena", ContentHash: "aa", Succeeded: true, CookedPath: "Content/Maps/Arena.ucook", CookedSize: 12, CookedAt: at},
		{Filename: "Broken.upkg", PackageName: "/Game/Broken", ContentHash: "bb", Succeeded: false, CookedAt: at},
	}, map[string]string{"platform": "PS4"})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries=%d", len(got))
	}
	if got[0].Filename != "Broken.upkg" || got[0].Succeeded {
		t.Fatalf("first=%+v", got[0])
	}
	if got[1].CookedSize != 12 || !got[1].CookedAt.Equal(at) {
		t.Fatalf("second=%+v", got[1])
	}
	v, ok, err := s.Meta(ctx, "platform")
	if err != nil || !ok || v != "PS4" {
		t.Fatalf("meta platform=%q ok=%v err=%v", v, ok, err)
	}

	// Replace drops rows not in the new set.
	if err := s.Replace(ctx, []Entry{{Filename: "Maps/Arena.upkg", PackageName: "/Game/Maps/Arena", ContentHash: "cc", Succeeded: true}}, nil); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	got, _ = s.Load(ctx)
	if len(got) != 1 || got[0].ContentHash != "cc" {
		t.Fatalf("after replace=%+v", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStore_RecordIsFlushedOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reg.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Record(Entry{Filename: "A.upkg", PackageName: "/Game/A", ContentHash: "h", Succeeded: true})
	s.Record(Entry{Filename: "B.upkg", PackageName: "/Game/B", ContentHash: "h", Succeeded: false})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	s.Record(Entry{Filename: "late.upkg"}) // ignored after close

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM packages`).Scan(&n); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 2 {
		t.Fatalf("rows=%d want 2", n)
	}
}

func TestGenerator_PreviousAndCounts(t *testing.T) {
	g := NewGenerator("PS4")
	g.SetPrevious([]Entry{{Filename: "Maps/Arena.upkg", ContentHash: "x", Succeeded: true}})
	if e, ok := g.Previous("maps/arena.UPKG"); !ok || e.ContentHash != "x" {
		t.Fatalf("previous lookup should be case-insensitive: %+v %v", e, ok)
	}
	g.Record(Entry{Filename: "B.upkg", Succeeded: true})
	g.Record(Entry{Filename: "A.upkg", Succeeded: false})
	g.Record(Entry{Filename: "A.upkg", Succeeded: true})
	ok, failed := g.Counts()
	if ok != 2 || failed != 0 {
		t.Fatalf("counts ok=%d failed=%d", ok, failed)
	}
	es := g.Entries()
	if es[0].Filename != "A.upkg" {
		t.Fatalf("entries not sorted: %+v", es)
	}
	g.Remove("a.upkg")
	if len(g.Entries()) != 1 {
		t.Fatalf("remove failed")
	}
}
