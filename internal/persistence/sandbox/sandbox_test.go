package sandbox

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"assetcook.dev/internal/assets"
)

func TestLayout_Paths(t *testing.T) {
	l := NewLayout("/tmp/Saved/Cooked/[Platform]")
	if got := l.PlatformRoot("PS4"); got != filepath.Clean("/tmp/Saved/Cooked/PS4") {
		t.Fatalf("root=%q", got)
	}
	if got := l.CookedRel(assets.NewFilename("Maps/Arena.upkg")); got != "Content/Maps/Arena.ucook" {
		t.Fatalf("rel=%q", got)
	}
	want := filepath.Join("/tmp/Saved/Cooked/Win64", "Metadata", "CookedIniVersion.yaml")
	if got := l.IniVersionPath("Win64"); got != want {
		t.Fatalf("ini=%q want %q", got, want)
	}
}

func TestWriteReadCooked_AllCodecs(t *testing.T) {
	dir := t.TempDir()
	for _, codec := range []Codec{CodecZstd, CodecLZ4, CodecNone} {
		path := filepath.Join(dir, codec.String(), "A.ucook")
		in := CookedPackage{
			Header: Header{Version: FormatVersion, Package: "/Game/A", Platform: "PS4", ContentHash: "abc", Objects: 1, CookedAt: time.Unix(100, 0).UTC()},
			Objects: []CookedObject{
				{Name: "M_Rock", Kind: "Material", DerivedKey: "k1", Payload: []byte("compiled shader bytes")},
			},
		}
		size, sum, err := WriteCooked(path, in, codec)
		if err != nil {
			t.Fatalf("%s WriteCooked: %v", codec, err)
		}
		st, err := os.Stat(path)
		if err != nil || st.Size() != size || len(sum) != 64 {
			t.Fatalf("%s size=%d stat=%v sum=%q err=%v", codec, size, st, sum, err)
		}
		h, err := ReadHeader(path)
		if err != nil {
			t.Fatalf("%s ReadHeader: %v", codec, err)
		}
		if h.Package != "/Game/A" || h.Platform != "PS4" {
			t.Fatalf("%s header=%+v", codec, h)
		}
		out, err := ReadCooked(path)
		if err != nil {
			t.Fatalf("%s ReadCooked: %v", codec, err)
		}
		if len(out.Objects) != 1 || string(out.Objects[0].Payload) != "compiled shader bytes" {
			t.Fatalf("%s objects=%+v", codec, out.Objects)
		}
	}
}

func TestReadHeader_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.ucook")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadHeader(path); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
}

func TestIniVersion_RoundTripAndWipe(t *testing.T) {
	l := NewLayout(filepath.Join(t.TempDir(), "Cooked", "[Platform]"))
	p := l.IniVersionPath("PS4")
	if _, ok, err := ReadIniVersion(p); ok || err != nil {
		t.Fatalf("missing marker ok=%v err=%v", ok, err)
	}
	if err := WriteIniVersion(p, IniVersion{Platform: "PS4", Digest: "d1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, ok, err := ReadIniVersion(p)
	if err != nil || !ok {
		t.Fatalf("read ok=%v err=%v", ok, err)
	}
	if !v.Matches("d1") || v.Matches("d2") {
		t.Fatalf("matches wrong: %+v", v)
	}
	if err := l.Wipe("PS4"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	if _, err := os.Stat(l.PlatformRoot("PS4")); !os.IsNotExist(err) {
		t.Fatalf("sandbox not wiped: %v", err)
	}
}
