package files_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/FollowTheProcess/warp/files"
	"github.com/FollowTheProcess/warp/hash"
)

func TestNewInlineWithoutManager(t *testing.T) {
	hashed, err := files.New("dir/data.txt", []byte("contents"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	if hashed.Label() != "./dir/data.txt" {
		t.Errorf("got label %q, wanted ./dir/data.txt", hashed.Label())
	}
	// Without a manager the inline bytes participate in the spec graph
	components := hashed.Components()
	if len(components) != 1 {
		t.Fatalf("expected the inline bytes as a component, got %d", len(components))
	}
	if components[0].Hashid() != hash.NewBytes([]byte("contents")).Hashid() {
		t.Error("component is not the content bytes")
	}
}

func TestNewRejectsAbsolutePaths(t *testing.T) {
	if _, err := files.New("/abs/path", []byte("x")); !errors.Is(err, files.ErrFiles) {
		t.Errorf("expected a files error, got %v", err)
	}
}

func TestFileRead(t *testing.T) {
	hashed, err := files.New("data", []byte("payload"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	file := hashed.File()
	text, err := file.ReadText()
	if err != nil {
		t.Fatalf("ReadText returned an error: %v", err)
	}
	if text != "payload" {
		t.Errorf("got %q, wanted payload", text)
	}
	if file.Name() != "data" || file.Stem() != "data" {
		t.Errorf("unexpected name/stem: %q %q", file.Name(), file.Stem())
	}
}

func TestRoundTrip(t *testing.T) {
	hashed, err := files.New("data", []byte("payload"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	components := hashed.Components()
	rebuilt, err := hash.FromSpec(files.FileTag, hashed.Spec(), func(h hash.Hash) (hash.Hashed, error) {
		for _, comp := range components {
			if comp.Hashid() == h {
				return comp, nil
			}
		}
		return nil, errors.New("unknown component")
	})
	if err != nil {
		t.Fatalf("FromSpec returned an error: %v", err)
	}
	if rebuilt.Hashid() != hashed.Hashid() {
		t.Errorf("round trip changed hashid: %s != %s", rebuilt.Hashid(), hashed.Hashid())
	}
}

func TestFromPathInline(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.txt")
	if err := os.WriteFile(path, []byte("on disk"), 0o644); err != nil {
		t.Fatalf("could not write fixture: %v", err)
	}
	hashed, err := files.FromPath(path, dir, true)
	if err != nil {
		t.Fatalf("FromPath returned an error: %v", err)
	}
	if hashed.Label() != "./input.txt" {
		t.Errorf("got label %q, wanted ./input.txt", hashed.Label())
	}
	text, err := hashed.File().ReadText()
	if err != nil {
		t.Fatalf("ReadText returned an error: %v", err)
	}
	if text != "on disk" {
		t.Errorf("got %q, wanted on disk", text)
	}
}

func TestTargetInInline(t *testing.T) {
	hashed, err := files.New("sub/out.txt", []byte("materialise me"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	dir := t.TempDir()
	if err := hashed.File().TargetIn(dir, false); err != nil {
		t.Fatalf("TargetIn returned an error: %v", err)
	}
	target := filepath.Join(dir, "sub", "out.txt")
	content, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("could not read target: %v", err)
	}
	if string(content) != "materialise me" {
		t.Errorf("got %q", content)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("could not stat target: %v", err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Error("immutable target should not be writable")
	}
}

func TestFileValueSwapsIntoComposites(t *testing.T) {
	hashed, err := files.New("f", []byte("x"))
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	jsonstr, components, err := hash.ParseObject(map[string]any{"f": hashed.File()})
	if err != nil {
		t.Fatalf("ParseObject returned an error: %v", err)
	}
	if len(components) != 1 {
		t.Fatalf("expected the file to become a component, got %d", len(components))
	}
	if components[0].Hashid() != hashed.Hashid() {
		t.Errorf("swapped file has the wrong identity: %s != %s", components[0].Hashid(), hashed.Hashid())
	}
	want := `{"f":{"_type":"Hashed","hashid":"` + string(hashed.Hashid()) + `"}}`
	if jsonstr != want {
		t.Errorf("got %s, wanted %s", jsonstr, want)
	}
}
