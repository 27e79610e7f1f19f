package app_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/FollowTheProcess/warp/cli/app"
)

func TestInitCreatesRepository(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".warp")
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	warp := app.New(stdout, stderr)
	warp.Options.Dir = dir

	if err := warp.Init(); err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("expected repository at %s: %v", dir, err)
	}

	// Second init reports rather than failing
	if err := warp.Init(); err != nil {
		t.Errorf("re-init returned an error: %v", err)
	}
}

func TestStatusEmptyRepository(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".warp")
	stdout := &bytes.Buffer{}
	warp := app.New(stdout, &bytes.Buffer{})
	warp.Options.Dir = dir

	if err := warp.Init(); err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}
	if err := warp.Status(); err != nil {
		t.Fatalf("Status returned an error: %v", err)
	}
}

func TestRunUnknownEntry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".warp")
	warp := app.New(&bytes.Buffer{}, &bytes.Buffer{})
	warp.Options.Dir = dir
	if err := warp.Init(); err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}
	if err := warp.Run("definitely-not-registered", nil); err == nil {
		t.Error("expected an error for an unknown entry")
	}
}

func TestReset(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".warp")
	warp := app.New(&bytes.Buffer{}, &bytes.Buffer{})
	warp.Options.Dir = dir
	if err := warp.Init(); err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}
	if err := warp.Reset(); err != nil {
		t.Fatalf("Reset returned an error: %v", err)
	}
}

func TestCmd(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".warp")
	stdout := &bytes.Buffer{}
	warp := app.New(stdout, &bytes.Buffer{})
	warp.Options.Dir = dir
	if err := warp.Init(); err != nil {
		t.Fatalf("Init returned an error: %v", err)
	}
	// Drop Init's own success message so only the command's output remains
	stdout.Reset()
	if err := warp.Cmd("echo $WARP_DIR"); err != nil {
		t.Fatalf("Cmd returned an error: %v", err)
	}
	if got := stdout.String(); got != dir+"\n" {
		t.Errorf("got %q, wanted %q", got, dir+"\n")
	}
}
