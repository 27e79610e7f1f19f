package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/FollowTheProcess/warp/files"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/store"
)

func newStore(t *testing.T, options ...store.Option) *store.Store {
	t.Helper()
	s, err := store.New(t.TempDir(), options...)
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	return s
}

func TestStoreBytesIdempotent(t *testing.T) {
	s := newStore(t)
	first, err := s.StoreBytes([]byte("content"))
	if err != nil {
		t.Fatalf("StoreBytes returned an error: %v", err)
	}
	second, err := s.StoreBytes([]byte("content"))
	if err != nil {
		t.Fatalf("StoreBytes returned an error: %v", err)
	}
	if first != second {
		t.Errorf("same content produced different hashes: %s != %s", first, second)
	}
	if first != hash.Sum([]byte("content")) {
		t.Errorf("hash is not the SHA-1 of the content")
	}
	if !s.Contains(first) {
		t.Error("store should contain stored content")
	}
}

func TestGetBytes(t *testing.T) {
	s := newStore(t)
	hashid, err := s.StoreBytes([]byte("round trip"))
	if err != nil {
		t.Fatalf("StoreBytes returned an error: %v", err)
	}
	content, err := s.GetBytes(hashid)
	if err != nil {
		t.Fatalf("GetBytes returned an error: %v", err)
	}
	if string(content) != "round trip" {
		t.Errorf("got %q, wanted round trip", content)
	}
}

func TestGetBytesMissing(t *testing.T) {
	s := newStore(t)
	_, err := s.GetBytes(hash.Sum([]byte("never stored")))
	if !errors.Is(err, files.ErrFiles) {
		t.Errorf("expected a files error, got %v", err)
	}
}

func TestBlobLayoutAndPermissions(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(root)
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	hashid, err := s.StoreBytes([]byte("layout"))
	if err != nil {
		t.Fatalf("StoreBytes returned an error: %v", err)
	}
	blob := filepath.Join(root, string(hashid[:2]), string(hashid[2:]))
	info, err := os.Stat(blob)
	if err != nil {
		t.Fatalf("blob not at expected location: %v", err)
	}
	if info.Mode().Perm()&0o222 != 0 {
		t.Error("stored blobs should not be writable")
	}
}

func TestStorePath(t *testing.T) {
	s := newStore(t)
	dir := t.TempDir()

	precious := filepath.Join(dir, "keep.txt")
	if err := os.WriteFile(precious, []byte("keep me"), 0o644); err != nil {
		t.Fatalf("could not write fixture: %v", err)
	}
	hashid, err := s.StorePath(precious, true)
	if err != nil {
		t.Fatalf("StorePath returned an error: %v", err)
	}
	if _, err := os.Stat(precious); err != nil {
		t.Error("precious files must not be moved")
	}
	content, err := s.GetBytes(hashid)
	if err != nil {
		t.Fatalf("GetBytes returned an error: %v", err)
	}
	if string(content) != "keep me" {
		t.Errorf("got %q, wanted keep me", content)
	}

	disposable := filepath.Join(dir, "move.txt")
	if err := os.WriteFile(disposable, []byte("move me"), 0o644); err != nil {
		t.Fatalf("could not write fixture: %v", err)
	}
	if _, err := s.StorePath(disposable, false); err != nil {
		t.Fatalf("StorePath returned an error: %v", err)
	}
	if _, err := os.Stat(disposable); !errors.Is(err, os.ErrNotExist) {
		t.Error("non-precious files should be moved into the store")
	}
}

func TestTargetIn(t *testing.T) {
	s := newStore(t)
	hashid, err := s.StoreBytes([]byte("target"))
	if err != nil {
		t.Fatalf("StoreBytes returned an error: %v", err)
	}

	dir := t.TempDir()
	immutable := filepath.Join(dir, "immutable")
	if err := s.TargetIn(immutable, hashid, false); err != nil {
		t.Fatalf("TargetIn returned an error: %v", err)
	}
	info, err := os.Lstat(immutable)
	if err != nil {
		t.Fatalf("could not stat target: %v", err)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		t.Error("immutable targets should be symlinks")
	}

	mutable := filepath.Join(dir, "mutable")
	if err := s.TargetIn(mutable, hashid, true); err != nil {
		t.Fatalf("TargetIn returned an error: %v", err)
	}
	info, err = os.Lstat(mutable)
	if err != nil {
		t.Fatalf("could not stat target: %v", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		t.Error("mutable targets should be copies")
	}
	if err := os.WriteFile(mutable, []byte("changed"), 0o644); err != nil {
		t.Errorf("mutable targets should be writable: %v", err)
	}
}

func TestOnExitFlush(t *testing.T) {
	root := t.TempDir()
	s, err := store.New(root, store.OnExit())
	if err != nil {
		t.Fatalf("New returned an error: %v", err)
	}
	hashid, err := s.StoreBytes([]byte("deferred"))
	if err != nil {
		t.Fatalf("StoreBytes returned an error: %v", err)
	}
	blob := filepath.Join(root, string(hashid[:2]), string(hashid[2:]))
	if _, err := os.Stat(blob); err == nil {
		t.Fatal("on-exit stores should not write through")
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush returned an error: %v", err)
	}
	if _, err := os.Stat(blob); err != nil {
		t.Error("flush should write cached blobs to disk")
	}
}
