// Package store implements warp's content-addressed file store: a session
// plugin that keeps file contents under files/HH/REST named by the SHA-1 of
// the content, separate from task identity. Stored blobs are made
// non-writable; repeated stores of the same content are no-ops.
package store

import (
	"crypto/sha1" //nolint: gosec // Content addressing, not crypto
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/FollowTheProcess/warp/files"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/session"
)

// Store is the on-disk content-addressed byte store. It implements
// files.Manager and session.Plugin: entering a session installs it as the
// active file manager.
type Store struct {
	session.NopPlugin
	log       logger.Logger
	cache     map[hash.Hash][]byte
	pathCache map[string]hash.Hash
	root      string
	mu        sync.Mutex
	eager     bool
}

// Option configures a Store.
type Option func(*Store)

// OnExit defers disk write-back to session exit instead of writing
// through on every store.
func OnExit() Option {
	return func(s *Store) { s.eager = false }
}

// WithLogger sets the store's logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New creates a Store rooted at the given directory.
func New(root string, options ...Option) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve store root %s: %w", root, err)
	}
	s := &Store{
		log:       logger.Noop{},
		root:      abs,
		cache:     make(map[hash.Hash][]byte),
		pathCache: make(map[string]hash.Hash),
		eager:     true,
	}
	for _, option := range options {
		option(s)
	}
	return s, nil
}

// Name implements Plugin for Store.
func (s *Store) Name() string { return "file_manager" }

// PostEnter implements Plugin for Store, installing it as the active file
// manager.
func (s *Store) PostEnter(sess *session.Session) {
	sess.Store(files.ManagerKey, s)
	files.PushManager(s)
}

// PreExit implements Plugin for Store, flushing the in-memory cache when
// write-back was deferred and uninstalling the manager.
func (s *Store) PreExit(sess *session.Session) {
	if !s.eager {
		if err := s.Flush(); err != nil {
			s.log.Warn("could not flush file store: %v", err)
		}
	}
	files.PopManager()
	s.mu.Lock()
	s.cache = make(map[hash.Hash][]byte)
	s.pathCache = make(map[string]hash.Hash)
	s.mu.Unlock()
}

// path maps a hash to its blob location root/HH/REST.
func (s *Store) path(hashid hash.Hash) string {
	return filepath.Join(s.root, string(hashid[:2]), string(hashid[2:]))
}

// primed returns the blob location with its parent directory created.
func (s *Store) primed(hashid hash.Hash) (string, error) {
	path := s.path(hashid)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("could not create store directory for %s: %w", hashid, err)
	}
	return path, nil
}

// Contains implements files.Manager for Store.
func (s *Store) Contains(hashid hash.Hash) bool {
	s.mu.Lock()
	_, inMemory := s.cache[hashid]
	s.mu.Unlock()
	if inMemory {
		return true
	}
	info, err := os.Stat(s.path(hashid))
	return err == nil && info.Mode().IsRegular()
}

func (s *Store) writeBlob(hashid hash.Hash, content []byte) error {
	path, err := s.primed(hashid)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		// Already stored, paths are never overwritten
		return nil
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("could not write blob %s: %w", hashid, err)
	}
	return files.MakeNonWritable(path)
}

// StoreBytes implements files.Manager for Store: registers content under
// its SHA-1, idempotently, writing through to disk when eager.
func (s *Store) StoreBytes(content []byte) (hash.Hash, error) {
	hashid := hash.Sum(content)
	if s.Contains(hashid) {
		return hashid, nil
	}
	s.mu.Lock()
	s.cache[hashid] = content
	s.mu.Unlock()
	if s.eager {
		if err := s.writeBlob(hashid, content); err != nil {
			return "", err
		}
	}
	return hashid, nil
}

// StorePath implements files.Manager for Store: hashes the file at path
// by streamed read and adopts it into the store, copying when precious
// and renaming otherwise.
func (s *Store) StorePath(path string, precious bool) (hash.Hash, error) {
	s.mu.Lock()
	cached, ok := s.pathCache[path]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	digest := sha1.New() //nolint: gosec // Content addressing, not crypto
	_, err = io.Copy(digest, f)
	f.Close()
	if err != nil {
		return "", fmt.Errorf("could not hash %s: %w", path, err)
	}
	hashid := hash.Hash(hex.EncodeToString(digest.Sum(nil)))

	if !s.Contains(hashid) {
		stored, err := s.primed(hashid)
		if err != nil {
			return "", err
		}
		if _, err := os.Lstat(stored); err != nil {
			if precious {
				err = copyFile(path, stored)
			} else {
				err = os.Rename(path, stored)
			}
			if err != nil {
				return "", fmt.Errorf("could not store %s: %w", path, err)
			}
			if err := files.MakeNonWritable(stored); err != nil {
				return "", err
			}
		}
	}

	s.mu.Lock()
	s.pathCache[path] = hashid
	s.mu.Unlock()
	return hashid, nil
}

// GetBytes implements files.Manager for Store.
func (s *Store) GetBytes(hashid hash.Hash) ([]byte, error) {
	s.mu.Lock()
	content, ok := s.cache[hashid]
	s.mu.Unlock()
	if ok {
		return content, nil
	}
	content, err := os.ReadFile(s.path(hashid))
	if err != nil {
		return nil, fmt.Errorf("%w: missing in store: %s", files.ErrFiles, hashid)
	}
	s.mu.Lock()
	s.cache[hashid] = content
	s.mu.Unlock()
	return content, nil
}

// TargetIn implements files.Manager for Store: materialises stored
// content at target, symlinking for immutable targets and copying for
// mutable ones.
func (s *Store) TargetIn(target string, hashid hash.Hash, mutable bool) error {
	s.mu.Lock()
	content, inMemory := s.cache[hashid]
	s.mu.Unlock()
	if inMemory {
		stored := s.path(hashid)
		if _, err := os.Lstat(stored); err != nil {
			// Not yet written back, materialise from memory
			if err := os.WriteFile(target, content, 0o644); err != nil {
				return fmt.Errorf("could not write %s: %w", target, err)
			}
			if !mutable {
				return files.MakeNonWritable(target)
			}
			return nil
		}
	}
	stored := s.path(hashid)
	if _, err := os.Lstat(stored); err != nil {
		return fmt.Errorf("%w: missing in store: %s", files.ErrFiles, hashid)
	}
	if mutable {
		if err := copyFile(stored, target); err != nil {
			return fmt.Errorf("could not copy %s to %s: %w", hashid, target, err)
		}
		return files.MakeWritable(target)
	}
	return os.Symlink(stored, target)
}

// Flush writes every cached blob to disk, used in on-exit mode.
func (s *Store) Flush() error {
	s.mu.Lock()
	cached := make(map[hash.Hash][]byte, len(s.cache))
	for hashid, content := range s.cache {
		cached[hashid] = content
	}
	s.mu.Unlock()
	for hashid, content := range cached {
		if err := s.writeBlob(hashid, content); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
