// Package files implements warp's file entities: a File is a logical pair
// of relative path and content hash, immutable once constructed, with the
// actual bytes living either inline or in the content-addressed file store.
//
// HashedFile is the Hashed wrapper making files usable as task arguments
// and results.
package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/FollowTheProcess/warp/hash"
)

// ErrFiles is the base error for missing content in the file store.
var ErrFiles = errors.New("files error")

// ManagerKey is the session storage key an active file manager is
// installed under.
const ManagerKey = "file_manager"

// Manager is the interface of the content-addressed file store.
type Manager interface {
	// StoreBytes registers content under its SHA-1, idempotently.
	StoreBytes(content []byte) (hash.Hash, error)
	// StorePath registers the file at path by streamed read. When precious
	// the original is copied into the store, otherwise it is moved.
	StorePath(path string, precious bool) (hash.Hash, error)
	// GetBytes returns the stored content for a hash.
	GetBytes(hashid hash.Hash) ([]byte, error)
	// TargetIn materialises stored content at target, as a symlink when
	// immutable and a copy when mutable.
	TargetIn(target string, hashid hash.Hash, mutable bool) error
	// Contains reports whether the content for a hash is available.
	Contains(hashid hash.Hash) bool
}

// innermost-active stack of managers, maintained by the store plugin as
// sessions are entered and exited
var (
	managerMu sync.Mutex
	managers  []Manager
)

// PushManager installs a manager as the active one, normally called by
// the file store plugin when its session is entered.
func PushManager(m Manager) {
	managerMu.Lock()
	defer managerMu.Unlock()
	managers = append(managers, m)
}

// PopManager removes the innermost active manager.
func PopManager() {
	managerMu.Lock()
	defer managerMu.Unlock()
	if len(managers) > 0 {
		managers = managers[:len(managers)-1]
	}
}

// ActiveManager returns the innermost active file manager, or nil when
// there is none.
func ActiveManager() Manager {
	managerMu.Lock()
	defer managerMu.Unlock()
	if len(managers) == 0 {
		return nil
	}
	return managers[len(managers)-1]
}

// File is a logical pair of relative path and content hash. Files are
// immutable; the content is either carried inline or fetched from the
// manager the file was registered with.
type File struct {
	manager Manager
	path    string
	hashid  hash.Hash
	content []byte
}

// NewFile builds a File from its content hash, with optional inline
// content. When content is nil the active session's file manager must be
// able to serve the hash.
func NewFile(path string, hashid hash.Hash, content []byte) File {
	f := File{path: path, hashid: hashid, content: content}
	if content == nil {
		f.manager = ActiveManager()
	}
	return f
}

// Path returns the file's relative path.
func (f File) Path() string { return f.path }

// Name returns the file's base name.
func (f File) Name() string { return filepath.Base(f.path) }

// Stem returns the base name without its extension.
func (f File) Stem() string {
	name := f.Name()
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// ContentHash returns the SHA-1 of the file's content.
func (f File) ContentHash() hash.Hash { return f.hashid }

// ReadBytes returns the file's content.
func (f File) ReadBytes() ([]byte, error) {
	if f.content != nil {
		return f.content, nil
	}
	if f.manager == nil {
		return nil, fmt.Errorf("%w: no manager to read %s from", ErrFiles, f.path)
	}
	return f.manager.GetBytes(f.hashid)
}

// ReadText returns the file's content as a string.
func (f File) ReadText() (string, error) {
	content, err := f.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// TargetIn materialises the file under root at its relative path, either
// as a non-writable file/symlink (immutable) or a plain copy (mutable).
func (f File) TargetIn(root string, mutable bool) error {
	target := filepath.Join(root, f.path)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("could not create directory for %s: %w", target, err)
	}
	if f.content != nil {
		if err := os.WriteFile(target, f.content, 0o644); err != nil {
			return fmt.Errorf("could not write %s: %w", target, err)
		}
		if !mutable {
			return MakeNonWritable(target)
		}
		return nil
	}
	if f.manager == nil {
		return fmt.Errorf("%w: no manager to materialise %s from", ErrFiles, f.path)
	}
	return f.manager.TargetIn(target, f.hashid, mutable)
}

// String implements Stringer for a File.
func (f File) String() string { return f.path }

// FileTag is the typetag HashedFile values are stored under.
const FileTag = "files:File"

func init() {
	hash.RegisterSpec(FileTag, func(spec []byte, resolve hash.Resolver) (hash.Hashed, error) {
		return fileFromSpec(spec, resolve)
	})
	// Raw File values appearing in composites swap to their Hashed wrapper
	hash.RegisterSwap(func(v any) (hash.Hashed, bool) {
		file, ok := v.(File)
		if !ok {
			return nil, false
		}
		return wrapFile(file), true
	})
}

// HashedFile is the Hashed wrapper of a File, its spec is the canonical
// JSON pair [path, content-hash].
type HashedFile struct {
	content     *hash.Bytes // inline content, only when no manager is active
	path        string
	contentHash hash.Hash
	hashid      hash.Hash
	spec        []byte
}

// New creates a HashedFile from a relative path and inline content. With
// an active file manager the content is registered there and only the
// hash retained; otherwise the bytes ride along inline.
func New(path string, content []byte) (*HashedFile, error) {
	if filepath.IsAbs(path) {
		return nil, fmt.Errorf("%w: file path %s must be relative", ErrFiles, path)
	}
	if manager := ActiveManager(); manager != nil {
		contentHash, err := manager.StoreBytes(content)
		if err != nil {
			return nil, err
		}
		return newHashedFile(path, contentHash, nil), nil
	}
	return newHashedFile(path, "", hash.NewBytes(content)), nil
}

// FromContentHash creates a HashedFile referencing already stored content.
func FromContentHash(path string, contentHash hash.Hash) *HashedFile {
	return newHashedFile(path, contentHash, nil)
}

// FromPath creates a HashedFile from a file on disk. The stored path is
// made relative to root when given. When precious is false the original
// file may be moved into the store rather than copied.
func FromPath(path, root string, precious bool) (*HashedFile, error) {
	relpath := path
	if root != "" {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil, fmt.Errorf("could not resolve %s relative to %s: %w", path, root, err)
		}
		relpath = rel
	}
	if filepath.IsAbs(relpath) {
		return nil, fmt.Errorf("%w: file path %s must be relative", ErrFiles, relpath)
	}
	if manager := ActiveManager(); manager != nil {
		contentHash, err := manager.StorePath(path, precious)
		if err != nil {
			return nil, err
		}
		return newHashedFile(relpath, contentHash, nil), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return newHashedFile(relpath, "", hash.NewBytes(content)), nil
}

// Source creates a HashedFile from an existing file on disk, preserving
// the original (precious).
func Source(path string) (*HashedFile, error) {
	return FromPath(path, "", true)
}

// Output creates a HashedFile from a file produced by a task; when not
// precious the original is moved into the store to free up space.
func Output(path string, precious bool) (*HashedFile, error) {
	return FromPath(path, "", precious)
}

func wrapFile(file File) *HashedFile {
	if file.content != nil {
		return newHashedFile(file.path, "", hash.NewBytes(file.content))
	}
	return newHashedFile(file.path, file.hashid, nil)
}

func newHashedFile(path string, contentHash hash.Hash, content *hash.Bytes) *HashedFile {
	if content != nil {
		contentHash = content.Hashid()
	}
	f := &HashedFile{path: filepath.ToSlash(path), contentHash: contentHash, content: content}
	spec, _ := json.Marshal([]string{f.path, string(contentHash)}) //nolint: errcheck // Marshalling strings cannot fail
	f.spec = spec
	f.hashid = hash.Sum(spec)
	return f
}

func fileFromSpec(spec []byte, resolve hash.Resolver) (*HashedFile, error) {
	var parts []string
	if err := json.Unmarshal(spec, &parts); err != nil || len(parts) != 2 {
		return nil, fmt.Errorf("%w: invalid file spec", ErrFiles)
	}
	path, contentHash := parts[0], hash.Hash(parts[1])
	if ActiveManager() != nil {
		return FromContentHash(path, contentHash), nil
	}
	resolved, err := resolve(contentHash)
	if err != nil {
		return nil, err
	}
	content, ok := resolved.(*hash.Bytes)
	if !ok {
		return nil, fmt.Errorf("%w: content of %s did not resolve to bytes", ErrFiles, path)
	}
	return newHashedFile(path, "", content), nil
}

// Spec implements Hashed for HashedFile.
func (f *HashedFile) Spec() []byte { return f.spec }

// Hashid implements Hashed for HashedFile.
func (f *HashedFile) Hashid() hash.Hash { return f.hashid }

// TypeTag implements Hashed for HashedFile.
func (f *HashedFile) TypeTag() string { return FileTag }

// Label implements Hashed for HashedFile.
func (f *HashedFile) Label() string { return "./" + f.path }

// Components implements Hashed for HashedFile: the inline bytes
// participate in the spec graph when no file manager is active.
func (f *HashedFile) Components() []hash.Hashed {
	if f.content != nil {
		return []hash.Hashed{f.content}
	}
	return nil
}

// Value implements Hashed for HashedFile, returning the File pair.
func (f *HashedFile) Value() (any, error) {
	var content []byte
	if f.content != nil {
		raw, err := f.content.Value()
		if err != nil {
			return nil, err
		}
		content = raw.([]byte)
	}
	return NewFile(f.path, f.contentHash, content), nil
}

// File is Value without the any indirection.
func (f *HashedFile) File() File {
	var content []byte
	if f.content != nil {
		raw, _ := f.content.Value() //nolint: errcheck // Bytes values cannot fail
		content = raw.([]byte)
	}
	return NewFile(f.path, f.contentHash, content)
}

// ContentHash returns the SHA-1 of the file content.
func (f *HashedFile) ContentHash() hash.Hash { return f.contentHash }

// MakeExecutable adds the user execute bit to path.
func MakeExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()|0o100)
}

// MakeNonWritable strips all write bits from path.
func MakeNonWritable(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()&^fs.FileMode(0o222))
}

// MakeWritable restores the user write bit on path.
func MakeWritable(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()|0o200)
}
