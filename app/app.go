// Package app implements the warp repository: the on-disk tree holding the
// cache database, the content-addressed file store and managed scratch
// directories, plus configuration loading and session assembly with the
// standard plugin set.
package app

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/FollowTheProcess/warp/cache"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/parallel"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/store"
	"github.com/FollowTheProcess/warp/tmpdir"
)

// The repository layout.
const (
	DirName       = ".warp"      // Default repository directory
	EnvVar        = "WARP_DIR"   // Environment override for the repository location
	TmpDirName    = "tmpdir"     // Managed scratch directories
	FilesDirName  = "files"      // Content-addressed file blobs
	CacheFileName = "cache.db"   // The persistent cache database
	LastEntryName = "LAST_ENTRY" // JSON [entry, args...] of the last run
	ConfigName    = "config.toml"
)

// App is a warp repository.
type App struct {
	config *viper.Viper
	log    logger.Logger
	dir    string
}

// New opens the repository at dir, falling back to $WARP_DIR and then
// ".warp". Configuration is merged from ~/.config/warp/config.toml, a
// warp.toml next to the working directory, and config.toml inside the
// repository, later files winning.
func New(dir string, log logger.Logger) (*App, error) {
	if dir == "" {
		dir = os.Getenv(EnvVar)
	}
	if dir == "" {
		dir = DirName
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("could not resolve repository %s: %w", dir, err)
	}
	if log == nil {
		log = logger.Noop{}
	}
	a := &App{dir: abs, log: log, config: viper.New()}
	a.config.SetConfigType("toml")

	// Auto load .env (if present) so entries see their environment
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("could not load .env file: %w", err)
		}
		log.Debug("loaded .env file")
	}

	candidates := []string{
		filepath.Join(os.Getenv("HOME"), ".config", "warp", ConfigName),
		"warp.toml",
		filepath.Join(abs, ConfigName),
	}
	for _, candidate := range candidates {
		f, err := os.Open(candidate)
		if err != nil {
			continue
		}
		if err := a.config.MergeConfig(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("could not read config %s: %w", candidate, err)
		}
		f.Close()
		log.Debug("merged config from %s", candidate)
	}
	return a, nil
}

// Dir returns the repository root.
func (a *App) Dir() string { return a.dir }

// Config exposes the merged configuration.
func (a *App) Config() *viper.Viper { return a.config }

// CachePath returns the path of the cache database.
func (a *App) CachePath() string { return filepath.Join(a.dir, CacheFileName) }

// FilesDir returns the path of the content-addressed file store.
func (a *App) FilesDir() string { return filepath.Join(a.dir, FilesDirName) }

// TmpDir returns the path of the managed scratch directory tree.
func (a *App) TmpDir() string { return filepath.Join(a.dir, TmpDirName) }

// Initialised reports whether the repository tree exists.
func (a *App) Initialised() bool {
	info, err := os.Stat(a.dir)
	return err == nil && info.IsDir()
}

// Init creates the repository tree. Initialising an existing repository
// is a no-op.
func (a *App) Init() error {
	if a.Initialised() {
		a.log.Info("already initialised in %s", a.dir)
		return nil
	}
	for _, dir := range []string{a.dir, a.FilesDir(), a.TmpDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
	}
	db, err := cache.Open(a.CachePath())
	if err != nil {
		return err
	}
	return db.Close()
}

// LastEntry reads the entry name and arguments of the last run.
func (a *App) LastEntry() (name string, args []string, err error) {
	content, err := os.ReadFile(filepath.Join(a.dir, LastEntryName))
	if err != nil {
		return "", nil, fmt.Errorf("no previous entry: %w", err)
	}
	var parts []string
	if err := json.Unmarshal(content, &parts); err != nil || len(parts) == 0 {
		return "", nil, fmt.Errorf("malformed %s", LastEntryName)
	}
	return parts[0], parts[1:], nil
}

// SetLastEntry records the entry name and arguments of a run.
func (a *App) SetLastEntry(name string, args []string) error {
	content, err := json.Marshal(append([]string{name}, args...))
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(a.dir, LastEntryName), content, 0o644)
}

// SessionOptions configure the plugin set a repository session gets.
type SessionOptions struct {
	Write       cache.WriteMode // When the cache writes, default Eager
	NCores      int             // Pool size, 0 means host core count
	FullRestore bool            // Reinstate complete task graphs from cache
}

// Session builds a session wired with the repository's standard plugins:
// the parallel pool, the tmpdir manager, the file store and the
// persistent cache. The returned closer must be called after the session
// exits.
func (a *App) Session(opts SessionOptions) (*session.Session, func() error, error) {
	if !a.Initialised() {
		return nil, nil, fmt.Errorf("no warp repository at %s, run init first", a.dir)
	}

	pool := parallel.New(opts.NCores, parallel.WithLogger(a.log))
	scratch, err := tmpdir.New(a.TmpDir(), tmpdir.WithLogger(a.log))
	if err != nil {
		return nil, nil, err
	}
	blobs, err := store.New(a.FilesDir(), store.WithLogger(a.log))
	if err != nil {
		return nil, nil, err
	}
	cacheOpts := []cache.Option{cache.WithWriteMode(opts.Write), cache.WithLogger(a.log)}
	if opts.FullRestore {
		cacheOpts = append(cacheOpts, cache.FullRestore())
	}
	db, err := cache.Open(a.CachePath(), cacheOpts...)
	if err != nil {
		return nil, nil, err
	}

	sess := session.New(
		session.WithLogger(a.log),
		session.WithPlugin(pool),
		session.WithPlugin(scratch),
		session.WithPlugin(blobs),
		session.WithPlugin(db),
	)
	return sess, db.Close, nil
}
