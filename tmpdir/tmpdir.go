// Package tmpdir implements the managed scratch-directory plugin: dir
// tasks get their temporary directories under the repository's tmpdir
// tree, named by the running task's hash tag, and directories of failed
// tasks are retained so the user can inspect what went wrong.
package tmpdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/FollowTheProcess/warp/dirtask"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/session"
)

// Manager is the tmpdir plugin, it implements dirtask.TmpdirManager.
type Manager struct {
	session.NopPlugin
	log  logger.Logger
	root string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(log logger.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a Manager rooted at the given directory.
func New(root string, options ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("could not resolve tmpdir root %s: %w", root, err)
	}
	m := &Manager{log: logger.Noop{}, root: abs}
	for _, option := range options {
		option(m)
	}
	return m, nil
}

// Name implements Plugin for Manager.
func (m *Manager) Name() string { return "tmpdir_manager" }

// PostEnter implements Plugin for Manager, installing it for dir tasks.
func (m *Manager) PostEnter(sess *session.Session) {
	sess.Store(dirtask.TmpdirKey, m)
}

// Tempdir implements dirtask.TmpdirManager: the directory is prefixed by
// the running task's hash tag so failures are attributable.
func (m *Manager) Tempdir() (string, error) {
	prefix := "task_"
	if sess, err := session.Active(); err == nil {
		if t, err := sess.RunningTask(); err == nil {
			prefix = t.Hashid().Tag() + "_"
		}
	}
	path, err := os.MkdirTemp(m.root, prefix)
	if err != nil {
		return "", fmt.Errorf("could not create scratch directory: %w", err)
	}
	m.log.Debug("created tempdir %s", path)
	return path, nil
}

// Cleanup implements dirtask.TmpdirManager: successful directories are
// removed, failed ones retained for inspection.
func (m *Manager) Cleanup(path string, failed bool) error {
	if failed {
		m.log.Info("retaining scratch directory of failed task: %s", path)
		return nil
	}
	return os.RemoveAll(path)
}
