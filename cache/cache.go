// Package cache implements warp's persistent cache: a session plugin
// backed by an SQLite database holding every hashed object by (typetag,
// spec), every task's execution record, one row per session, and the
// targets observed in each session. On task creation the cache restores
// any stored execution so reruns re-execute only tasks whose inputs have
// changed.
package cache

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // The database/sql driver

	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/task"
)

// WriteMode selects when the cache writes to the database.
type WriteMode int

// The write modes.
const (
	Eager  WriteMode = iota // Write every creation and transition immediately
	OnExit                  // Buffer everything, flush in one transaction at exit
	Never                   // Read-only: restore but never write
)

// ParseWriteMode parses the configuration spelling of a write mode.
func ParseWriteMode(mode string) (WriteMode, error) {
	switch strings.ToLower(mode) {
	case "eager":
		return Eager, nil
	case "on_exit":
		return OnExit, nil
	case "never":
		return Never, nil
	default:
		return Eager, fmt.Errorf("unknown cache write mode %q", mode)
	}
}

// The result encodings. ResultPickled keeps the historical spelling for
// gob-encoded opaque values.
const (
	ResultHashed  = "HASHED"
	ResultPickled = "PICKLED"
)

// pickled wraps an opaque task result for gob so interface values round
// trip.
type pickled struct {
	V any
}

// Cache is the persistent cache plugin.
type Cache struct {
	session.NopPlugin
	db          *sql.DB
	log         logger.Logger
	objects     map[hash.Hash]hash.Hashed // buffered objects in on-exit mode
	instances   map[hash.Hash]hash.Hashed // live instances by hashid
	toRestore   []*task.Task
	sessionID   int64
	mode        WriteMode
	fullRestore bool
	mu          sync.Mutex
}

// Option configures a Cache.
type Option func(*Cache)

// WithWriteMode selects when the cache writes, default Eager.
func WithWriteMode(mode WriteMode) Option {
	return func(c *Cache) { c.mode = mode }
}

// FullRestore reinstates the complete task graph including side-effect
// children. Without it, cached tasks past HasRun are substituted by
// lightweight sentinels and side-effect children are not reinstated: a
// follow-up evaluation over a different sub-expression of the same
// session may miss tasks the original run would have created.
func FullRestore() Option {
	return func(c *Cache) { c.fullRestore = true }
}

// WithLogger sets the cache's logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Cache) { c.log = log }
}

// Open opens (creating if missing) the cache database at path.
func Open(path string, options ...Option) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("could not open cache database %s: %w", path, err)
	}
	c := &Cache{
		db:        db,
		log:       logger.Noop{},
		objects:   make(map[hash.Hash]hash.Hashed),
		instances: make(map[hash.Hash]hash.Hashed),
		mode:      Eager,
	}
	for _, option := range options {
		option(c)
	}
	if err := c.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

// DB exposes the underlying database connection.
func (c *Cache) DB() *sql.DB { return c.db }

func (c *Cache) createTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS objects (
    hashid  TEXT PRIMARY KEY,
    typetag TEXT,
    spec    BLOB
)`,
		`CREATE TABLE IF NOT EXISTS tasks (
    hashid       TEXT PRIMARY KEY,
    state        TEXT,
    side_effects TEXT,
    result_type  TEXT,
    result       BLOB,
        FOREIGN KEY (hashid) REFERENCES objects(hashid)
)`,
		`CREATE TABLE IF NOT EXISTS sessions (
    sessionid INTEGER PRIMARY KEY,
    created   TEXT
)`,
		`CREATE TABLE IF NOT EXISTS targets (
    objectid  TEXT,
    sessionid INTEGER,
    label     TEXT,
    metadata  BLOB,
        PRIMARY KEY (objectid, sessionid),
        FOREIGN KEY (objectid) REFERENCES objects(hashid),
        FOREIGN KEY (sessionid) REFERENCES sessions(sessionid)
)`,
	}
	for _, stmt := range statements {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("could not create cache tables: %w", err)
		}
	}
	return nil
}

// Name implements Plugin for Cache.
func (c *Cache) Name() string { return "db_cache" }

// PostEnter implements Plugin for Cache, stamping the session row in
// eager mode.
func (c *Cache) PostEnter(sess *session.Session) {
	if c.mode != Eager {
		return
	}
	if err := c.storeSession(sess); err != nil {
		c.log.Warn("could not store session: %v", err)
	}
}

func (c *Cache) storeSession(sess *session.Session) error {
	res, err := c.db.Exec("INSERT INTO sessions(created) VALUES (?)", time.Now().Format("2006-01-02T15:04:05"))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
	sess.Store("cache:sessionid", id)
	return nil
}

// SaveHashed implements Plugin for Cache, persisting non-task objects as
// they enter the graph.
func (c *Cache) SaveHashed(objs []hash.Hashed) {
	if c.mode != Eager {
		c.mu.Lock()
		for _, obj := range objs {
			c.objects[obj.Hashid()] = obj
		}
		c.mu.Unlock()
		return
	}
	if err := c.storeObjects(objs); err != nil {
		c.log.Warn("could not store objects: %v", err)
	}
	if err := c.storeTargets(objs); err != nil {
		c.log.Warn("could not store targets: %v", err)
	}
}

func (c *Cache) storeObjects(objs []hash.Hashed) error {
	for _, obj := range objs {
		if _, err := c.db.Exec(
			"INSERT OR IGNORE INTO objects VALUES (?,?,?)",
			string(obj.Hashid()), obj.TypeTag(), obj.Spec(),
		); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) storeTargets(objs []hash.Hashed) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == 0 {
		return nil
	}
	for _, obj := range objs {
		var label any
		if t, ok := obj.(*task.Task); ok {
			label = t.Label()
		}
		var metadata any
		if m, ok := obj.(hash.Metadatable); ok {
			if meta := m.Metadata(); meta != nil {
				metadata = meta
			}
		}
		if _, err := c.db.Exec(
			"INSERT OR IGNORE INTO targets VALUES (?,?,?,?)",
			string(obj.Hashid()), sessionID, label, metadata,
		); err != nil {
			return err
		}
	}
	return nil
}

// PostCreate implements Plugin for Cache: a task whose fingerprint is
// already recorded is restored (recursively, so side-effect children are
// registered before parents finish); in eager mode a new task is recorded.
func (c *Cache) PostCreate(t *task.Task) {
	row, err := c.taskRow(t.Hashid())
	if err != nil {
		c.log.Warn("could not look up task %s: %v", t, err)
		return
	}
	restored := []*task.Task{t}
	if row != nil {
		c.mu.Lock()
		c.toRestore = append(c.toRestore, t)
		c.mu.Unlock()
		for {
			c.mu.Lock()
			if len(c.toRestore) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.toRestore[len(c.toRestore)-1]
			c.toRestore = c.toRestore[:len(c.toRestore)-1]
			c.mu.Unlock()
			if err := c.restoreTask(next); err != nil {
				c.log.Warn("could not restore %s: %v", next, err)
			}
			if next != t {
				restored = append(restored, next)
			}
		}
	} else if c.mode == Eager {
		if _, err := c.db.Exec(
			"INSERT OR IGNORE INTO tasks(hashid, state) VALUES (?,?)",
			string(t.Hashid()), t.State().String(),
		); err != nil {
			c.log.Warn("could not store task %s: %v", t, err)
		}
		if err := c.storeObjects([]hash.Hashed{t}); err != nil {
			c.log.Warn("could not store task object %s: %v", t, err)
		}
	}
	if c.mode == Eager {
		objs := make([]hash.Hashed, 0, len(restored))
		for _, r := range restored {
			objs = append(objs, r)
		}
		if err := c.storeTargets(objs); err != nil {
			c.log.Warn("could not store targets: %v", err)
		}
	}
}

// PostTaskRun implements Plugin for Cache, recording the task's result
// and keeping the state column in step with later transitions.
func (c *Cache) PostTaskRun(t *task.Task) {
	if c.mode != Eager {
		return
	}
	if err := c.storeResult(t); err != nil {
		c.log.Warn("could not store result of %s: %v", t, err)
		return
	}
	if t.State() < future.Done {
		_ = t.Fut().AddDoneCallback(func() { //nolint: errcheck // The task is not done here by construction
			if err := c.updateState(t); err != nil {
				c.log.Warn("could not update state of %s: %v", t, err)
			}
		})
	}
}

// PreExit implements Plugin for Cache: in on-exit mode everything
// buffered lands in the database now.
func (c *Cache) PreExit(sess *session.Session) {
	defer func() {
		c.mu.Lock()
		c.objects = make(map[hash.Hash]hash.Hashed)
		c.instances = make(map[hash.Hash]hash.Hashed)
		c.sessionID = 0
		c.mu.Unlock()
	}()
	if c.mode != OnExit {
		return
	}
	if err := c.storeSession(sess); err != nil {
		c.log.Warn("could not store session: %v", err)
		return
	}
	tasks := sess.AllTasks()
	for _, t := range tasks {
		var err error
		if t.State() > future.HasRun {
			err = c.storeResult(t)
		} else {
			// Task rows are only created by storeResult or the eager
			// PostCreate branch, so a never-run task has no row here and
			// this UPDATE touches nothing: unlike eager mode, on-exit
			// caches do not list never-run tasks in status output
			err = c.updateState(t)
		}
		if err != nil {
			c.log.Warn("could not store %s: %v", t, err)
		}
	}
	c.mu.Lock()
	objs := make([]hash.Hashed, 0, len(c.objects)+len(tasks))
	for _, obj := range c.objects {
		objs = append(objs, obj)
	}
	c.mu.Unlock()
	for _, t := range tasks {
		objs = append(objs, t)
	}
	if err := c.storeObjects(objs); err != nil {
		c.log.Warn("could not store objects: %v", err)
	}
	if err := c.storeTargets(objs); err != nil {
		c.log.Warn("could not store targets: %v", err)
	}
}

func (c *Cache) updateState(t *task.Task) error {
	_, err := c.db.Exec(
		"UPDATE tasks SET state = ? WHERE hashid = ?",
		t.State().String(), string(t.Hashid()),
	)
	return err
}

// storeResult writes the full task row: state, side effects and the
// result, either a hashid reference or gob bytes.
func (c *Cache) storeResult(t *task.Task) error {
	sess, err := session.Active()
	if err != nil {
		return err
	}

	var (
		resultType string
		result     any
	)
	switch t.State() {
	case future.Awaiting:
		fut, err := t.FutureResult()
		if err != nil {
			return err
		}
		resultType = ResultHashed
		result = string(fut.Hashid())
	case future.Done:
		raw, err := t.RawResult()
		if err != nil {
			return err
		}
		if hashed, ok := raw.(hash.Hashed); ok {
			resultType = ResultHashed
			result = string(hashed.Hashid())
		} else {
			resultType = ResultPickled
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(pickled{V: raw}); err != nil {
				return fmt.Errorf("result of %s is not serialisable: %w", t, err)
			}
			result = buf.Bytes()
		}
	default:
		return fmt.Errorf("%w: cannot store result in state %s", task.ErrTask, t.State())
	}

	hashids := make([]string, 0)
	for _, effect := range sess.SideEffects(t) {
		hashids = append(hashids, string(effect.Hashid()))
	}
	sideEffects := strings.Join(hashids, ",")

	_, err = c.db.Exec(
		"REPLACE INTO tasks VALUES (?,?,?,?,?)",
		string(t.Hashid()), t.State().String(), sideEffects, resultType, result,
	)
	return err
}
