package cache

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/task"
)

// taskRecord mirrors one row of the tasks table.
type taskRecord struct {
	hashid      hash.Hash
	state       future.State
	sideEffects []hash.Hash
	resultType  sql.NullString
	result      []byte
}

func (c *Cache) taskRow(hashid hash.Hash) (*taskRecord, error) {
	row := c.db.QueryRow("SELECT hashid, state, side_effects, result_type, result FROM tasks WHERE hashid = ?", string(hashid))
	var (
		record      taskRecord
		id, state   string
		sideEffects sql.NullString
	)
	err := row.Scan(&id, &state, &sideEffects, &record.resultType, &record.result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record.hashid = hash.Hash(id)
	record.state, err = future.StateFromString(state)
	if err != nil {
		return nil, err
	}
	if sideEffects.Valid && sideEffects.String != "" {
		for _, h := range bytes.Split([]byte(sideEffects.String), []byte(",")) {
			record.sideEffects = append(record.sideEffects, hash.Hash(h))
		}
	}
	return &record, nil
}

func (c *Cache) objectRow(hashid hash.Hash) (typetag string, spec []byte, err error) {
	row := c.db.QueryRow("SELECT typetag, spec FROM objects WHERE hashid = ?", string(hashid))
	if err := row.Scan(&typetag, &spec); err != nil {
		return "", nil, fmt.Errorf("missing object %s: %w", hashid, err)
	}
	return typetag, spec, nil
}

func (c *Cache) targetMetadata(hashid hash.Hash) []byte {
	row := c.db.QueryRow(
		"SELECT metadata FROM targets WHERE objectid = ? ORDER BY sessionid DESC LIMIT 1",
		string(hashid),
	)
	var metadata []byte
	if err := row.Scan(&metadata); err != nil {
		return nil
	}
	return metadata
}

// getObject reconstructs a live Hashed instance for a stored hashid,
// deduplicating through the instance cache. Tasks found along the way are
// registered with the active session and queued for restoration.
func (c *Cache) getObject(hashid hash.Hash) (hash.Hashed, error) {
	c.mu.Lock()
	if obj, ok := c.instances[hashid]; ok {
		c.mu.Unlock()
		return obj, nil
	}
	c.mu.Unlock()

	typetag, spec, err := c.objectRow(hashid)
	if err != nil {
		return nil, err
	}

	var obj hash.Hashed
	if typetag == task.TaskTag && !c.fullRestore {
		record, err := c.taskRow(hashid)
		if err != nil {
			return nil, err
		}
		if record != nil && record.state > future.HasRun {
			// Stand in a lightweight sentinel so deep cached DAGs are not
			// reconstructed when they will not be re-executed
			obj = task.NewCached(hashid)
		}
	}
	if obj == nil {
		obj, err = hash.FromSpec(typetag, spec, c.getObject)
		if err != nil {
			return nil, err
		}
	}
	if obj.Hashid() != hashid {
		return nil, fmt.Errorf("corrupt cache: object %s reconstructed as %s", hashid, obj.Hashid())
	}

	if metadata := c.targetMetadata(hashid); metadata != nil {
		if m, ok := obj.(hash.Metadatable); ok {
			if err := m.SetMetadata(metadata); err != nil {
				return nil, err
			}
		}
	}

	if t, ok := obj.(*task.Task); ok {
		sess, err := session.Active()
		if err != nil {
			return nil, err
		}
		registered, isNew, err := sess.RegisterTask(t)
		if err != nil {
			return nil, err
		}
		if isNew && !c.fullRestore {
			c.mu.Lock()
			c.toRestore = append(c.toRestore, registered)
			c.mu.Unlock()
		}
		obj = registered
	}

	c.mu.Lock()
	c.instances[hashid] = obj
	c.mu.Unlock()
	return obj, nil
}

// getResult decodes the stored result of a task record.
func (c *Cache) getResult(record *taskRecord) (any, error) {
	if record.state < future.HasRun {
		return nil, nil
	}
	if !record.resultType.Valid {
		return nil, fmt.Errorf("corrupt cache: task %s has no result encoding", record.hashid)
	}
	switch record.resultType.String {
	case ResultPickled:
		var decoded pickled
		if err := gob.NewDecoder(bytes.NewReader(record.result)).Decode(&decoded); err != nil {
			return nil, fmt.Errorf("could not decode result of %s: %w", record.hashid, err)
		}
		return decoded.V, nil
	case ResultHashed:
		return c.getObject(hash.Hash(record.result))
	default:
		return nil, fmt.Errorf("corrupt cache: unknown result encoding %q", record.resultType.String)
	}
}

// restoreTask reinstates a stored execution: side-effect children first
// (in reverse order, so they are registered before parents finish), then
// the task transitions straight through to its stored result.
func (c *Cache) restoreTask(t *task.Task) error {
	if t.Restored() {
		return nil
	}
	record, err := c.taskRow(t.Hashid())
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("task %s disappeared from cache", t)
	}
	if record.state < future.HasRun {
		return nil
	}
	c.log.Debug("restoring from cache: %s", t)

	sess, err := session.Active()
	if err != nil {
		return err
	}

	if err := sess.BeginRestore(t); err != nil {
		return err
	}

	if c.fullRestore && len(record.sideEffects) > 0 {
		children := make([]*task.Task, 0, len(record.sideEffects))
		for _, hashid := range record.sideEffects {
			obj, err := c.getObject(hashid)
			if err != nil {
				return err
			}
			child, ok := obj.(*task.Task)
			if !ok {
				return fmt.Errorf("corrupt cache: side effect %s of %s is not a task", hashid, t)
			}
			sess.AddSideEffect(t, child)
			children = append(children, child)
		}
		c.mu.Lock()
		for i := len(children) - 1; i >= 0; i-- {
			c.toRestore = append(c.toRestore, children[i])
		}
		c.mu.Unlock()
	}

	result, err := c.getResult(record)
	if err != nil {
		return err
	}
	if err := sess.SetResult(t, result); err != nil {
		return err
	}
	t.MarkRestored()
	return nil
}
