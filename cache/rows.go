package cache

import (
	"encoding/json"
	"fmt"

	"github.com/FollowTheProcess/warp/files"
	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/task"
)

// TaskStatus is one cached task with its last observed label, used by the
// CLI for status and listing output.
type TaskStatus struct {
	Label  string
	Hashid hash.Hash
	State  future.State
}

// TaskStatuses returns every cached task with the label it carried in the
// most recent session that observed it.
func (c *Cache) TaskStatuses() ([]TaskStatus, error) {
	rows, err := c.db.Query(`
SELECT t.hashid, t.state,
       COALESCE((SELECT g.label FROM targets g
                 WHERE g.objectid = t.hashid AND g.label IS NOT NULL
                 ORDER BY g.sessionid DESC LIMIT 1), '')
FROM tasks t`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []TaskStatus
	for rows.Next() {
		var (
			hashid, state, label string
		)
		if err := rows.Scan(&hashid, &state, &label); err != nil {
			return nil, err
		}
		parsed, err := future.StateFromString(state)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, TaskStatus{Hashid: hash.Hash(hashid), State: parsed, Label: label})
	}
	return statuses, rows.Err()
}

// SessionCount returns the number of recorded sessions.
func (c *Cache) SessionCount() (int, error) {
	row := c.db.QueryRow("SELECT COUNT(*) FROM sessions")
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// ResetTasks rewinds cached tasks so the next run re-executes them:
// errored tasks always reset, running ones when includeRunning, and only
// running ones when onlyRunning. Returns the number of rows reset.
func (c *Cache) ResetTasks(includeRunning, onlyRunning bool) (int64, error) {
	states := []any{future.Error.String()}
	if onlyRunning {
		states = []any{future.Running.String()}
	} else if includeRunning {
		states = append(states, future.Running.String())
	}
	placeholders := "?"
	for i := 1; i < len(states); i++ {
		placeholders += ",?"
	}
	res, err := c.db.Exec(
		fmt.Sprintf("UPDATE tasks SET state = ?, result_type = NULL, result = NULL WHERE state IN (%s)", placeholders),
		append([]any{future.Ready.String()}, states...)...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CheckoutEntry is one completed task's label and the files reachable
// from its result, used by checkout to materialise stored trees.
type CheckoutEntry struct {
	Label string
	Files []StoredFile
}

// DoneFileTree walks the stored result graph of every completed task and
// collects the files each one reaches, purely from the database.
func (c *Cache) DoneFileTree() ([]CheckoutEntry, error) {
	rows, err := c.db.Query(`
SELECT t.hashid, t.result,
       COALESCE((SELECT g.label FROM targets g
                 WHERE g.objectid = t.hashid AND g.label IS NOT NULL
                 ORDER BY g.sessionid DESC LIMIT 1), '')
FROM tasks t WHERE t.state = ? AND t.result_type = ?`, future.Done.String(), ResultHashed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type seed struct {
		label  string
		result hash.Hash
	}
	var seeds []seed
	for rows.Next() {
		var hashid, label string
		var result []byte
		if err := rows.Scan(&hashid, &result, &label); err != nil {
			return nil, err
		}
		if label == "" {
			label = hash.Hash(hashid).Tag()
		}
		seeds = append(seeds, seed{label: label, result: hash.Hash(result)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var entries []CheckoutEntry
	for _, s := range seeds {
		files, err := c.reachableFiles(s.result)
		if err != nil {
			return nil, err
		}
		if len(files) > 0 {
			entries = append(entries, CheckoutEntry{Label: s.label, Files: files})
		}
	}
	return entries, nil
}

// reachableFiles walks object specs structurally from a result hashid,
// collecting every file spec it reaches.
func (c *Cache) reachableFiles(start hash.Hash) ([]StoredFile, error) {
	seen := map[hash.Hash]struct{}{start: {}}
	queue := []hash.Hash{start}
	var found []StoredFile
	push := func(h hash.Hash) {
		if _, ok := seen[h]; !ok {
			seen[h] = struct{}{}
			queue = append(queue, h)
		}
	}
	for len(queue) > 0 {
		hashid := queue[0]
		queue = queue[1:]
		typetag, spec, err := c.objectRow(hashid)
		if err != nil {
			// A result may reference objects from sessions that never
			// persisted them, skip those branches
			continue
		}
		switch typetag {
		case files.FileTag:
			var parts []string
			if err := json.Unmarshal(spec, &parts); err != nil || len(parts) != 2 {
				return nil, fmt.Errorf("corrupt cache: malformed file spec %q", spec)
			}
			found = append(found, StoredFile{Path: parts[0], ContentHash: hash.Hash(parts[1])})
		case hash.CompositeTag, task.CompositeTag:
			_, components, err := hash.SplitCompositeSpec(spec)
			if err != nil {
				return nil, err
			}
			for _, comp := range components {
				push(comp)
			}
		case task.TaskTag:
			record, err := c.taskRow(hashid)
			if err != nil {
				return nil, err
			}
			if record != nil && record.resultType.Valid && record.resultType.String == ResultHashed {
				push(hash.Hash(record.result))
			}
		}
	}
	return found, nil
}

// StoredFile is one content-addressed file recorded in the objects table.
type StoredFile struct {
	Path        string
	ContentHash hash.Hash
}

// StoredFiles returns every file object in the cache, used by checkout to
// materialise stored trees.
func (c *Cache) StoredFiles() ([]StoredFile, error) {
	rows, err := c.db.Query("SELECT spec FROM objects WHERE typetag = ?", files.FileTag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stored []StoredFile
	for rows.Next() {
		var spec []byte
		if err := rows.Scan(&spec); err != nil {
			return nil, err
		}
		var parts []string
		if err := json.Unmarshal(spec, &parts); err != nil || len(parts) != 2 {
			return nil, fmt.Errorf("corrupt cache: malformed file spec %q", spec)
		}
		stored = append(stored, StoredFile{Path: parts[0], ContentHash: hash.Hash(parts[1])})
	}
	return stored, rows.Err()
}
