// Package dirtask implements warp's built-in rule for running an external
// executable in a staged temporary directory: inputs are materialised from
// the file store, the executable runs with captured stdout and stderr, and
// every new file left behind becomes a content-addressed output.
package dirtask

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/FollowTheProcess/warp/files"
	"github.com/FollowTheProcess/warp/hash"
	"github.com/FollowTheProcess/warp/rules"
	"github.com/FollowTheProcess/warp/session"
	"github.com/FollowTheProcess/warp/task"
)

// ErrInvalidInput is returned when dir task arguments have the wrong
// shape.
var ErrInvalidInput = errors.New("invalid input")

// The file names the runtime claims inside the staged directory.
const (
	exeName    = "EXE"
	stdoutName = "STDOUT"
	stderrName = "STDERR"
)

// TmpdirKey is the session storage key a tmpdir manager is installed
// under.
const TmpdirKey = "dir_task:tmpdir_manager"

// TmpdirManager reserves scratch directories for dir tasks. When a
// manager is configured, directories of failed tasks are retained for
// inspection.
type TmpdirManager interface {
	// Tempdir reserves a fresh scratch directory.
	Tempdir() (string, error)
	// Cleanup disposes of the directory; failed directories may be kept.
	Cleanup(path string, failed bool) error
}

// activeTmpdirManager returns the configured tmpdir manager, or nil.
func activeTmpdirManager() TmpdirManager {
	sess, err := session.Active()
	if err != nil {
		return nil
	}
	value, ok := sess.Lookup(TmpdirKey)
	if !ok {
		return nil
	}
	manager, ok := value.(TmpdirManager)
	if !ok {
		return nil
	}
	return manager
}

// ProcessError is returned when the staged executable exits nonzero, it
// carries the captured output, the exit code and the argv.
type ProcessError struct {
	Stdout []byte
	Stderr []byte
	Argv   []string
	Code   int
}

// Error implements error for ProcessError.
func (e *ProcessError) Error() string {
	return strings.Join([]string{
		"STDOUT:",
		string(e.Stdout),
		"",
		"STDERR:",
		string(e.Stderr),
		"",
		fmt.Sprintf("command %v exited with status %d", e.Argv, e.Code),
	}, "\n")
}

// Symlink is an input directive placing a relative symlink at Path
// pointing at Target inside the staged directory.
type Symlink struct {
	Path   string
	Target string
}

func init() {
	// Symlink directives travel through composites as a registered leaf
	// class
	hash.RegisterClass("Symlink",
		func(v any) (map[string]any, bool) {
			link, ok := v.(Symlink)
			if !ok {
				return nil, false
			}
			return map[string]any{"path": link.Path, "target": link.Target}, true
		},
		func(fields map[string]any) (any, error) {
			path, pathOK := fields["path"].(string)
			target, targetOK := fields["target"].(string)
			if !pathOK || !targetOK {
				return nil, fmt.Errorf("%w: malformed symlink directive", ErrInvalidInput)
			}
			return Symlink{Path: path, Target: target}, nil
		},
	)
}

// Rule is the dir task rule: it takes the executable and the list of
// inputs (files, symlink directives) and produces the map of new files
// the run left behind, keyed by relative path.
var Rule = rules.New("dir_task", run)

// Call creates a dir task in the active session.
func Call(exe, inputs any, options ...task.Option) (*task.Task, error) {
	return Rule.CallOpts(options, exe, inputs)
}

func run(args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("%w: dir_task takes an executable and a list of inputs", ErrInvalidInput)
	}
	exe, ok := args[0].(files.File)
	if !ok {
		return nil, fmt.Errorf("%w: executable is %T, not a file", ErrInvalidInput, args[0])
	}
	var inputs []any
	switch given := args[1].(type) {
	case nil:
	case []any:
		inputs = given
	default:
		return nil, fmt.Errorf("%w: inputs are %T, not a list", ErrInvalidInput, args[1])
	}
	for _, input := range inputs {
		switch input.(type) {
		case files.File, Symlink:
		default:
			return nil, fmt.Errorf("%w: input %v is not a file or symlink directive", ErrInvalidInput, input)
		}
	}

	names := inputNames(inputs)
	manager := activeTmpdirManager()

	tmp, err := reserveTmpdir(manager)
	if err != nil {
		return nil, err
	}

	if err := checkoutFiles(tmp, exe, inputs); err != nil {
		disposeTmpdir(manager, tmp, true)
		return nil, err
	}

	procErr := execute(tmp)
	if procErr != nil {
		if manager != nil {
			// Keep the directory for inspection and surface the raw error
			disposeTmpdir(manager, tmp, true)
			return nil, procErr
		}
		wrapped := wrapProcessError(tmp, procErr)
		disposeTmpdir(manager, tmp, false)
		return nil, wrapped
	}

	outputs, err := collectOutputs(tmp, names)
	disposeTmpdir(manager, tmp, err != nil)
	if err != nil {
		return nil, err
	}
	return outputs, nil
}

func inputNames(inputs []any) map[string]struct{} {
	names := map[string]struct{}{exeName: {}}
	for _, input := range inputs {
		switch v := input.(type) {
		case files.File:
			names[filepath.ToSlash(v.Path())] = struct{}{}
		case Symlink:
			names[filepath.ToSlash(v.Path)] = struct{}{}
		}
	}
	return names
}

func reserveTmpdir(manager TmpdirManager) (string, error) {
	if manager != nil {
		return manager.Tempdir()
	}
	return os.MkdirTemp("", "dirtask")
}

func disposeTmpdir(manager TmpdirManager, path string, failed bool) {
	if manager != nil {
		_ = manager.Cleanup(path, failed) //nolint: errcheck // Cleanup failures don't change the task outcome
		return
	}
	_ = os.RemoveAll(path) //nolint: errcheck // Cleanup failures don't change the task outcome
}

// checkoutFiles materialises the executable (as EXE) and every input into
// the staged directory, creating subdirectories on demand.
func checkoutFiles(root string, exe files.File, inputs []any) error {
	exeTarget := filepath.Join(root, exeName)
	content, err := exe.ReadBytes()
	if err != nil {
		return err
	}
	if err := os.WriteFile(exeTarget, content, 0o644); err != nil {
		return fmt.Errorf("could not stage executable: %w", err)
	}
	if err := files.MakeExecutable(exeTarget); err != nil {
		return err
	}

	for _, input := range inputs {
		switch v := input.(type) {
		case files.File:
			if err := os.MkdirAll(filepath.Join(root, filepath.Dir(v.Path())), 0o755); err != nil {
				return err
			}
			if err := v.TargetIn(root, false); err != nil {
				return err
			}
		case Symlink:
			if err := os.MkdirAll(filepath.Join(root, filepath.Dir(v.Path)), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(v.Target, filepath.Join(root, v.Path)); err != nil {
				return fmt.Errorf("could not link %s -> %s: %w", v.Path, v.Target, err)
			}
		}
	}
	return nil
}

// execute runs EXE inside dir with stdin closed and output captured to
// STDOUT and STDERR files.
func execute(dir string) error {
	stdout, err := os.Create(filepath.Join(dir, stdoutName))
	if err != nil {
		return fmt.Errorf("could not create %s: %w", stdoutName, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(dir, stderrName))
	if err != nil {
		return fmt.Errorf("could not create %s: %w", stderrName, err)
	}
	defer stderr.Close()

	cmd := exec.Command(filepath.Join(dir, exeName))
	cmd.Dir = dir
	cmd.Stdin = nil
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return &ProcessError{Argv: cmd.Args, Code: exit.ExitCode()}
		}
		return fmt.Errorf("could not run %s: %w", exeName, err)
	}
	return nil
}

// wrapProcessError attaches the captured output to a process failure.
func wrapProcessError(dir string, err error) error {
	var procErr *ProcessError
	if !errors.As(err, &procErr) {
		return err
	}
	out, _ := os.ReadFile(filepath.Join(dir, stdoutName)) //nolint: errcheck // Best effort capture
	errOut, _ := os.ReadFile(filepath.Join(dir, stderrName))
	procErr.Stdout = out
	procErr.Stderr = errOut
	return procErr
}

// collectOutputs gathers every regular file whose path is not a declared
// input into the result map, registering each with the file store.
func collectOutputs(root string, inputNames map[string]struct{}) (map[string]any, error) {
	outputs := make(map[string]any)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if _, declared := inputNames[rel]; declared {
			return nil
		}
		hashed, err := files.FromPath(path, root, false)
		if err != nil {
			return err
		}
		outputs[rel] = hashed.File()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outputs, nil
}
