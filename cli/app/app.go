// Package app implements the CLI functionality, the CLI defers
// execution to the exported methods in this package.
package app

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/FollowTheProcess/msg"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/juju/ansiterm/tabwriter"
	"github.com/lithammer/fuzzysearch/fuzzy"
	"golang.org/x/exp/maps"

	warp "github.com/FollowTheProcess/warp/app"
	"github.com/FollowTheProcess/warp/cache"
	"github.com/FollowTheProcess/warp/future"
	"github.com/FollowTheProcess/warp/logger"
	"github.com/FollowTheProcess/warp/rules"
	"github.com/FollowTheProcess/warp/shell"
	"github.com/FollowTheProcess/warp/store"
)

// App represents the warp CLI program.
type App struct {
	stdout  io.Writer   // Where to write to
	stderr  io.Writer   // Where to write errors to
	printer msg.Printer // User messages
	logger  logger.Logger
	Options *Options // All the CLI options
}

// Options holds all the flag options for warp, these will be at their
// zero values if the flags were not set and the value of the flag
// otherwise.
type Options struct {
	Dir         string // The --dir flag (repository location)
	Pattern     string // The -p flag on status/checkout/list
	Write       string // The --write flag on run
	NCores      int    // The --cores flag on run
	Verbose     bool   // The --verbose flag
	FullRestore bool   // The --full-restore flag on run
	Done        bool   // The --done flag on checkout
	Copy        bool   // The -c flag on checkout
	Hash        bool   // The --hash flag on list tasks
	Label       bool   // The --label flag on list tasks
	Running     bool   // The --running flag on reset
	OnlyRunning bool   // The --only-running flag on reset
}

// New creates and returns a new App.
func New(stdout, stderr io.Writer) *App {
	printer := msg.Default()
	printer.Stdout = stdout
	printer.Stderr = stderr
	return &App{
		stdout:  stdout,
		stderr:  stderr,
		printer: printer,
		logger:  logger.Noop{},
		Options: &Options{},
	}
}

// setup builds the logger and opens the repository.
func (a *App) setup() (*warp.App, error) {
	log, err := logger.NewZapLogger(a.Options.Verbose)
	if err != nil {
		return nil, err
	}
	a.logger = log
	return warp.New(a.Options.Dir, log)
}

// Init initialises a new warp repository.
func (a *App) Init() error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	if repo.Initialised() {
		a.printer.Infof("Repository already initialised at %s", repo.Dir())
		return nil
	}
	if err := repo.Init(); err != nil {
		return err
	}
	a.printer.Goodf("Initialised empty warp repository in %s", repo.Dir())
	return nil
}

// Run evaluates a registered entry, persisting everything it computes.
// With no entry name the last run is repeated.
func (a *App) Run(entry string, args []string) error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	defer a.logger.Sync() //nolint: errcheck // Nothing to do about a failed flush

	if entry == "" {
		entry, args, err = repo.LastEntry()
		if err != nil {
			return err
		}
		a.logger.Debug("re-running last entry %s %v", entry, args)
	}

	bound, ok := rules.LookupEntry(entry)
	if !ok {
		known := rules.Entries()
		if matches := fuzzy.RankFindFold(entry, known); len(matches) > 0 {
			sort.Sort(matches)
			return fmt.Errorf("no entry named %q, did you mean %q?", entry, matches[0].Target)
		}
		return fmt.Errorf("no entry named %q, registered entries: %v", entry, known)
	}

	write := cache.Eager
	if a.Options.Write != "" {
		write, err = cache.ParseWriteMode(a.Options.Write)
		if err != nil {
			return err
		}
	}
	sess, closer, err := repo.Session(warp.SessionOptions{
		NCores:      a.Options.NCores,
		Write:       write,
		FullRestore: a.Options.FullRestore,
	})
	if err != nil {
		return err
	}
	defer closer() //nolint: errcheck // Close errors don't change the outcome

	if err := sess.Enter(); err != nil {
		return err
	}
	defer sess.Exit()

	t, err := bound.Make(args)
	if err != nil {
		return err
	}
	value, err := sess.Eval(t)
	if err != nil {
		return err
	}

	if err := repo.SetLastEntry(entry, args); err != nil {
		return err
	}
	a.printer.Goodf("%s => %v", t.Label(), value)
	return nil
}

// Status summarises the cached tasks grouped by state, optionally
// narrowed to labels matching the -p glob pattern.
func (a *App) Status() error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	db, err := cache.Open(repo.CachePath(), cache.WithWriteMode(cache.Never))
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := db.TaskStatuses()
	if err != nil {
		return err
	}
	statuses, err = a.filterStatuses(statuses)
	if err != nil {
		return err
	}

	counts := make(map[future.State]int)
	for _, status := range statuses {
		counts[status.State]++
	}

	writer := tabwriter.NewWriter(a.stdout, 0, 8, 1, '\t', tabwriter.AlignRight)
	states := maps.Keys(counts)
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	for _, state := range states {
		fmt.Fprintf(writer, "%s\t%d\n", styleState(state), counts[state])
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if a.Options.Pattern != "" {
		for _, status := range statuses {
			fmt.Fprintf(a.stdout, "%s  %s  %s\n", status.Hashid.Tag(), styleState(status.State), status.Label)
		}
	}
	return nil
}

// ListTasks prints the cached task rows, --hash and --label narrow the
// columns.
func (a *App) ListTasks() error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	db, err := cache.Open(repo.CachePath(), cache.WithWriteMode(cache.Never))
	if err != nil {
		return err
	}
	defer db.Close()

	statuses, err := db.TaskStatuses()
	if err != nil {
		return err
	}
	statuses, err = a.filterStatuses(statuses)
	if err != nil {
		return err
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Label < statuses[j].Label })

	for _, status := range statuses {
		switch {
		case a.Options.Hash:
			fmt.Fprintln(a.stdout, status.Hashid)
		case a.Options.Label:
			fmt.Fprintln(a.stdout, status.Label)
		default:
			fmt.Fprintf(a.stdout, "%s  %s  %s\n", status.Hashid, styleState(status.State), status.Label)
		}
	}
	return nil
}

func (a *App) filterStatuses(statuses []cache.TaskStatus) ([]cache.TaskStatus, error) {
	if a.Options.Pattern == "" {
		return statuses, nil
	}
	var filtered []cache.TaskStatus
	for _, status := range statuses {
		match, err := doublestar.Match(a.Options.Pattern, status.Label)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", a.Options.Pattern, err)
		}
		if match {
			filtered = append(filtered, status)
		}
	}
	return filtered, nil
}

// Graph re-declares the last run's task graph against the read-only
// cache and writes it out in graphviz DOT form.
func (a *App) Graph(file string) error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	entry, args, err := repo.LastEntry()
	if err != nil {
		return err
	}
	bound, ok := rules.LookupEntry(entry)
	if !ok {
		return fmt.Errorf("entry %q from the last run is not registered in this binary", entry)
	}

	sess, closer, err := repo.Session(warp.SessionOptions{Write: cache.Never, FullRestore: true})
	if err != nil {
		return err
	}
	defer closer() //nolint: errcheck // Close errors don't change the outcome
	if err := sess.Enter(); err != nil {
		return err
	}
	defer sess.Exit()

	if _, err := bound.Make(args); err != nil {
		return err
	}

	out := a.stdout
	if file != "" {
		f, err := os.Create(file)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	return sess.DotGraph(out)
}

// Checkout materialises stored files into the working directory,
// symlinking by default and copying with -c. With --done each completed
// task gets its own subtree named by its label; otherwise every stored
// file is placed directly under the working directory.
func (a *App) Checkout() error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	db, err := cache.Open(repo.CachePath(), cache.WithWriteMode(cache.Never))
	if err != nil {
		return err
	}
	defer db.Close()
	blobs, err := store.New(repo.FilesDir())
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	var entries []cache.CheckoutEntry
	if a.Options.Done {
		entries, err = db.DoneFileTree()
	} else {
		var stored []cache.StoredFile
		stored, err = db.StoredFiles()
		entries = []cache.CheckoutEntry{{Label: "", Files: stored}}
	}
	if err != nil {
		return err
	}

	checked := 0
	for _, entry := range entries {
		if a.Options.Pattern != "" {
			match, err := doublestar.Match(a.Options.Pattern, entry.Label)
			if err != nil {
				return fmt.Errorf("invalid pattern %q: %w", a.Options.Pattern, err)
			}
			if !match {
				continue
			}
		}
		root := filepath.Join(cwd, strings.TrimPrefix(entry.Label, "/"))
		for _, file := range entry.Files {
			target := filepath.Join(root, filepath.FromSlash(file.Path))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if _, err := os.Lstat(target); err == nil {
				// Never overwrite checked out files
				continue
			}
			if err := blobs.TargetIn(target, file.ContentHash, a.Options.Copy); err != nil {
				return err
			}
			checked++
		}
	}
	a.printer.Goodf("Checked out %d files", checked)
	return nil
}

// Reset rewinds failed (and optionally running) cached tasks so the next
// run re-executes them.
func (a *App) Reset() error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	db, err := cache.Open(repo.CachePath())
	if err != nil {
		return err
	}
	defer db.Close()

	count, err := db.ResetTasks(a.Options.Running, a.Options.OnlyRunning)
	if err != nil {
		return err
	}
	a.printer.Goodf("Reset %d tasks", count)
	return nil
}

// Cmd runs a shell command with the repository directory available as
// $WARP_DIR, using the integrated shell.
func (a *App) Cmd(command string) error {
	repo, err := a.setup()
	if err != nil {
		return err
	}
	runner := shell.NewIntegratedRunner()
	result, err := runner.Run(command, a.stdout, a.stderr, "", []string{warp.EnvVar + "=" + repo.Dir()})
	if err != nil {
		return err
	}
	if !result.Ok() {
		return fmt.Errorf("command %q exited with status %d", command, result.Status)
	}
	return nil
}

// styleState renders a future state in its display colour.
func styleState(state future.State) string {
	style := state.Color()
	if style == nil {
		return state.String()
	}
	return style.Sprint(state.String())
}
