// Package vcs runs git subcommands against a virtual tree. Each call
// stages the working copy and its .git directory into in-memory billy
// filesystems, lets go-git operate on them, and writes the differences
// back through the caller's view.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
	"github.com/IceWhaleTech/vfshell/shell"
)

const (
	// RepoMarker is the extended attribute set on the root directory of
	// every working copy created by init or clone.
	RepoMarker = "vfshell.git.repo"

	statusFatal = shell.StatusGitFatal
	gitDir      = ".git"
	version     = "2.43.0"
)

// Author is the identity recorded on commits when neither the
// environment nor git config provide one.
type Author struct {
	Name  string
	Email string
}

// Adapter implements shell.GitRunner.
type Adapter struct {
	// Author is the fallback commit identity. Empty fields are derived
	// from USER and HOSTNAME.
	Author Author
	// Now stamps commits. Defaults to time.Now.
	Now    func() time.Time
	Logger *zap.Logger
}

var _ shell.GitRunner = (*Adapter)(nil)

// New returns an adapter with default settings.
func New(author Author) *Adapter {
	return &Adapter{Author: author}
}

func (a *Adapter) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return logging.L()
}

func (a *Adapter) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// call is one git invocation in progress.
type call struct {
	a      *Adapter
	ctx    context.Context
	view   vfshell.View
	env    map[string]string
	args   []string
	stdout strings.Builder
	stderr strings.Builder
}

func (c *call) printf(format string, args ...any) {
	fmt.Fprintf(&c.stdout, format, args...)
}

func (c *call) errorf(format string, args ...any) {
	fmt.Fprintf(&c.stderr, format, args...)
}

// fatal prints a git style fatal message and returns its status.
func (c *call) fatal(format string, args ...any) int {
	c.errorf("fatal: "+format+"\n", args...)
	return statusFatal
}

// fail reports a tree or library error.
func (c *call) fail(err error) int {
	var pe *vfshell.PathError
	if errors.As(err, &pe) {
		return c.fatal("%s: %s", pe.Path, vfshell.Describe(err))
	}
	return c.fatal("%v", err)
}

// subcommands maps names to handlers. Handlers wrapped by withRepo need
// an existing working copy; the others do not.
var subcommands map[string]func(c *call) int

func init() {
	subcommands = map[string]func(c *call) int{
		"init":     cmdInit,
		"clone":    cmdClone,
		"version":  cmdVersion,
		"config":   cmdConfig,
		"add":      withRepo(cmdAdd),
		"rm":       withRepo(cmdRm),
		"commit":   withRepo(cmdCommit),
		"status":   withRepo(cmdStatus),
		"log":      withRepo(cmdLog),
		"branch":   withRepo(cmdBranch),
		"checkout": withRepo(cmdCheckout),
		"switch":   withRepo(cmdCheckout),
	}
}

// RunGit runs one git subcommand. Failures never escape as errors: they
// are rendered on stderr with git's exit statuses.
func (a *Adapter) RunGit(ctx context.Context, req shell.GitRequest) shell.Result {
	start := time.Now()
	c := &call{a: a, ctx: ctx, view: req.View, env: req.Env, args: req.Args}
	name := ""
	status := 0
	if len(c.args) > 0 {
		name = c.args[0]
	}
	switch {
	case name == "" || name == "help" || name == "--help":
		c.printf("usage: git <command> [<args>]\n\n")
		for _, n := range []string{"init", "clone", "add", "rm", "commit", "status", "log", "branch", "checkout", "config"} {
			c.printf("   %s\n", n)
		}
		if name == "" {
			status = 1
		}
	case name == "--version":
		status = cmdVersion(c)
	default:
		run, ok := subcommands[name]
		if !ok {
			c.errorf("git: '%s' is not a git command. See 'git --help'.\n", name)
			status = 1
			break
		}
		c.args = c.args[1:]
		status = run(c)
	}

	metrics.RecordGitOperation(name, status)
	a.logger().Debug("git",
		zap.String("subcommand", name),
		zap.String("cwd", req.View.Cwd()),
		zap.Int("status", status),
		zap.Duration("duration", time.Since(start)))
	return shell.Result{Stdout: c.stdout.String(), Stderr: c.stderr.String(), Status: status}
}

// FindRoot returns the working copy containing dir: the nearest
// directory at or above dir that holds a .git directory or carries the
// repository marker.
func FindRoot(view vfshell.View, dir string) (string, error) {
	dir = view.Abs(dir)
	for {
		if v, ok, err := view.Xattr(dir, RepoMarker); err == nil && ok && v == "1" {
			return dir, nil
		}
		if fi, err := view.Stat(vfshell.Join(dir, gitDir)); err == nil && fi.IsDir() {
			return dir, nil
		}
		if dir == "/" {
			return "", vfshell.ErrNotAGitRepository
		}
		dir = vfshell.Dir(dir)
	}
}

// repo is a working copy staged for go-git. The memfs root is the
// working tree and its .git subdirectory is the repository storage.
type repo struct {
	root string
	st   *staging
	git  *git.Repository
}

// storageFor returns go-git storage over the .git directory of fs.
func storageFor(fs billy.Filesystem) (*filesystem.Storage, error) {
	dot, err := fs.Chroot(gitDir)
	if err != nil {
		return nil, err
	}
	return filesystem.NewStorage(dot, cache.NewObjectLRUDefault()), nil
}

// openRepo stages the working copy at root. Nested working copies are
// independent repositories and are left out.
func openRepo(view vfshell.View, root string) (*repo, error) {
	st, err := load(view, root, func(rel string, fi vfshell.FileInfo) bool {
		if !fi.IsDir() || rel == gitDir {
			return false
		}
		nested, err := view.Lstat(vfshell.Join(fi.Path, gitDir))
		return err == nil && nested.IsDir()
	})
	if err != nil {
		return nil, err
	}
	storage, err := storageFor(st.fs)
	if err != nil {
		return nil, err
	}
	r, err := git.Open(storage, st.fs)
	if err != nil {
		return nil, err
	}
	return &repo{root: root, st: st, git: r}, nil
}

// fileMode keeps new .git files owner-writable in the tree so later
// calls can update them.
func fileMode(rel string, m vfshell.Mode) vfshell.Mode {
	if rel == gitDir || strings.HasPrefix(rel, gitDir+"/") {
		return m | 0o600
	}
	return m
}

// save writes the repository and working copy changes back to the tree.
func (r *repo) save(view vfshell.View) error {
	_, err := r.st.flush(view, fileMode)
	return err
}

// withRepo runs fn against the working copy containing the current
// directory and saves the result.
func withRepo(fn func(c *call, r *repo) int) func(c *call) int {
	return func(c *call) int {
		root, err := FindRoot(c.view, c.view.Cwd())
		if err != nil {
			return c.fatal("not a git repository (or any of the parent directories): .git")
		}
		r, err := openRepo(c.view, root)
		if err != nil {
			if errors.Is(err, git.ErrRepositoryNotExists) {
				return c.fatal("not a git repository (or any of the parent directories): .git")
			}
			return c.fail(err)
		}
		status := fn(c, r)
		if err := r.save(c.view); err != nil {
			return c.fail(err)
		}
		return status
	}
}

// rel maps an operand to a path relative to the working copy root.
func (c *call) rel(r *repo, operand string) (string, bool) {
	abs := c.view.Abs(operand)
	if abs == r.root {
		return ".", true
	}
	if r.root == "/" {
		return strings.TrimPrefix(abs, "/"), true
	}
	if !strings.HasPrefix(abs, r.root+"/") {
		return "", false
	}
	return strings.TrimPrefix(abs, r.root+"/"), true
}

func cmdVersion(c *call) int {
	c.printf("git version %s\n", version)
	return 0
}
