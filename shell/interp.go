// Package shell parses command lines and runs them against a virtual
// filesystem tree. Built-in commands cover the common Linux file, text and
// system utilities; git and ssh are delegated to adapters through the
// GitRunner and Remote ports.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

// Exit statuses shared by the built-ins.
const (
	StatusOK          = 0
	StatusFailure     = 1
	StatusUsage       = 2
	StatusTimeout     = 124
	StatusBlocked     = 126
	StatusNotFound    = 127
	StatusGitFatal    = 128
	StatusInterrupted = 130
	StatusRemote      = 255
)

// DefaultHistorySize bounds session history when Options leaves it unset.
const DefaultHistorySize = 1000

// Result is the outcome of one command line.
type Result struct {
	Stdout string
	Stderr string
	Status int
}

// Options configures an Interpreter.
type Options struct {
	Hostname    string
	HistorySize int
	// Timeout bounds each command line. Zero disables it.
	Timeout time.Duration

	Users     *Users
	Registry  *Registry
	Validator CommandValidator
	Audit     vfshell.AuditLogger

	Git    GitRunner
	Remote Remote

	Snapshots *vfshell.Snapshots
	// Checkpoint persists the tree. It backs the save built-in and runs
	// unforced when a session closes.
	Checkpoint func(ctx context.Context, force bool) error

	Clock  func() time.Time
	Logger *zap.Logger
}

// Interpreter runs command lines for any number of sessions sharing one
// tree.
type Interpreter struct {
	tree     *vfshell.Tree
	opts     Options
	registry *Registry
	logger   *zap.Logger
	started  time.Time

	mu      sync.Mutex
	nextPID int
}

// New creates an interpreter over tree.
func New(tree *vfshell.Tree, opts Options) *Interpreter {
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.Users == nil {
		opts.Users = NewUsers()
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	in := &Interpreter{
		tree:     tree,
		opts:     opts,
		registry: opts.Registry,
		logger:   opts.Logger.Named("shell"),
		nextPID:  1000,
	}
	in.started = in.now()
	return in
}

// Tree returns the tree commands operate on.
func (in *Interpreter) Tree() *vfshell.Tree { return in.tree }

// Registry returns the built-in registry.
func (in *Interpreter) Registry() *Registry { return in.registry }

// Users returns the account database.
func (in *Interpreter) Users() *Users { return in.opts.Users }

// Hostname returns the simulated host name.
func (in *Interpreter) Hostname() string { return in.opts.Hostname }

func (in *Interpreter) now() time.Time { return in.opts.Clock() }

// Execute runs one input line and appends it to history. Errors never end
// the session; they are reported in the result's Stderr and Status.
func (s *Session) Execute(ctx context.Context, line string) Result {
	if strings.TrimSpace(line) == "" {
		return Result{Status: s.status}
	}
	start := time.Now()
	if t := s.interp.opts.Timeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	var status int
	var errKind string
	if s.remote != nil {
		status = s.executeRemote(ctx, line, &stdout, &stderr)
	} else if script, err := Parse(line); err != nil {
		metrics.RecordSyntaxError()
		fmt.Fprintf(&stderr, "vfshell: %v\n", err)
		status = StatusUsage
		errKind = vfshell.Kind(err)
	} else {
		status = s.runScript(ctx, script, &stdout, &stderr)
	}
	s.status = status
	s.appendHistory(line)

	if audit := s.interp.opts.Audit; audit != nil {
		entry := s.auditEntry(line, status, errKind, time.Since(start))
		if status != 0 {
			entry.Error = firstLine(stderr.String())
		}
		if err := audit.Log(entry); err != nil {
			s.interp.logger.Warn("audit log failed", zap.Error(err))
		}
	}
	nodes, size := s.interp.tree.Usage()
	metrics.SetTreeUsage(nodes, size)

	return Result{Stdout: stdout.String(), Stderr: stderr.String(), Status: status}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *Session) runScript(ctx context.Context, script *Script, stdout, stderr io.Writer) int {
	status := s.status
	for _, stmt := range script.Statements {
		switch {
		case stmt.Op == OpAnd && status != 0:
			continue
		case stmt.Op == OpOr && status == 0:
			continue
		}
		if st, stop := s.interrupted(ctx, stderr); stop {
			return st
		}
		status = s.runPipeline(ctx, stmt.stages, stdout, stderr)
		s.status = status
		if s.exited || s.remote != nil || ctx.Err() != nil {
			break
		}
	}
	return status
}

// interrupted reports whether ctx ended, writing the reason to stderr.
func (s *Session) interrupted(ctx context.Context, stderr io.Writer) (int, bool) {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(stderr, "vfshell: command timed out after %v\n", s.interp.opts.Timeout)
		s.interp.logger.Warn("command line timed out", zap.String("session_id", s.ID))
		return StatusTimeout, true
	case err != nil:
		fmt.Fprintln(stderr, "^C")
		return StatusInterrupted, true
	}
	return 0, false
}

func (s *Session) runPipeline(ctx context.Context, stages []stage, stdout, stderr io.Writer) int {
	cmd, err := s.expander().pipeline(stages)
	if err != nil {
		fmt.Fprintf(stderr, "vfshell: %v\n", err)
		return StatusFailure
	}

	var input []byte
	status := StatusOK
	for c := cmd; c != nil; c = c.Next {
		view := s.View()
		in := input
		input = nil
		if c.Stdin != "" {
			data, err := view.ReadFile(c.Stdin)
			if err != nil {
				fmt.Fprintf(stderr, "vfshell: %s: %s\n", c.Stdin, vfshell.Describe(err))
				status = StatusFailure
				continue
			}
			in = data
		}

		var out, errOut bytes.Buffer
		errW := io.Writer(&errOut)
		if c.StderrToStdout {
			errW = &out
		}
		if c.Name != "" {
			status = s.runCommand(ctx, c.Name, c.Args, in, &out, errW)
		} else {
			status = StatusOK
		}

		if c.Stderr != nil {
			if err := writeRedirect(view, c.Stderr, errOut.Bytes()); err != nil {
				fmt.Fprintf(stderr, "vfshell: %s: %s\n", c.Stderr.Path, vfshell.Describe(err))
				status = StatusFailure
			}
		} else {
			stderr.Write(errOut.Bytes())
		}

		switch {
		case c.Stdout != nil:
			if err := writeRedirect(view, c.Stdout, out.Bytes()); err != nil {
				fmt.Fprintf(stderr, "vfshell: %s: %s\n", c.Stdout.Path, vfshell.Describe(err))
				status = StatusFailure
			}
		case c.Next != nil:
			input = out.Bytes()
		default:
			stdout.Write(out.Bytes())
		}
		if st, stop := s.interrupted(ctx, stderr); stop {
			return st
		}
		if s.exited {
			break
		}
	}
	return status
}

func writeRedirect(view vfshell.View, r *Redirect, data []byte) error {
	if r.Path == "/dev/null" {
		return nil
	}
	if r.Append {
		return view.AppendFile(r.Path, data)
	}
	return view.WriteFile(r.Path, data)
}

// runCommand dispatches one command to its built-in.
func (s *Session) runCommand(ctx context.Context, name string, args []string, stdin []byte, stdout, stderr io.Writer) int {
	if v := s.interp.opts.Validator; v != nil {
		if ok, reason := v.IsCommandAllowed(commandName(name), args); !ok {
			fmt.Fprintf(stderr, "vfshell: %s: %s\n", name, reason)
			metrics.RecordCommand(name, StatusBlocked, 0)
			return StatusBlocked
		}
	}

	b, err := s.interp.registry.Get(commandName(name))
	if err != nil {
		fmt.Fprintf(stderr, "vfshell: %s: command not found\n", name)
		if suggestion := s.interp.registry.Suggest(name); suggestion != "" {
			fmt.Fprintf(stderr, "Did you mean '%s'? Type 'help' for available commands.\n", suggestion)
		}
		metrics.RecordCommand("unknown", StatusNotFound, 0)
		return StatusNotFound
	}

	call := &Call{
		Name:    b.Name,
		Args:    args,
		Stdin:   stdin,
		Stdout:  stdout,
		Stderr:  stderr,
		Session: s,
		builtin: b,
	}
	start := time.Now()
	status := b.Run(ctx, call)
	duration := time.Since(start)
	metrics.RecordCommand(b.Name, status, duration)
	s.interp.logger.Debug("command finished",
		zap.String("session_id", s.ID),
		zap.String("command", b.Name),
		zap.Int("status", status),
		zap.Duration("duration", duration))
	return status
}

// commandName maps /bin/ls and /usr/bin/ls to ls.
func commandName(name string) string {
	for _, dir := range []string{"/bin/", "/usr/bin/", "/usr/local/bin/", "/sbin/", "/usr/sbin/"} {
		if strings.HasPrefix(name, dir) && !strings.Contains(name[len(dir):], "/") {
			return name[len(dir):]
		}
	}
	return name
}

// executeRemote sends line to the host of an interactive ssh session.
func (s *Session) executeRemote(ctx context.Context, line string, stdout, stderr io.Writer) int {
	rs := s.remote
	switch strings.TrimSpace(line) {
	case "exit", "logout":
		rs.conn.Close()
		s.remote = nil
		fmt.Fprintf(stdout, "Connection to %s closed.\n", rs.target.Host)
		return StatusOK
	}
	res, err := rs.conn.Run(ctx, line, nil)
	if err != nil {
		rs.conn.Close()
		s.remote = nil
		fmt.Fprintf(stderr, "ssh: %v\n", err)
		fmt.Fprintf(stderr, "Connection to %s closed.\n", rs.target.Host)
		return StatusRemote
	}
	io.WriteString(stdout, res.Stdout)
	io.WriteString(stderr, res.Stderr)
	return res.Status
}
