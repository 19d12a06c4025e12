package shell

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
)

// HistoryFile is where a session's history is kept, relative to $HOME.
const HistoryFile = ".vfsh_history"

// Prompter reads a secret from the user, without echo.
type Prompter interface {
	ReadPassword(prompt string) (string, error)
}

// identity is one level of the su stack.
type identity struct {
	user User
	env  map[string]string // environment to restore when the level exits
}

type remoteSession struct {
	conn   RemoteConn
	target RemoteTarget
}

// Session is the state of one interactive shell: working directory,
// environment, history and the identity commands run as.
//
// A Session is not safe for concurrent use; run one line at a time.
type Session struct {
	ID string

	interp   *Interpreter
	cwd      string
	env      map[string]string
	history  []string
	histBase int // entries dropped from the front
	identity []identity
	status   int
	exited   bool
	remote   *remoteSession
	pid      int
	closed   bool

	// Prompter is used by su, ssh and scp to ask for passwords. It may
	// be nil.
	Prompter Prompter
}

// NewSession starts a session for u with an empty environment in the root
// directory. Call Login to set up a login environment.
func (in *Interpreter) NewSession(u User) *Session {
	metrics.SessionOpened()
	in.mu.Lock()
	in.nextPID++
	pid := in.nextPID
	in.mu.Unlock()
	return &Session{
		ID:       uuid.NewString(),
		interp:   in,
		cwd:      "/",
		env:      make(map[string]string),
		identity: []identity{{user: u}},
		pid:      pid,
	}
}

// Login populates the environment the way a login shell does, moves to
// the home directory when it exists and loads saved history.
func (s *Session) Login() {
	u := s.User()
	s.env["HOME"] = u.Home
	s.env["USER"] = u.Name
	s.env["LOGNAME"] = u.Name
	s.env["SHELL"] = u.Shell
	s.env["PATH"] = "/usr/local/bin:/usr/bin:/bin"
	s.env["HOSTNAME"] = s.interp.opts.Hostname
	s.env["TERM"] = "xterm-256color"
	s.env["LANG"] = "C.UTF-8"
	if dir, err := s.View().Chdir(u.Home); err == nil {
		s.cwd = dir
	}
	s.env["PWD"] = s.cwd

	if data, err := s.View().ReadFile(vfshell.Join(u.Home, HistoryFile)); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" {
				s.appendHistory(line)
			}
		}
	}
}

// Close ends the session: history is written to $HOME/.vfsh_history and
// the interpreter's final checkpoint, if any, runs.
func (s *Session) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	metrics.SessionClosed()
	if s.remote != nil {
		s.remote.conn.Close()
		s.remote = nil
	}

	if home := s.identity[0].user.Home; home != "" && len(s.history) > 0 {
		view := s.interp.tree.View(s.identity[0].user.Cred(), "/")
		data := strings.Join(s.history, "\n") + "\n"
		if err := view.WriteFile(vfshell.Join(home, HistoryFile), []byte(data)); err != nil {
			logging.Warn("Failed to save history",
				logging.String("session_id", s.ID),
				logging.Err(err))
		}
	}
	if s.interp.opts.Checkpoint != nil {
		return s.interp.opts.Checkpoint(ctx, false)
	}
	return nil
}

// User returns the account commands currently run as.
func (s *Session) User() User { return s.identity[len(s.identity)-1].user }

// Cred returns the identity commands currently run as.
func (s *Session) Cred() vfshell.Cred { return s.User().Cred() }

// Cwd returns the working directory.
func (s *Session) Cwd() string { return s.cwd }

// View returns a view of the tree as the current user in the working
// directory.
func (s *Session) View() vfshell.View {
	return s.interp.tree.View(s.Cred(), s.cwd)
}

// Getenv returns an environment variable.
func (s *Session) Getenv(key string) (string, bool) {
	v, ok := s.env[key]
	return v, ok
}

// Setenv sets an environment variable.
func (s *Session) Setenv(key, value string) { s.env[key] = value }

// Unsetenv removes an environment variable.
func (s *Session) Unsetenv(key string) { delete(s.env, key) }

// Environ returns the environment as sorted KEY=value strings.
func (s *Session) Environ() []string {
	out := make([]string, 0, len(s.env))
	for k, v := range s.env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func (s *Session) envCopy() map[string]string {
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// History returns the remembered command lines, oldest first.
func (s *Session) History() []string {
	return append([]string(nil), s.history...)
}

func (s *Session) appendHistory(line string) {
	s.history = append(s.history, line)
	if limit := s.interp.opts.HistorySize; len(s.history) > limit {
		drop := len(s.history) - limit
		s.history = append(s.history[:0], s.history[drop:]...)
		s.histBase += drop
	}
}

func (s *Session) clearHistory() {
	s.histBase += len(s.history)
	s.history = nil
}

// LastStatus returns the exit status of the last command line.
func (s *Session) LastStatus() int { return s.status }

// Exited reports whether exit or logout ended the session.
func (s *Session) Exited() bool { return s.exited }

// Remote returns the host an interactive ssh session is connected to.
func (s *Session) Remote() (RemoteTarget, bool) {
	if s.remote == nil {
		return RemoteTarget{}, false
	}
	return s.remote.target, true
}

// Prompt renders the shell prompt, for example "user@host:~$ ".
func (s *Session) Prompt() string {
	if s.remote != nil {
		return s.remote.target.String() + ":~$ "
	}
	u := s.User()
	dir := s.cwd
	if home := s.env["HOME"]; home != "" && home != "/" {
		if dir == home {
			dir = "~"
		} else if strings.HasPrefix(dir, home+"/") {
			dir = "~" + dir[len(home):]
		}
	}
	sign := "$"
	if u.UID == 0 {
		sign = "#"
	}
	return u.Name + "@" + s.interp.opts.Hostname + ":" + dir + sign + " "
}

// setCwd is only called by cd.
func (s *Session) setCwd(dir string) {
	if old := s.cwd; old != dir {
		s.env["OLDPWD"] = old
	}
	s.cwd = dir
	s.env["PWD"] = dir
}

// pushUser makes u the acting user, with the environment su gives it.
func (s *Session) pushUser(u User) {
	s.identity = append(s.identity, identity{user: u, env: s.envCopy()})
	s.env["USER"] = u.Name
	s.env["LOGNAME"] = u.Name
	s.env["HOME"] = u.Home
	s.env["SHELL"] = u.Shell
}

// popUser returns to the previous identity. It reports false at the login
// identity.
func (s *Session) popUser() bool {
	if len(s.identity) == 1 {
		return false
	}
	top := s.identity[len(s.identity)-1]
	s.identity = s.identity[:len(s.identity)-1]
	s.env = top.env
	return true
}

func (s *Session) lookupVar(name string) (string, bool) {
	if name == "$" {
		return strconv.Itoa(s.pid), true
	}
	v, ok := s.env[name]
	return v, ok
}

func (s *Session) expander() *expander {
	view := s.View()
	return &expander{
		lookup: s.lookupVar,
		status: s.status,
		home:   s.env["HOME"],
		glob: func(pattern string) []string {
			return globTree(view, pattern)
		},
	}
}

func (s *Session) auditEntry(line string, status int, errKind string, d time.Duration) vfshell.AuditLogEntry {
	entry := vfshell.AuditLogEntry{
		Timestamp: s.interp.now(),
		SessionID: s.ID,
		User:      s.User().Name,
		Operation: "exec",
		Command:   line,
		Cwd:       s.cwd,
		Status:    status,
		ErrorKind: errKind,
		Duration:  d,
	}
	if s.remote != nil {
		entry.Operation = "ssh"
		entry.RemoteHost = s.remote.target.Host
	}
	return entry
}
