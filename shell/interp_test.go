package shell

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IceWhaleTech/vfshell"
)

type stubPrompter struct {
	password string
	prompts  []string
}

func (p *stubPrompter) ReadPassword(prompt string) (string, error) {
	p.prompts = append(p.prompts, prompt)
	if p.password == "" {
		return "", errors.New("no terminal")
	}
	return p.password, nil
}

func testUsers(t *testing.T) *Users {
	t.Helper()
	hash, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	return NewUsers(
		User{Account: vfshell.Account{Name: "alice", UID: 1000, GID: 1000}, Sudo: true},
		User{Account: vfshell.Account{Name: "bob", UID: 1001, GID: 1001}, PasswordHash: hash},
	)
}

// newTestShell provisions a tree and logs alice in.
func newTestShell(t *testing.T, opts Options) (*Interpreter, *Session) {
	t.Helper()
	if opts.Users == nil {
		opts.Users = testUsers(t)
	}
	opts.Hostname = "devbox"
	tree := vfshell.New()
	if err := vfshell.Provision(tree, vfshell.Layout{Hostname: "devbox", Accounts: opts.Users.Accounts()}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	in := New(tree, opts)
	u, _ := opts.Users.Lookup("alice")
	s := in.NewSession(u)
	s.Login()
	return in, s
}

func run(t *testing.T, s *Session, line string) Result {
	t.Helper()
	return s.Execute(context.Background(), line)
}

func mustRun(t *testing.T, s *Session, line string) string {
	t.Helper()
	res := run(t, s, line)
	if res.Status != 0 {
		t.Fatalf("%q exited %d: %s", line, res.Status, res.Stderr)
	}
	return res.Stdout
}

func TestExecutePipeline(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, `echo "a b" | cat`)
	if res.Status != 0 || res.Stdout != "a b\n" || res.Stderr != "" {
		t.Fatalf("got %+v, want stdout %q", res, "a b\n")
	}

	mustRun(t, s, `echo -e "pear\napple\npear\nfig" > fruit.txt`)
	if got := mustRun(t, s, `cat fruit.txt | sort | uniq -c | head -n 2`); got != "      1 apple\n      1 fig\n" {
		t.Errorf("pipeline output = %q", got)
	}
	if got := mustRun(t, s, `grep -c pear fruit.txt`); got != "2\n" {
		t.Errorf("grep -c = %q", got)
	}
}

func TestLoginEnvironment(t *testing.T) {
	_, s := newTestShell(t, Options{})
	if s.Cwd() != "/home/alice" {
		t.Errorf("Cwd() = %q, want /home/alice", s.Cwd())
	}
	if home, _ := s.Getenv("HOME"); home != "/home/alice" {
		t.Errorf("HOME = %q", home)
	}
	if got := s.Prompt(); got != "alice@devbox:~$ " {
		t.Errorf("Prompt() = %q", got)
	}
	if got := mustRun(t, s, "whoami"); got != "alice\n" {
		t.Errorf("whoami = %q", got)
	}
}

func TestCdFailureKeepsCwd(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, "cd nonexistent")
	if res.Status != 1 {
		t.Errorf("status = %d, want 1", res.Status)
	}
	if res.Stderr != "cd: nonexistent: No such file or directory\n" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if s.Cwd() != "/home/alice" {
		t.Errorf("cwd changed to %q", s.Cwd())
	}

	run(t, s, "cd /etc/hostname")
	if s.Cwd() != "/home/alice" {
		t.Errorf("cd into a file changed cwd to %q", s.Cwd())
	}
	run(t, s, "cd /root")
	if s.Cwd() != "/home/alice" {
		t.Errorf("cd into an unreadable directory changed cwd to %q", s.Cwd())
	}
}

func TestCdAndPwd(t *testing.T) {
	_, s := newTestShell(t, Options{})
	if got := mustRun(t, s, "mkdir -p work/src && cd work/src && pwd"); got != "/home/alice/work/src\n" {
		t.Errorf("pwd = %q", got)
	}
	if got := mustRun(t, s, "cd -"); got != "/home/alice\n" {
		t.Errorf("cd - = %q", got)
	}
	mustRun(t, s, "cd /tmp && cd")
	if s.Cwd() != "/home/alice" {
		t.Errorf("cd without arguments went to %q", s.Cwd())
	}
	mustRun(t, s, "ln -s /home/alice/work/src link && cd link/..")
	if s.Cwd() != "/home/alice/work" {
		t.Errorf("cd link/.. went to %q, want the physical parent", s.Cwd())
	}
	if pwd, _ := s.Getenv("PWD"); pwd != s.Cwd() {
		t.Errorf("PWD = %q, cwd = %q", pwd, s.Cwd())
	}
}

func TestOnlyCdChangesCwd(t *testing.T) {
	_, s := newTestShell(t, Options{})
	for _, line := range []string{"ls /", "mkdir /tmp/x", "cat /etc/hostname", "find /tmp", "echo hi > /tmp/f", "pwd"} {
		run(t, s, line)
		if s.Cwd() != "/home/alice" {
			t.Fatalf("%q changed cwd to %q", line, s.Cwd())
		}
	}
}

func TestCommandNotFound(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, "pwdd")
	if res.Status != StatusNotFound {
		t.Errorf("status = %d, want %d", res.Status, StatusNotFound)
	}
	if !strings.HasPrefix(res.Stderr, "vfshell: pwdd: command not found\n") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if !strings.Contains(res.Stderr, "Did you mean 'pwd'?") {
		t.Errorf("missing suggestion in %q", res.Stderr)
	}
	if got := mustRun(t, s, "pwdd; echo $?"); got != "127\n" {
		t.Errorf("$? after unknown command = %q", got)
	}
	if got := mustRun(t, s, "/bin/echo via path"); got != "via path\n" {
		t.Errorf("/bin/echo = %q", got)
	}
}

func TestSyntaxErrorReported(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, `echo "oops`)
	if res.Status != StatusUsage {
		t.Errorf("status = %d, want %d", res.Status, StatusUsage)
	}
	if !strings.Contains(res.Stderr, "unexpected EOF") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if h := s.History(); len(h) == 0 || h[len(h)-1] != `echo "oops` {
		t.Errorf("syntax error line missing from history: %q", h)
	}
}

func TestRedirects(t *testing.T) {
	_, s := newTestShell(t, Options{})
	if got := mustRun(t, s, "echo hello > out.txt"); got != "" {
		t.Errorf("redirected stdout leaked: %q", got)
	}
	mustRun(t, s, "echo more >> out.txt")
	if got := mustRun(t, s, "cat out.txt"); got != "hello\nmore\n" {
		t.Errorf("out.txt = %q", got)
	}
	if got := mustRun(t, s, "wc -l < out.txt"); got != "2\n" {
		t.Errorf("wc -l < out.txt = %q", got)
	}

	res := run(t, s, "ls nothere 2> err.txt")
	if res.Status != StatusUsage || res.Stderr != "" {
		t.Errorf("got %+v", res)
	}
	if got := mustRun(t, s, "cat err.txt"); got != "ls: cannot access 'nothere': No such file or directory\n" {
		t.Errorf("err.txt = %q", got)
	}

	run(t, s, "ls nothere > all.txt 2>&1")
	if got := mustRun(t, s, "cat all.txt"); !strings.Contains(got, "cannot access") {
		t.Errorf("2>&1 did not reach the file: %q", got)
	}

	res = run(t, s, "cat < missing.txt")
	if res.Status != 1 || !strings.Contains(res.Stderr, "missing.txt: No such file or directory") {
		t.Errorf("missing input redirect = %+v", res)
	}

	res = run(t, s, "echo nope > /etc/passwd")
	if res.Status != 1 || !strings.Contains(res.Stderr, "Permission denied") {
		t.Errorf("unwritable redirect = %+v", res)
	}
}

func TestListOperators(t *testing.T) {
	_, s := newTestShell(t, Options{})
	tests := []struct {
		line string
		want string
	}{
		{"false && echo no || echo yes", "yes\n"},
		{"true && echo yes || echo no", "yes\n"},
		{"true; echo $?", "0\n"},
		{"false; echo $?", "1\n"},
		{"echo a; echo b", "a\nb\n"},
		{"ls /nope 2>/dev/null || echo missing", "missing\n"},
	}
	for _, tt := range tests {
		if got := run(t, s, tt.line).Stdout; got != tt.want {
			t.Errorf("%q = %q, want %q", tt.line, got, tt.want)
		}
	}
}

func TestVariables(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "export GREETING='hello there'")
	if got := mustRun(t, s, `echo "$GREETING, $USER"`); got != "hello there, alice\n" {
		t.Errorf("echo = %q", got)
	}
	if got := mustRun(t, s, `echo $GREETING | wc -w`); got != "2\n" {
		t.Errorf("word count = %q", got)
	}
	mustRun(t, s, "unset GREETING")
	if got := mustRun(t, s, `echo "[$GREETING]"`); got != "[]\n" {
		t.Errorf("unset variable expanded to %q", got)
	}
	res := run(t, s, "export 1BAD=x")
	if res.Status != 1 || !strings.Contains(res.Stderr, "not a valid identifier") {
		t.Errorf("invalid export = %+v", res)
	}
}

func TestGlobExpansion(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "touch a.txt b.txt c.log .hidden.txt")
	if got := mustRun(t, s, "echo *.txt"); got != "a.txt b.txt\n" {
		t.Errorf("echo *.txt = %q", got)
	}
	if got := mustRun(t, s, "echo *.none"); got != "*.none\n" {
		t.Errorf("unmatched glob = %q", got)
	}
	if got := mustRun(t, s, `echo "*.txt"`); got != "*.txt\n" {
		t.Errorf("quoted glob = %q", got)
	}
	if got := mustRun(t, s, "echo .*.txt"); got != ".hidden.txt\n" {
		t.Errorf("dot glob = %q", got)
	}
	if got := mustRun(t, s, "ls /etc/host*"); got != "/etc/hostname\n/etc/hosts\n" {
		t.Errorf("absolute glob = %q", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	_, s := newTestShell(t, Options{HistorySize: 3})
	for _, line := range []string{"echo 1", "echo 2", "echo 3", "echo 4", "echo 5"} {
		mustRun(t, s, line)
	}
	h := s.History()
	if len(h) != 3 || h[0] != "echo 3" || h[2] != "echo 5" {
		t.Fatalf("History() = %q", h)
	}
	if got := mustRun(t, s, "history"); got != "    3  echo 3\n    4  echo 4\n    5  echo 5\n" {
		t.Errorf("history = %q", got)
	}
	if got := mustRun(t, s, "history 1"); got != "    6  history\n" {
		t.Errorf("history 1 = %q", got)
	}
	mustRun(t, s, "history -c")
	if h := s.History(); len(h) != 1 {
		t.Errorf("history after -c = %q", h)
	}
}

func TestTimeout(t *testing.T) {
	_, s := newTestShell(t, Options{Timeout: 50 * time.Millisecond})
	start := time.Now()
	res := run(t, s, "sleep 5; touch after")
	if res.Status != StatusTimeout {
		t.Errorf("status = %d, want %d", res.Status, StatusTimeout)
	}
	if !strings.Contains(res.Stderr, "timed out") {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
	if _, err := s.View().Stat("after"); err == nil {
		t.Errorf("statement after the timeout ran")
	}
	if got := mustRun(t, s, "echo still alive"); got != "still alive\n" {
		t.Errorf("session unusable after timeout: %q", got)
	}
}

func TestCancel(t *testing.T) {
	_, s := newTestShell(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := s.Execute(ctx, "sleep 5")
	if res.Status != StatusInterrupted {
		t.Errorf("status = %d, want %d", res.Status, StatusInterrupted)
	}
}

func TestValidatorBlocksCommands(t *testing.T) {
	_, s := newTestShell(t, Options{Validator: NewDangerousCommandFilter()})
	res := run(t, s, "dd if=/dev/zero of=/tmp/x")
	if res.Status != StatusBlocked || !strings.Contains(res.Stderr, "blocked") {
		t.Errorf("dd = %+v", res)
	}
	res = run(t, s, "sudo rm -rf /")
	if res.Status != StatusBlocked {
		t.Errorf("sudo rm -rf / = %+v", res)
	}
	if _, err := s.View().Stat("/etc/passwd"); err != nil {
		t.Errorf("/etc/passwd is gone: %v", err)
	}
}

func TestValidatorSeesBareCommandName(t *testing.T) {
	filter := NewDangerousCommandFilter()
	filter.Block("Wget ")
	_, s := newTestShell(t, Options{Validator: filter})
	for _, line := range []string{"/bin/dd if=/dev/zero", "sudo /bin/rm -rf /", "/usr/bin/wget x", "wget x"} {
		if res := run(t, s, line); res.Status != StatusBlocked {
			t.Errorf("%s = %+v", line, res)
		}
	}
	if _, err := s.View().Stat("/etc/passwd"); err != nil {
		t.Errorf("/etc/passwd is gone: %v", err)
	}
	if got := mustRun(t, s, "/bin/echo ok"); got != "ok\n" {
		t.Errorf("/bin/echo ok = %q", got)
	}
}

func TestSudo(t *testing.T) {
	_, s := newTestShell(t, Options{})
	if got := mustRun(t, s, "sudo whoami"); got != "root\n" {
		t.Errorf("sudo whoami = %q", got)
	}
	if got := mustRun(t, s, "whoami"); got != "alice\n" {
		t.Errorf("identity leaked after sudo: %q", got)
	}
	mustRun(t, s, "sudo touch /root/note")
	fi, err := s.interp.tree.View(vfshell.Root, "/").Stat("/root/note")
	if err != nil || fi.UID != 0 {
		t.Errorf("sudo touch created %+v, %v", fi, err)
	}
	if got := mustRun(t, s, "sudo -u bob id"); !strings.HasPrefix(got, "uid=1001(bob)") {
		t.Errorf("sudo -u bob id = %q", got)
	}
}

func TestSu(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, "su bob")
	if res.Status != 1 || res.Stderr != "su: Authentication failure\n" {
		t.Errorf("su without a terminal = %+v", res)
	}

	p := &stubPrompter{password: "wrong"}
	s.Prompter = p
	if res := run(t, s, "su bob"); res.Status != 1 {
		t.Errorf("su with a wrong password = %+v", res)
	}
	p.password = "secret"
	mustRun(t, s, "su bob")
	if got := mustRun(t, s, "whoami"); got != "bob\n" {
		t.Errorf("whoami after su = %q", got)
	}
	if s.Cwd() != "/home/alice" {
		t.Errorf("su changed cwd to %q", s.Cwd())
	}
	if home, _ := s.Getenv("HOME"); home != "/home/bob" {
		t.Errorf("HOME after su = %q", home)
	}
	res = run(t, s, "sudo ls")
	if res.Status != 1 || !strings.Contains(res.Stderr, "bob is not in the sudoers file") {
		t.Errorf("sudo as bob = %+v", res)
	}

	mustRun(t, s, "exit")
	if s.Exited() {
		t.Fatalf("exit from su ended the session")
	}
	if got := mustRun(t, s, "whoami"); got != "alice\n" {
		t.Errorf("whoami after exit = %q", got)
	}
	if home, _ := s.Getenv("HOME"); home != "/home/alice" {
		t.Errorf("HOME after exit = %q", home)
	}
	if res := run(t, s, "su nobody"); res.Stderr != "su: user nobody does not exist\n" {
		t.Errorf("su nobody = %+v", res)
	}
	if got := mustRun(t, s, "su -c whoami bob"); got != "bob\n" {
		t.Errorf("su -c = %q", got)
	}
	if got := mustRun(t, s, "whoami"); got != "alice\n" {
		t.Errorf("whoami after su -c = %q", got)
	}
}

func TestExit(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, "exit 3; echo unreachable")
	if !s.Exited() || res.Status != 3 || res.Stdout != "" {
		t.Errorf("exit 3 = %+v, exited %v", res, s.Exited())
	}
}

func TestCloseSavesHistory(t *testing.T) {
	saves := 0
	in, s := newTestShell(t, Options{Checkpoint: func(_ context.Context, force bool) error {
		if force {
			t.Error("session close forced a checkpoint")
		}
		saves++
		return nil
	}})
	mustRun(t, s, "echo one")
	mustRun(t, s, "sudo whoami")
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if saves != 1 {
		t.Errorf("checkpoint ran %d times, want 1", saves)
	}
	data, err := in.Tree().View(vfshell.Root, "/").ReadFile("/home/alice/" + HistoryFile)
	if err != nil {
		t.Fatalf("history file missing: %v", err)
	}
	if string(data) != "echo one\nsudo whoami\n" {
		t.Errorf("history file = %q", data)
	}
	fi, _ := in.Tree().View(vfshell.Root, "/").Stat("/home/alice/" + HistoryFile)
	if fi.UID != 1000 {
		t.Errorf("history file owned by %d, want 1000", fi.UID)
	}

	u, _ := in.Users().Lookup("alice")
	next := in.NewSession(u)
	next.Login()
	if h := next.History(); len(h) != 2 || h[0] != "echo one" {
		t.Errorf("reloaded history = %q", h)
	}
}

func TestAuditLog(t *testing.T) {
	var buf bytes.Buffer
	_, s := newTestShell(t, Options{Audit: vfshell.NewJSONAuditLogger(&buf)})
	run(t, s, "echo hi")
	run(t, s, "cat /nope")
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], `"command":"echo hi"`) || !strings.Contains(lines[0], `"user":"alice"`) {
		t.Errorf("first entry = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"status":1`) || !strings.Contains(lines[1], "No such file or directory") {
		t.Errorf("second entry = %s", lines[1])
	}
}

func TestSessionsShareTree(t *testing.T) {
	in, a := newTestShell(t, Options{})
	u, _ := in.Users().Lookup("bob")
	b := in.NewSession(u)
	b.Login()

	mustRun(t, a, "echo shared > /tmp/note")
	if got := mustRun(t, b, "cat /tmp/note"); got != "shared\n" {
		t.Errorf("bob read %q", got)
	}
	mustRun(t, b, "cd /tmp")
	if a.Cwd() != "/home/alice" {
		t.Errorf("bob's cd moved alice to %q", a.Cwd())
	}
	res := run(t, b, "rm /tmp/note")
	if res.Status != 0 {
		t.Errorf("rm in sticky-less /tmp = %+v", res)
	}
}
