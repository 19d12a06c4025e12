package shell

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IceWhaleTech/vfshell"
)

func TestLs(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "mkdir proj && touch proj/b proj/a proj/.env && ln -s a proj/link")
	if got := mustRun(t, s, "ls proj"); got != "a\nb\nlink\n" {
		t.Errorf("ls = %q", got)
	}
	if got := mustRun(t, s, "ls -A proj"); got != ".env\na\nb\nlink\n" {
		t.Errorf("ls -A = %q", got)
	}
	if got := mustRun(t, s, "ls -a proj"); !strings.HasPrefix(got, ".\n..\n.env\n") {
		t.Errorf("ls -a = %q", got)
	}
	long := mustRun(t, s, "ls -l proj")
	if !strings.HasPrefix(long, "total ") {
		t.Errorf("ls -l missing total: %q", long)
	}
	if !strings.Contains(long, "-rw-r--r-- 1 alice alice 0 ") || !strings.Contains(long, "link -> a\n") {
		t.Errorf("ls -l = %q", long)
	}
	if got := mustRun(t, s, "ls -d proj"); got != "proj\n" {
		t.Errorf("ls -d = %q", got)
	}
	res := run(t, s, "ls /root")
	if res.Status != StatusUsage || !strings.Contains(res.Stderr, "Permission denied") {
		t.Errorf("ls /root = %+v", res)
	}
	if got := mustRun(t, s, "ls proj/a proj/b"); got != "proj/a\nproj/b\n" {
		t.Errorf("ls files = %q", got)
	}
}

func TestMkdirRmdirRm(t *testing.T) {
	_, s := newTestShell(t, Options{})
	res := run(t, s, "mkdir a/b")
	if res.Status != 1 || res.Stderr != "mkdir: cannot create directory 'a/b': No such file or directory\n" {
		t.Errorf("mkdir a/b = %+v", res)
	}
	mustRun(t, s, "mkdir -p a/b/c")
	if res := run(t, s, "mkdir a"); !strings.Contains(res.Stderr, "File exists") {
		t.Errorf("mkdir existing = %+v", res)
	}
	mustRun(t, s, "mkdir -m 700 private")
	if fi, _ := s.View().Stat("private"); fi.Mode != 0o700 {
		t.Errorf("mkdir -m 700 gave %o", fi.Mode)
	}

	res = run(t, s, "rm a")
	if res.Status != 1 || res.Stderr != "rm: cannot remove 'a': Directory not empty\n" {
		t.Errorf("rm non-empty dir = %+v", res)
	}
	if _, err := s.View().Stat("a/b/c"); err != nil {
		t.Errorf("failed rm changed the tree: %v", err)
	}
	res = run(t, s, "rm private")
	if res.Status != 1 || !strings.Contains(res.Stderr, "Is a directory") {
		t.Errorf("rm empty dir = %+v", res)
	}
	if res := run(t, s, "rmdir a"); !strings.Contains(res.Stderr, "Directory not empty") {
		t.Errorf("rmdir non-empty = %+v", res)
	}
	mustRun(t, s, "rmdir private")
	mustRun(t, s, "rm -r a")
	if _, err := s.View().Stat("a"); !errors.Is(err, vfshell.ErrNotFound) {
		t.Errorf("rm -r left a: %v", err)
	}
	mustRun(t, s, "rm -f does-not-exist")
	if res := run(t, s, "rm does-not-exist"); res.Status != 1 {
		t.Errorf("rm missing = %+v", res)
	}
	if res := run(t, s, "rm -r ."); !strings.Contains(res.Stderr, "refusing to remove") {
		t.Errorf("rm -r . = %+v", res)
	}
}

func TestCpMv(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "mkdir src dst && echo data > src/f")
	if res := run(t, s, "cp src copy"); !strings.Contains(res.Stderr, "-r not specified; omitting directory 'src'") {
		t.Errorf("cp dir = %+v", res)
	}
	mustRun(t, s, "cp -r src copy")
	if got := mustRun(t, s, "cat copy/f"); got != "data\n" {
		t.Errorf("copied file = %q", got)
	}
	mustRun(t, s, "cp src/f copy/f dst")
	if got := mustRun(t, s, "ls dst"); got != "f\n" {
		t.Errorf("cp into dir = %q", got)
	}
	if res := run(t, s, "cp src/f copy/f nowhere"); !strings.Contains(res.Stderr, "is not a directory") {
		t.Errorf("cp several into file = %+v", res)
	}
	if res := run(t, s, "cp -r src src/inner"); res.Status != 1 {
		t.Errorf("cp into itself = %+v", res)
	}

	mustRun(t, s, "mv copy moved")
	if _, err := s.View().Stat("copy"); err == nil {
		t.Errorf("mv left the source")
	}
	if res := run(t, s, "mv moved moved/sub"); !strings.Contains(res.Stderr, "subdirectory of itself") {
		t.Errorf("mv into itself = %+v", res)
	}
	if res := run(t, s, "mv ghost x"); !strings.Contains(res.Stderr, "cannot stat 'ghost'") {
		t.Errorf("mv missing = %+v", res)
	}
}

func TestCatTouchHeadTail(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, `echo -e "1\n2\n3\n4\n5" > n.txt`)
	if got := mustRun(t, s, "cat -n n.txt | head -2"); got != "     1\t1\n     2\t2\n" {
		t.Errorf("cat -n | head = %q", got)
	}
	if got := mustRun(t, s, "tail -n 2 n.txt"); got != "4\n5\n" {
		t.Errorf("tail = %q", got)
	}
	if got := mustRun(t, s, "head -n 1 n.txt n.txt"); got != "==> n.txt <==\n1\n\n==> n.txt <==\n1\n" {
		t.Errorf("head of two files = %q", got)
	}
	if res := run(t, s, "cat nope n.txt"); res.Status != 1 || res.Stdout != "1\n2\n3\n4\n5\n" {
		t.Errorf("cat with a missing file = %+v", res)
	}
	if res := run(t, s, "cat documents"); !strings.Contains(res.Stderr, "Is a directory") {
		t.Errorf("cat dir = %+v", res)
	}
	mustRun(t, s, "touch empty")
	if got := mustRun(t, s, "cat empty"); got != "" {
		t.Errorf("touched file has %q", got)
	}
	if res := run(t, s, "touch /etc/new"); !strings.Contains(res.Stderr, "cannot touch '/etc/new': Permission denied") {
		t.Errorf("touch in /etc = %+v", res)
	}
}

func TestChmodChown(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "touch f && chmod 600 f")
	if fi, _ := s.View().Stat("f"); fi.Mode != 0o600 {
		t.Errorf("chmod 600 gave %o", fi.Mode)
	}
	mustRun(t, s, "chmod u+x,go+r f")
	if fi, _ := s.View().Stat("f"); fi.Mode != 0o744 {
		t.Errorf("chmod u+x,go+r gave %o", fi.Mode)
	}
	if res := run(t, s, "chmod zz f"); !strings.Contains(res.Stderr, "invalid mode") {
		t.Errorf("chmod zz = %+v", res)
	}
	if res := run(t, s, "chmod 777 /etc/passwd"); !strings.Contains(res.Stderr, "Operation not permitted") {
		t.Errorf("chmod foreign file = %+v", res)
	}
	mustRun(t, s, "mkdir -p d/e && touch d/e/x && chmod -R 700 d")
	if fi, _ := s.View().Stat("d/e/x"); fi.Mode != 0o700 {
		t.Errorf("chmod -R gave %o", fi.Mode)
	}

	if res := run(t, s, "chown bob f"); !strings.Contains(res.Stderr, "Operation not permitted") {
		t.Errorf("chown as alice = %+v", res)
	}
	mustRun(t, s, "sudo chown -R bob:bob d")
	if fi, _ := s.interp.tree.View(vfshell.Root, "/").Stat("/home/alice/d/e/x"); fi.UID != 1001 || fi.GID != 1001 {
		t.Errorf("chown -R gave %d:%d", fi.UID, fi.GID)
	}
	if res := run(t, s, "sudo chown nobody f"); !strings.Contains(res.Stderr, "invalid user") {
		t.Errorf("chown nobody = %+v", res)
	}
}

func TestRecursiveChmodDenialChangesNothing(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "mkdir -p top/a && touch top/a/f && chmod 644 top/a/f")
	mustRun(t, s, "sudo mkdir top/z && sudo touch top/z/f")

	res := run(t, s, "chmod -R 700 top")
	if res.Status != StatusFailure || !strings.Contains(res.Stderr, "changing permissions of '/home/alice/top/z': Operation not permitted") {
		t.Fatalf("chmod -R over a foreign subtree = %+v", res)
	}
	if fi, _ := s.View().Stat("top/a/f"); fi.Mode != 0o644 {
		t.Errorf("denied chmod -R changed top/a/f to %o", fi.Mode)
	}
	res = run(t, s, "chown -R alice:alice top")
	if res.Status != StatusFailure || !strings.Contains(res.Stderr, "changing ownership of '/home/alice/top/z'") {
		t.Errorf("chown -R over a foreign subtree = %+v", res)
	}
	if res := run(t, s, "chmod -R 700 nowhere"); !strings.Contains(res.Stderr, "cannot access 'nowhere'") {
		t.Errorf("chmod -R on a missing path = %+v", res)
	}
}

func TestLnReadlinkStat(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "echo x > target && ln -s target link")
	if got := mustRun(t, s, "readlink link"); got != "target\n" {
		t.Errorf("readlink = %q", got)
	}
	if got := mustRun(t, s, "readlink -f link"); got != "/home/alice/target\n" {
		t.Errorf("readlink -f = %q", got)
	}
	if res := run(t, s, "ln target hard"); !strings.Contains(res.Stderr, "hard links are not supported") {
		t.Errorf("ln without -s = %+v", res)
	}
	if res := run(t, s, "ln -s other link"); !strings.Contains(res.Stderr, "File exists") {
		t.Errorf("ln over existing = %+v", res)
	}
	mustRun(t, s, "ln -sf other link")
	if got := mustRun(t, s, "readlink link"); got != "other\n" {
		t.Errorf("ln -sf left %q", got)
	}
	mustRun(t, s, "ln -s loop2 loop1 && ln -s loop1 loop2")
	if res := run(t, s, "cat loop1"); !strings.Contains(res.Stderr, "Too many levels of symbolic links") {
		t.Errorf("cat loop = %+v", res)
	}

	out := mustRun(t, s, "stat target")
	for _, want := range []string{"  File: target\n", "regular file", "Uid: ( 1000/   alice)", "Access: (0644/-rw-r--r--)"} {
		if !strings.Contains(out, want) {
			t.Errorf("stat output missing %q:\n%s", want, out)
		}
	}
	if out := mustRun(t, s, "stat link"); !strings.Contains(out, "File: link -> other") || !strings.Contains(out, "symbolic link") {
		t.Errorf("stat link = %s", out)
	}
}

func TestFindTree(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, "mkdir -p p/src/lib p/docs && touch p/src/main.go p/src/lib/util.go p/docs/README.md")
	if got := mustRun(t, s, "find p -name '*.go'"); got != "p/src/lib/util.go\np/src/main.go\n" {
		t.Errorf("find -name = %q", got)
	}
	if got := mustRun(t, s, "find p -type d -maxdepth 1"); got != "p\np/docs\np/src\n" {
		t.Errorf("find -type d -maxdepth 1 = %q", got)
	}
	if res := run(t, s, "find p -bogus x"); res.Status != 1 {
		t.Errorf("find unknown predicate = %+v", res)
	}
	want := "p\n" +
		"├── docs\n" +
		"│   └── README.md\n" +
		"└── src\n" +
		"    ├── lib\n" +
		"    │   └── util.go\n" +
		"    └── main.go\n" +
		"\n3 directories, 3 files\n"
	if got := mustRun(t, s, "tree p"); got != want {
		t.Errorf("tree = %q, want %q", got, want)
	}
}

func TestTextFilters(t *testing.T) {
	_, s := newTestShell(t, Options{})
	mustRun(t, s, `echo -e "b 10\na 9\nc 100\na 9" > data`)
	tests := []struct {
		line string
		want string
	}{
		{"sort data", "a 9\na 9\nb 10\nc 100\n"},
		{"sort -u data", "a 9\nb 10\nc 100\n"},
		{"sort -r data", "c 100\nb 10\na 9\na 9\n"},
		{"grep -n a data", "2:a 9\n4:a 9\n"},
		{"grep -v a data", "b 10\nc 100\n"},
		{"grep -i B data", "b 10\n"},
		{"grep -l a data", "data\n"},
		{"uniq -d data", ""},
		{"sort data | uniq -d", "a 9\n"},
		{"wc -c data", "19 data\n"},
		{"echo -n hi", "hi"},
		{`echo -e "tab\there"`, "tab\there\n"},
		{"echo -x", "-x\n"},
		{"basename /a/b/c.txt .txt", "c\n"},
		{"dirname /a/b/c.txt", "/a/b\n"},
	}
	for _, tt := range tests {
		if got := mustRun(t, s, tt.line); got != tt.want {
			t.Errorf("%q = %q, want %q", tt.line, got, tt.want)
		}
	}
	if res := run(t, s, "grep zzz data"); res.Status != 1 || res.Stdout != "" {
		t.Errorf("grep without match = %+v", res)
	}
	if res := run(t, s, "grep '[' data"); res.Status != 2 {
		t.Errorf("grep with a bad pattern = %+v", res)
	}
	mustRun(t, s, "mkdir -p tree/sub && echo needle > tree/sub/f && echo hay > tree/g")
	if got := mustRun(t, s, "grep -r needle tree"); got != "tree/sub/f:needle\n" {
		t.Errorf("grep -r = %q", got)
	}
	if got := mustRun(t, s, "echo copy | tee t1 t2"); got != "copy\n" {
		t.Errorf("tee stdout = %q", got)
	}
	mustRun(t, s, "echo more | tee -a t1")
	if got := mustRun(t, s, "cat t1 t2"); got != "copy\nmore\ncopy\n" {
		t.Errorf("tee files = %q", got)
	}
}

func TestSystemInfo(t *testing.T) {
	clock := func() time.Time { return time.Date(2024, 3, 5, 14, 7, 9, 0, time.UTC) }
	_, s := newTestShell(t, Options{Clock: clock})
	tests := []struct {
		line string
		want string
	}{
		{"hostname", "devbox\n"},
		{"uname", "Linux\n"},
		{"uname -a", "Linux devbox 5.15.0-vfshell #1 SMP x86_64 GNU/Linux\n"},
		{"uname -nr", "devbox 5.15.0-vfshell\n"},
		{"date +%F", "2024-03-05\n"},
		{"date '+%H:%M:%S %a %b %e'", "14:07:09 Tue Mar  5\n"},
		{"date -u", "Tue Mar  5 14:07:09 UTC 2024\n"},
		{"date +%j/%Y-%m-%dT%T%z", "065/2024-03-05T14:07:09+0000\n"},
		{"id", "uid=1000(alice) gid=1000(alice) groups=1000(alice)\n"},
		{"which ls", "/usr/bin/ls\n"},
		{"true", ""},
	}
	for _, tt := range tests {
		if got := mustRun(t, s, tt.line); got != tt.want {
			t.Errorf("%q = %q, want %q", tt.line, got, tt.want)
		}
	}
	if res := run(t, s, "which nosuch"); res.Status != 1 || !strings.HasPrefix(res.Stderr, "which: no nosuch in (") {
		t.Errorf("which nosuch = %+v", res)
	}
	if res := run(t, s, "man nosuch"); res.Status != 16 || res.Stderr != "No manual entry for nosuch\n" {
		t.Errorf("man nosuch = %+v", res)
	}
	if got := mustRun(t, s, "man ls"); !strings.Contains(got, "ls - list directory contents") {
		t.Errorf("man ls = %q", got)
	}
	if got := mustRun(t, s, "help"); !strings.Contains(got, "grep") || !strings.Contains(got, "ssh-list") {
		t.Errorf("help is missing commands: %q", got)
	}
	if got := mustRun(t, s, "df"); !strings.HasPrefix(got, "Filesystem     1K-blocks") || !strings.Contains(got, "/dev/root") {
		t.Errorf("df = %q", got)
	}
	if got := mustRun(t, s, "free"); !strings.Contains(got, "Mem:") || !strings.Contains(got, "Swap:") {
		t.Errorf("free = %q", got)
	}
	if got := mustRun(t, s, "ps"); !strings.HasPrefix(got, "  PID TTY          TIME CMD\n") || !strings.Contains(got, "bash") {
		t.Errorf("ps = %q", got)
	}
	if got := mustRun(t, s, "env | grep USER="); got != "USER=alice\n" {
		t.Errorf("env = %q", got)
	}
	if got := mustRun(t, s, "clear"); got != "\033[H\033[2J" {
		t.Errorf("clear = %q", got)
	}
	if res := run(t, s, "false"); res.Status != 1 {
		t.Errorf("false = %+v", res)
	}
}

func TestSaveAndSnapshot(t *testing.T) {
	saved, forced := false, false
	in, s := newTestShell(t, Options{Checkpoint: func(_ context.Context, force bool) error {
		saved, forced = true, force
		return nil
	}})
	in.opts.Snapshots = vfshell.NewSnapshots(in.Tree())

	if got := mustRun(t, s, "save"); got != "State saved\n" || !saved || forced {
		t.Errorf("save = %q, saved %v, forced %v", got, saved, forced)
	}
	if mustRun(t, s, "save -f"); !forced {
		t.Error("save -f did not force the checkpoint")
	}
	mustRun(t, s, "echo before > keep.txt && snapshot create base")
	mustRun(t, s, "echo after > keep.txt")
	if res := run(t, s, "snapshot restore base"); !strings.Contains(res.Stderr, "Permission denied") {
		t.Errorf("restore as alice = %+v", res)
	}
	mustRun(t, s, "sudo snapshot restore base")
	if got := mustRun(t, s, "cat keep.txt"); got != "before\n" {
		t.Errorf("restored file = %q", got)
	}
	if got := mustRun(t, s, "snapshot list"); !strings.Contains(got, "base") {
		t.Errorf("snapshot list = %q", got)
	}
	if res := run(t, s, "snapshot create base"); !strings.Contains(res.Stderr, "already exists") {
		t.Errorf("duplicate snapshot = %+v", res)
	}
	mustRun(t, s, "sudo snapshot delete base")
	if res := run(t, s, "sudo snapshot restore base"); !strings.Contains(res.Stderr, "does not exist") {
		t.Errorf("restore deleted snapshot = %+v", res)
	}

	_, bare := newTestShell(t, Options{})
	if res := run(t, bare, "save"); res.Status != 1 {
		t.Errorf("save without persistence = %+v", res)
	}
}

type fakeGit struct {
	reqs []GitRequest
}

func (g *fakeGit) RunGit(ctx context.Context, req GitRequest) Result {
	g.reqs = append(g.reqs, req)
	if req.Args[0] == "status" {
		return Result{Stderr: "fatal: not a git repository (or any of the parent directories): .git\n", Status: StatusGitFatal}
	}
	return Result{Stdout: "ran " + strings.Join(req.Args, " ") + "\n"}
}

func TestGitDelegates(t *testing.T) {
	git := &fakeGit{}
	_, s := newTestShell(t, Options{Git: git})
	if got := mustRun(t, s, "git init repo"); got != "ran init repo\n" {
		t.Errorf("git init = %q", got)
	}
	if len(git.reqs) != 1 || git.reqs[0].View.Cwd() != "/home/alice" || git.reqs[0].Env["USER"] != "alice" {
		t.Errorf("request = %+v", git.reqs)
	}
	if res := run(t, s, "git status"); res.Status != StatusGitFatal || !strings.Contains(res.Stderr, "not a git repository") {
		t.Errorf("git status = %+v", res)
	}
	if res := run(t, s, "git"); res.Status != StatusUsage {
		t.Errorf("bare git = %+v", res)
	}

	_, noGit := newTestShell(t, Options{})
	if res := run(t, noGit, "git status"); res.Status != 1 {
		t.Errorf("git without a runner = %+v", res)
	}
}

// fakeRemote serves one host, "web", whose files live in a map.
type fakeRemote struct {
	files  map[string][]byte
	dials  []DialRequest
	closed int
	runs   []string
}

type fakeConn struct{ r *fakeRemote }

func (c fakeConn) Run(ctx context.Context, command string, stdin []byte) (Result, error) {
	c.r.runs = append(c.r.runs, command)
	if command == "hostname" {
		return Result{Stdout: "web\n"}, nil
	}
	return Result{Stderr: "remote: " + command + ": command not found\n", Status: 127}, nil
}

func (c fakeConn) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, ok := c.r.files[path]
	if !ok {
		return nil, &vfshell.RemoteError{Host: "web", Msg: path + ": No such file or directory", Err: vfshell.ErrTransfer}
	}
	return data, nil
}

func (c fakeConn) WriteFile(ctx context.Context, path string, data []byte, mode vfshell.Mode) error {
	c.r.files[path] = data
	return nil
}

func (c fakeConn) Close() error {
	c.r.closed++
	return nil
}

func (r *fakeRemote) Dial(ctx context.Context, req DialRequest) (RemoteConn, error) {
	r.dials = append(r.dials, req)
	switch {
	case req.Target.Host != "web":
		return nil, &vfshell.RemoteError{
			Host: req.Target.Host,
			Msg:  "Could not resolve hostname " + req.Target.Host + ": Name or service not known",
			Err:  vfshell.ErrConnection,
		}
	case req.Target.User == "mallory":
		return nil, &vfshell.RemoteError{Host: "web", Msg: "authentication failed", Err: vfshell.ErrAuthentication}
	}
	return fakeConn{r}, nil
}

func (r *fakeRemote) Hosts() []RemoteHost {
	return []RemoteHost{{Alias: "web", Address: "10.0.0.5:22", User: "deploy", Description: "web server"}}
}

func TestSSH(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{}}
	_, s := newTestShell(t, Options{Remote: remote})

	if got := mustRun(t, s, "ssh deploy@web hostname"); got != "web\n" {
		t.Errorf("ssh command = %q", got)
	}
	if remote.dials[0].Target.User != "deploy" || remote.dials[0].Target.Port != 22 || remote.closed != 1 {
		t.Errorf("dial = %+v, closed %d", remote.dials[0], remote.closed)
	}
	if res := run(t, s, "ssh web frob"); res.Status != 127 {
		t.Errorf("remote status not propagated: %+v", res)
	}
	if remote.dials[1].Target.User != "alice" {
		t.Errorf("default user = %q", remote.dials[1].Target.User)
	}

	res := run(t, s, "ssh ghost")
	if res.Status != StatusRemote || res.Stderr != "ssh: Could not resolve hostname ghost: Name or service not known\n" {
		t.Errorf("ssh ghost = %+v", res)
	}
	res = run(t, s, "ssh mallory@web ls")
	if res.Status != StatusRemote || res.Stderr != "mallory@web: Permission denied (publickey,password).\n" {
		t.Errorf("ssh mallory@web = %+v", res)
	}
	if got := mustRun(t, s, "echo session survives"); got != "session survives\n" {
		t.Errorf("session after failures = %q", got)
	}
	if res := run(t, s, "ssh"); res.Status != StatusRemote || !strings.HasPrefix(res.Stderr, "usage: ssh") {
		t.Errorf("bare ssh = %+v", res)
	}
}

func TestSSHInteractive(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{}}
	_, s := newTestShell(t, Options{Remote: remote})
	mustRun(t, s, "ssh -l deploy web")
	if target, ok := s.Remote(); !ok || target.String() != "deploy@web" {
		t.Fatalf("Remote() = %v, %v", target, ok)
	}
	if got := s.Prompt(); got != "deploy@web:~$ " {
		t.Errorf("remote prompt = %q", got)
	}
	if got := mustRun(t, s, "hostname"); got != "web\n" {
		t.Errorf("remote hostname = %q", got)
	}
	if got := mustRun(t, s, "exit"); got != "Connection to web closed.\n" {
		t.Errorf("exit = %q", got)
	}
	if _, ok := s.Remote(); ok || s.Exited() {
		t.Errorf("exit left remote mode or ended the session")
	}
	if got := mustRun(t, s, "hostname"); got != "devbox\n" {
		t.Errorf("local hostname = %q", got)
	}
	if len(remote.runs) != 1 {
		t.Errorf("remote ran %q", remote.runs)
	}
}

func TestSCP(t *testing.T) {
	remote := &fakeRemote{files: map[string][]byte{"/srv/app.conf": []byte("port=80\n")}}
	_, s := newTestShell(t, Options{Remote: remote})

	mustRun(t, s, "echo payload > up.txt && scp up.txt web:/tmp/up.txt")
	if string(remote.files["/tmp/up.txt"]) != "payload\n" {
		t.Errorf("uploaded %q", remote.files["/tmp/up.txt"])
	}
	mustRun(t, s, "scp up.txt web:")
	if _, ok := remote.files["up.txt"]; !ok {
		t.Errorf("upload without a remote path did not use the base name: %v", remote.files)
	}
	mustRun(t, s, "scp web:/srv/app.conf documents")
	if got := mustRun(t, s, "cat documents/app.conf"); got != "port=80\n" {
		t.Errorf("downloaded %q", got)
	}
	res := run(t, s, "scp web:/srv/missing .")
	if res.Status != 1 || !strings.Contains(res.Stderr, "/srv/missing: No such file or directory") {
		t.Errorf("download missing = %+v", res)
	}
	dials := len(remote.dials)
	res = run(t, s, "scp nothere.txt web:/tmp/x")
	if res.Status != 1 || !strings.Contains(res.Stderr, "nothere.txt: No such file or directory") {
		t.Errorf("upload missing = %+v", res)
	}
	if len(remote.dials) != dials {
		t.Errorf("dialed before reading the local file")
	}
	mustRun(t, s, "scp up.txt local-copy.txt")
	if got := mustRun(t, s, "cat local-copy.txt"); got != "payload\n" {
		t.Errorf("local scp = %q", got)
	}
	if got := mustRun(t, s, "ssh-list"); !strings.Contains(got, "web") || !strings.Contains(got, "10.0.0.5:22") {
		t.Errorf("ssh-list = %q", got)
	}
}

func TestSSHKeygen(t *testing.T) {
	_, s := newTestShell(t, Options{})
	out := mustRun(t, s, "ssh-keygen -q")
	if out != "" {
		t.Errorf("ssh-keygen -q printed %q", out)
	}
	fi, err := s.View().Stat(".ssh/id_ed25519")
	if err != nil || fi.Mode != 0o600 {
		t.Fatalf("private key = %+v, %v", fi, err)
	}
	pub := mustRun(t, s, "cat .ssh/id_ed25519.pub")
	if !strings.HasPrefix(pub, "ssh-ed25519 ") || !strings.HasSuffix(pub, " alice@devbox\n") {
		t.Errorf("public key = %q", pub)
	}
}

func TestHumanSize(t *testing.T) {
	tests := []struct {
		n    int64
		want string
	}{
		{0, "0"},
		{512, "512"},
		{1536, "1.5K"},
		{10 << 10, "10K"},
		{20 << 20, "20M"},
		{3 << 30, "3.0G"},
	}
	for _, tt := range tests {
		if got := humanSize(tt.n); got != tt.want {
			t.Errorf("humanSize(%d) = %q, want %q", tt.n, got, tt.want)
		}
	}
}
