package remote

import (
	"context"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/shell"
	"github.com/IceWhaleTech/vfshell/sshsim"
)

type staticPassword string

func (p staticPassword) ReadPassword(prompt string) (string, error) { return string(p), nil }

type lab struct {
	device *sshsim.Device
	tree   *vfshell.Tree
	client *Client
	s      *shell.Session
}

func newLab(t *testing.T) *lab {
	t.Helper()
	d, err := sshsim.NewDevice(sshsim.Spec{
		Name:     "web",
		Hostname: "web01",
		Address:  "10.0.0.5",
		Accounts: []sshsim.Account{{Name: "deploy", Password: "s3cret"}},
	})
	if err != nil {
		t.Fatalf("NewDevice failed: %v", err)
	}
	network := sshsim.NewNetwork(d)
	t.Cleanup(func() { network.Close() })

	client := New([]Host{{Alias: "web", Address: "10.0.0.5", User: "deploy", Description: "web tier"}},
		WithDialer(network.DialContext))

	users := shell.NewUsers(shell.User{Account: vfshell.Account{Name: "alice", UID: 1000, GID: 1000}})
	tree := vfshell.New()
	if err := vfshell.Provision(tree, vfshell.Layout{Hostname: "laptop", Accounts: users.Accounts()}); err != nil {
		t.Fatalf("Provision failed: %v", err)
	}
	in := shell.New(tree, shell.Options{Hostname: "laptop", Users: users, Remote: client})
	u, _ := users.Lookup("alice")
	s := in.NewSession(u)
	s.Login()
	s.Prompter = staticPassword("s3cret")
	t.Cleanup(func() { s.Close(context.Background()) })
	return &lab{device: d, tree: tree, client: client, s: s}
}

func (l *lab) run(line string) shell.Result {
	return l.s.Execute(context.Background(), line)
}

func (l *lab) mustRun(t *testing.T, line string) string {
	t.Helper()
	res := l.run(line)
	if res.Status != 0 {
		t.Fatalf("%q exited %d: %s", line, res.Status, res.Stderr)
	}
	return res.Stdout
}

func TestRunCommand(t *testing.T) {
	l := newLab(t)
	if got := l.mustRun(t, "ssh deploy@web whoami"); got != "deploy\n" {
		t.Errorf("whoami = %q", got)
	}
	res := l.run("ssh deploy@web ls /nowhere")
	if res.Status == 0 || !strings.Contains(res.Stderr, "/nowhere") {
		t.Errorf("remote failure = %+v", res)
	}

	view := l.tree.View(vfshell.Root, "/")
	data, err := view.ReadFile("/home/alice/.ssh/known_hosts")
	if err != nil || !strings.HasPrefix(string(data), "10.0.0.5 ssh-ed25519 ") {
		t.Fatalf("known_hosts = %q, %v", data, err)
	}
	if n := strings.Count(string(data), "\n"); n != 1 {
		t.Errorf("known_hosts has %d lines after two connections", n)
	}
}

func TestInteractiveSession(t *testing.T) {
	l := newLab(t)
	l.mustRun(t, "ssh deploy@web")
	if got := l.s.Prompt(); got != "deploy@web:~$ " {
		t.Errorf("prompt = %q", got)
	}
	if got := l.mustRun(t, "pwd"); got != "/home/deploy\n" {
		t.Errorf("pwd = %q", got)
	}
	l.mustRun(t, "cd /tmp")
	if got := l.mustRun(t, "pwd"); got != "/tmp\n" {
		t.Errorf("pwd after cd = %q", got)
	}
	if got := l.mustRun(t, "exit"); got != "Connection to web closed.\n" {
		t.Errorf("exit = %q", got)
	}
	if got := l.mustRun(t, "pwd"); got != "/home/alice\n" {
		t.Errorf("local pwd = %q", got)
	}
}

func TestAuthenticationFailure(t *testing.T) {
	l := newLab(t)
	l.s.Prompter = staticPassword("wrong")
	res := l.run("ssh deploy@web uptime")
	if res.Status != shell.StatusRemote || res.Stderr != "deploy@web: Permission denied (publickey,password).\n" {
		t.Errorf("bad password = %+v", res)
	}
	if l.s.Exited() {
		t.Errorf("authentication failure ended the session")
	}
	if got := l.mustRun(t, "echo still here"); got != "still here\n" {
		t.Errorf("echo = %q", got)
	}
}

func TestConnectionErrors(t *testing.T) {
	l := newLab(t)
	res := l.run("ssh nowhere true")
	if res.Status != shell.StatusRemote || res.Stderr != "ssh: Could not resolve hostname nowhere: Name or service not known\n" {
		t.Errorf("unknown host = %+v", res)
	}
	res = l.run("ssh -p 2222 deploy@web true")
	if res.Status != shell.StatusRemote || !strings.Contains(res.Stderr, "port 2222: Connection refused") {
		t.Errorf("closed port = %+v", res)
	}
	l.device.SetOnline(false)
	res = l.run("ssh deploy@web true")
	if res.Status != shell.StatusRemote || !strings.Contains(res.Stderr, "Connection refused") {
		t.Errorf("offline host = %+v", res)
	}
}

func TestHostKeyChanged(t *testing.T) {
	l := newLab(t)
	other, err := sshsim.NewDevice(sshsim.Spec{Name: "other"})
	if err != nil {
		t.Fatal(err)
	}
	view := l.tree.View(vfshell.Cred{UID: 1000, GID: 1000}, "/home/alice")
	if err := view.MkdirAll(".ssh", 0o700); err != nil {
		t.Fatal(err)
	}
	line := "10.0.0.5 " + string(ssh.MarshalAuthorizedKey(other.HostKey()))
	if err := view.WriteFile(".ssh/known_hosts", []byte(line)); err != nil {
		t.Fatal(err)
	}
	res := l.run("ssh deploy@web true")
	if res.Status != shell.StatusRemote || !strings.Contains(res.Stderr, "REMOTE HOST IDENTIFICATION HAS CHANGED") {
		t.Errorf("changed key = %+v", res)
	}
}

func TestPublicKeyAuthentication(t *testing.T) {
	l := newLab(t)
	l.s.Prompter = nil
	l.mustRun(t, "ssh-keygen -q")
	pub, err := l.tree.View(vfshell.Root, "/").ReadFile("/home/alice/.ssh/id_ed25519.pub")
	if err != nil {
		t.Fatal(err)
	}
	remote := l.device.Tree().View(vfshell.Root, "/")
	if err := remote.MkdirAll("/home/deploy/.ssh", 0o700); err != nil {
		t.Fatal(err)
	}
	if err := remote.WriteFile("/home/deploy/.ssh/authorized_keys", pub); err != nil {
		t.Fatal(err)
	}
	if got := l.mustRun(t, "ssh deploy@web hostname"); got != "web01\n" {
		t.Errorf("hostname = %q", got)
	}
}

func TestCopyFiles(t *testing.T) {
	l := newLab(t)
	l.mustRun(t, "echo report > report.txt && chmod 600 report.txt")
	l.mustRun(t, "scp report.txt deploy@web:")
	remote := l.device.Tree().View(vfshell.Root, "/")
	data, err := remote.ReadFile("/home/deploy/report.txt")
	if err != nil || string(data) != "report\n" {
		t.Fatalf("uploaded = %q, %v", data, err)
	}
	if fi, _ := remote.Stat("/home/deploy/report.txt"); fi.Mode&vfshell.ModePerm != 0o600 || fi.UID == 0 {
		t.Errorf("uploaded file = %+v", fi)
	}

	l.mustRun(t, "scp report.txt deploy@web:documents")
	if _, err := remote.Stat("/home/deploy/documents/report.txt"); err != nil {
		t.Errorf("upload into a directory: %v", err)
	}

	l.mustRun(t, "mkdir inbox && scp deploy@web:documents/readme.txt inbox")
	local := l.tree.View(vfshell.Root, "/")
	if data, err := local.ReadFile("/home/alice/inbox/readme.txt"); err != nil || string(data) != "Welcome to web01\n" {
		t.Errorf("downloaded = %q, %v", data, err)
	}

	res := l.run("scp deploy@web:nope .")
	if res.Status != 1 || res.Stderr != "scp: nope: No such file or directory\n" {
		t.Errorf("missing remote file = %+v", res)
	}
	res = l.run("scp report.txt deploy@web:/etc/passwd")
	if res.Status != 1 || !strings.Contains(res.Stderr, "Permission denied") {
		t.Errorf("upload without permission = %+v", res)
	}
}

func TestHostDirectory(t *testing.T) {
	l := newLab(t)
	got := l.mustRun(t, "ssh-list")
	if !strings.Contains(got, "HOST") || !strings.Contains(got, "10.0.0.5") || !strings.Contains(got, "web tier") {
		t.Errorf("ssh-list = %q", got)
	}
	if got := l.client.Hosts(); len(got) != 1 || got[0].User != "deploy" {
		t.Errorf("Hosts = %+v", got)
	}
}
