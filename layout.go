package vfshell

import (
	"fmt"
	"strings"
)

// Account is a user known to the simulated system.
type Account struct {
	Name  string
	UID   uint32
	GID   uint32
	Home  string
	Shell string
}

// Cred returns the identity that acts as the account.
func (a Account) Cred() Cred {
	return Cred{UID: a.UID, GID: a.GID}
}

// Layout describes the initial contents of a freshly provisioned tree.
type Layout struct {
	Hostname string
	Accounts []Account
	MOTD     string
}

var standardDirs = []struct {
	path string
	mode Mode
}{
	{"/bin", 0o755},
	{"/boot", 0o755},
	{"/dev", 0o755},
	{"/etc", 0o755},
	{"/home", 0o755},
	{"/lib", 0o755},
	{"/opt", 0o755},
	{"/proc", 0o555},
	{"/root", 0o700},
	{"/sbin", 0o755},
	{"/srv", 0o755},
	{"/tmp", 0o777},
	{"/usr", 0o755},
	{"/usr/bin", 0o755},
	{"/usr/local", 0o755},
	{"/usr/share", 0o755},
	{"/var", 0o755},
	{"/var/log", 0o755},
	{"/var/tmp", 0o777},
}

// Provision populates t with a small Linux-like hierarchy: system
// directories, /etc files describing the accounts, and a home directory
// per account.
func Provision(t *Tree, l Layout) error {
	root := t.View(Root, "/")
	for _, d := range standardDirs {
		if err := root.MkdirAll(d.path, d.mode); err != nil {
			return err
		}
		if err := root.Chmod(d.path, d.mode); err != nil {
			return err
		}
	}

	hostname := l.Hostname
	if hostname == "" {
		hostname = "localhost"
	}
	motd := l.MOTD
	if motd == "" {
		motd = fmt.Sprintf("Welcome to %s\n", hostname)
	}

	var passwd, group strings.Builder
	seenGroups := map[uint32]bool{}
	for _, a := range withRoot(l.Accounts) {
		shell := a.Shell
		if shell == "" {
			shell = "/bin/bash"
		}
		fmt.Fprintf(&passwd, "%s:x:%d:%d:%s:%s:%s\n", a.Name, a.UID, a.GID, a.Name, a.Home, shell)
		if !seenGroups[a.GID] {
			seenGroups[a.GID] = true
			fmt.Fprintf(&group, "%s:x:%d:\n", a.Name, a.GID)
		}
	}

	files := []struct {
		path string
		data string
	}{
		{"/etc/hostname", hostname + "\n"},
		{"/etc/hosts", fmt.Sprintf("127.0.0.1\tlocalhost\n127.0.1.1\t%s\n", hostname)},
		{"/etc/passwd", passwd.String()},
		{"/etc/group", group.String()},
		{"/etc/motd", motd},
		{"/etc/os-release", "NAME=\"vfshell Linux\"\nID=vfshell\nPRETTY_NAME=\"vfshell Linux\"\n"},
		{"/var/log/syslog", "System log file\n"},
		{"/dev/null", ""},
	}
	for _, f := range files {
		if err := root.WriteFile(f.path, []byte(f.data)); err != nil {
			return err
		}
	}
	if err := root.Chmod("/dev/null", 0o666); err != nil {
		return err
	}

	for _, a := range l.Accounts {
		if a.UID == 0 || a.Home == "" {
			continue
		}
		if err := root.MkdirAll(a.Home, DefaultDirMode); err != nil {
			return err
		}
		if err := root.Chown(a.Home, a.UID, a.GID); err != nil {
			return err
		}
		home := t.View(a.Cred(), a.Home)
		if err := home.Mkdir("documents", DefaultDirMode); err != nil {
			return err
		}
		if err := home.WriteFile("documents/readme.txt", []byte(fmt.Sprintf("Welcome to %s\n", hostname))); err != nil {
			return err
		}
		if err := home.WriteFile(".bashrc", []byte("export PS1='\\u@\\h:\\w\\$ '\n")); err != nil {
			return err
		}
	}
	return nil
}

func withRoot(accounts []Account) []Account {
	for _, a := range accounts {
		if a.UID == 0 {
			return accounts
		}
	}
	return append([]Account{{Name: "root", UID: 0, GID: 0, Home: "/root"}}, accounts...)
}
