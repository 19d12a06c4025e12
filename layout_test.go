package vfshell

import (
	"strings"
	"testing"
)

func TestProvision(t *testing.T) {
	tr := New(WithClock(steppingClock()))
	err := Provision(tr, Layout{
		Hostname: "kali",
		Accounts: []Account{{Name: "user", UID: 1000, GID: 1000, Home: "/home/user"}},
	})
	if err != nil {
		t.Fatalf("Provision failed: %v", err)
	}

	root := tr.View(Root, "/")
	passwd, err := root.ReadFile("/etc/passwd")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.HasPrefix(string(passwd), "root:x:0:0:") {
		t.Errorf("Expected root entry first, got %q", passwd)
	}
	if !strings.Contains(string(passwd), "user:x:1000:1000:user:/home/user:/bin/bash") {
		t.Errorf("Missing user entry in %q", passwd)
	}

	home, err := root.Stat("/home/user")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if home.UID != 1000 {
		t.Errorf("Expected home owned by 1000, got %d", home.UID)
	}

	user := tr.View(Cred{UID: 1000, GID: 1000}, "/home/user")
	readme, err := user.ReadFile("documents/readme.txt")
	if err != nil || string(readme) != "Welcome to kali\n" {
		t.Errorf("Unexpected readme %q, %v", readme, err)
	}
	if err := user.WriteFile("/tmp/scratch", []byte("x")); err != nil {
		t.Errorf("/tmp should be world-writable: %v", err)
	}
	if _, err := user.ListDir("/root"); err == nil {
		t.Error("/root should not be listable by a regular user")
	}
}
