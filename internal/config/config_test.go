package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config is invalid: %v", err)
	}
	if cfg.HistorySize != 1000 {
		t.Errorf("expected history_size=1000, got %d", cfg.HistorySize)
	}
	if cfg.State.Backend != BackendFile {
		t.Errorf("expected file backend, got %s", cfg.State.Backend)
	}
	if cfg.MultiUser {
		t.Error("expected a single user by default")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vfshell.yaml")
	content := `
hostname: lab
user: alice
multi_user: true
users:
  - name: alice
    uid: 1000
    gid: 1000
    sudo: true
  - name: bob
    password: hunter2
command_timeout: 5s
blocked_commands: [rm]
state:
  backend: sqlite
  autosave_interval: 1m
sqlite:
  path: /var/lib/vfshell/state.db
ssh:
  hosts:
    - alias: web
      address: 10.0.0.5:22
      user: deploy
      description: web tier
git:
  author_name: Alice
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hostname != "lab" || cfg.User != "alice" || !cfg.MultiUser {
		t.Errorf("identity = %q %q %v", cfg.Hostname, cfg.User, cfg.MultiUser)
	}
	if cfg.CommandTimeout != 5*time.Second || cfg.State.AutosaveInterval != time.Minute {
		t.Errorf("durations = %s %s", cfg.CommandTimeout, cfg.State.AutosaveInterval)
	}
	if len(cfg.Users) != 2 || !cfg.Users[0].Sudo || cfg.Users[1].Password != "hunter2" {
		t.Errorf("users = %+v", cfg.Users)
	}
	if cfg.SQLite.Path != "/var/lib/vfshell/state.db" || cfg.SQLite.Name != "default" {
		t.Errorf("sqlite = %+v", cfg.SQLite)
	}
	if len(cfg.SSH.Hosts) != 1 || cfg.SSH.Hosts[0].User != "deploy" {
		t.Errorf("hosts = %+v", cfg.SSH.Hosts)
	}
	if !cfg.SSH.AcceptNewHostKeys {
		t.Error("default accept_new_host_keys was lost")
	}
	if got := cfg.Account("bob"); got.Password != "hunter2" {
		t.Errorf("Account(bob) = %+v", got)
	}
	if got := cfg.Account("carol"); got.Name != "carol" {
		t.Errorf("Account(carol) = %+v", got)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("VFSHELL_HOSTNAME", "envhost")
	t.Setenv("VFSHELL_STATE_BACKEND", "memory")
	t.Setenv("VFSHELL_HISTORY_SIZE", "50")
	t.Setenv("VFSHELL_SSH_SIMULATE", "false")
	t.Setenv("VFSHELL_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Hostname != "envhost" || cfg.State.Backend != BackendMemory || cfg.HistorySize != 50 || cfg.SSH.Simulate {
		t.Errorf("overrides not applied: %+v", cfg)
	}

	t.Setenv("VFSHELL_HISTORY_SIZE", "lots")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "VFSHELL_HISTORY_SIZE") {
		t.Errorf("bad integer = %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.State.Backend = "floppy"
	cfg.Users = []UserConfig{{Name: "a"}, {Name: "a"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"state.backend", "duplicate name"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	cfg = Default()
	cfg.State.Backend = BackendS3
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "s3.bucket") {
		t.Errorf("s3 without bucket = %v", err)
	}
}

func TestPassphrase(t *testing.T) {
	t.Setenv("VFSHELL_TEST_SECRET", "open sesame")
	s := StateConfig{PassphraseEnv: "VFSHELL_TEST_SECRET"}
	if got := s.Passphrase(); got != "open sesame" {
		t.Errorf("Passphrase = %q", got)
	}
	if got := (StateConfig{}).Passphrase(); got != "" {
		t.Errorf("Passphrase without env = %q", got)
	}
}
