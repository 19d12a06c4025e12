// Package config loads the vfshell configuration.
//
// Configuration comes from an optional YAML file named by the --config
// flag or VFSHELL_CONFIG. VFSHELL_* environment variables override
// values from the file, which override the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IceWhaleTech/vfshell/remote"
	"github.com/IceWhaleTech/vfshell/sshsim"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendS3       = "s3"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the configuration of the vfshell binaries.
type Config struct {
	// Hostname is the simulated host name shown in prompts.
	Hostname string `yaml:"hostname"`

	// User is the account the interactive session logs in as.
	User string `yaml:"user"`

	// MultiUser provisions every entry of Users. Otherwise only User
	// exists besides root.
	MultiUser bool `yaml:"multi_user"`

	Users []UserConfig `yaml:"users"`

	HistorySize    int           `yaml:"history_size"`
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// BlockedCommands are refused by the interpreter.
	BlockedCommands []string `yaml:"blocked_commands"`

	State    StateConfig    `yaml:"state"`
	S3       S3Config       `yaml:"s3"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`

	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Audit   AuditConfig   `yaml:"audit"`

	SSH SSHConfig `yaml:"ssh"`
	Git GitConfig `yaml:"git"`
}

// UserConfig describes an account. Password is hashed at startup;
// PasswordHash takes a bcrypt hash directly.
type UserConfig struct {
	Name         string `yaml:"name"`
	UID          uint32 `yaml:"uid"`
	GID          uint32 `yaml:"gid"`
	Home         string `yaml:"home"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Sudo         bool   `yaml:"sudo"`
}

// StateConfig selects where the tree is persisted.
type StateConfig struct {
	Backend string `yaml:"backend"`
	// Path is the state file for the file backend.
	Path             string        `yaml:"path"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
	// PassphraseEnv names the environment variable holding the state
	// encryption passphrase. An unset variable disables encryption.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// Passphrase returns the state passphrase from the environment.
func (s StateConfig) Passphrase() string {
	if s.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(s.PassphraseEnv)
}

// S3Config configures the s3 backend.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Key          string `yaml:"key"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
	// Name identifies this tree's row, so several trees can share a table.
	Name string `yaml:"name"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AuditConfig configures command auditing.
type AuditConfig struct {
	// TreePath appends JSON entries to a file inside the virtual tree.
	TreePath string `yaml:"tree_path"`
	// Log sends entries to the process logger.
	Log bool `yaml:"log"`
}

// SSHConfig configures the remote adapter and the simulated network.
type SSHConfig struct {
	Hosts             []remote.Host `yaml:"hosts"`
	AcceptNewHostKeys bool          `yaml:"accept_new_host_keys"`
	Timeout           time.Duration `yaml:"timeout"`
	// Simulate routes ssh to in-process devices instead of the network.
	Simulate bool `yaml:"simulate"`
	// Devices overrides the default simulated devices.
	Devices []sshsim.Spec `yaml:"devices"`
}

// GitConfig sets the fallback commit identity.
type GitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Hostname:    "localhost",
		User:        "user",
		HistorySize: 1000,
		State: StateConfig{
			Backend:          BackendFile,
			Path:             "vfshell.state",
			AutosaveInterval: 30 * time.Second,
			PassphraseEnv:    "VFSHELL_PASSPHRASE",
		},
		S3:       S3Config{Key: "vfshell/state", Region: "us-east-1"},
		Postgres: PostgresConfig{Name: "default"},
		SQLite:   SQLiteConfig{Path: "vfshell.db", Name: "default"},
		Logging:  LoggingConfig{Level: "warn", Format: "console", Output: "stderr"},
		SSH: SSHConfig{
			AcceptNewHostKeys: true,
			Timeout:           15 * time.Second,
			Simulate:          true,
		},
	}
}

// Load reads the file at path, if any, then applies environment
// overrides and validates the result. An empty path falls back to
// VFSHELL_CONFIG; with neither set the defaults are used.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("VFSHELL_CONFIG")
	}
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overrides settings from VFSHELL_* variables.
func (c *Config) applyEnv() error {
	var errs []error
	envString("VFSHELL_HOSTNAME", &c.Hostname)
	envString("VFSHELL_USER", &c.User)
	errs = append(errs,
		envInt("VFSHELL_HISTORY_SIZE", &c.HistorySize),
		envDuration("VFSHELL_COMMAND_TIMEOUT", &c.CommandTimeout),
		envBool("VFSHELL_MULTI_USER", &c.MultiUser),
	)

	envString("VFSHELL_STATE_BACKEND", &c.State.Backend)
	envString("VFSHELL_STATE_PATH", &c.State.Path)
	errs = append(errs, envDuration("VFSHELL_AUTOSAVE_INTERVAL", &c.State.AutosaveInterval))

	envString("VFSHELL_S3_BUCKET", &c.S3.Bucket)
	envString("VFSHELL_S3_KEY", &c.S3.Key)
	envString("VFSHELL_S3_REGION", &c.S3.Region)
	envString("VFSHELL_S3_ENDPOINT", &c.S3.Endpoint)
	envString("VFSHELL_S3_ACCESS_KEY", &c.S3.AccessKey)
	envString("VFSHELL_S3_SECRET_KEY", &c.S3.SecretKey)
	errs = append(errs, envBool("VFSHELL_S3_USE_PATH_STYLE", &c.S3.UsePathStyle))

	envString("VFSHELL_DATABASE_URL", &c.Postgres.DSN)
	envString("VFSHELL_SQLITE_PATH", &c.SQLite.Path)

	envString("VFSHELL_LOG_LEVEL", &c.Logging.Level)
	envString("VFSHELL_LOG_FORMAT", &c.Logging.Format)
	envString("VFSHELL_METRICS_ADDR", &c.Metrics.Addr)

	errs = append(errs,
		envBool("VFSHELL_SSH_SIMULATE", &c.SSH.Simulate),
		envBool("VFSHELL_SSH_ACCEPT_NEW_HOST_KEYS", &c.SSH.AcceptNewHostKeys),
	)
	envString("VFSHELL_GIT_AUTHOR_NAME", &c.Git.AuthorName)
	envString("VFSHELL_GIT_AUTHOR_EMAIL", &c.Git.AuthorEmail)
	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Hostname == "" {
		errs = append(errs, errors.New("hostname is required"))
	}
	if c.User == "" {
		errs = append(errs, errors.New("user is required"))
	}
	if c.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("history_size must not be negative, got %d", c.HistorySize))
	}
	if c.CommandTimeout < 0 {
		errs = append(errs, fmt.Errorf("command_timeout must not be negative, got %s", c.CommandTimeout))
	}

	switch c.State.Backend {
	case BackendMemory:
	case BackendFile:
		if c.State.Path == "" {
			errs = append(errs, errors.New("state.path is required for the file backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required for the s3 backend"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is required for the postgres backend"))
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("state.backend must be one of memory, file, s3, postgres, sqlite; got %q", c.State.Backend))
	}

	seen := make(map[string]bool)
	for _, u := range c.Users {
		if u.Name == "" {
			errs = append(errs, errors.New("users: entry without a name"))
			continue
		}
		if seen[u.Name] {
			errs = append(errs, fmt.Errorf("users: duplicate name %q", u.Name))
		}
		seen[u.Name] = true
	}
	for _, h := range c.SSH.Hosts {
		if h.Alias == "" || h.Address == "" {
			errs = append(errs, fmt.Errorf("ssh.hosts: alias and address are required, got %+v", h))
		}
	}
	return errors.Join(errs...)
}

// Account returns the configured entry for name, or a default one.
func (c *Config) Account(name string) UserConfig {
	for _, u := range c.Users {
		if u.Name == name {
			return u
		}
	}
	return UserConfig{Name: name}
}
