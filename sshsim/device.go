// Package sshsim runs simulated hosts behind a real SSH server. Each
// device owns a tree and an interpreter; connections get a login session,
// exec and shell channels run command lines and the sftp subsystem serves
// the device tree.
package sshsim

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/shell"
)

// Account is a login on a device. An empty password disables password
// authentication for the account.
type Account struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Sudo     bool   `yaml:"sudo"`
}

// Spec describes a device.
type Spec struct {
	// Name is the short alias, for example "server1".
	Name        string    `yaml:"name"`
	Hostname    string    `yaml:"hostname"`
	Address     string    `yaml:"address"`
	Description string    `yaml:"description"`
	Accounts    []Account `yaml:"accounts"`
}

// DefaultSpecs returns the stock lab network.
func DefaultSpecs() []Spec {
	return []Spec{
		{Name: "server1", Hostname: "ubuntu-server", Address: "192.168.1.100", Description: "Ubuntu server", Accounts: []Account{{Name: "admin", Password: "admin123", Sudo: true}}},
		{Name: "server2", Hostname: "centos-box", Address: "192.168.1.101", Description: "CentOS box", Accounts: []Account{{Name: "root", Password: "root123"}}},
		{Name: "workstation", Hostname: "dev-machine", Address: "192.168.1.102", Description: "Developer workstation", Accounts: []Account{{Name: "developer", Password: "dev456"}}},
		{Name: "webserver", Hostname: "nginx-server", Address: "192.168.1.103", Description: "nginx web server", Accounts: []Account{{Name: "www-data", Password: "webpass"}}},
		{Name: "database", Hostname: "mysql-db", Address: "192.168.1.104", Description: "MySQL database", Accounts: []Account{{Name: "dbadmin", Password: "dbpass123"}}},
	}
}

// Device is one simulated host.
type Device struct {
	spec    Spec
	tree    *vfshell.Tree
	users   *shell.Users
	interp  *shell.Interpreter
	hostKey ssh.Signer
	logger  *zap.Logger
	offline atomic.Bool
}

type deviceOptions struct {
	git     shell.GitRunner
	hostKey ssh.Signer
	clock   func() time.Time
	logger  *zap.Logger
}

// Option configures a Device.
type Option func(*deviceOptions)

// WithGit lets sessions on the device run git.
func WithGit(g shell.GitRunner) Option {
	return func(o *deviceOptions) { o.git = g }
}

// WithHostKey sets the host key. A fresh ed25519 key is used otherwise.
func WithHostKey(s ssh.Signer) Option {
	return func(o *deviceOptions) { o.hostKey = s }
}

// WithClock sets the device clock.
func WithClock(clock func() time.Time) Option {
	return func(o *deviceOptions) { o.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *deviceOptions) { o.logger = l }
}

func (o *deviceOptions) defaults() error {
	if o.logger == nil {
		o.logger = logging.L()
	}
	if o.hostKey != nil {
		return nil
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}
	if o.hostKey, err = ssh.NewSignerFromKey(priv); err != nil {
		return fmt.Errorf("generate host key: %w", err)
	}
	return nil
}

// NewDevice provisions a tree for spec and starts its interpreter.
func NewDevice(spec Spec, opts ...Option) (*Device, error) {
	var o deviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.defaults(); err != nil {
		return nil, err
	}
	if spec.Hostname == "" {
		spec.Hostname = spec.Name
	}

	users := shell.NewUsers()
	uid := uint32(1000)
	for _, a := range spec.Accounts {
		u := shell.User{Account: vfshell.Account{Name: a.Name, UID: uid, GID: uid}, Sudo: a.Sudo}
		if a.Name == "root" {
			u = shell.User{Account: vfshell.Account{Name: "root"}, Sudo: true}
		} else {
			uid++
		}
		if a.Password != "" {
			hash, err := shell.HashPassword(a.Password)
			if err != nil {
				return nil, fmt.Errorf("account %s: %w", a.Name, err)
			}
			u.PasswordHash = hash
		}
		users.Add(u)
	}

	tree := vfshell.New()
	layout := vfshell.Layout{
		Hostname: spec.Hostname,
		Accounts: users.Accounts(),
		MOTD:     fmt.Sprintf("Welcome to %s (%s)\n", spec.Hostname, spec.Address),
	}
	if err := vfshell.Provision(tree, layout); err != nil {
		return nil, fmt.Errorf("provision %s: %w", spec.Name, err)
	}
	logger := o.logger.Named("sshsim").With(zap.String("device", spec.Name))
	in := shell.New(tree, shell.Options{
		Hostname: spec.Hostname,
		Users:    users,
		Git:      o.git,
		Clock:    o.clock,
		Logger:   logger,
	})
	return &Device{spec: spec, tree: tree, users: users, interp: in, hostKey: o.hostKey, logger: logger}, nil
}

// Attach serves an existing interpreter, its tree and its accounts as a
// device. Accounts in spec are ignored.
func Attach(spec Spec, in *shell.Interpreter, opts ...Option) (*Device, error) {
	var o deviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.defaults(); err != nil {
		return nil, err
	}
	if spec.Hostname == "" {
		spec.Hostname = in.Hostname()
	}
	if spec.Name == "" {
		spec.Name = spec.Hostname
	}
	logger := o.logger.Named("sshsim").With(zap.String("device", spec.Name))
	return &Device{spec: spec, tree: in.Tree(), users: in.Users(), interp: in, hostKey: o.hostKey, logger: logger}, nil
}

// Spec returns the device description.
func (d *Device) Spec() Spec { return d.spec }

// Tree returns the device filesystem.
func (d *Device) Tree() *vfshell.Tree { return d.tree }

// Users returns the device accounts.
func (d *Device) Users() *shell.Users { return d.users }

// HostKey returns the public host key.
func (d *Device) HostKey() ssh.PublicKey { return d.hostKey.PublicKey() }

// SetOnline takes the device off or back on the network. Offline devices
// refuse connections.
func (d *Device) SetOnline(online bool) { d.offline.Store(!online) }

// Online reports whether the device accepts connections.
func (d *Device) Online() bool { return !d.offline.Load() }

// matches reports whether host names the device.
func (d *Device) matches(host string) bool {
	return host == d.spec.Name || host == d.spec.Hostname || (d.spec.Address != "" && host == d.spec.Address)
}
