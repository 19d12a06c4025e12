// Package app assembles a tree, its interpreter and adapters from the
// configuration. The binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/config"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/storage"
	"github.com/IceWhaleTech/vfshell/remote"
	"github.com/IceWhaleTech/vfshell/shell"
	"github.com/IceWhaleTech/vfshell/sshsim"
	"github.com/IceWhaleTech/vfshell/vcs"
)

// App is a running environment.
type App struct {
	Config       *config.Config
	Tree         *vfshell.Tree
	Users        *shell.Users
	Interp       *shell.Interpreter
	Checkpointer *vfshell.Checkpointer
	Snapshots    *vfshell.Snapshots
	// Network is the simulated ssh network, nil when ssh goes to real
	// hosts.
	Network *sshsim.Network
	// LoadStatus tells whether state was restored, fresh or recovered.
	LoadStatus vfshell.LoadStatus

	closers []io.Closer
}

// New loads the tree from the configured backend and wires the
// interpreter.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	users, err := Users(cfg)
	if err != nil {
		return nil, err
	}
	store, closer, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open state backend: %w", err)
	}
	a := &App{Config: cfg, Users: users, closers: []io.Closer{closer}}

	passphrase := cfg.State.Passphrase()
	tree, status, err := vfshell.LoadTree(ctx, store, vfshell.LoadOptions{
		Passphrase: passphrase,
		Provision: func(t *vfshell.Tree) error {
			return vfshell.Provision(t, vfshell.Layout{Hostname: cfg.Hostname, Accounts: users.Accounts()})
		},
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Tree = tree
	a.LoadStatus = status
	a.Checkpointer = vfshell.NewCheckpointer(tree, store, vfshell.SerializeOptions{Passphrase: passphrase})
	if status == vfshell.StateRecovered {
		a.Checkpointer.Preserve()
		logging.Warn("stored state is unreadable and kept until a forced save", zap.String("backend", cfg.State.Backend))
	}
	a.Snapshots = vfshell.NewSnapshots(tree)
	logging.Info("state ready", zap.String("backend", cfg.State.Backend), zap.Stringer("status", status))

	git := vcs.New(vcs.Author{Name: cfg.Git.AuthorName, Email: cfg.Git.AuthorEmail})
	rc, err := a.remote(git)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := shell.Options{
		Hostname:    cfg.Hostname,
		HistorySize: cfg.HistorySize,
		Timeout:     cfg.CommandTimeout,
		Users:       users,
		Audit:       auditLogger(cfg, tree),
		Git:         git,
		Remote:      rc,
		Snapshots:   a.Snapshots,
		Checkpoint:  a.Checkpointer.Save,
	}
	validator := shell.NewDangerousCommandFilter()
	validator.Block(cfg.BlockedCommands...)
	opts.Validator = validator
	a.Interp = shell.New(tree, opts)
	return a, nil
}

// remote builds the ssh client, routed to the simulated network when
// configured.
func (a *App) remote(git shell.GitRunner) (*remote.Client, error) {
	cfg := a.Config
	hosts := append([]remote.Host(nil), cfg.SSH.Hosts...)
	opts := []remote.Option{remote.WithAcceptNewHostKeys(cfg.SSH.AcceptNewHostKeys)}
	if cfg.SSH.Timeout > 0 {
		opts = append(opts, remote.WithTimeout(cfg.SSH.Timeout))
	}
	if cfg.SSH.Simulate {
		specs := cfg.SSH.Devices
		if len(specs) == 0 {
			specs = sshsim.DefaultSpecs()
		}
		network := sshsim.NewNetwork()
		for _, spec := range specs {
			d, err := sshsim.NewDevice(spec, sshsim.WithGit(git))
			if err != nil {
				return nil, err
			}
			network.Add(d)
			hosts = append(hosts, DeviceHost(spec))
		}
		var dialer net.Dialer
		network.Fallback = dialer.DialContext
		a.Network = network
		a.closers = append(a.closers, network)
		opts = append(opts, remote.WithDialer(network.DialContext))
	}
	return remote.New(hosts, opts...), nil
}

// DeviceHost is the host directory entry for a simulated device.
func DeviceHost(spec sshsim.Spec) remote.Host {
	h := remote.Host{Alias: spec.Name, Address: spec.Address, Description: spec.Description}
	if h.Address == "" {
		h.Address = spec.Hostname
	}
	if len(spec.Accounts) > 0 {
		h.User = spec.Accounts[0].Name
	}
	return h
}

func auditLogger(cfg *config.Config, tree *vfshell.Tree) vfshell.AuditLogger {
	var loggers vfshell.MultiAuditLogger
	if cfg.Audit.TreePath != "" {
		loggers = append(loggers, vfshell.NewTreeAuditLogger(tree, cfg.Audit.TreePath))
	}
	if cfg.Audit.Log {
		loggers = append(loggers, vfshell.NewZapAuditLogger(logging.L().Named("audit")))
	}
	if len(loggers) == 0 {
		return nil
	}
	return loggers
}

// Users builds the account database. Without multi_user only the login
// user exists besides root.
func Users(cfg *config.Config) (*shell.Users, error) {
	entries := cfg.Users
	if !cfg.MultiUser {
		entries = []config.UserConfig{cfg.Account(cfg.User)}
	}
	db := shell.NewUsers()
	next := uint32(1000)
	for _, e := range entries {
		u := shell.User{Account: vfshell.Account{Name: e.Name, UID: e.UID, GID: e.GID, Home: e.Home}, Sudo: e.Sudo}
		if e.Name == "root" {
			u.UID, u.GID = 0, 0
		} else if u.UID == 0 {
			u.UID = next
			next++
		}
		if u.GID == 0 && u.UID != 0 {
			u.GID = u.UID
		}
		switch {
		case e.PasswordHash != "":
			u.PasswordHash = []byte(e.PasswordHash)
		case e.Password != "":
			hash, err := shell.HashPassword(e.Password)
			if err != nil {
				return nil, fmt.Errorf("user %s: %w", e.Name, err)
			}
			u.PasswordHash = hash
		}
		db.Add(u)
	}
	return db, nil
}

// Session opens a login session for the configured user.
func (a *App) Session() (*shell.Session, error) {
	u, ok := a.Users.Lookup(a.Config.User)
	if !ok {
		return nil, fmt.Errorf("unknown user %q", a.Config.User)
	}
	s := a.Interp.NewSession(u)
	s.Login()
	return s, nil
}

// Close saves the tree and releases the backend and the simulated
// network.
func (a *App) Close() error {
	var errs []error
	if a.Checkpointer != nil {
		if err := a.Checkpointer.Save(context.Background(), false); err != nil && !errors.Is(err, vfshell.ErrPreserved) {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
