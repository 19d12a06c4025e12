// Command vfshell-sshd serves a vfshell environment over SSH. Accounts
// come from the configuration; sftp and scp work against the same tree.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell/internal/app"
	"github.com/IceWhaleTech/vfshell/internal/config"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/sshsim"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vfshell-sshd:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "path to the YAML configuration file")
		listen     = pflag.String("listen", "127.0.0.1:2222", "address to accept SSH connections on")
		hostKey    = pflag.String("host-key", "vfshell_host_ed25519_key", "host key file, generated when missing")
	)
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	signer, err := loadHostKey(*hostKey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error("final save failed", logging.Err(err))
		}
	}()
	if cfg.State.Backend != config.BackendMemory {
		go a.Checkpointer.Run(ctx, cfg.State.AutosaveInterval)
	}

	device, err := sshsim.Attach(sshsim.Spec{Hostname: cfg.Hostname}, a.Interp, sshsim.WithHostKey(signer))
	if err != nil {
		return err
	}
	l, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}
	logging.Info("listening", zap.String("addr", l.Addr().String()),
		zap.String("fingerprint", ssh.FingerprintSHA256(signer.PublicKey())))

	if err := device.Serve(ctx, l); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// loadHostKey reads the PEM private key at path, creating an ed25519 key
// there when the file does not exist.
func loadHostKey(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		block, err := ssh.MarshalPrivateKey(priv, "vfshell host key")
		if err != nil {
			return nil, err
		}
		data = pem.EncodeToMemory(block)
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write host key: %w", err)
		}
		logging.Info("generated host key", zap.String("path", path))
	} else if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse host key %s: %w", path, err)
	}
	return signer, nil
}
