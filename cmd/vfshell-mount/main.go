//go:build linux

// Command vfshell-mount exposes a vfshell tree through FUSE so host tools
// can inspect it. Changes are saved when the filesystem is unmounted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/app"
	"github.com/IceWhaleTech/vfshell/internal/config"
	"github.com/IceWhaleTech/vfshell/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vfshell-mount:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = pflag.String("config", "", "path to the YAML configuration file")
		user       = pflag.StringP("user", "u", "", "perform file operations as this account (default root)")
		readOnly   = pflag.Bool("read-only", false, "mount read-only")
		debug      = pflag.Bool("debug", false, "log FUSE requests")
	)
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] MOUNTPOINT\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()
	if pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}
	mountPoint := pflag.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.Output}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

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

	cred := vfshell.Root
	if *user != "" {
		u, ok := a.Users.Lookup(*user)
		if !ok {
			return fmt.Errorf("unknown user %q", *user)
		}
		cred = u.Cred()
	}

	opts := &fuse.MountOptions{
		Options: []string{"default_permissions"},
		FsName:  "vfshell",
		Name:    "vfshell",
		Debug:   *debug,
	}
	if *readOnly {
		opts.Options = append(opts.Options, "ro")
	}
	server, err := vfshell.Mount(a.Tree, cred, mountPoint, opts)
	if err != nil {
		return fmt.Errorf("mount %s: %w", mountPoint, err)
	}
	logging.Info("mounted", zap.String("mountpoint", mountPoint), zap.Uint32("uid", cred.UID))
	if cfg.State.Backend != config.BackendMemory {
		go a.Checkpointer.Run(ctx, cfg.State.AutosaveInterval)
	}

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			return fmt.Errorf("unmount %s: %w", mountPoint, err)
		}
		<-done
	case <-done:
	}
	logging.Info("unmounted", zap.String("mountpoint", mountPoint))
	return nil
}
