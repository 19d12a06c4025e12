// Command vfshell runs an interactive shell over a persistent virtual
// Linux filesystem.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/IceWhaleTech/vfshell/internal/app"
	"github.com/IceWhaleTech/vfshell/internal/config"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
	"github.com/IceWhaleTech/vfshell/shell"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = pflag.String("config", "", "path to the YAML configuration file")
		command     = pflag.StringP("command", "c", "", "run a single command line and exit")
		user        = pflag.StringP("user", "u", "", "log in as this account")
		logLevel    = pflag.String("log-level", "", "log level: debug, info, warn, error")
		metricsAddr = pflag.String("metrics-addr", "", "serve Prometheus metrics on this address")
		showVersion = pflag.Bool("version", false, "print the version and exit")
	)
	pflag.Parse()
	if *showVersion {
		fmt.Println("vfshell", version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vfshell:", err)
		return 2
	}
	if *user != "" {
		cfg.User = *user
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if err := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.Output}); err != nil {
		fmt.Fprintln(os.Stderr, "vfshell: init logging:", err)
		return 1
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vfshell:", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error("final save failed", logging.Err(err))
			fmt.Fprintln(os.Stderr, "vfshell: save state:", err)
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr)
		defer srv.Shutdown(context.Background())
	}
	if cfg.State.Backend != config.BackendMemory {
		go a.Checkpointer.Run(ctx, cfg.State.AutosaveInterval)
	}

	s, err := a.Session()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vfshell:", err)
		return 1
	}
	defer s.Close(context.WithoutCancel(ctx))

	if *command != "" {
		s.Prompter = stdinPrompter{}
		res := execute(ctx, s, *command)
		io.WriteString(os.Stdout, res.Stdout)
		io.WriteString(os.Stderr, res.Stderr)
		return res.Status
	}
	if term.IsTerminal(int(os.Stdin.Fd())) {
		return interactive(ctx, s)
	}
	return script(ctx, s, os.Stdin)
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server failed", zap.String("addr", addr), logging.Err(err))
		}
	}()
	logging.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// execute runs one line, cancelling it on SIGINT.
func execute(ctx context.Context, s *shell.Session, line string) shell.Result {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-sigs:
			cancel()
		case <-ctx.Done():
		}
	}()
	return s.Execute(ctx, line)
}

// interactive reads lines from a raw-mode terminal until exit or EOF.
func interactive(ctx context.Context, s *shell.Session) int {
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "vfshell:", err)
		return 1
	}
	defer term.Restore(fd, state)

	tty := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "")
	if w, h, err := term.GetSize(fd); err == nil {
		tty.SetSize(w, h)
	}
	s.Prompter = terminalPrompter{tty}
	if motd, err := s.View().ReadFile("/etc/motd"); err == nil {
		tty.Write(motd)
	}
	for !s.Exited() && ctx.Err() == nil {
		tty.SetPrompt(s.Prompt())
		line, err := tty.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logging.Warn("read line", logging.Err(err))
			}
			break
		}
		res := s.Execute(ctx, line)
		io.WriteString(tty, res.Stdout)
		io.WriteString(tty, res.Stderr)
	}
	return s.LastStatus()
}

// script runs each line of r in order, as a non-interactive shell does.
func script(ctx context.Context, s *shell.Session, r io.Reader) int {
	s.Prompter = stdinPrompter{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() && !s.Exited() && ctx.Err() == nil {
		res := execute(ctx, s, sc.Text())
		io.WriteString(os.Stdout, res.Stdout)
		io.WriteString(os.Stderr, res.Stderr)
	}
	if err := sc.Err(); err != nil {
		fmt.Fprintln(os.Stderr, "vfshell:", err)
		return 1
	}
	return s.LastStatus()
}

type terminalPrompter struct {
	tty *term.Terminal
}

func (p terminalPrompter) ReadPassword(prompt string) (string, error) {
	return p.tty.ReadPassword(prompt)
}

// stdinPrompter asks on the controlling terminal, if there is one.
type stdinPrompter struct{}

func (stdinPrompter) ReadPassword(prompt string) (string, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("no terminal for password prompt: %w", err)
	}
	defer tty.Close()
	io.WriteString(tty, prompt)
	b, err := term.ReadPassword(int(tty.Fd()))
	io.WriteString(tty, "\n")
	return string(b), err
}
