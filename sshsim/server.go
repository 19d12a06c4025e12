package sshsim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
	"github.com/IceWhaleTech/vfshell/shell"
)

const serverVersion = "SSH-2.0-OpenSSH_9.6p1"

const authorizedKeysFile = ".ssh/authorized_keys"

func (d *Device) serverConfig() *ssh.ServerConfig {
	cfg := &ssh.ServerConfig{
		PasswordCallback:  d.checkPassword,
		PublicKeyCallback: d.checkPublicKey,
		ServerVersion:     serverVersion,
		MaxAuthTries:      6,
	}
	cfg.AddHostKey(d.hostKey)
	return cfg
}

func (d *Device) checkPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	u, ok := d.users.Lookup(meta.User())
	ok = ok && len(u.PasswordHash) > 0 && d.users.Authenticate(u.Name, string(password))
	metrics.RecordDeviceLogin(d.spec.Name, "password", ok)
	if !ok {
		d.logger.Info("Failed password", zap.String("user", meta.User()), zap.String("remote", meta.RemoteAddr().String()))
		return nil, fmt.Errorf("password rejected for %s", meta.User())
	}
	return nil, nil
}

func (d *Device) checkPublicKey(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
	u, ok := d.users.Lookup(meta.User())
	if ok && d.authorized(u, key) {
		metrics.RecordDeviceLogin(d.spec.Name, "publickey", true)
		return &ssh.Permissions{Extensions: map[string]string{"pubkey-fp": ssh.FingerprintSHA256(key)}}, nil
	}
	metrics.RecordDeviceLogin(d.spec.Name, "publickey", false)
	return nil, fmt.Errorf("public key of type %s not authorized for %s", key.Type(), meta.User())
}

// authorized reports whether key is listed in the user's authorized_keys.
func (d *Device) authorized(u shell.User, key ssh.PublicKey) bool {
	data, err := d.tree.View(vfshell.Root, "/").ReadFile(vfshell.Join(u.Home, authorizedKeysFile))
	if err != nil {
		return false
	}
	want := key.Marshal()
	for len(data) > 0 {
		pk, _, _, rest, err := ssh.ParseAuthorizedKey(data)
		if err != nil {
			return false
		}
		if bytes.Equal(pk.Marshal(), want) {
			return true
		}
		data = rest
	}
	return false
}

// Serve accepts connections on l until it is closed or ctx is done.
func (d *Device) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go func() {
			if err := d.ServeConn(ctx, nc); err != nil {
				d.logger.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

// ServeConn runs one SSH connection to completion. Every connection gets
// its own login session, shared by the channels opened on it.
func (d *Device) ServeConn(ctx context.Context, nc net.Conn) error {
	if !d.Online() {
		nc.Close()
		return errors.New("device offline")
	}
	sc, chans, reqs, err := ssh.NewServerConn(nc, d.serverConfig())
	if err != nil {
		nc.Close()
		return err
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	u, _ := d.users.Lookup(sc.User())
	c := &conn{device: d, user: u, session: d.interp.NewSession(u)}
	c.session.Login()
	d.logger.Info("Accepted connection",
		zap.String("user", u.Name),
		zap.String("remote", sc.RemoteAddr().String()),
		zap.String("session_id", c.session.ID))
	defer func() {
		if err := c.session.Close(context.WithoutCancel(ctx)); err != nil {
			d.logger.Warn("Failed to close session", zap.Error(err))
		}
	}()

	var wg sync.WaitGroup
	for nch := range chans {
		if nch.ChannelType() != "session" {
			nch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, chReqs, err := nch.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.handle(ctx, ch, chReqs)
		}()
	}
	wg.Wait()
	return nil
}

// conn is the state of one client connection.
type conn struct {
	device *Device
	user   shell.User

	mu      sync.Mutex
	session *shell.Session
}

func (c *conn) execute(ctx context.Context, line string) shell.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Execute(ctx, line)
}

type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// handle serves the requests of one session channel.
func (c *conn) handle(ctx context.Context, ch ssh.Channel, reqs <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ch.Close()

	var (
		started bool
		tty     *term.Terminal
		cols    = 80
		rows    = 24
	)
	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil && p.Columns > 0 {
				cols, rows = int(p.Columns), int(p.Rows)
			}
			req.Reply(true, nil)
		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil && tty != nil {
				tty.SetSize(int(w.Columns), int(w.Rows))
			}
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err != nil {
				req.Reply(false, nil)
				continue
			}
			c.mu.Lock()
			c.session.Setenv(kv.Name, kv.Value)
			c.mu.Unlock()
			req.Reply(true, nil)
		case "exec":
			var p struct{ Command string }
			if started || ssh.Unmarshal(req.Payload, &p) != nil {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			go func() {
				res := c.execute(ctx, p.Command)
				io.WriteString(ch, res.Stdout)
				io.WriteString(ch.Stderr(), res.Stderr)
				exit(ch, res.Status)
			}()
		case "shell":
			if started {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			tty = term.NewTerminal(ch, "")
			tty.SetSize(cols, rows)
			go func() {
				exit(ch, c.interactive(ctx, tty))
			}()
		case "subsystem":
			var p struct{ Name string }
			if started || ssh.Unmarshal(req.Payload, &p) != nil || p.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			started = true
			req.Reply(true, nil)
			go func() {
				c.serveSFTP(ch)
				ch.Close()
			}()
		case "signal":
			cancel()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// exit reports status and closes the channel.
func exit(ch ssh.Channel, status int) {
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
	ch.Close()
}

// interactive runs a login shell on a terminal until exit or EOF.
func (c *conn) interactive(ctx context.Context, tty *term.Terminal) int {
	c.mu.Lock()
	c.session.Prompter = terminalPrompter{tty}
	c.mu.Unlock()

	if motd, err := c.device.tree.View(vfshell.Root, "/").ReadFile("/etc/motd"); err == nil {
		tty.Write(motd)
	}
	for {
		c.mu.Lock()
		prompt := c.session.Prompt()
		c.mu.Unlock()
		tty.SetPrompt(prompt)
		line, err := tty.ReadLine()
		if err != nil {
			break
		}
		res := c.execute(ctx, line)
		io.WriteString(tty, res.Stdout)
		io.WriteString(tty, res.Stderr)
		if c.session.Exited() || ctx.Err() != nil {
			break
		}
	}
	return c.session.LastStatus()
}

type terminalPrompter struct {
	tty *term.Terminal
}

func (p terminalPrompter) ReadPassword(prompt string) (string, error) {
	return p.tty.ReadPassword(prompt)
}
