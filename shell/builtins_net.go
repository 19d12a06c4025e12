package shell

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell"
)

func netBuiltins() []Builtin {
	return []Builtin{
		{Name: "git", Usage: "git <command> [<args>]", Summary: "the version control system", Run: gitCmd},
		{Name: "ssh", Usage: "ssh [-p PORT] [-i IDENTITY] [-l LOGIN] [user@]hostname [command]", Summary: "open a remote shell or run a remote command", Run: sshCmd},
		{Name: "scp", Usage: "scp [-P PORT] [-i IDENTITY] SOURCE TARGET", Summary: "copy files to and from remote hosts", Run: scpCmd},
		{Name: "ssh-list", Usage: "ssh-list", Summary: "list known remote hosts", Run: sshListCmd},
		{Name: "ssh-keygen", Usage: "ssh-keygen [-f FILE] [-C COMMENT]", Summary: "generate an ed25519 key pair", Run: sshKeygenCmd},
	}
}

func gitCmd(ctx context.Context, c *Call) int {
	git := c.Session.interp.opts.Git
	if git == nil {
		return c.Errorf("version control is not configured")
	}
	if len(c.Args) == 0 {
		return c.Usagef("missing subcommand")
	}
	res := git.RunGit(ctx, GitRequest{
		View:  c.View(),
		Args:  c.Args,
		Env:   c.Session.envCopy(),
		Stdin: c.Stdin,
	})
	fmt.Fprint(c.Stdout, res.Stdout)
	fmt.Fprint(c.Stderr, res.Stderr)
	return res.Status
}

func (c *Call) passwordFunc() func(string) (string, error) {
	p := c.Session.Prompter
	if p == nil {
		return nil
	}
	return p.ReadPassword
}

// parseTarget splits "[user@]host" and applies the defaults.
func (c *Call) parseTarget(spec, login string, port int, identity string) RemoteTarget {
	t := RemoteTarget{Host: spec, Port: port, IdentityFile: identity, User: login}
	if u, h, ok := strings.Cut(spec, "@"); ok {
		t.User, t.Host = u, h
	}
	if t.User == "" {
		t.User = c.Session.User().Name
	}
	return t
}

func (c *Call) dialRequest(t RemoteTarget) DialRequest {
	return DialRequest{View: c.View(), Home: c.Session.User().Home, Target: t, Password: c.passwordFunc()}
}

// remoteFailure prints err the way ssh and scp do.
func (c *Call) remoteFailure(prog string, t RemoteTarget, err error) {
	switch {
	case errors.Is(err, vfshell.ErrAuthentication):
		fmt.Fprintf(c.Stderr, "%s@%s: Permission denied (publickey,password).\n", t.User, t.Host)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		fmt.Fprintf(c.Stderr, "%s: connect to host %s: Operation timed out\n", prog, t.Host)
	default:
		var pe *vfshell.PathError
		if errors.As(err, &pe) {
			fmt.Fprintf(c.Stderr, "%s: %s: %s\n", prog, pe.Path, vfshell.Describe(err))
			return
		}
		fmt.Fprintf(c.Stderr, "%s: %v\n", prog, err)
	}
}

func sshCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	flagSet.SetInterspersed(false)
	port := flagSet.IntP("port", "p", 22, "port to connect to")
	identity := flagSet.StringP("identity", "i", "", "identity file")
	login := flagSet.StringP("login", "l", "", "user to log in as")
	operands, _, ok := c.Parse(flagSet)
	if !ok || len(operands) == 0 {
		fmt.Fprintf(c.Stderr, "usage: %s\n", c.builtin.Usage)
		return StatusRemote
	}
	remote := c.Session.interp.opts.Remote
	if remote == nil {
		fmt.Fprintln(c.Stderr, "ssh: remote access is not configured")
		return StatusRemote
	}

	s := c.Session
	target := c.parseTarget(operands[0], *login, *port, *identity)
	req := c.dialRequest(target)
	if len(operands) > 1 {
		res, err := RunRemoteCommand(ctx, remote, req, operands[1:])
		if err != nil {
			c.remoteFailure("ssh", target, err)
			return StatusRemote
		}
		fmt.Fprint(c.Stdout, res.Stdout)
		fmt.Fprint(c.Stderr, res.Stderr)
		return res.Status
	}

	conn, err := remote.Dial(ctx, req)
	if err != nil {
		c.remoteFailure("ssh", target, err)
		return StatusRemote
	}
	if s.remote != nil {
		s.remote.conn.Close()
	}
	s.remote = &remoteSession{conn: conn, target: target}
	s.interp.logger.Info("remote session opened", zap.String("session_id", s.ID), zap.String("host", target.Host))
	return StatusOK
}

// remotePath splits "[user@]host:path". ok is false for a local path.
func remotePath(arg string) (host, path string, ok bool) {
	i := strings.IndexByte(arg, ':')
	if i <= 0 || strings.Contains(arg[:i], "/") {
		return "", arg, false
	}
	return arg[:i], arg[i+1:], true
}

func scpCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	port := flagSet.IntP("port", "P", 22, "port to connect to")
	identity := flagSet.StringP("identity", "i", "", "identity file")
	operands, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if len(operands) != 2 {
		return c.Usagef("expected SOURCE and TARGET")
	}
	srcHost, srcPath, srcRemote := remotePath(operands[0])
	dstHost, dstPath, dstRemote := remotePath(operands[1])

	switch {
	case srcRemote && dstRemote:
		return c.Errorf("remote to remote copies are not supported")
	case !srcRemote && !dstRemote:
		if err := c.View().Copy(srcPath, dstPath, false); err != nil {
			return c.Fail(srcPath, err)
		}
		return StatusOK
	}
	remote := c.Session.interp.opts.Remote
	if remote == nil {
		return c.Errorf("remote access is not configured")
	}

	host, local, rpath, dir := dstHost, srcPath, dstPath, Upload
	if srcRemote {
		host, local, rpath, dir = srcHost, dstPath, srcPath, Download
	}
	if rpath == "" {
		if dir == Download {
			return c.Errorf("%s: missing remote path", host)
		}
		rpath = vfshell.Base(local)
	}
	target := c.parseTarget(host, "", *port, *identity)
	req := c.dialRequest(target)
	if err := TransferFile(ctx, remote, req, local, rpath, dir); err != nil {
		c.remoteFailure("scp", target, err)
		return StatusFailure
	}
	return StatusOK
}

func sshListCmd(ctx context.Context, c *Call) int {
	remote := c.Session.interp.opts.Remote
	if remote == nil {
		return c.Errorf("remote access is not configured")
	}
	hosts := remote.Hosts()
	if len(hosts) == 0 {
		c.Println("No remote hosts configured.")
		return StatusOK
	}
	w := tabwriter.NewWriter(c.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST\tADDRESS\tUSER\tDESCRIPTION")
	for _, h := range hosts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Alias, h.Address, h.User, h.Description)
	}
	w.Flush()
	return StatusOK
}

func sshKeygenCmd(ctx context.Context, c *Call) int {
	flagSet := c.Flags()
	file := flagSet.StringP("file", "f", "", "output key file")
	comment := flagSet.StringP("comment", "C", "", "key comment")
	flagSet.StringP("type", "t", "ed25519", "key type")
	flagSet.StringP("passphrase", "N", "", "passphrase (unsupported, must be empty)")
	flagSet.BoolP("quiet", "q", false, "quiet")
	_, status, ok := c.Parse(flagSet)
	if !ok {
		return status
	}
	if t, _ := flagSet.GetString("type"); t != "ed25519" {
		return c.Errorf("unknown key type %s", t)
	}
	s := c.Session
	u := s.User()
	if *file == "" {
		*file = vfshell.Join(u.Home, ".ssh/id_ed25519")
	}
	if *comment == "" {
		*comment = u.Name + "@" + s.interp.opts.Hostname
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return c.Errorf("%v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, *comment)
	if err != nil {
		return c.Errorf("%v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return c.Errorf("%v", err)
	}
	authorized := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(sshPub)), "\n") + " " + *comment + "\n"

	view := c.View()
	if err := view.MkdirAll(vfshell.Dir(*file), 0o700); err != nil {
		return c.Fail(vfshell.Dir(*file), err)
	}
	if err := view.CreateFile(*file, 0o600); err != nil && !errors.Is(err, vfshell.ErrAlreadyExists) {
		return c.Fail(*file, err)
	}
	if err := view.WriteFile(*file, pem.EncodeToMemory(block)); err != nil {
		return c.Fail(*file, err)
	}
	if err := view.WriteFile(*file+".pub", []byte(authorized)); err != nil {
		return c.Fail(*file+".pub", err)
	}
	if quiet, _ := flagSet.GetBool("quiet"); !quiet {
		c.Printf("Your identification has been saved in %s\n", *file)
		c.Printf("Your public key has been saved in %s.pub\n", *file)
		c.Printf("The key fingerprint is:\n%s %s\n", ssh.FingerprintSHA256(sshPub), *comment)
	}
	return StatusOK
}
