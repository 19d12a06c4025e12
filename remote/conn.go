package remote

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
	"github.com/IceWhaleTech/vfshell/shell"
)

// Conn is an authenticated connection. Commands run on exec channels;
// the sftp subsystem is opened on first use.
type Conn struct {
	client *ssh.Client
	host   string

	mu   sync.Mutex
	sftp *sftp.Client
}

var _ shell.RemoteConn = (*Conn)(nil)

func (c *Conn) lost(err error) error {
	return &vfshell.RemoteError{Host: c.host, Msg: "connection to " + c.host + " lost: " + err.Error(), Err: vfshell.ErrConnection}
}

// Run executes command on an exec channel. A non-zero exit status is a
// result, not an error; errors mean the connection failed.
func (c *Conn) Run(ctx context.Context, command string, stdin []byte) (res shell.Result, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordRemoteOperation("exec", result(err), time.Since(start))
	}()

	sess, err := c.client.NewSession()
	if err != nil {
		return shell.Result{}, c.lost(err)
	}
	defer sess.Close()
	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = bytes.NewReader(stdin)
	}
	stop := context.AfterFunc(ctx, func() {
		sess.Signal(ssh.SIGINT)
		sess.Close()
	})
	defer stop()

	runErr := sess.Run(command)
	res = shell.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.Status = exitErr.ExitStatus()
	case ctx.Err() != nil:
		res.Status = shell.StatusInterrupted
	case errors.As(runErr, &missing):
		res.Status = shell.StatusRemote
	default:
		return res, c.lost(runErr)
	}
	return res, nil
}

func (c *Conn) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &vfshell.RemoteError{Host: c.host, Msg: "subsystem request failed on channel 0", Err: vfshell.ErrTransfer}
	}
	c.sftp = sc
	return sc, nil
}

// transferError renders an sftp failure as scp prints it.
func (c *Conn) transferError(path string, err error) error {
	reason := err.Error()
	switch {
	case errors.Is(err, os.ErrNotExist):
		reason = "No such file or directory"
	case errors.Is(err, os.ErrPermission):
		reason = "Permission denied"
	}
	return &vfshell.RemoteError{Host: c.host, Msg: path + ": " + reason, Err: vfshell.ErrTransfer}
}

// ReadFile downloads path.
func (c *Conn) ReadFile(ctx context.Context, path string) (data []byte, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordRemoteOperation("download", result(err), time.Since(start))
	}()
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	if fi, err := sc.Stat(path); err == nil && fi.IsDir() {
		return nil, &vfshell.RemoteError{Host: c.host, Msg: path + ": not a regular file", Err: vfshell.ErrTransfer}
	}
	f, err := sc.Open(path)
	if err != nil {
		return nil, c.transferError(path, err)
	}
	defer f.Close()
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	data, err = io.ReadAll(f)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.transferError(path, err)
	}
	metrics.RecordTransferBytes("download", int64(len(data)))
	return data, nil
}

// WriteFile uploads data to path with mode. Writing to a directory fails
// with an error matching both vfshell.ErrIsADirectory and ErrTransfer.
func (c *Conn) WriteFile(ctx context.Context, path string, data []byte, mode vfshell.Mode) (err error) {
	start := time.Now()
	defer func() {
		metrics.RecordRemoteOperation("upload", result(err), time.Since(start))
	}()
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if fi, err := sc.Stat(path); err == nil && fi.IsDir() {
		return &vfshell.RemoteError{
			Host: c.host,
			Msg:  path + ": Is a directory",
			Err:  errors.Join(vfshell.ErrIsADirectory, vfshell.ErrTransfer),
		}
	}
	f, err := sc.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return c.transferError(path, err)
	}
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	n, err := f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.transferError(path, err)
	}
	metrics.RecordTransferBytes("upload", int64(n))
	if err := sc.Chmod(path, os.FileMode(mode&vfshell.ModePerm)); err != nil {
		return c.transferError(path, err)
	}
	return nil
}

// Close closes the sftp session, if any, and the connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	c.mu.Unlock()
	return c.client.Close()
}
