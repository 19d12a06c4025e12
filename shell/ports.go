package shell

import (
	"context"
	"errors"
	"strings"

	"github.com/IceWhaleTech/vfshell"
)

// GitRequest is one git invocation. The working tree is the directory of
// View's working directory or one of its parents.
type GitRequest struct {
	View  vfshell.View
	Args  []string
	Env   map[string]string
	Stdin []byte
}

// GitRunner runs git subcommands against the tree.
type GitRunner interface {
	RunGit(ctx context.Context, req GitRequest) Result
}

// RemoteTarget names an account on a remote host.
type RemoteTarget struct {
	User string
	Host string
	Port int
	// IdentityFile is a private key path in the local tree.
	IdentityFile string
}

// String renders the target the way ssh prints it.
func (t RemoteTarget) String() string {
	if t.User == "" {
		return t.Host
	}
	return t.User + "@" + t.Host
}

// DialRequest asks a Remote for a connection.
type DialRequest struct {
	// View is the local identity. Keys and known hosts are read and
	// recorded through it.
	View vfshell.View
	// Home is the local home directory holding .ssh.
	Home   string
	Target RemoteTarget
	// Password prompts for a password. It is nil when no terminal is
	// attached.
	Password func(prompt string) (string, error)
}

// RemoteConn is an open connection to a remote host. Implementations must
// not touch the local tree while blocked on the network.
type RemoteConn interface {
	Run(ctx context.Context, command string, stdin []byte) (Result, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte, mode vfshell.Mode) error
	Close() error
}

// RemoteHost is an entry of the host directory shown by ssh-list.
type RemoteHost struct {
	Alias       string
	Address     string
	User        string
	Description string
}

// Remote opens connections to remote hosts.
type Remote interface {
	Dial(ctx context.Context, req DialRequest) (RemoteConn, error)
	Hosts() []RemoteHost
}

// Direction of a file transfer.
type Direction int

const (
	Upload Direction = iota
	Download
)

// RunRemoteCommand runs argv on the target and returns its output.
// Connection and authentication failures are returned as errors matching
// vfshell.ErrConnection and vfshell.ErrAuthentication.
func RunRemoteCommand(ctx context.Context, r Remote, req DialRequest, argv []string) (Result, error) {
	conn, err := r.Dial(ctx, req)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()
	return conn.Run(ctx, QuoteArgs(argv), nil)
}

// TransferFile copies localPath to or from remotePath on the target. The
// local file is read or written through req.View before or after the
// network transfer, never during it.
func TransferFile(ctx context.Context, r Remote, req DialRequest, localPath, remotePath string, dir Direction) error {
	var data []byte
	mode := vfshell.DefaultFileMode
	if remotePath == "" {
		remotePath = "."
	}
	if dir == Upload {
		fi, err := req.View.Stat(localPath)
		if err != nil {
			return err
		}
		if fi.IsDir() {
			return &vfshell.PathError{Op: "scp", Path: localPath, Err: vfshell.ErrIsADirectory}
		}
		if data, err = req.View.ReadFile(localPath); err != nil {
			return err
		}
		mode = fi.Mode
	}

	conn, err := r.Dial(ctx, req)
	if err != nil {
		return err
	}
	defer conn.Close()

	if dir == Upload {
		err := conn.WriteFile(ctx, remotePath, data, mode)
		if errors.Is(err, vfshell.ErrIsADirectory) {
			err = conn.WriteFile(ctx, strings.TrimSuffix(remotePath, "/")+"/"+vfshell.Base(localPath), data, mode)
		}
		return err
	}
	data, err = conn.ReadFile(ctx, remotePath)
	if err != nil {
		return err
	}
	target := localPath
	if fi, err := req.View.Stat(localPath); err == nil && fi.IsDir() {
		target = vfshell.Join(localPath, vfshell.Base(remotePath))
	}
	return req.View.WriteFile(target, data)
}

// QuoteArgs joins argv into a command line that Parse splits back into
// the same words.
func QuoteArgs(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = quoteArg(a)
	}
	return strings.Join(quoted, " ")
}

func quoteArg(a string) string {
	if a == "" {
		return "''"
	}
	if !strings.ContainsAny(a, " \t\n\"'\\|&;<>$*?[#~") {
		return a
	}
	return "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
}
