// Package remote connects sessions to ssh servers. Commands run over exec
// channels and files move over sftp. Keys and known hosts come from the
// caller's virtual home directory.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/IceWhaleTech/vfshell"
	"github.com/IceWhaleTech/vfshell/internal/logging"
	"github.com/IceWhaleTech/vfshell/internal/metrics"
	"github.com/IceWhaleTech/vfshell/shell"
)

// DefaultTimeout bounds connection setup.
const DefaultTimeout = 15 * time.Second

// Host is an entry of the host directory. Alias may be used in place of
// the address on the command line.
type Host struct {
	Alias       string `yaml:"alias"`
	Address     string `yaml:"address"`
	User        string `yaml:"user"`
	Description string `yaml:"description"`
}

// DialFunc opens the transport connection to addr.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Client implements shell.Remote over SSH.
type Client struct {
	hosts     []Host
	acceptNew bool
	timeout   time.Duration
	dial      DialFunc
	logger    *zap.Logger
}

var _ shell.Remote = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the network dialer, for example with an in-process
// network of simulated hosts.
func WithDialer(dial DialFunc) Option {
	return func(c *Client) { c.dial = dial }
}

// WithAcceptNewHostKeys records unknown host keys instead of refusing
// them. Changed keys are always refused.
func WithAcceptNewHostKeys(accept bool) Option {
	return func(c *Client) { c.acceptNew = accept }
}

// WithTimeout bounds connection setup.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client knowing hosts.
func New(hosts []Host, opts ...Option) *Client {
	c := &Client{hosts: hosts, timeout: DefaultTimeout, acceptNew: true}
	for _, opt := range opts {
		opt(c)
	}
	if c.dial == nil {
		d := &net.Dialer{}
		c.dial = d.DialContext
	}
	if c.logger == nil {
		c.logger = logging.L()
	}
	c.logger = c.logger.Named("remote")
	return c
}

// Hosts returns the host directory.
func (c *Client) Hosts() []shell.RemoteHost {
	out := make([]shell.RemoteHost, len(c.hosts))
	for i, h := range c.hosts {
		out[i] = shell.RemoteHost{Alias: h.Alias, Address: h.Address, User: h.User, Description: h.Description}
	}
	return out
}

// address resolves an alias or host name to host:port.
func (c *Client) address(t shell.RemoteTarget) string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	for _, h := range c.hosts {
		if h.Alias != t.Host {
			continue
		}
		if _, _, err := net.SplitHostPort(h.Address); err == nil && port == 22 {
			return h.Address
		}
		host := h.Address
		if hh, _, err := net.SplitHostPort(h.Address); err == nil {
			host = hh
		}
		return net.JoinHostPort(host, strconv.Itoa(port))
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	return vfshell.Kind(err)
}

// Dial connects and authenticates. Keys and known hosts are read from the
// tree before the network is touched, and newly accepted host keys are
// written after the handshake.
func (c *Client) Dial(ctx context.Context, req shell.DialRequest) (conn shell.RemoteConn, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordRemoteOperation("dial", result(err), time.Since(start))
	}()

	t := req.Target
	addr := c.address(t)
	host, port, _ := net.SplitHostPort(addr)

	var keyData []byte
	if req.Home != "" {
		keyData, _ = req.View.ReadFile(vfshell.Join(req.Home, knownHostsFile))
	}
	keys := loadKnownHosts(keyData, c.acceptNew)
	auth, err := authMethods(req, t)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: keys.callback,
		Timeout:         c.timeout,
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &vfshell.RemoteError{Host: t.Host, Msg: connectMessage(t.Host, port, err), Err: vfshell.ErrConnection}
	}
	stop := context.AfterFunc(dialCtx, func() { raw.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	stop()
	if err != nil {
		raw.Close()
		if keys.failure != nil {
			err = keys.failure
		}
		return nil, handshakeError(t, host, port, err)
	}
	client := ssh.NewClient(sc, chans, reqs)

	if err := keys.record(req.View, req.Home); err != nil {
		c.logger.Warn("Failed to record host key", zap.String("host", t.Host), zap.Error(err))
	} else if len(keys.added) > 0 {
		c.logger.Info("Permanently added host to the list of known hosts", zap.String("host", t.Host))
	}
	c.logger.Debug("connected", zap.String("host", t.Host), zap.String("addr", addr), zap.String("user", t.User))
	return &Conn{client: client, host: t.Host}, nil
}

// connectMessage renders a dial failure the way ssh does.
func connectMessage(host, port string, err error) string {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Sprintf("Could not resolve hostname %s: Name or service not known", host)
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		return fmt.Sprintf("connect to host %s port %s: Connection timed out", host, port)
	case strings.Contains(err.Error(), "refused"):
		return fmt.Sprintf("connect to host %s port %s: Connection refused", host, port)
	}
	return fmt.Sprintf("connect to host %s port %s: %v", host, port, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func handshakeError(t shell.RemoteTarget, host, port string, err error) error {
	switch {
	case errors.Is(err, errHostKeyChanged), errors.Is(err, errHostKeyUnknown):
		return &vfshell.RemoteError{Host: t.Host, Msg: hostKeyMessage(err, host), Err: vfshell.ErrConnection}
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &vfshell.RemoteError{
			Host: t.Host,
			Msg:  fmt.Sprintf("%s@%s: Permission denied (publickey,password).", t.User, t.Host),
			Err:  vfshell.ErrAuthentication,
		}
	}
	return &vfshell.RemoteError{
		Host: t.Host,
		Msg:  fmt.Sprintf("Connection closed by %s port %s: %v", host, port, err),
		Err:  vfshell.ErrConnection,
	}
}
