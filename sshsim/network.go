package sshsim

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell/internal/logging"
)

// Network routes host names to devices. Each device listens on its own
// loopback port, started on first dial.
type Network struct {
	// Fallback dials hosts that are not devices. Nil means such names
	// do not resolve.
	Fallback func(ctx context.Context, network, addr string) (net.Conn, error)

	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu        sync.Mutex
	devices   []*Device
	listeners map[*Device]net.Listener
}

// NewNetwork creates a network holding devices.
func NewNetwork(devices ...*Device) *Network {
	ctx, cancel := context.WithCancel(context.Background())
	return &Network{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.L().Named("sshsim"),
		devices:   devices,
		listeners: make(map[*Device]net.Listener),
	}
}

// NewDefaultNetwork builds the stock lab network from DefaultSpecs.
func NewDefaultNetwork(opts ...Option) (*Network, error) {
	n := NewNetwork()
	for _, spec := range DefaultSpecs() {
		d, err := NewDevice(spec, opts...)
		if err != nil {
			return nil, err
		}
		n.Add(d)
	}
	return n, nil
}

// Add attaches d to the network.
func (n *Network) Add(d *Device) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.devices = append(n.devices, d)
}

// Devices returns the attached devices ordered by name.
func (n *Network) Devices() []*Device {
	n.mu.Lock()
	out := append([]*Device(nil), n.devices...)
	n.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

// Lookup finds the device named by host: its alias, host name or address.
func (n *Network) Lookup(host string) (*Device, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, d := range n.devices {
		if d.matches(host) {
			return d, true
		}
	}
	return nil, false
}

// DialContext connects to the device at addr. Only port 22 is open;
// offline devices refuse connections.
func (n *Network) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	d, ok := n.Lookup(host)
	if !ok {
		if n.Fallback != nil {
			return n.Fallback(ctx, network, addr)
		}
		return nil, &net.OpError{Op: "dial", Net: network, Err: &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}}
	}
	if p, _ := strconv.Atoi(port); p != 22 || !d.Online() {
		return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
	}
	l, err := n.listener(d)
	if err != nil {
		return nil, &net.OpError{Op: "dial", Net: network, Err: err}
	}
	var dialer net.Dialer
	return dialer.DialContext(ctx, "tcp", l.Addr().String())
}

func (n *Network) listener(d *Device) (net.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l, ok := n.listeners[d]; ok {
		return l, nil
	}
	if n.ctx.Err() != nil {
		return nil, errors.New("network closed")
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	n.listeners[d] = l
	go func() {
		if err := d.Serve(n.ctx, l); err != nil {
			n.logger.Warn("Device stopped serving", zap.String("device", d.spec.Name), zap.Error(err))
		}
	}()
	return l, nil
}

// Close stops every device listener.
func (n *Network) Close() error {
	n.cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	for d, l := range n.listeners {
		l.Close()
		delete(n.listeners, d)
	}
	return nil
}
