package remote

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/IceWhaleTech/vfshell"
)

const knownHostsFile = ".ssh/known_hosts"

// hostKeys checks server keys against a known_hosts file read from the
// tree. New keys are collected so the caller can record them once the
// handshake is over.
type hostKeys struct {
	known     []knownKey
	acceptNew bool
	added     []string
	failure   error
}

type knownKey struct {
	hosts []string
	key   ssh.PublicKey
}

var errHostKeyChanged = errors.New("host key changed")
var errHostKeyUnknown = errors.New("host key unknown")

func loadKnownHosts(data []byte, acceptNew bool) *hostKeys {
	hk := &hostKeys{acceptNew: acceptNew}
	rest := data
	for len(rest) > 0 {
		marker, hosts, key, _, next, err := ssh.ParseKnownHosts(rest)
		if err != nil {
			break
		}
		rest = next
		if marker != "" {
			continue
		}
		hk.known = append(hk.known, knownKey{hosts: hosts, key: key})
	}
	return hk
}

func (hk *hostKeys) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	addr := knownhosts.Normalize(hostname)
	var seen bool
	for _, k := range hk.known {
		for _, h := range k.hosts {
			if knownhosts.Normalize(h) != addr {
				continue
			}
			if k.key.Type() == key.Type() {
				if bytes.Equal(k.key.Marshal(), key.Marshal()) {
					return nil
				}
				seen = true
			}
		}
	}
	if seen {
		hk.failure = errHostKeyChanged
		return hk.failure
	}
	if !hk.acceptNew {
		hk.failure = errHostKeyUnknown
		return hk.failure
	}
	hk.added = append(hk.added, knownhosts.Line([]string{addr}, key))
	return nil
}

// record appends newly accepted keys to the known_hosts file under home.
func (hk *hostKeys) record(view vfshell.View, home string) error {
	if len(hk.added) == 0 || home == "" {
		return nil
	}
	dir := vfshell.Join(home, ".ssh")
	if err := view.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return view.AppendFile(vfshell.Join(home, knownHostsFile), []byte(strings.Join(hk.added, "\n")+"\n"))
}

// hostKeyMessage renders a host key failure the way ssh does.
func hostKeyMessage(err error, host string) string {
	if errors.Is(err, errHostKeyChanged) {
		return fmt.Sprintf("WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED for %s. Host key verification failed.", host)
	}
	return "Host key verification failed."
}
