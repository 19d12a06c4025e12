package vcs

import (
	"strings"
	"sync"

	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/google/uuid"
)

// localScheme serves repositories that live inside a tree. The object
// store is staged in memory first, so the transfer itself never touches
// the tree.
const localScheme = "vfshell"

var (
	localMu    sync.Mutex
	localRepos = make(map[string]storer.Storer)
)

func init() {
	client.InstallProtocol(localScheme, server.NewClient(localLoader{}))
}

type localLoader struct{}

func (localLoader) Load(ep *transport.Endpoint) (storer.Storer, error) {
	localMu.Lock()
	defer localMu.Unlock()
	s, ok := localRepos[ep.Host]
	if !ok {
		return nil, transport.ErrRepositoryNotFound
	}
	return s, nil
}

// serveLocal publishes s under a one-off URL until release is called.
func serveLocal(s storer.Storer) (url string, release func()) {
	token := uuid.NewString()
	localMu.Lock()
	localRepos[token] = s
	localMu.Unlock()
	return localScheme + "://" + token + "/", func() {
		localMu.Lock()
		delete(localRepos, token)
		localMu.Unlock()
	}
}

// isURL reports whether src names a network repository rather than a
// path in the tree.
func isURL(src string) bool {
	if strings.Contains(src, "://") {
		return true
	}
	// scp-like syntax: [user@]host:path
	i := strings.IndexByte(src, ':')
	return i > 0 && !strings.Contains(src[:i], "/")
}
