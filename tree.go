package vfshell

import (
	"bytes"
	"sync"
	"time"
)

// Tree is an in-memory filesystem. Nodes live in an arena addressed by
// NodeID; a single RWMutex serializes writers while readers proceed
// concurrently.
type Tree struct {
	mu    sync.RWMutex
	nodes []*node
	free  []NodeID
	root  NodeID
	clock func() time.Time
}

// Option configures a Tree.
type Option func(*Tree)

// WithClock sets the time source used for node timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		if now != nil {
			t.clock = now
		}
	}
}

// New creates a tree holding only the root directory, owned by root with
// mode 0755.
func New(opts ...Option) *Tree {
	t := &Tree{clock: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	now := t.clock()
	t.nodes = []*node{{
		kind:  KindDir,
		mode:  DefaultDirMode,
		ctime: now,
		mtime: now,
	}}
	t.root = 0
	return t
}

func (t *Tree) now() time.Time { return t.clock() }

// alloc stores n in a free slot or at the end of the arena.
func (t *Tree) alloc(n *node) NodeID {
	if k := len(t.free); k > 0 {
		id := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

// release frees id and everything below it.
func (t *Tree) release(id NodeID) {
	n := t.nodes[id]
	if n == nil {
		return
	}
	for _, c := range n.children {
		t.release(c)
	}
	t.nodes[id] = nil
	t.free = append(t.free, id)
}

// link creates a node under parent. Caller must hold the write lock.
func (t *Tree) link(parent NodeID, name string, kind NodeKind, mode Mode, cred Cred) NodeID {
	now := t.now()
	n := &node{
		kind:   kind,
		name:   name,
		parent: parent,
		mode:   mode & ModePerm,
		uid:    cred.UID,
		gid:    cred.GID,
		ctime:  now,
		mtime:  now,
	}
	id := t.alloc(n)
	p := t.nodes[parent]
	p.addChild(name, id)
	p.mtime = now
	return id
}

// unlink detaches id from its parent and frees its subtree.
func (t *Tree) unlink(id NodeID) {
	n := t.nodes[id]
	p := t.nodes[n.parent]
	p.removeChild(n.name)
	p.mtime = t.now()
	t.release(id)
}

// Usage reports the number of live nodes and the total bytes held by files.
func (t *Tree) Usage() (nodes int, size int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		if n == nil {
			continue
		}
		nodes++
		size += int64(len(n.data))
	}
	return nodes, size
}

// Equal reports whether t and o hold structurally identical trees: same
// names, kinds, modes, owners, timestamps, contents and child order.
func (t *Tree) Equal(o *Tree) bool {
	if t == o {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	o.mu.RLock()
	defer o.mu.RUnlock()
	return equalNodes(t, t.root, o, o.root)
}

func equalNodes(a *Tree, ai NodeID, b *Tree, bi NodeID) bool {
	x, y := a.nodes[ai], b.nodes[bi]
	if x.kind != y.kind || x.name != y.name || x.mode != y.mode ||
		x.uid != y.uid || x.gid != y.gid ||
		!x.ctime.Equal(y.ctime) || !x.mtime.Equal(y.mtime) ||
		x.target != y.target || !bytes.Equal(x.data, y.data) ||
		len(x.children) != len(y.children) || len(x.xattrs) != len(y.xattrs) {
		return false
	}
	for k, v := range x.xattrs {
		if w, ok := y.xattrs[k]; !ok || w != v {
			return false
		}
	}
	for i := range x.children {
		if !equalNodes(a, x.children[i], b, y.children[i]) {
			return false
		}
	}
	return true
}

// replaceWith swaps the contents of t for those of src. src must not be
// used afterwards.
func (t *Tree) replaceWith(src *Tree) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = src.nodes
	t.free = src.free
	t.root = src.root
}

// View returns an accessor that performs operations as cred with relative
// paths resolved against cwd. An empty cwd means "/".
func (t *Tree) View(cred Cred, cwd string) View {
	if cwd == "" {
		cwd = "/"
	}
	return View{t: t, cred: cred, cwd: cwd}
}
