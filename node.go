package vfshell

import (
	"time"
)

// NodeID is a stable handle to a node in a Tree's arena. Handles are only
// meaningful for the tree that issued them.
type NodeID uint32

// NodeKind tags the variant a node holds.
type NodeKind uint8

const (
	KindFile NodeKind = iota + 1
	KindDir
	KindSymlink
)

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "regular file"
	case KindDir:
		return "directory"
	case KindSymlink:
		return "symbolic link"
	}
	return "unknown"
}

// node is one arena slot. Directories keep children in insertion order
// plus a name index; files keep bytes; symlinks keep the target string.
type node struct {
	kind   NodeKind
	name   string
	parent NodeID
	mode   Mode
	uid    uint32
	gid    uint32
	ctime  time.Time
	mtime  time.Time

	data     []byte
	children []NodeID
	index    map[string]NodeID
	target   string
	xattrs   map[string]string
}

func (n *node) isDir() bool { return n.kind == KindDir }

func (n *node) child(name string) (NodeID, bool) {
	id, ok := n.index[name]
	return id, ok
}

func (n *node) addChild(name string, id NodeID) {
	if n.index == nil {
		n.index = make(map[string]NodeID)
	}
	n.index[name] = id
	n.children = append(n.children, id)
}

func (n *node) removeChild(name string) {
	id, ok := n.index[name]
	if !ok {
		return
	}
	delete(n.index, name)
	for i, c := range n.children {
		if c == id {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
}

// FileInfo describes a node as returned by Stat, Lstat and ListDir.
type FileInfo struct {
	ID      NodeID
	Name    string
	Path    string
	Kind    NodeKind
	Mode    Mode
	UID     uint32
	GID     uint32
	Size    int64
	NLink   int
	Target  string
	Created time.Time
	ModTime time.Time
}

// IsDir reports whether the node is a directory.
func (fi FileInfo) IsDir() bool { return fi.Kind == KindDir }

// IsSymlink reports whether the node is a symbolic link.
func (fi FileInfo) IsSymlink() bool { return fi.Kind == KindSymlink }

// dirSize is the size reported for directories, like most Linux filesystems.
const dirSize = 4096

func (t *Tree) info(id NodeID) FileInfo {
	n := t.nodes[id]
	fi := FileInfo{
		ID:      id,
		Name:    n.name,
		Path:    t.pathOf(id),
		Kind:    n.kind,
		Mode:    n.mode,
		UID:     n.uid,
		GID:     n.gid,
		Target:  n.target,
		Created: n.ctime,
		ModTime: n.mtime,
		NLink:   1,
	}
	switch n.kind {
	case KindFile:
		fi.Size = int64(len(n.data))
	case KindDir:
		fi.Size = dirSize
		fi.NLink = 2
		for _, c := range n.children {
			if t.nodes[c].kind == KindDir {
				fi.NLink++
			}
		}
	case KindSymlink:
		fi.Size = int64(len(n.target))
	}
	if id == t.root {
		fi.Name = "/"
	}
	return fi
}
