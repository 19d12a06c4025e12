package vfshell

import (
	"strings"
)

// MaxSymlinkDepth bounds the number of symbolic links followed while
// resolving a single path.
const MaxSymlinkDepth = 40

const maxNameLen = 255

// normalizeVirtualPath collapses repeated slashes and drops a trailing
// slash. It does not interpret "." or ".." segments; those are resolved
// against the tree so that ".." follows the real parent chain.
func normalizeVirtualPath(path string) string {
	if path == "" {
		return ""
	}

	// Fast path: already normalized
	clean := true
	for i := 0; i < len(path)-1; i++ {
		if path[i] == '/' && path[i+1] == '/' {
			clean = false
			break
		}
	}
	if clean && (len(path) == 1 || path[len(path)-1] != '/') {
		return path
	}

	var b strings.Builder
	b.Grow(len(path))
	prevSlash := false
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		b.WriteByte(c)
	}
	result := b.String()
	if len(result) > 1 && result[len(result)-1] == '/' {
		result = result[:len(result)-1]
	}
	return result
}

// splitSegments returns the non-empty segments of p.
func splitSegments(p string) []string {
	segs := strings.Split(p, "/")
	out := segs[:0]
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// splitLast separates p into its directory part and final name. A path
// made only of slashes yields ("/", "").
func splitLast(p string) (dir, name string) {
	p = normalizeVirtualPath(p)
	if p == "/" {
		return "/", ""
	}
	idx := strings.LastIndexByte(p, '/')
	switch {
	case idx < 0:
		return ".", p
	case idx == 0:
		return "/", p[1:]
	default:
		return p[:idx], p[idx+1:]
	}
}

// validPath rejects paths that can never name a node.
func validPath(p string) bool {
	return p != "" && strings.IndexByte(p, 0) < 0
}

// validName reports whether name may be stored as a directory entry.
func validName(name string) bool {
	return name != "" && name != "." && name != ".." && len(name) <= maxNameLen &&
		!strings.ContainsRune(name, '/') && strings.IndexByte(name, 0) < 0
}

// Join joins a relative path onto dir with a single separator. Absolute
// paths are returned unchanged.
func Join(dir, p string) string {
	if p == "" {
		return dir
	}
	if strings.HasPrefix(p, "/") {
		return normalizeVirtualPath(p)
	}
	if dir == "/" {
		return normalizeVirtualPath("/" + p)
	}
	return normalizeVirtualPath(dir + "/" + p)
}

// Base returns the last element of p, "/" for the root.
func Base(p string) string {
	_, name := splitLast(p)
	if name == "" {
		return "/"
	}
	return name
}

// Dir returns all but the last element of p.
func Dir(p string) string {
	dir, _ := splitLast(p)
	return dir
}

// walk resolves p from start. A trailing symlink is dereferenced only when
// followLast is set; depth counts links dereferenced so far across nested
// resolutions. Caller must hold t.mu.
func (t *Tree) walk(cred Cred, start NodeID, p string, followLast bool, depth *int) (NodeID, error) {
	if !validPath(p) {
		return 0, ErrInvalidPath
	}
	cur := start
	if p[0] == '/' {
		cur = t.root
	}
	mustDir := len(p) > 1 && p[len(p)-1] == '/'
	if mustDir {
		followLast = true
	}
	segs := splitSegments(p)
	for i, seg := range segs {
		n := t.nodes[cur]
		if n.kind != KindDir {
			return 0, ErrNotADirectory
		}
		if len(seg) > maxNameLen {
			return 0, ErrInvalidPath
		}
		if !cred.may(n, permExec) {
			return 0, ErrPermissionDenied
		}
		switch seg {
		case ".":
			continue
		case "..":
			cur = n.parent
			continue
		}
		id, ok := n.child(seg)
		if !ok {
			return 0, ErrNotFound
		}
		last := i == len(segs)-1
		if c := t.nodes[id]; c.kind == KindSymlink && (!last || followLast) {
			*depth++
			if *depth > MaxSymlinkDepth {
				return 0, ErrTooManySymlinks
			}
			if c.target == "" {
				return 0, ErrNotFound
			}
			target, err := t.walk(cred, cur, c.target, true, depth)
			if err != nil {
				return 0, err
			}
			id = target
		}
		cur = id
	}
	if mustDir && t.nodes[cur].kind != KindDir {
		return 0, ErrNotADirectory
	}
	return cur, nil
}

// pathOf builds the canonical absolute path of id from the parent chain.
func (t *Tree) pathOf(id NodeID) string {
	if id == t.root {
		return "/"
	}
	var parts []string
	for id != t.root {
		n := t.nodes[id]
		parts = append(parts, n.name)
		id = n.parent
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// isAncestor reports whether a is id or one of its ancestors.
func (t *Tree) isAncestor(a, id NodeID) bool {
	for {
		if id == a {
			return true
		}
		if id == t.root {
			return false
		}
		id = t.nodes[id].parent
	}
}
