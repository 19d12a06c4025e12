package vfshell

import (
	"sort"
)

// View performs tree operations on behalf of one identity. Relative paths
// resolve against the view's working directory. Views are small values and
// are meant to be created per command.
type View struct {
	t    *Tree
	cred Cred
	cwd  string
}

// Tree returns the underlying tree.
func (v View) Tree() *Tree { return v.t }

// Cred returns the identity operations are performed as.
func (v View) Cred() Cred { return v.cred }

// Cwd returns the directory relative paths start from.
func (v View) Cwd() string { return v.cwd }

// WithCwd returns a copy of v rooted at dir.
func (v View) WithCwd(dir string) View {
	v.cwd = dir
	return v
}

// WithCred returns a copy of v acting as cred.
func (v View) WithCred(cred Cred) View {
	v.cred = cred
	return v
}

// Abs joins p onto the working directory without resolving it.
func (v View) Abs(p string) string { return Join(v.cwd, p) }

func (v View) start() (NodeID, error) {
	depth := 0
	return v.t.walk(Root, v.t.root, v.cwd, true, &depth)
}

func (v View) resolve(p string, follow bool) (NodeID, error) {
	if !validPath(p) {
		return 0, ErrInvalidPath
	}
	start, err := v.start()
	if err != nil {
		return 0, err
	}
	depth := 0
	return v.t.walk(v.cred, start, p, follow, &depth)
}

// resolveParent resolves the directory that holds the final element of p
// and returns it with that element's name. The name is empty when p is the
// root or ends in "." or "..".
func (v View) resolveParent(p string) (NodeID, string, error) {
	if !validPath(p) {
		return 0, "", ErrInvalidPath
	}
	dir, name := splitLast(p)
	parent, err := v.resolve(dir, true)
	if err != nil {
		return 0, "", err
	}
	if v.t.nodes[parent].kind != KindDir {
		return 0, "", ErrNotADirectory
	}
	if name == "." || name == ".." {
		name = ""
	}
	if len(name) > maxNameLen {
		return 0, "", ErrInvalidPath
	}
	return parent, name, nil
}

// mayModifyEntries reports whether the caller can add or remove names in dir.
func (v View) mayModifyEntries(dir NodeID) bool {
	return v.cred.may(v.t.nodes[dir], permWrite|permExec)
}

// Resolve returns the canonical absolute path p refers to, following every
// symbolic link.
func (v View) Resolve(p string) (string, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return "", pathErr("resolve", p, err)
	}
	return v.t.pathOf(id), nil
}

// Lookup returns the handle of the node p refers to.
func (v View) Lookup(p string) (NodeID, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return 0, pathErr("lookup", p, err)
	}
	return id, nil
}

// Stat describes the node p refers to, following symbolic links.
func (v View) Stat(p string) (FileInfo, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return FileInfo{}, pathErr("stat", p, err)
	}
	return v.t.info(id), nil
}

// Lstat is like Stat but describes a trailing symbolic link itself.
func (v View) Lstat(p string) (FileInfo, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, false)
	if err != nil {
		return FileInfo{}, pathErr("lstat", p, err)
	}
	return v.t.info(id), nil
}

// Chdir validates p as a working directory and returns its canonical path.
func (v View) Chdir(p string) (string, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return "", pathErr("chdir", p, err)
	}
	n := v.t.nodes[id]
	if n.kind != KindDir {
		return "", pathErr("chdir", p, ErrNotADirectory)
	}
	if !v.cred.may(n, permExec) {
		return "", pathErr("chdir", p, ErrPermissionDenied)
	}
	return v.t.pathOf(id), nil
}

// ReadFile returns a copy of the contents of the file at p.
func (v View) ReadFile(p string) ([]byte, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return nil, pathErr("read", p, err)
	}
	n := v.t.nodes[id]
	if n.kind == KindDir {
		return nil, pathErr("read", p, ErrIsADirectory)
	}
	if !v.cred.may(n, permRead) {
		return nil, pathErr("read", p, ErrPermissionDenied)
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	return out, nil
}

// WriteFile replaces the contents of p, creating the file if needed.
func (v View) WriteFile(p string, data []byte) error {
	return v.write("write", p, data, false)
}

// AppendFile appends data to p, creating the file if needed.
func (v View) AppendFile(p string, data []byte) error {
	return v.write("append", p, data, true)
}

func (v View) write(op, p string, data []byte, appendData bool) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.openForWrite(p)
	if err != nil {
		return pathErr(op, p, err)
	}
	n := v.t.nodes[id]
	if appendData {
		n.data = append(n.data, data...)
	} else {
		n.data = append(make([]byte, 0, len(data)), data...)
	}
	n.mtime = v.t.now()
	return nil
}

// openForWrite resolves p to a writable file, creating it when the final
// element is missing. Caller holds the write lock.
func (v View) openForWrite(p string) (NodeID, error) {
	id, err := v.resolve(p, true)
	if err == nil {
		n := v.t.nodes[id]
		if n.kind == KindDir {
			return 0, ErrIsADirectory
		}
		if !v.cred.may(n, permWrite) {
			return 0, ErrPermissionDenied
		}
		return id, nil
	}
	if err != ErrNotFound {
		return 0, err
	}
	parent, name, perr := v.resolveParent(p)
	if perr != nil {
		return 0, perr
	}
	if name == "" {
		return 0, ErrIsADirectory
	}
	if _, exists := v.t.nodes[parent].child(name); exists {
		// dangling symlink
		return 0, ErrNotFound
	}
	if !validName(name) {
		return 0, ErrInvalidPath
	}
	if !v.mayModifyEntries(parent) {
		return 0, ErrPermissionDenied
	}
	return v.t.link(parent, name, KindFile, DefaultFileMode, v.cred), nil
}

// CreateFile creates an empty file at p. It fails if p already exists.
func (v View) CreateFile(p string, mode Mode) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	_, err := v.create(p, KindFile, mode)
	if err != nil {
		return pathErr("create", p, err)
	}
	return nil
}

// Mkdir creates a directory at p. The parent must exist.
func (v View) Mkdir(p string, mode Mode) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if _, err := v.create(p, KindDir, mode); err != nil {
		return pathErr("mkdir", p, err)
	}
	return nil
}

// MkdirAll creates p and any missing parents. Existing directories along
// the way are accepted. Every missing directory is checked before the
// first is created, so a failure leaves the tree unchanged.
func (v View) MkdirAll(p string, mode Mode) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if !validPath(p) {
		return pathErr("mkdir", p, ErrInvalidPath)
	}
	parent, err := v.resolve("/", true)
	if err != nil {
		return pathErr("mkdir", "/", err)
	}
	segs := splitSegments(v.Abs(p))
	cur := "/"
	i := 0
	for ; i < len(segs); i++ {
		next := Join(cur, segs[i])
		id, err := v.resolve(next, true)
		if err == ErrNotFound {
			break
		}
		if err != nil {
			return pathErr("mkdir", next, err)
		}
		if v.t.nodes[id].kind != KindDir {
			return pathErr("mkdir", next, ErrNotADirectory)
		}
		parent, cur = id, next
	}
	missing := segs[i:]
	if len(missing) == 0 {
		return nil
	}

	at := cur
	for j, seg := range missing {
		at = Join(at, seg)
		switch {
		case !validName(seg):
			return pathErr("mkdir", at, ErrInvalidPath)
		case j == 0 && hasChild(v.t.nodes[parent], seg):
			// dangling symlink
			return pathErr("mkdir", at, ErrAlreadyExists)
		case j == 0 && !v.mayModifyEntries(parent):
			return pathErr("mkdir", at, ErrPermissionDenied)
		case j > 0 && !v.cred.IsRoot() && mode&0o300 != 0o300:
			// the new parent will not be writable by its owner
			return pathErr("mkdir", at, ErrPermissionDenied)
		}
	}
	for _, seg := range missing {
		parent = v.t.link(parent, seg, KindDir, mode, v.cred)
	}
	return nil
}

func hasChild(n *node, name string) bool {
	_, ok := n.child(name)
	return ok
}

// create links a new node of kind at p. Caller holds the write lock.
func (v View) create(p string, kind NodeKind, mode Mode) (NodeID, error) {
	parent, name, err := v.resolveParent(p)
	if err != nil {
		return 0, err
	}
	if name == "" {
		return 0, ErrAlreadyExists
	}
	if _, exists := v.t.nodes[parent].child(name); exists {
		return 0, ErrAlreadyExists
	}
	if !validName(name) {
		return 0, ErrInvalidPath
	}
	if !v.mayModifyEntries(parent) {
		return 0, ErrPermissionDenied
	}
	return v.t.link(parent, name, kind, mode, v.cred), nil
}

// Touch creates p if missing, otherwise updates its modification time.
func (v View) Touch(p string) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(p, true)
	if err == ErrNotFound {
		_, err = v.create(p, KindFile, DefaultFileMode)
		if err != nil {
			return pathErr("touch", p, err)
		}
		return nil
	}
	if err != nil {
		return pathErr("touch", p, err)
	}
	n := v.t.nodes[id]
	if !v.cred.may(n, permWrite) && v.cred.UID != n.uid {
		return pathErr("touch", p, ErrPermissionDenied)
	}
	n.mtime = v.t.now()
	return nil
}

// Symlink creates a symbolic link at linkPath pointing at target. The
// target is stored verbatim and need not exist.
func (v View) Symlink(target, linkPath string) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	if target == "" {
		return pathErr("symlink", linkPath, ErrNotFound)
	}
	id, err := v.create(linkPath, KindSymlink, DefaultSymlinkMode)
	if err != nil {
		return pathErr("symlink", linkPath, err)
	}
	v.t.nodes[id].target = target
	return nil
}

// Readlink returns the target stored in the symbolic link at p.
func (v View) Readlink(p string) (string, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, false)
	if err != nil {
		return "", pathErr("readlink", p, err)
	}
	n := v.t.nodes[id]
	if n.kind != KindSymlink {
		return "", pathErr("readlink", p, ErrInvalidPath)
	}
	return n.target, nil
}

// ListDir returns the entries of the directory at p in insertion order.
func (v View) ListDir(p string) ([]FileInfo, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return nil, pathErr("readdir", p, err)
	}
	n := v.t.nodes[id]
	if n.kind != KindDir {
		return nil, pathErr("readdir", p, ErrNotADirectory)
	}
	if !v.cred.may(n, permRead) {
		return nil, pathErr("readdir", p, ErrPermissionDenied)
	}
	out := make([]FileInfo, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, v.t.info(c))
	}
	return out, nil
}

// Chmod sets the permission bits of p. Only the owner or root may do so.
func (v View) Chmod(p string, mode Mode) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return pathErr("chmod", p, err)
	}
	n := v.t.nodes[id]
	if !v.cred.IsRoot() && v.cred.UID != n.uid {
		return pathErr("chmod", p, ErrPermissionDenied)
	}
	n.mode = mode & ModePerm
	return nil
}

// Chown changes the owner and group of p. Root may set any owner; the
// owner may only move the file into a group it belongs to.
func (v View) Chown(p string, uid, gid uint32) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return pathErr("chown", p, err)
	}
	n := v.t.nodes[id]
	if !v.cred.IsRoot() {
		if v.cred.UID != n.uid || uid != n.uid || !v.cred.inGroup(gid) {
			return pathErr("chown", p, ErrPermissionDenied)
		}
	}
	n.uid, n.gid = uid, gid
	return nil
}

// ChmodAll sets the permission bits of p and, when recursive, of every
// node below it. mode maps a node's current bits to its new ones.
// Symbolic links below p are skipped. The whole set is checked first, so
// a denial anywhere leaves every node unchanged.
func (v View) ChmodAll(p string, recursive bool, mode func(Mode) Mode) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	ids, err := v.subtree(p, recursive)
	if err != nil {
		return pathErr("chmod", p, err)
	}
	for _, id := range ids {
		n := v.t.nodes[id]
		if !v.cred.IsRoot() && v.cred.UID != n.uid {
			return pathErr("chmod", v.t.pathOf(id), ErrPermissionDenied)
		}
	}
	for _, id := range ids {
		n := v.t.nodes[id]
		n.mode = mode(n.mode) & ModePerm
	}
	return nil
}

// ChownAll is the ownership counterpart of ChmodAll. owner maps a node's
// current uid and gid to the new pair.
func (v View) ChownAll(p string, recursive bool, owner func(uid, gid uint32) (uint32, uint32)) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	ids, err := v.subtree(p, recursive)
	if err != nil {
		return pathErr("chown", p, err)
	}
	if !v.cred.IsRoot() {
		for _, id := range ids {
			n := v.t.nodes[id]
			uid, gid := owner(n.uid, n.gid)
			if v.cred.UID != n.uid || uid != n.uid || !v.cred.inGroup(gid) {
				return pathErr("chown", v.t.pathOf(id), ErrPermissionDenied)
			}
		}
	}
	for _, id := range ids {
		n := v.t.nodes[id]
		n.uid, n.gid = owner(n.uid, n.gid)
	}
	return nil
}

// subtree resolves p and, when recursive, collects the nodes below it in
// walk order. Directories the caller cannot list are not entered.
func (v View) subtree(p string, recursive bool) ([]NodeID, error) {
	root, err := v.resolve(p, true)
	if err != nil {
		return nil, err
	}
	ids := []NodeID{root}
	if !recursive {
		return ids, nil
	}
	var visit func(NodeID)
	visit = func(id NodeID) {
		n := v.t.nodes[id]
		if n.kind != KindDir || !v.cred.may(n, permRead|permExec) {
			return
		}
		for _, c := range n.children {
			if v.t.nodes[c].kind == KindSymlink {
				continue
			}
			ids = append(ids, c)
			visit(c)
		}
	}
	visit(root)
	return ids, nil
}

// SetXattr stores an extended attribute on p.
func (v View) SetXattr(p, key, value string) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return pathErr("setxattr", p, err)
	}
	n := v.t.nodes[id]
	if !v.cred.IsRoot() && v.cred.UID != n.uid && !v.cred.may(n, permWrite) {
		return pathErr("setxattr", p, ErrPermissionDenied)
	}
	if n.xattrs == nil {
		n.xattrs = make(map[string]string)
	}
	n.xattrs[key] = value
	return nil
}

// Xattr returns the extended attribute key of p.
func (v View) Xattr(p, key string) (string, bool, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return "", false, pathErr("getxattr", p, err)
	}
	val, ok := v.t.nodes[id].xattrs[key]
	return val, ok, nil
}

// Remove deletes p. A non-empty directory is only removed when recursive
// is set, and then only if every node below it may be removed; otherwise
// nothing changes and the error names the offending sub-path.
func (v View) Remove(p string, recursive bool) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(p, false)
	if err != nil {
		return pathErr("remove", p, err)
	}
	if id == v.t.root {
		return pathErr("remove", p, ErrPermissionDenied)
	}
	n := v.t.nodes[id]
	if !v.mayModifyEntries(n.parent) {
		return pathErr("remove", v.t.pathOf(id), ErrPermissionDenied)
	}
	if n.kind == KindDir && len(n.children) > 0 {
		if !recursive {
			return pathErr("remove", p, ErrDirectoryNotEmpty)
		}
		if bad, err := v.checkRemovable(id); err != nil {
			return pathErr("remove", v.t.pathOf(bad), err)
		}
	}
	v.t.unlink(id)
	return nil
}

// checkRemovable verifies every directory in the subtree at id lets the
// caller delete its entries.
func (v View) checkRemovable(id NodeID) (NodeID, error) {
	n := v.t.nodes[id]
	if n.kind != KindDir || len(n.children) == 0 {
		return 0, nil
	}
	if !v.cred.may(n, permRead|permWrite|permExec) {
		return id, ErrPermissionDenied
	}
	for _, c := range n.children {
		if bad, err := v.checkRemovable(c); err != nil {
			return bad, err
		}
	}
	return 0, nil
}

// destination resolves where src should land for a move or copy to dst.
// An existing directory at dst receives src under its own name.
func (v View) destination(dst, srcName string) (parent NodeID, name string, existing NodeID, exists bool, err error) {
	if id, rerr := v.resolve(dst, true); rerr == nil && v.t.nodes[id].kind == KindDir {
		parent, name = id, srcName
	} else {
		parent, name, err = v.resolveParent(dst)
		if err != nil {
			return
		}
		if name == "" {
			err = ErrAlreadyExists
			return
		}
	}
	if !validName(name) {
		err = ErrInvalidPath
		return
	}
	existing, exists = v.t.nodes[parent].child(name)
	return
}

// Move renames src to dst. Moving a directory into its own subtree fails
// with ErrInvalidPath.
func (v View) Move(src, dst string) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(src, false)
	if err != nil {
		return pathErr("move", src, err)
	}
	if id == v.t.root {
		return pathErr("move", src, ErrPermissionDenied)
	}
	n := v.t.nodes[id]
	parent, name, existing, exists, err := v.destination(dst, n.name)
	if err != nil {
		return pathErr("move", dst, err)
	}
	if exists && existing == id {
		return nil
	}
	if n.kind == KindDir && v.t.isAncestor(id, parent) {
		return pathErr("move", dst, ErrInvalidPath)
	}
	if !v.mayModifyEntries(n.parent) {
		return pathErr("move", src, ErrPermissionDenied)
	}
	if !v.mayModifyEntries(parent) {
		return pathErr("move", dst, ErrPermissionDenied)
	}
	if exists {
		e := v.t.nodes[existing]
		switch {
		case n.kind == KindDir && e.kind != KindDir:
			return pathErr("move", dst, ErrNotADirectory)
		case n.kind != KindDir && e.kind == KindDir:
			return pathErr("move", dst, ErrIsADirectory)
		case e.kind == KindDir && len(e.children) > 0:
			return pathErr("move", dst, ErrDirectoryNotEmpty)
		}
		v.t.unlink(existing)
	}
	now := v.t.now()
	old := v.t.nodes[n.parent]
	old.removeChild(n.name)
	old.mtime = now
	n.name = name
	n.parent = parent
	v.t.nodes[parent].addChild(name, id)
	v.t.nodes[parent].mtime = now
	return nil
}

// Copy duplicates src at dst. Directories require recursive; symbolic
// links inside a copied directory are copied as links.
func (v View) Copy(src, dst string, recursive bool) error {
	v.t.mu.Lock()
	defer v.t.mu.Unlock()
	id, err := v.resolve(src, true)
	if err != nil {
		return pathErr("copy", src, err)
	}
	n := v.t.nodes[id]
	if n.kind == KindDir && !recursive {
		return pathErr("copy", src, ErrIsADirectory)
	}
	if bad, err := v.checkReadable(id); err != nil {
		return pathErr("copy", v.t.pathOf(bad), err)
	}
	name := n.name
	if id == v.t.root {
		name = ""
	}
	parent, name, existing, exists, err := v.destination(dst, name)
	if err != nil {
		return pathErr("copy", dst, err)
	}
	if n.kind == KindDir && v.t.isAncestor(id, parent) {
		return pathErr("copy", dst, ErrInvalidPath)
	}
	if exists {
		e := v.t.nodes[existing]
		if existing == id {
			return pathErr("copy", dst, ErrAlreadyExists)
		}
		if n.kind == KindDir || e.kind == KindDir {
			if n.kind != KindDir {
				return pathErr("copy", dst, ErrIsADirectory)
			}
			return pathErr("copy", dst, ErrAlreadyExists)
		}
		if !v.cred.may(e, permWrite) {
			return pathErr("copy", dst, ErrPermissionDenied)
		}
		e.data = append([]byte(nil), n.data...)
		e.mtime = v.t.now()
		return nil
	}
	if !v.mayModifyEntries(parent) {
		return pathErr("copy", dst, ErrPermissionDenied)
	}
	v.copyInto(id, parent, name)
	return nil
}

// checkReadable verifies the caller can read every node in the subtree.
func (v View) checkReadable(id NodeID) (NodeID, error) {
	n := v.t.nodes[id]
	switch n.kind {
	case KindFile:
		if !v.cred.may(n, permRead) {
			return id, ErrPermissionDenied
		}
	case KindDir:
		if !v.cred.may(n, permRead|permExec) {
			return id, ErrPermissionDenied
		}
		for _, c := range n.children {
			if bad, err := v.checkReadable(c); err != nil {
				return bad, err
			}
		}
	}
	return 0, nil
}

func (v View) copyInto(src, parent NodeID, name string) {
	n := v.t.nodes[src]
	children := append([]NodeID(nil), n.children...)
	id := v.t.link(parent, name, n.kind, n.mode, v.cred)
	c := v.t.nodes[id]
	c.data = append([]byte(nil), n.data...)
	c.target = n.target
	for k, val := range n.xattrs {
		if c.xattrs == nil {
			c.xattrs = make(map[string]string)
		}
		c.xattrs[k] = val
	}
	for _, child := range children {
		v.copyInto(child, id, v.t.nodes[child].name)
	}
}

// Walk lists p and everything below it in depth-first order, siblings
// sorted by name, without following symbolic links below p. Directories the caller cannot read are
// listed but not descended into.
func (v View) Walk(p string) ([]FileInfo, error) {
	v.t.mu.RLock()
	defer v.t.mu.RUnlock()
	id, err := v.resolve(p, true)
	if err != nil {
		return nil, pathErr("walk", p, err)
	}
	var out []FileInfo
	var visit func(NodeID)
	visit = func(id NodeID) {
		out = append(out, v.t.info(id))
		n := v.t.nodes[id]
		if n.kind != KindDir || !v.cred.may(n, permRead|permExec) {
			return
		}
		children := append([]NodeID(nil), n.children...)
		sort.Slice(children, func(i, j int) bool {
			return v.t.nodes[children[i]].name < v.t.nodes[children[j]].name
		})
		for _, c := range children {
			visit(c)
		}
	}
	visit(id)
	return out, nil
}

// SortByName orders entries by name, the way ls presents them.
func SortByName(entries []FileInfo) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
}
