//go:build linux || darwin
// +build linux darwin

package vfshell

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// FuseNode exposes one node of a Tree through go-fuse. Every operation is
// performed as the view's identity; the node's path is derived from its
// position in the inode tree so renames stay consistent.
type FuseNode struct {
	fs.Inode
	view View
}

// Ensure FuseNode implements the node interfaces we rely on
var (
	_ fs.NodeGetattrer  = (*FuseNode)(nil)
	_ fs.NodeSetattrer  = (*FuseNode)(nil)
	_ fs.NodeLookuper   = (*FuseNode)(nil)
	_ fs.NodeReaddirer  = (*FuseNode)(nil)
	_ fs.NodeOpener     = (*FuseNode)(nil)
	_ fs.NodeCreater    = (*FuseNode)(nil)
	_ fs.NodeMkdirer    = (*FuseNode)(nil)
	_ fs.NodeUnlinker   = (*FuseNode)(nil)
	_ fs.NodeRmdirer    = (*FuseNode)(nil)
	_ fs.NodeRenamer    = (*FuseNode)(nil)
	_ fs.NodeSymlinker  = (*FuseNode)(nil)
	_ fs.NodeReadlinker = (*FuseNode)(nil)
)

// NewFuseRoot creates the root node for mounting tree as cred.
func NewFuseRoot(tree *Tree, cred Cred) *FuseNode {
	return &FuseNode{view: tree.View(cred, "/")}
}

func (n *FuseNode) path() string {
	return "/" + n.Path(nil)
}

func (n *FuseNode) childPath(name string) string {
	return Join(n.path(), name)
}

// errnoOf maps tree errors onto the closest errno.
func errnoOf(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, ErrNotADirectory):
		return syscall.ENOTDIR
	case errors.Is(err, ErrIsADirectory):
		return syscall.EISDIR
	case errors.Is(err, ErrAlreadyExists):
		return syscall.EEXIST
	case errors.Is(err, ErrDirectoryNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, ErrTooManySymlinks):
		return syscall.ELOOP
	case errors.Is(err, ErrInvalidPath):
		return syscall.EINVAL
	}
	return syscall.EIO
}

func typeBits(kind NodeKind) uint32 {
	switch kind {
	case KindDir:
		return syscall.S_IFDIR
	case KindSymlink:
		return syscall.S_IFLNK
	}
	return syscall.S_IFREG
}

func fillAttr(fi FileInfo, out *fuse.Attr) {
	out.Ino = uint64(fi.ID) + 1
	out.Mode = typeBits(fi.Kind) | uint32(fi.Mode)
	out.Size = uint64(fi.Size)
	out.Nlink = uint32(fi.NLink)
	out.Owner = fuse.Owner{Uid: fi.UID, Gid: fi.GID}
	out.Mtime = uint64(fi.ModTime.Unix())
	out.Mtimensec = uint32(fi.ModTime.Nanosecond())
	out.Ctime = uint64(fi.Created.Unix())
	out.Ctimensec = uint32(fi.Created.Nanosecond())
	out.Atime = out.Mtime
	out.Atimensec = out.Mtimensec
}

func (n *FuseNode) newChild(ctx context.Context, fi FileInfo) *fs.Inode {
	child := &FuseNode{view: n.view}
	return n.NewInode(ctx, child, fs.StableAttr{
		Mode: typeBits(fi.Kind),
		Ino:  uint64(fi.ID) + 1,
	})
}

// Getattr implements NodeGetattrer interface
func (n *FuseNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	fi, err := n.view.Lstat(n.path())
	if err != nil {
		return errnoOf(err)
	}
	fillAttr(fi, &out.Attr)
	return 0
}

// Setattr implements NodeSetattrer interface
func (n *FuseNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.path()
	if mode, ok := in.GetMode(); ok {
		if err := n.view.Chmod(p, Mode(mode)&ModePerm); err != nil {
			return errnoOf(err)
		}
	}
	uid, uok := in.GetUID()
	gid, gok := in.GetGID()
	if uok || gok {
		fi, err := n.view.Stat(p)
		if err != nil {
			return errnoOf(err)
		}
		if !uok {
			uid = fi.UID
		}
		if !gok {
			gid = fi.GID
		}
		if err := n.view.Chown(p, uid, gid); err != nil {
			return errnoOf(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		data, err := n.view.ReadFile(p)
		if err != nil {
			return errnoOf(err)
		}
		resized := make([]byte, size)
		copy(resized, data)
		if err := n.view.WriteFile(p, resized); err != nil {
			return errnoOf(err)
		}
	}
	return n.Getattr(ctx, fh, out)
}

// Lookup implements NodeLookuper interface
func (n *FuseNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	fi, err := n.view.Lstat(n.childPath(name))
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(fi, &out.Attr)
	return n.newChild(ctx, fi), 0
}

// Readdir implements NodeReaddirer interface
func (n *FuseNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.view.ListDir(n.path())
	if err != nil {
		return nil, errnoOf(err)
	}
	dirEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		dirEntries = append(dirEntries, fuse.DirEntry{
			Name: e.Name,
			Mode: typeBits(e.Kind),
			Ino:  uint64(e.ID) + 1,
		})
	}
	return fs.NewListDirStream(dirEntries), 0
}

// Open implements NodeOpener interface
func (n *FuseNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	p := n.path()
	fi, err := n.view.Stat(p)
	if err != nil {
		return nil, 0, errnoOf(err)
	}
	if fi.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	if flags&syscall.O_TRUNC != 0 {
		if err := n.view.WriteFile(p, nil); err != nil {
			return nil, 0, errnoOf(err)
		}
	}
	return &FuseFileHandle{view: n.view, path: p}, fuse.FOPEN_DIRECT_IO, 0
}

// Create implements NodeCreater interface
func (n *FuseNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	p := n.childPath(name)
	if err := n.view.CreateFile(p, Mode(mode)&ModePerm); err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	fi, err := n.view.Lstat(p)
	if err != nil {
		return nil, nil, 0, errnoOf(err)
	}
	fillAttr(fi, &out.Attr)
	return n.newChild(ctx, fi), &FuseFileHandle{view: n.view, path: p}, fuse.FOPEN_DIRECT_IO, 0
}

// Mkdir implements NodeMkdirer interface
func (n *FuseNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if err := n.view.Mkdir(p, Mode(mode)&ModePerm); err != nil {
		return nil, errnoOf(err)
	}
	fi, err := n.view.Lstat(p)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(fi, &out.Attr)
	return n.newChild(ctx, fi), 0
}

// Unlink implements NodeUnlinker interface
func (n *FuseNode) Unlink(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	fi, err := n.view.Lstat(p)
	if err != nil {
		return errnoOf(err)
	}
	if fi.IsDir() {
		return syscall.EISDIR
	}
	return errnoOf(n.view.Remove(p, false))
}

// Rmdir implements NodeRmdirer interface
func (n *FuseNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	fi, err := n.view.Lstat(p)
	if err != nil {
		return errnoOf(err)
	}
	if !fi.IsDir() {
		return syscall.ENOTDIR
	}
	return errnoOf(n.view.Remove(p, false))
}

// Rename implements NodeRenamer interface
func (n *FuseNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dst := Join("/"+newParent.EmbeddedInode().Path(nil), newName)
	return errnoOf(n.view.Move(n.childPath(name), dst))
}

// Symlink implements NodeSymlinker interface
func (n *FuseNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	if err := n.view.Symlink(target, p); err != nil {
		return nil, errnoOf(err)
	}
	fi, err := n.view.Lstat(p)
	if err != nil {
		return nil, errnoOf(err)
	}
	fillAttr(fi, &out.Attr)
	return n.newChild(ctx, fi), 0
}

// Readlink implements NodeReadlinker interface
func (n *FuseNode) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	target, err := n.view.Readlink(n.path())
	if err != nil {
		return nil, errnoOf(err)
	}
	return []byte(target), 0
}

// FuseFileHandle is an open file in the mounted tree
type FuseFileHandle struct {
	view View
	path string
}

// Ensure FuseFileHandle implements the required interfaces
var (
	_ fs.FileReader = (*FuseFileHandle)(nil)
	_ fs.FileWriter = (*FuseFileHandle)(nil)
)

// Read implements FileReader interface
func (fh *FuseFileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	data, err := fh.view.ReadFile(fh.path)
	if err != nil {
		return nil, errnoOf(err)
	}
	if off >= int64(len(data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := int(off) + len(dest)
	if end > len(data) {
		end = len(data)
	}
	return fuse.ReadResultData(data[off:end]), 0
}

// Write implements FileWriter interface
func (fh *FuseFileHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	existing, err := fh.view.ReadFile(fh.path)
	if err != nil {
		return 0, errnoOf(err)
	}
	if newSize := int(off) + len(data); newSize > len(existing) {
		grown := make([]byte, newSize)
		copy(grown, existing)
		existing = grown
	}
	copy(existing[off:], data)
	if err := fh.view.WriteFile(fh.path, existing); err != nil {
		return 0, errnoOf(err)
	}
	return uint32(len(data)), 0
}

// Mount mounts tree at mountPoint, performing every operation as cred.
// The returned server keeps serving in the background; call Unmount to
// detach it.
//
// Example:
//
//	server, err := Mount(tree, Root, "/mnt/vfshell", nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer server.Unmount()
func Mount(tree *Tree, cred Cred, mountPoint string, options *fuse.MountOptions) (*fuse.Server, error) {
	opts := &fs.Options{}
	if options != nil {
		opts.MountOptions = *options
	} else {
		opts.MountOptions = fuse.MountOptions{
			Options: []string{"default_permissions"},
			FsName:  "vfshell",
			Name:    "vfshell",
		}
	}
	return fs.Mount(mountPoint, NewFuseRoot(tree, cred), opts)
}
