//go:build linux || darwin
// +build linux darwin

package vfshell

import (
	"fmt"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
)

// Mounting requires FUSE privileges, so these tests exercise the node
// helpers without a kernel mount.

func TestNewFuseRoot(t *testing.T) {
	tr := New()
	root := NewFuseRoot(tr, Root)
	if root == nil {
		t.Fatal("NewFuseRoot returned nil")
	}
	if root.view.Tree() != tr {
		t.Error("Root node's tree reference is incorrect")
	}
}

func TestErrnoMapping(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{nil, 0},
		{pathErr("read", "/x", ErrNotFound), syscall.ENOENT},
		{ErrNotADirectory, syscall.ENOTDIR},
		{ErrIsADirectory, syscall.EISDIR},
		{ErrAlreadyExists, syscall.EEXIST},
		{ErrDirectoryNotEmpty, syscall.ENOTEMPTY},
		{ErrPermissionDenied, syscall.EACCES},
		{ErrTooManySymlinks, syscall.ELOOP},
		{ErrInvalidPath, syscall.EINVAL},
		{fmt.Errorf("other"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := errnoOf(tt.err); got != tt.want {
			t.Errorf("errnoOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestFillAttr(t *testing.T) {
	mtime := time.Unix(1700000000, 500)
	fi := FileInfo{
		ID:      7,
		Kind:    KindDir,
		Mode:    0o750,
		UID:     1000,
		GID:     100,
		Size:    dirSize,
		NLink:   3,
		Created: mtime,
		ModTime: mtime,
	}
	var out fuse.Attr
	fillAttr(fi, &out)

	if out.Mode != syscall.S_IFDIR|0o750 {
		t.Errorf("Unexpected mode %o", out.Mode)
	}
	if out.Ino != 8 {
		t.Errorf("Expected inode 8, got %d", out.Ino)
	}
	if out.Uid != 1000 || out.Gid != 100 {
		t.Errorf("Unexpected owner %d:%d", out.Uid, out.Gid)
	}
	if out.Mtime != 1700000000 || out.Mtimensec != 500 {
		t.Errorf("Unexpected mtime %d.%d", out.Mtime, out.Mtimensec)
	}
	if out.Nlink != 3 || out.Size != dirSize {
		t.Errorf("Unexpected nlink/size %d/%d", out.Nlink, out.Size)
	}
}

func TestFuseFileHandleReadWrite(t *testing.T) {
	tr := New()
	v := tr.View(Root, "/")
	v.WriteFile("/f", []byte("hello"))
	fh := &FuseFileHandle{view: v, path: "/f"}

	n, errno := fh.Write(nil, []byte("J"), 0)
	if errno != 0 || n != 1 {
		t.Fatalf("Write = %d, %v", n, errno)
	}
	if _, errno := fh.Write(nil, []byte("!!"), 7); errno != 0 {
		t.Fatalf("Write past end failed: %v", errno)
	}
	data, _ := v.ReadFile("/f")
	if string(data) != "Jello\x00\x00!!" {
		t.Errorf("Unexpected content %q", data)
	}

	dest := make([]byte, 3)
	res, errno := fh.Read(nil, dest, 1)
	if errno != 0 {
		t.Fatalf("Read failed: %v", errno)
	}
	got, _ := res.Bytes(make([]byte, 3))
	if string(got) != "ell" {
		t.Errorf("Expected 'ell', got %q", got)
	}
}
