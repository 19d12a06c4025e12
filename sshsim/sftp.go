package sshsim

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell"
)

func (c *conn) serveSFTP(rwc io.ReadWriteCloser) {
	h := &fsHandler{view: c.device.tree.View(c.user.Cred(), c.user.Home)}
	handlers := sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
	srv := sftp.NewRequestServer(rwc, handlers, sftp.WithStartDirectory(c.user.Home))
	if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
		c.device.logger.Debug("sftp session ended", zap.Error(err))
	}
	srv.Close()
}

// fsHandler serves sftp requests from the device tree with the rights of
// the logged in user.
type fsHandler struct {
	view vfshell.View
}

// statusError maps tree errors to sftp status codes.
func statusError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, vfshell.ErrNotFound):
		return sftp.ErrSSHFxNoSuchFile
	case errors.Is(err, vfshell.ErrPermissionDenied):
		return sftp.ErrSSHFxPermissionDenied
	}
	return sftp.ErrSSHFxFailure
}

func (h *fsHandler) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	data, err := h.view.ReadFile(r.Filepath)
	if err != nil {
		return nil, statusError(err)
	}
	return bytes.NewReader(data), nil
}

func (h *fsHandler) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	flags := r.Pflags()
	fi, err := h.view.Stat(r.Filepath)
	switch {
	case err == nil && fi.IsDir():
		return nil, sftp.ErrSSHFxFailure
	case err == nil && flags.Creat && flags.Excl:
		return nil, sftp.ErrSSHFxFailure
	case errors.Is(err, vfshell.ErrNotFound):
		if !flags.Creat {
			return nil, sftp.ErrSSHFxNoSuchFile
		}
		mode := vfshell.DefaultFileMode
		if r.AttrFlags().Permissions {
			mode = vfshell.Mode(r.Attributes().FileMode().Perm())
		}
		if err := h.view.CreateFile(r.Filepath, mode); err != nil {
			return nil, statusError(err)
		}
	case err != nil:
		return nil, statusError(err)
	}

	w := &fileWriter{view: h.view, path: r.Filepath}
	if !flags.Trunc {
		data, err := h.view.ReadFile(r.Filepath)
		if err != nil {
			return nil, statusError(err)
		}
		w.data = data
	} else if err := h.view.WriteFile(r.Filepath, nil); err != nil {
		return nil, statusError(err)
	}
	return w, nil
}

// fileWriter collects writes and stores the file when the handle closes.
type fileWriter struct {
	view vfshell.View
	path string

	mu   sync.Mutex
	data []byte
}

func (w *fileWriter) WriteAt(p []byte, off int64) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if end := off + int64(len(p)); end > int64(len(w.data)) {
		grown := make([]byte, end)
		copy(grown, w.data)
		w.data = grown
	}
	copy(w.data[off:], p)
	return len(p), nil
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return statusError(w.view.WriteFile(w.path, w.data))
}

func (h *fsHandler) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return h.setstat(r)
	case "Rename", "PosixRename":
		return statusError(h.view.Move(r.Filepath, r.Target))
	case "Rmdir":
		fi, err := h.view.Lstat(r.Filepath)
		if err != nil {
			return statusError(err)
		}
		if !fi.IsDir() {
			return sftp.ErrSSHFxFailure
		}
		return statusError(h.view.Remove(r.Filepath, false))
	case "Remove":
		fi, err := h.view.Lstat(r.Filepath)
		if err != nil {
			return statusError(err)
		}
		if fi.IsDir() {
			return sftp.ErrSSHFxFailure
		}
		return statusError(h.view.Remove(r.Filepath, false))
	case "Mkdir":
		return statusError(h.view.Mkdir(r.Filepath, vfshell.DefaultDirMode))
	case "Symlink":
		return statusError(h.view.Symlink(r.Target, r.Filepath))
	}
	return sftp.ErrSSHFxOpUnsupported
}

func (h *fsHandler) setstat(r *sftp.Request) error {
	flags := r.AttrFlags()
	attrs := r.Attributes()
	if flags.Permissions {
		if err := h.view.Chmod(r.Filepath, vfshell.Mode(attrs.FileMode().Perm())); err != nil {
			return statusError(err)
		}
	}
	if flags.UidGid {
		if err := h.view.Chown(r.Filepath, attrs.UID, attrs.GID); err != nil {
			return statusError(err)
		}
	}
	if flags.Size {
		data, err := h.view.ReadFile(r.Filepath)
		if err != nil {
			return statusError(err)
		}
		size := int(attrs.Size)
		if size <= len(data) {
			data = data[:size]
		} else {
			data = append(data, make([]byte, size-len(data))...)
		}
		return statusError(h.view.WriteFile(r.Filepath, data))
	}
	return nil
}

func (h *fsHandler) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := h.view.ListDir(r.Filepath)
		if err != nil {
			return nil, statusError(err)
		}
		out := make(listing, len(entries))
		for i, fi := range entries {
			out[i] = fileInfo{fi}
		}
		return out, nil
	case "Stat":
		fi, err := h.view.Stat(r.Filepath)
		if err != nil {
			return nil, statusError(err)
		}
		return listing{fileInfo{fi}}, nil
	case "Lstat":
		fi, err := h.view.Lstat(r.Filepath)
		if err != nil {
			return nil, statusError(err)
		}
		return listing{fileInfo{fi}}, nil
	case "Readlink":
		target, err := h.view.Readlink(r.Filepath)
		if err != nil {
			return nil, statusError(err)
		}
		return listing{fileInfo{vfshell.FileInfo{Name: target, Kind: vfshell.KindSymlink}}}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

type listing []os.FileInfo

func (l listing) ListAt(dst []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(dst, l[offset:])
	if n < len(dst) || offset+int64(n) == int64(len(l)) {
		return n, io.EOF
	}
	return n, nil
}

// fileInfo presents a tree entry as an os.FileInfo.
type fileInfo struct {
	fi vfshell.FileInfo
}

func (f fileInfo) Name() string       { return f.fi.Name }
func (f fileInfo) Size() int64        { return f.fi.Size }
func (f fileInfo) ModTime() time.Time { return f.fi.ModTime }
func (f fileInfo) IsDir() bool        { return f.fi.IsDir() }
func (f fileInfo) Sys() any           { return nil }
func (f fileInfo) Uid() uint32        { return f.fi.UID }
func (f fileInfo) Gid() uint32        { return f.fi.GID }

func (f fileInfo) Mode() os.FileMode {
	m := os.FileMode(f.fi.Mode & vfshell.ModePerm)
	switch f.fi.Kind {
	case vfshell.KindDir:
		m |= os.ModeDir
	case vfshell.KindSymlink:
		m |= os.ModeSymlink
	}
	return m
}
