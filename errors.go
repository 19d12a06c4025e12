package vfshell

import (
	"errors"
	"strings"
)

// Error kinds shared by the tree, the interpreter and the adapters. Callers
// test for them with errors.Is.
var (
	ErrInvalidPath       = errors.New("invalid argument")
	ErrNotFound          = errors.New("no such file or directory")
	ErrNotADirectory     = errors.New("not a directory")
	ErrIsADirectory      = errors.New("is a directory")
	ErrAlreadyExists     = errors.New("file exists")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrTooManySymlinks   = errors.New("too many levels of symbolic links")
	ErrSyntax            = errors.New("syntax error")
	ErrCommandNotFound   = errors.New("command not found")
	ErrNotAGitRepository = errors.New("not a git repository")
	ErrConnection        = errors.New("connection error")
	ErrAuthentication    = errors.New("authentication failed")
	ErrTransfer          = errors.New("transfer error")
	ErrCorruptData       = errors.New("corrupt data")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidPath, "invalid_path"},
	{ErrNotFound, "not_found"},
	{ErrNotADirectory, "not_a_directory"},
	{ErrIsADirectory, "is_a_directory"},
	{ErrAlreadyExists, "already_exists"},
	{ErrDirectoryNotEmpty, "directory_not_empty"},
	{ErrPermissionDenied, "permission_denied"},
	{ErrTooManySymlinks, "too_many_symlinks"},
	{ErrSyntax, "syntax_error"},
	{ErrCommandNotFound, "command_not_found"},
	{ErrNotAGitRepository, "not_a_git_repository"},
	{ErrConnection, "connection_error"},
	{ErrAuthentication, "authentication_failed"},
	{ErrTransfer, "transfer_error"},
	{ErrCorruptData, "corrupt_data"},
}

// Kind returns a stable label for err, suitable for metrics and audit
// records. Unknown errors map to "other" and nil to "".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "other"
}

// PathError records a failed tree operation and the path that caused it.
// For multi-node operations Path is the sub-path where the failure occurred.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

func pathErr(op, path string, err error) error {
	return &PathError{Op: op, Path: path, Err: err}
}

// Describe renders err the way a shell prints it after the offending
// operand: "No such file or directory", "Permission denied" and so on.
func Describe(err error) string {
	var pe *PathError
	if errors.As(err, &pe) {
		err = pe.Err
	}
	msg := err.Error()
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

// RemoteError is a failure talking to a remote host. Msg is the text ssh
// prints for it; Err is ErrConnection, ErrAuthentication or ErrTransfer.
type RemoteError struct {
	Host string
	Msg  string
	Err  error
}

func (e *RemoteError) Error() string { return e.Msg }

func (e *RemoteError) Unwrap() error { return e.Err }
