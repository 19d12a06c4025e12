package vfshell

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IceWhaleTech/vfshell/internal/logging"
)

// AuditLogEntry represents a single audit log entry
type AuditLogEntry struct {
	Timestamp  time.Time     `json:"timestamp"`
	SessionID  string        `json:"session_id"`
	User       string        `json:"user"`
	Operation  string        `json:"operation"` // "exec", "ssh", "scp", "git", "checkpoint"
	Command    string        `json:"command"`
	Cwd        string        `json:"cwd,omitempty"`
	Status     int           `json:"status"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	RemoteHost string        `json:"remote_host,omitempty"`
}

// AuditLogger defines the interface for audit logging
type AuditLogger interface {
	Log(entry AuditLogEntry) error
}

// JSONAuditLogger writes one JSON object per line to w.
type JSONAuditLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONAuditLogger creates a logger writing JSON lines to w.
func NewJSONAuditLogger(w io.Writer) *JSONAuditLogger {
	return &JSONAuditLogger{w: w}
}

// Log writes an audit entry as a JSON line
func (l *JSONAuditLogger) Log(entry AuditLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(data, '\n'))
	return err
}

// ZapAuditLogger sends audit entries to the structured logger.
type ZapAuditLogger struct {
	logger *zap.Logger
}

// NewZapAuditLogger creates an audit logger on top of logger. A nil logger
// uses the global one.
func NewZapAuditLogger(logger *zap.Logger) *ZapAuditLogger {
	if logger == nil {
		logger = logging.L()
	}
	return &ZapAuditLogger{logger: logger.Named("audit")}
}

// Log emits the entry at info level, or warn for failures.
func (l *ZapAuditLogger) Log(entry AuditLogEntry) error {
	fields := []zap.Field{
		zap.String("session_id", entry.SessionID),
		zap.String("user", entry.User),
		zap.String("operation", entry.Operation),
		zap.String("command", entry.Command),
		zap.String("cwd", entry.Cwd),
		zap.Int("status", entry.Status),
		zap.Duration("duration", entry.Duration),
	}
	if entry.RemoteHost != "" {
		fields = append(fields, zap.String("remote_host", entry.RemoteHost))
	}
	if entry.Error != "" {
		fields = append(fields, zap.String("error", entry.Error), zap.String("error_kind", entry.ErrorKind))
	}
	if entry.Status != 0 {
		l.logger.Warn("command failed", fields...)
	} else {
		l.logger.Info("command executed", fields...)
	}
	return nil
}

// TreeAuditLogger appends JSON lines to a file inside the virtual tree,
// written as root. Missing parent directories are created.
type TreeAuditLogger struct {
	view View
	path string
}

// NewTreeAuditLogger creates a logger appending to path in tree.
func NewTreeAuditLogger(tree *Tree, path string) *TreeAuditLogger {
	return &TreeAuditLogger{view: tree.View(Root, "/"), path: path}
}

// Log appends the entry to the audit file.
func (l *TreeAuditLogger) Log(entry AuditLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.view.MkdirAll(Dir(l.path), DefaultDirMode); err != nil {
		return err
	}
	return l.view.AppendFile(l.path, append(data, '\n'))
}

// MultiAuditLogger fans an entry out to several loggers and returns the
// first error.
type MultiAuditLogger []AuditLogger

// Log forwards entry to every logger.
func (m MultiAuditLogger) Log(entry AuditLogEntry) error {
	var first error
	for _, l := range m {
		if err := l.Log(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}
