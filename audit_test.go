package vfshell

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func sampleEntry() AuditLogEntry {
	return AuditLogEntry{
		Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		SessionID: "s-1",
		User:      "user",
		Operation: "exec",
		Command:   "ls -l",
		Cwd:       "/home/user",
		Status:    0,
		Duration:  time.Millisecond,
	}
}

func TestJSONAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONAuditLogger(&buf)
	if err := logger.Log(sampleEntry()); err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	var decoded AuditLogEntry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("Audit line is not JSON: %v", err)
	}
	if decoded.Command != "ls -l" || decoded.SessionID != "s-1" {
		t.Errorf("Unexpected entry: %+v", decoded)
	}
}

func TestTreeAuditLogger(t *testing.T) {
	tr := New()
	logger := NewTreeAuditLogger(tr, "/var/log/vfshell/audit.log")

	logger.Log(sampleEntry())
	failed := sampleEntry()
	failed.Status = 127
	failed.Error = "command not found"
	logger.Log(failed)

	data, err := tr.View(Root, "/").ReadFile("/var/log/vfshell/audit.log")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 audit lines, got %d", len(lines))
	}
	if !strings.Contains(lines[1], `"status":127`) {
		t.Errorf("Second line missing status: %s", lines[1])
	}
}

func TestZapAuditLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := NewZapAuditLogger(zap.New(core))

	logger.Log(sampleEntry())
	failed := sampleEntry()
	failed.Status = 1
	failed.Error = "boom"
	logger.Log(failed)

	if logs.Len() != 2 {
		t.Fatalf("Expected 2 log entries, got %d", logs.Len())
	}
	entries := logs.All()
	if entries[0].Message != "command executed" || entries[1].Message != "command failed" {
		t.Errorf("Unexpected messages: %q, %q", entries[0].Message, entries[1].Message)
	}
}

func TestMultiAuditLogger(t *testing.T) {
	var a, b bytes.Buffer
	multi := MultiAuditLogger{NewJSONAuditLogger(&a), NewJSONAuditLogger(&b)}
	if err := multi.Log(sampleEntry()); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if a.Len() == 0 || b.Len() == 0 {
		t.Error("Expected both loggers to receive the entry")
	}
}
