// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevel_SlogRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		if got := fromSlogLevel(l.toSlogLevel()); got != l {
			t.Errorf("fromSlogLevel(%v.toSlogLevel()) = %v", l, got)
		}
	}
	if got := Level(42).toSlogLevel(); got != slog.LevelInfo {
		t.Errorf("unknown level maps to %v, want INFO", got)
	}
}

// =============================================================================
// New Tests
// =============================================================================

func TestNew_TextToBuffer(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "quizd", Output: &buf})
	defer logger.Close()

	logger.Info("pool built", "taxa", 12)

	out := buf.String()
	for _, want := range []string{"msg=\"pool built\"", "taxa=12", "service=quizd"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNew_ForcedJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, JSON: true, Output: &buf})
	defer logger.Close()

	logger.Warn("degraded pool", "source", "degraded")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "degraded pool" || rec["source"] != "degraded" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestWantJSON(t *testing.T) {
	if !wantJSON(true, &bytes.Buffer{}) {
		t.Error("forced JSON ignored")
	}
	if wantJSON(false, &bytes.Buffer{}) {
		t.Error("non-file writer should default to text")
	}

	f, err := os.CreateTemp(t.TempDir(), "console")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if !wantJSON(false, f) {
		t.Error("a regular file is not a terminal and should get JSON")
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Output: &buf})
	defer logger.Close()

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")

	out := buf.String()
	if strings.Contains(out, "msg=d") || strings.Contains(out, "msg=i") {
		t.Errorf("records below Warn leaked: %q", out)
	}
	if !strings.Contains(out, "msg=w") || !strings.Contains(out, "msg=e") {
		t.Errorf("Warn/Error records missing: %q", out)
	}
}

func TestNew_QuietDiscards(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})
	defer logger.Close()

	logger.Error("nobody hears this")
	if buf.Len() != 0 {
		t.Errorf("quiet logger wrote %q", buf.String())
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	logger := New(Config{Level: LevelInfo, Service: "quizd", LogDir: dir, Quiet: true})

	logger.Info("round created", "round_id", "r-1")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	name := "quizd_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &rec); err != nil {
		t.Fatalf("file log is not JSON: %v", err)
	}
	if rec["round_id"] != "r-1" || rec["service"] != "quizd" {
		t.Errorf("unexpected file record %v", rec)
	}
}

func TestNew_WithLogDir_NoServiceUsesDefaultName(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Quiet: true})
	logger.Info("x")
	logger.Close()

	name := "taxaquiz_" + time.Now().Format("2006-01-02") + ".log"
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Errorf("expected %s: %v", name, err)
	}
}

func TestNew_WithLogDir_Unwritable(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	defer logger.Close()

	if logger.file != nil {
		t.Error("file handle set for an unusable LogDir")
	}
	logger.Info("still logs")
	if !strings.Contains(buf.String(), "still logs") {
		t.Error("console output lost when LogDir fails")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()
	defer logger.Close()
	if logger.Slog() == nil {
		t.Fatal("Default().Slog() is nil")
	}
	if logger.config.Service != "taxaquiz" {
		t.Errorf("Default service = %q", logger.config.Service)
	}
}

func TestLogger_With_SharesResources(t *testing.T) {
	var buf bytes.Buffer
	exp := NewBufferedExporter()
	logger := New(Config{Output: &buf, Exporter: exp})
	child := logger.With("component", "rounds")

	if child.exporter != logger.exporter || child.file != logger.file {
		t.Error("child does not share resources")
	}
	child.Info("finalized")
	if !strings.Contains(buf.String(), "component=rounds") {
		t.Errorf("child attribute missing: %q", buf.String())
	}
	logger.Close()
}

// =============================================================================
// Context Tests
// =============================================================================

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	if got := RequestID(ctx); got != "req-42" {
		t.Errorf("RequestID() = %q", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID(empty) = %q", got)
	}
	//nolint:staticcheck // nil guard
	if got := RequestID(nil); got != "" {
		t.Errorf("RequestID(nil) = %q", got)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("FromContext without a logger should return slog.Default()")
	}
	l := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	if FromContext(WithLogger(context.Background(), l)) != l {
		t.Error("FromContext did not return the stored logger")
	}
}

func TestContextHandler_AddsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{JSON: true, Output: &buf})
	defer logger.Close()

	ctx := WithRequestID(context.Background(), "abc")
	logger.Slog().InfoContext(ctx, "question served")
	logger.Slog().Info("no context")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var first, second map[string]any
	_ = json.Unmarshal([]byte(lines[0]), &first)
	_ = json.Unmarshal([]byte(lines[1]), &second)
	if first["request_id"] != "abc" {
		t.Errorf("request_id missing from context record: %v", first)
	}
	if _, ok := second["request_id"]; ok {
		t.Errorf("request_id present without context: %v", second)
	}
}

// =============================================================================
// Exporter Tests
// =============================================================================

func TestExporter_ReceivesEntries(t *testing.T) {
	exp := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Service: "quizd", Quiet: true, Exporter: exp})
	defer logger.Close()

	ctx := WithRequestID(context.Background(), "r1")
	logger.Slog().With("component", "pool").WithGroup("pool").
		WarnContext(ctx, "degraded", slog.Int("taxa", 3))
	logger.Debug("filtered out")

	deadline := time.Now().Add(time.Second)
	var entries []LogEntry
	for time.Now().Before(deadline) {
		if entries = exp.Entries(); len(entries) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != LevelWarn || e.Message != "degraded" || e.Service != "quizd" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Attrs["component"] != "pool" || e.Attrs["pool.taxa"] != int64(3) || e.Attrs["pool.request_id"] != "r1" {
		t.Errorf("unexpected attrs %v", e.Attrs)
	}
	if _, ok := e.Attrs["service"]; ok {
		t.Error("service duplicated into attrs")
	}
}

func TestBufferedExporter_EntriesReturnsCopy(t *testing.T) {
	exp := NewBufferedExporter()
	_ = exp.Export(context.Background(), LogEntry{Message: "a"})
	got := exp.Entries()
	got[0].Message = "mutated"
	if exp.Entries()[0].Message != "a" {
		t.Error("Entries exposed internal slice")
	}
}

func TestBufferedExporter_Concurrent(t *testing.T) {
	exp := NewBufferedExporter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exp.Export(context.Background(), LogEntry{Message: "x"})
		}()
	}
	wg.Wait()
	if n := len(exp.Entries()); n != 50 {
		t.Errorf("got %d entries, want 50", n)
	}
}

type failingExporter struct {
	BufferedExporter
	flushErr, closeErr error
}

func (f *failingExporter) Flush(context.Context) error { return f.flushErr }
func (f *failingExporter) Close() error                { return f.closeErr }

func TestLogger_Close_ReturnsFirstError(t *testing.T) {
	flushErr := errors.New("flush failed")
	exp := &failingExporter{flushErr: flushErr, closeErr: errors.New("close failed")}
	logger := New(Config{Quiet: true, Exporter: exp})

	if err := logger.Close(); !errors.Is(err, flushErr) {
		t.Errorf("Close() error = %v, want %v", err, flushErr)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

// =============================================================================
// multiHandler Tests
// =============================================================================

type errHandler struct{ err error }

func (h errHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (h errHandler) Handle(context.Context, slog.Record) error { return h.err }
func (h errHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h errHandler) WithGroup(string) slog.Handler             { return h }

func TestMultiHandler_TriesAllHandlers(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("boom")
	h := &multiHandler{handlers: []slog.Handler{
		errHandler{err: boom},
		slog.NewTextHandler(&buf, nil),
	}}

	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "hello", 0))
	if !errors.Is(err, boom) {
		t.Errorf("Handle() error = %v, want %v", err, boom)
	}
	if !strings.Contains(buf.String(), "hello") {
		t.Error("second handler skipped after the first failed")
	}
}

func TestMultiHandler_Enabled(t *testing.T) {
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Info should be enabled by the second handler")
	}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Debug should be disabled")
	}
	if (&multiHandler{}).Enabled(context.Background(), slog.LevelError) {
		t.Error("empty multiHandler reports enabled")
	}
}

func TestMultiHandler_WithAttrsAndGroup(t *testing.T) {
	var a, b bytes.Buffer
	var h slog.Handler = &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, nil),
		slog.NewTextHandler(&b, nil),
	}}
	slog.New(h.WithAttrs([]slog.Attr{slog.String("mode", "easy")}).WithGroup("round")).
		Info("created", "id", "r1")

	for _, out := range []string{a.String(), b.String()} {
		if !strings.Contains(out, "mode=easy") || !strings.Contains(out, "round.id=r1") {
			t.Errorf("unexpected output %q", out)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log/quiz"); got != "/var/log/quiz" {
		t.Errorf("absolute path changed: %q", got)
	}
	if got := expandPath(""); got != "" {
		t.Errorf("empty path changed: %q", got)
	}
}
