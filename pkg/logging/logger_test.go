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
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

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
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
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
		{"warning", LevelWarn, false},
		{" Error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_ConsoleText(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Service: "reasoncore", Writer: &buf})
	defer l.Close()

	l.Slog().Info("hidden")
	l.Slog().Warn("shown", slog.Int("pass_number", 2))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "service=reasoncore")
	assert.Contains(t, out, "pass_number=2")
}

func TestNew_ConsoleJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{JSON: true, Writer: &buf})
	l.Slog().Info("run finished", slog.String("termination_reason", "converged"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "run finished", rec["msg"])
	assert.Equal(t, "converged", rec["termination_reason"])
}

func TestNew_FileFanOut(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	l := New(Config{LogDir: dir, Service: "svc", Writer: &buf})
	l.Slog().Info("to both")
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "second close is a no-op")

	assert.Contains(t, buf.String(), "to both")

	matches, err := filepath.Glob(filepath.Join(dir, "svc_*.log"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	data, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.Contains(t, string(data), `"service":"svc"`)
}

func TestNew_QuietWithoutFileFallsBack(t *testing.T) {
	l := New(Config{Quiet: true})
	require.NotNil(t, l.Slog())
	assert.NoError(t, l.Close())
}

func TestLoggerWithTrace(t *testing.T) {
	logger, capture := NewCaptureLogger()

	LoggerWithTrace(context.Background(), logger).Info("no span")
	rec, ok := capture.Find("no span")
	require.True(t, ok)
	assert.NotContains(t, rec.Attrs, "trace_id")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02},
		SpanID:     trace.SpanID{0x03},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	LoggerWithTrace(ctx, logger).Info("with span")

	rec, ok = capture.Find("with span")
	require.True(t, ok)
	assert.Equal(t, sc.TraceID().String(), rec.Attrs["trace_id"])
	assert.Equal(t, sc.SpanID().String(), rec.Attrs["span_id"])
}

func TestCaptureHandler(t *testing.T) {
	h := NewCaptureHandler(slog.LevelInfo)
	logger := slog.New(h).With(slog.String("correlation_id", "c-1"))

	logger.Debug("dropped")
	logger.Warn("kept", slog.Int("n", 3))

	recs := h.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, slog.LevelWarn, recs[0].Level)
	assert.Equal(t, "c-1", recs[0].Attrs["correlation_id"])
	assert.Equal(t, int64(3), recs[0].Attrs["n"])
	assert.Equal(t, []string{"kept"}, h.Messages())
}

func TestCaptureHandler_Concurrent(t *testing.T) {
	logger, h := NewCaptureLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("tick")
		}()
	}
	wg.Wait()
	assert.Len(t, h.Records(), 20)
}

func TestMultiHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelDebug}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}
	logger := slog.New(h).WithGroup("g").With(slog.String("k", "v"))

	logger.Info("info only")
	logger.Error("both")

	assert.Contains(t, a.String(), "info only")
	assert.Contains(t, a.String(), "g.k=v")
	assert.NotContains(t, b.String(), "info only")
	assert.True(t, strings.Contains(b.String(), "both"))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
