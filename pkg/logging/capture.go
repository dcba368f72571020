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
	"context"
	"log/slog"
	"sync"
)

// CapturedRecord is a log record flattened for assertions.
type CapturedRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// CaptureHandler records every log record in memory. Intended for tests.
//
// Thread Safety: Safe for concurrent use. Handlers derived through
// WithAttrs share the parent's record buffer.
type CaptureHandler struct {
	level slog.Level
	attrs []slog.Attr
	store *captureStore
}

type captureStore struct {
	mu      sync.Mutex
	records []CapturedRecord
}

// NewCaptureHandler creates a handler that keeps records at or above level.
func NewCaptureHandler(level slog.Level) *CaptureHandler {
	return &CaptureHandler{level: level, store: &captureStore{}}
}

// NewCaptureLogger returns a logger backed by a fresh Debug-level handler.
func NewCaptureLogger() (*slog.Logger, *CaptureHandler) {
	h := NewCaptureHandler(slog.LevelDebug)
	return slog.New(h), h
}

func (h *CaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *CaptureHandler) Handle(_ context.Context, r slog.Record) error {
	rec := CapturedRecord{
		Level:   r.Level,
		Message: r.Message,
		Attrs:   make(map[string]any, r.NumAttrs()+len(h.attrs)),
	}
	for _, a := range h.attrs {
		rec.Attrs[a.Key] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		rec.Attrs[a.Key] = a.Value.Resolve().Any()
		return true
	})

	h.store.mu.Lock()
	h.store.records = append(h.store.records, rec)
	h.store.mu.Unlock()
	return nil
}

func (h *CaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &CaptureHandler{level: h.level, attrs: merged, store: h.store}
}

// WithGroup is a no-op; captured attributes stay flat.
func (h *CaptureHandler) WithGroup(string) slog.Handler {
	return h
}

// Records returns a copy of every captured record.
func (h *CaptureHandler) Records() []CapturedRecord {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	return append([]CapturedRecord(nil), h.store.records...)
}

// Messages returns the captured messages in order.
func (h *CaptureHandler) Messages() []string {
	recs := h.Records()
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Message
	}
	return out
}

// Find returns the first record with the given message.
func (h *CaptureHandler) Find(message string) (CapturedRecord, bool) {
	for _, r := range h.Records() {
		if r.Message == message {
			return r, true
		}
	}
	return CapturedRecord{}, false
}
