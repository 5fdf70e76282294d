// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DefaultMaxBytes is the rotation threshold when none is configured.
const DefaultMaxBytes int64 = 10 * 1024 * 1024 // 10 MiB

// DefaultBackups is the number of rotated files kept when none is configured.
const DefaultBackups = 5

// =============================================================================
// RotatingWriter
// =============================================================================

// RotatingWriter is an append-only file sink with size-based rotation.
//
// # Description
//
// Each Write call carries one complete record (the slog JSON handler
// serializes a record into a single Write). When appending a record would
// push the active file past the size cap, the writer rotates first:
// existing numbered backups shift up by one ("events.log.1" becomes
// "events.log.2", and so on), the backup past the retention count is
// removed, the active file becomes ".1", and a fresh active file is
// opened. The record then lands entirely in the new file.
//
// # Thread Safety
//
// A single mutex covers sizing, rotation, and the write itself, so
// concurrent writers never lose, duplicate, or interleave records across
// a rotation boundary, and multi-byte text is never split mid-character
// (records only ever move between files whole).
//
// # Limitations
//
//   - A single record larger than the cap is written as-is into a fresh
//     file rather than rejected.
//   - Rotation renames are not atomic across filesystems; keep the log
//     directory on one filesystem.
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	maxBytes int64
	backups  int
	file     *os.File
	size     int64
}

// NewRotatingWriter opens (or creates) the active file at path.
//
// maxBytes <= 0 selects DefaultMaxBytes; backups < 0 selects
// DefaultBackups. backups == 0 keeps no history: rotation simply
// truncates. The parent directory is created if missing.
func NewRotatingWriter(path string, maxBytes int64, backups int) (*RotatingWriter, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if backups < 0 {
		backups = DefaultBackups
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, maxBytes: maxBytes, backups: backups}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends one record, rotating first if the record would not fit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Size reports the current active file size in bytes.
func (w *RotatingWriter) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Sync flushes the active file to stable storage.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close syncs and closes the active file. The writer is unusable after.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	w.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// open creates or appends to the active file and records its size.
// Caller holds the mutex (or is the constructor).
func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// rotate shifts backups up by one and opens a fresh active file.
// Caller holds the mutex.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close before rotate: %w", err)
	}
	w.file = nil

	if w.backups == 0 {
		if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("discard rotated file: %w", err)
		}
		return w.open()
	}

	// Drop the backup past retention, then shift the rest up.
	oldest := w.backupPath(w.backups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove oldest backup: %w", err)
	}
	for i := w.backups - 1; i >= 1; i-- {
		src := w.backupPath(i)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(src, w.backupPath(i+1)); err != nil {
			return fmt.Errorf("shift backup %d: %w", i, err)
		}
	}
	if err := os.Rename(w.path, w.backupPath(1)); err != nil {
		return fmt.Errorf("archive active file: %w", err)
	}
	return w.open()
}

// backupPath names the i-th rotated file, e.g. "events.log.3".
func (w *RotatingWriter) backupPath(i int) string {
	return fmt.Sprintf("%s.%d", w.path, i)
}
