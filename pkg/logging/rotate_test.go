// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

func newTestWriter(t *testing.T, maxBytes int64, backups int) (*RotatingWriter, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	w, err := NewRotatingWriter(path, maxBytes, backups)
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

func writeRecord(t *testing.T, w *RotatingWriter, record string) {
	t.Helper()
	n, err := w.Write([]byte(record))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if n != len(record) {
		t.Fatalf("Write() wrote %d bytes, want %d", n, len(record))
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

// =============================================================================
// Rotation Tests
// =============================================================================

func TestRotatingWriter_NoRotationUnderCap(t *testing.T) {
	w, path := newTestWriter(t, 1024, 3)

	writeRecord(t, w, "first record\n")
	writeRecord(t, w, "second record\n")

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Errorf("backup file should not exist under the cap")
	}
	if got := mustRead(t, path); got != "first record\nsecond record\n" {
		t.Errorf("active file content = %q", got)
	}
}

func TestRotatingWriter_ExactlyOneRotation(t *testing.T) {
	// Two 40-byte records fit in 100; the third triggers one rotation.
	w, path := newTestWriter(t, 100, 3)
	rec := func(i int) string { return fmt.Sprintf("record-%d%s\n", i, strings.Repeat("x", 30)) }

	writeRecord(t, w, rec(1))
	writeRecord(t, w, rec(2))
	writeRecord(t, w, rec(3))

	backup := mustRead(t, path+".1")
	if !strings.Contains(backup, "record-1") || !strings.Contains(backup, "record-2") {
		t.Errorf("backup missing pre-rotation records: %q", backup)
	}
	active := mustRead(t, path)
	if active != rec(3) {
		t.Errorf("active file = %q, want only the triggering record", active)
	}
	if _, err := os.Stat(path + ".2"); !os.IsNotExist(err) {
		t.Errorf("only one rotation should have occurred")
	}
}

func TestRotatingWriter_ActiveSizeResetsAfterRotation(t *testing.T) {
	w, _ := newTestWriter(t, 50, 2)

	writeRecord(t, w, strings.Repeat("a", 40)+"\n")
	writeRecord(t, w, strings.Repeat("b", 40)+"\n") // rotates

	if got := w.Size(); got != 41 {
		t.Errorf("Size() after rotation = %d, want 41", got)
	}
}

func TestRotatingWriter_BackupNumberingShifts(t *testing.T) {
	w, path := newTestWriter(t, 30, 3)

	// Each write rotates the previous one out.
	for i := 1; i <= 4; i++ {
		writeRecord(t, w, fmt.Sprintf("gen-%d%s\n", i, strings.Repeat("x", 20)))
	}

	// Newest backup is .1, oldest surviving is .3.
	if got := mustRead(t, path+".1"); !strings.Contains(got, "gen-3") {
		t.Errorf("backup .1 = %q, want gen-3", got)
	}
	if got := mustRead(t, path+".2"); !strings.Contains(got, "gen-2") {
		t.Errorf("backup .2 = %q, want gen-2", got)
	}
	if got := mustRead(t, path+".3"); !strings.Contains(got, "gen-1") {
		t.Errorf("backup .3 = %q, want gen-1", got)
	}
}

func TestRotatingWriter_RetentionDiscardsOldest(t *testing.T) {
	w, path := newTestWriter(t, 30, 2)

	for i := 1; i <= 5; i++ {
		writeRecord(t, w, fmt.Sprintf("gen-%d%s\n", i, strings.Repeat("x", 20)))
	}

	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Errorf("backup .3 should have been discarded by retention")
	}
	if got := mustRead(t, path+".2"); !strings.Contains(got, "gen-3") {
		t.Errorf("backup .2 = %q, want gen-3 (older generations dropped)", got)
	}
}

func TestRotatingWriter_ZeroBackupsTruncates(t *testing.T) {
	w, path := newTestWriter(t, 30, 0)

	writeRecord(t, w, strings.Repeat("a", 25)+"\n")
	writeRecord(t, w, "fresh\n")

	if _, err := os.Stat(path + ".1"); !os.IsNotExist(err) {
		t.Errorf("no backups should be kept with retention 0")
	}
	if got := mustRead(t, path); got != "fresh\n" {
		t.Errorf("active file = %q, want %q", got, "fresh\n")
	}
}

func TestRotatingWriter_OversizeRecordStillWritten(t *testing.T) {
	w, path := newTestWriter(t, 10, 2)

	big := strings.Repeat("z", 100) + "\n"
	writeRecord(t, w, big)

	if got := mustRead(t, path); got != big {
		t.Errorf("oversize record not written intact")
	}
}

func TestRotatingWriter_MultiByteContentSurvivesRotation(t *testing.T) {
	w, path := newTestWriter(t, 60, 3)

	records := []string{
		"ことわざ: 猿も木から落ちる\n",
		"Grüße aus München ßöäü\n",
		"emoji: 🚀🔥💾 done\n",
	}
	for _, r := range records {
		writeRecord(t, w, r)
	}

	var all bytes.Buffer
	for _, p := range []string{path + ".3", path + ".2", path + ".1", path} {
		if data, err := os.ReadFile(p); err == nil {
			all.Write(data)
		}
	}
	combined := all.String()
	if !utf8.ValidString(combined) {
		t.Fatalf("rotated output contains invalid UTF-8")
	}
	for _, r := range records {
		if !strings.Contains(combined, strings.TrimSuffix(r, "\n")) {
			t.Errorf("record %q lost across rotation", r)
		}
	}
}

func TestRotatingWriter_ConcurrentWritersLoseNothing(t *testing.T) {
	// Retention high enough that no backup is discarded during the test.
	w, path := newTestWriter(t, 4096, 50)

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				record := fmt.Sprintf("w%02d-%04d %s\n", id, j, strings.Repeat("p", 32))
				if _, err := w.Write([]byte(record)); err != nil {
					t.Errorf("concurrent Write() error = %v", err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	var all bytes.Buffer
	if data, err := os.ReadFile(path); err == nil {
		all.Write(data)
	}
	for i := 1; i <= 50; i++ {
		if data, err := os.ReadFile(fmt.Sprintf("%s.%d", path, i)); err == nil {
			all.Write(data)
		}
	}

	lines := strings.Split(strings.TrimSuffix(all.String(), "\n"), "\n")
	if len(lines) != writers*perWriter {
		t.Fatalf("got %d records, want %d (lost or duplicated across rotation)", len(lines), writers*perWriter)
	}
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		key := line[:9] // "wNN-NNNN "
		if seen[key] {
			t.Fatalf("record %q duplicated", key)
		}
		seen[key] = true
	}
}

func TestRotatingWriter_DefaultsApplied(t *testing.T) {
	dir := t.TempDir()
	w, err := NewRotatingWriter(filepath.Join(dir, "events.log"), 0, -1)
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer w.Close()

	if w.maxBytes != DefaultMaxBytes {
		t.Errorf("maxBytes = %d, want DefaultMaxBytes", w.maxBytes)
	}
	if w.backups != DefaultBackups {
		t.Errorf("backups = %d, want DefaultBackups", w.backups)
	}
}

func TestRotatingWriter_CreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	w, err := NewRotatingWriter(filepath.Join(dir, "events.log"), 100, 1)
	if err != nil {
		t.Fatalf("NewRotatingWriter() error = %v", err)
	}
	defer w.Close()

	if _, err := os.Stat(dir); err != nil {
		t.Errorf("log directory not created: %v", err)
	}
}
