// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the bridge service.
//
// The auth middleware performs a stateless bearer check before any
// session or admission work: a rejected request must cost nothing but
// the header parse. Key material never sits in plain heap memory; the
// keyring holds it in memguard buffers and supports live rotation from
// a watched keys file.
package middleware

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianBridge/pkg/logging"
	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// KEYRING
// =============================================================================

// Keyring is the set of accepted bearer keys.
//
// # Thread Safety
//
// Safe for concurrent use. Validation takes a read lock; rotation
// swaps the whole set under the write lock.
type Keyring struct {
	mu   sync.RWMutex
	keys []*memguard.LockedBuffer

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewKeyring creates a Keyring holding the given keys. Empty keys are
// dropped.
func NewKeyring(keys []string) *Keyring {
	k := &Keyring{}
	k.Replace(keys)
	return k
}

// Replace swaps the accepted key set. Old buffers are destroyed.
func (k *Keyring) Replace(keys []string) {
	locked := make([]*memguard.LockedBuffer, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		locked = append(locked, memguard.NewBufferFromBytes([]byte(key)))
	}

	k.mu.Lock()
	old := k.keys
	k.keys = locked
	k.mu.Unlock()

	for _, buf := range old {
		buf.Destroy()
	}
}

// Validate reports whether token matches any accepted key. Comparison
// is constant-time per key so timing cannot narrow a guess.
func (k *Keyring) Validate(token string) bool {
	if token == "" {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, buf := range k.keys {
		if subtle.ConstantTimeCompare(buf.Bytes(), []byte(token)) == 1 {
			return true
		}
	}
	return false
}

// Size reports how many keys are loaded.
func (k *Keyring) Size() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// LoadFile replaces the key set from a keys file: one key per line,
// blank lines and #-comments ignored.
func (k *Keyring) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open keys file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read keys file: %w", err)
	}
	k.Replace(keys)
	return nil
}

// Watch reloads the key set whenever path changes, so operators can
// rotate keys without a restart. Watches the parent directory because
// editors typically rename-over the file. Call Close to stop.
func (k *Keyring) Watch(path string, logger *logging.EventLogger) error {
	if err := k.LoadFile(path); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch keys dir: %w", err)
	}

	k.watcher = watcher
	k.done = make(chan struct{})
	target := filepath.Clean(path)

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := k.LoadFile(target); err != nil {
					if logger != nil {
						logger.ErrorEvent("keyring_reload", err, map[string]any{"path": target})
					}
					continue
				}
				if logger != nil {
					logger.Emit(logging.CategoryAuthentication, logging.LevelInfo, map[string]any{
						"event": "keys_reloaded",
						"count": k.Size(),
					})
				}
			case <-watcher.Errors:
			case <-k.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the file watcher and destroys all key buffers.
func (k *Keyring) Close() {
	if k.done != nil {
		close(k.done)
		k.done = nil
	}
	if k.watcher != nil {
		k.watcher.Close()
		k.watcher = nil
	}
	k.Replace(nil)
}

// =============================================================================
// AUTH MIDDLEWARE
// =============================================================================

// AuthDisabled returns a pass-through middleware for mode "none".
func AuthDisabled() gin.HandlerFunc {
	return func(c *gin.Context) { c.Next() }
}

// Auth rejects requests whose bearer token is not in the keyring.
// Rejection happens before any session or admission work and has no
// side effects beyond the auth event.
func Auth(keyring *Keyring, logger *logging.EventLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearerToken(c)
		if !keyring.Validate(token) {
			if logger != nil {
				detail := "missing bearer token"
				if token != "" {
					detail = "unknown bearer token"
				}
				logger.Authentication(false, "bearer", detail)
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		if logger != nil {
			logger.Authentication(true, "bearer", "")
		}
		c.Next()
	}
}

// extractBearerToken extracts the token from the Authorization header.
// Expected format: "Bearer <token>"; the scheme is case-insensitive
// per RFC 7235. Returns empty string if missing or malformed.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
