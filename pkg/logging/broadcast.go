// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"sync"
)

// =============================================================================
// BroadcastExporter
// =============================================================================

// BroadcastExporter fans redacted events out to live subscribers, such
// as the websocket event tail. Subscribers that fall behind have events
// dropped rather than slowing the write path.
//
// # Thread Safety
//
// Safe for concurrent Export/Subscribe/Unsubscribe.
type BroadcastExporter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

// NewBroadcastExporter creates a broadcaster whose subscriber channels
// buffer up to buffer events (minimum 1).
func NewBroadcastExporter(buffer int) *BroadcastExporter {
	if buffer < 1 {
		buffer = 1
	}
	return &BroadcastExporter{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new listener. The returned cancel function
// removes the subscription and closes the channel.
func (b *BroadcastExporter) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// SubscriberCount reports the number of live subscriptions.
func (b *BroadcastExporter) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Export delivers the event to every subscriber without blocking.
func (b *BroadcastExporter) Export(ctx context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Slow tail; drop for this subscriber.
		}
	}
	return nil
}

func (b *BroadcastExporter) Flush(ctx context.Context) error { return nil }

// Close terminates every subscription.
func (b *BroadcastExporter) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}

var _ Exporter = (*BroadcastExporter)(nil)
