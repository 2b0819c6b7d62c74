// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import "sync"

// Tracker is the per-conversation mutual exclusion map. A conversation
// accepts one prompt at a time: StartProcessing claims the key,
// StopProcessing releases it. Release is unconditional; callers defer
// it around the whole conversation-processing routine so that no
// failure path can leave a conversation stuck busy.
type Tracker struct {
	mu   sync.Mutex
	busy map[Key]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{busy: make(map[Key]struct{})}
}

// StartProcessing claims the key. Returns false when the conversation
// is already processing a prompt.
func (t *Tracker) StartProcessing(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, held := t.busy[key]; held {
		return false
	}
	t.busy[key] = struct{}{}
	return true
}

// StopProcessing releases the key. Releasing an unclaimed key is a
// no-op.
func (t *Tracker) StopProcessing(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.busy, key)
}

// Busy reports whether the key is currently claimed.
func (t *Tracker) Busy(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, held := t.busy[key]
	return held
}
