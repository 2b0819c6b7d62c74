// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package activity

import (
	"errors"
	"fmt"
	"sync"
)

// ErrBusy is returned by Begin while the conversation is already
// processing a prompt.
var ErrBusy = errors.New("conversation is busy")

// Manager enforces the one-conversation-state-per-key invariant and
// couples state lifetime to the busy flag: Begin claims both, Finish
// releases both unconditionally.
type Manager struct {
	tracker *Tracker

	mu            sync.Mutex
	conversations map[Key]*Conversation
}

// NewManager creates a Manager over the given tracker.
func NewManager(tracker *Tracker) *Manager {
	return &Manager{
		tracker:       tracker,
		conversations: make(map[Key]*Conversation),
	}
}

// Begin claims the key's busy flag and creates its conversation state.
// Returns an error when the conversation is already processing a
// prompt.
func (m *Manager) Begin(config Config) (*Conversation, error) {
	if !m.tracker.StartProcessing(config.Key) {
		return nil, fmt.Errorf("activity: conversation %s: %w", config.Key, ErrBusy)
	}

	conversation, err := NewConversation(config)
	if err != nil {
		m.tracker.StopProcessing(config.Key)
		return nil, err
	}

	m.mu.Lock()
	m.conversations[config.Key] = conversation
	m.mu.Unlock()
	return conversation, nil
}

// Lookup returns the key's live conversation, if any.
func (m *Manager) Lookup(key Key) (*Conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conversation, ok := m.conversations[key]
	return conversation, ok
}

// Finish tears down the key's state and releases its busy flag. Always
// called through defer by the processing routine, so no failure in
// finalization side effects can leave the conversation stuck.
func (m *Manager) Finish(key Key) {
	m.mu.Lock()
	delete(m.conversations, key)
	m.mu.Unlock()
	m.tracker.StopProcessing(key)
}
