// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package agent

import (
	"container/list"
	"sync"

	"github.com/sqlwarden/sqlwarden/internal/provider"
)

// Conversation memory defaults.
const (
	DefaultMaxConversations = 1000
	DefaultHistoryWindow    = 20
)

type conversation struct {
	id       string
	userID   string
	messages []provider.Message
}

// SessionManager keeps recent conversation history in memory, evicting the
// least recently used conversation beyond its capacity.
type SessionManager struct {
	mu     sync.Mutex
	max    int
	window int
	order  *list.List
	byID   map[string]*list.Element
}

// NewSessionManager creates a manager holding up to maxConversations
// conversations of at most window messages each.
func NewSessionManager(maxConversations, window int) *SessionManager {
	if maxConversations <= 0 {
		maxConversations = DefaultMaxConversations
	}
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &SessionManager{
		max:    maxConversations,
		window: window,
		order:  list.New(),
		byID:   make(map[string]*list.Element),
	}
}

// History returns a copy of the conversation's messages. A conversation
// owned by a different user reads as empty.
func (m *SessionManager) History(conversationID, userID string) []provider.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.byID[conversationID]
	if !ok {
		return nil
	}
	c := el.Value.(*conversation)
	if c.userID != userID {
		return nil
	}
	m.order.MoveToFront(el)
	out := make([]provider.Message, len(c.messages))
	for i, msg := range c.messages {
		out[i] = msg.Clone()
	}
	return out
}

// Append adds messages to the conversation, keeping the newest window.
// Leading tool results whose call was trimmed are dropped as well.
func (m *SessionManager) Append(conversationID, userID string, msgs ...provider.Message) {
	if conversationID == "" || len(msgs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.byID[conversationID]
	if !ok || el.Value.(*conversation).userID != userID {
		if ok {
			m.order.Remove(el)
		}
		el = m.order.PushFront(&conversation{id: conversationID, userID: userID})
		m.byID[conversationID] = el
	}
	m.order.MoveToFront(el)

	c := el.Value.(*conversation)
	for _, msg := range msgs {
		c.messages = append(c.messages, msg.Clone())
	}
	if over := len(c.messages) - m.window; over > 0 {
		c.messages = c.messages[over:]
	}
	for len(c.messages) > 0 && c.messages[0].Role == provider.MessageRoleTool {
		c.messages = c.messages[1:]
	}

	for m.order.Len() > m.max {
		oldest := m.order.Back()
		m.order.Remove(oldest)
		delete(m.byID, oldest.Value.(*conversation).id)
	}
}

// Len returns the number of conversations held.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
