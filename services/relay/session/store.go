// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session owns in-memory conversation history keyed by conversation id.
//
// # Description
//
// Store is the single point of mutation for every conversation. Each
// conversation is an ordered list of Turns whose first element, once present,
// is the system prompt. Only that first turn is ever rewritten in place; all
// other turns are appended, or removed one at a time by DeleteTurn.
//
// Callers never hold references into the store. Every read and every mutating
// call returns a Session snapshot with its own copy of the turn slice.
//
// # Thread Safety
//
// The id → session map is split into shards selected by xxhash of the id.
// A shard lock only guards the map; each session carries its own mutex so a
// single append, delete or prompt rewrite is atomic with respect to other
// calls on the same session. No lock spans more than one call unless the
// caller opts into Lock.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no session exists for the id.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidIndex is returned by DeleteTurn for index 0 or out-of-range indices.
	ErrInvalidIndex = errors.New("invalid message index")
)

// =============================================================================
// Types
// =============================================================================

// Role identifies the author of a Turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one role-tagged message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session is a point-in-time copy of one conversation.
type Session struct {
	ID           string    `json:"id"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Summary describes a conversation without its content.
type Summary struct {
	ID           string    `json:"id"`
	TurnCount    int       `json:"turn_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Options configures a Store.
type Options struct {
	// Shards is the number of map partitions. Values < 1 use DefaultShards.
	Shards int

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// DefaultShards is the shard count used when Options.Shards is unset.
const DefaultShards = 32

type entry struct {
	mu           sync.Mutex
	id           string
	turns        []Turn
	createdAt    time.Time
	lastActivity time.Time

	// evicted is set under mu when the entry leaves its shard. Callers that
	// looked the entry up before that treat it as gone.
	evicted bool
}

func (e *entry) snapshotLocked() Session {
	turns := make([]Turn, len(e.turns))
	copy(turns, e.turns)
	return Session{
		ID:           e.id,
		Turns:        turns,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
	}
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// Store is a concurrency-safe conversation store.
type Store struct {
	shards []*shard
	now    func() time.Time

	// per-conversation request locks, only used through Lock.
	locksMu sync.Mutex
	locks   map[string]*requestLock
}

type requestLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates an empty Store.
func NewStore(opts Options) *Store {
	n := opts.Shards
	if n < 1 {
		n = DefaultShards
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		shards: make([]*shard, n),
		now:    now,
		locks:  make(map[string]*requestLock),
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}

func (s *Store) lookup(id string) (*entry, bool) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()
	return e, ok
}

// =============================================================================
// Operations
// =============================================================================

// Get returns a snapshot of the session for id.
func (s *Store) Get(id string) (Session, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, false
	}
	return e.snapshotLocked(), true
}

// CreateIfAbsent returns the session for id, creating it with a single system
// turn holding systemPrompt when it does not exist yet.
//
// # Description
//
// First writer wins: when the session already exists it is returned unchanged
// and systemPrompt is ignored, even if it differs from the stored prompt.
func (s *Store) CreateIfAbsent(id, systemPrompt string) Session {
	for {
		if snap, ok := s.createIfAbsent(id, systemPrompt); ok {
			return snap
		}
	}
}

// createIfAbsent reports false when the entry it found was evicted before it
// could be locked, in which case the caller retries.
func (s *Store) createIfAbsent(id, systemPrompt string) (Session, bool) {
	sh := s.shardFor(id)

	sh.mu.RLock()
	e, ok := sh.entries[id]
	sh.mu.RUnlock()

	if !ok {
		sh.mu.Lock()
		e, ok = sh.entries[id]
		if !ok {
			now := s.now()
			e = &entry{
				id:           id,
				turns:        []Turn{{Role: RoleSystem, Content: systemPrompt}},
				createdAt:    now,
				lastActivity: now,
			}
			sh.entries[id] = e
		}
		sh.mu.Unlock()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, false
	}
	return e.snapshotLocked(), true
}

// AppendUser appends a user turn. Returns ErrNotFound when id is unknown.
func (s *Store) AppendUser(id, text string) (Session, error) {
	return s.appendTurn(id, Turn{Role: RoleUser, Content: text})
}

// AppendAssistant appends an assistant turn. Returns ErrNotFound when id is unknown.
func (s *Store) AppendAssistant(id, text string) (Session, error) {
	return s.appendTurn(id, Turn{Role: RoleAssistant, Content: text})
}

func (s *Store) appendTurn(id string, turn Turn) (Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return s.appendToEntry(e, turn)
}

func (s *Store) appendToEntry(e *entry, turn Turn) (Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, ErrNotFound
	}
	e.turns = append(e.turns, turn)
	e.lastActivity = s.now()
	return e.snapshotLocked(), nil
}

// DeleteTurn removes the turn at index, shifting later turns down by one.
//
// # Description
//
// The system turn at index 0 is never deletable. Valid indices are
// 1 <= index < len(turns).
//
// # Outputs
//
//   - Session: snapshot after removal.
//   - error: ErrNotFound or ErrInvalidIndex; the session is unchanged on error.
func (s *Store) DeleteTurn(id string, index int) (Session, error) {
	e, ok := s.lookup(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.evicted {
		return Session{}, ErrNotFound
	}

	if index < 1 || index >= len(e.turns) {
		return Session{}, ErrInvalidIndex
	}
	e.turns = append(e.turns[:index], e.turns[index+1:]...)
	e.lastActivity = s.now()
	return e.snapshotLocked(), nil
}

// ReplaceSystemPrompt rewrites turn 0 of every session whose first turn is a
// system turn. Returns the number of sessions updated.
func (s *Store) ReplaceSystemPrompt(text string) int {
	updated := 0
	for _, e := range s.allEntries() {
		e.mu.Lock()
		if len(e.turns) > 0 && e.turns[0].Role == RoleSystem {
			e.turns[0].Content = text
			updated++
		}
		e.mu.Unlock()
	}
	return updated
}

// List returns a summary of every session, in no particular order.
func (s *Store) List() []Summary {
	entries := s.allEntries()
	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, Summary{
			ID:           e.id,
			TurnCount:    len(e.turns),
			CreatedAt:    e.createdAt,
			LastActivity: e.lastActivity,
		})
		e.mu.Unlock()
	}
	return out
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// EvictIdle removes sessions whose last activity is strictly before cutoff.
// Sessions currently held through Lock are skipped. Returns the number removed.
func (s *Store) EvictIdle(cutoff time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, e := range sh.entries {
			if s.isLocked(id) {
				continue
			}
			e.mu.Lock()
			if e.lastActivity.Before(cutoff) {
				e.evicted = true
				delete(sh.entries, id)
				removed++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Store) allEntries() []*entry {
	var out []*entry
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			out = append(out, e)
		}
		sh.mu.RUnlock()
	}
	return out
}

// =============================================================================
// Per-conversation Serialization
// =============================================================================

// Lock acquires an exclusive request lock for id and returns its release
// function. The lock is independent of session existence and only orders
// callers that use Lock; plain store operations do not wait on it.
func (s *Store) Lock(id string) (unlock func()) {
	s.locksMu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &requestLock{}
		s.locks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			s.locksMu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(s.locks, id)
			}
			s.locksMu.Unlock()
		})
	}
}

func (s *Store) isLocked(id string) bool {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	_, ok := s.locks[id]
	return ok
}
