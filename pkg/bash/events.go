// Package bash implements the bash collaborator: command execution with
// timeouts, and a file-backed log of BashCommand/BashOutput events served
// over the /bash API and WebSocket.
package bash

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentd-project/agentd/pkg/store"
)

// Bash event kinds.
const (
	KindBashCommand = "BashCommand"
	KindBashOutput  = "BashOutput"
)

// Event is one bash event: either the accepted command or a chunk of its
// output. Output events carry the command's id; the final output event for
// a command carries its exit code.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// Command fields (Kind == BashCommand).
	Command string  `json:"command,omitempty"`
	Cwd     string  `json:"cwd,omitempty"`
	Timeout float64 `json:"timeout,omitempty"`

	// Output fields (Kind == BashOutput).
	CommandID       string `json:"command_id,omitempty"`
	Output          string `json:"output,omitempty"`
	ExitCode        *int   `json:"exit_code,omitempty"`
	TimeoutOccurred bool   `json:"timeout_occurred,omitempty"`
}

// SearchFilter narrows an event search. Zero values mean "no filter".
type SearchFilter struct {
	Kind         string
	CommandID    string
	TimestampGTE *time.Time
	TimestampLT  *time.Time
}

// matches applies the filter to one event.
func (f SearchFilter) matches(evt *Event) bool {
	if f.Kind != "" && evt.Kind != f.Kind {
		return false
	}
	if f.CommandID != "" && evt.CommandID != f.CommandID && evt.ID != f.CommandID {
		return false
	}
	if f.TimestampGTE != nil && evt.Timestamp.Before(*f.TimestampGTE) {
		return false
	}
	if f.TimestampLT != nil && !evt.Timestamp.Before(*f.TimestampLT) {
		return false
	}
	return true
}

// MaxPageLimit caps bash event search pages.
const MaxPageLimit = 100

// EventStore is the append-only bash event log, one file per event.
type EventStore struct {
	mu     sync.RWMutex
	store  store.Store
	events []*Event
}

// NewEventStore opens the store, reloading any persisted events.
func NewEventStore(st store.Store) (*EventStore, error) {
	s := &EventStore{store: st}

	names, err := st.List("")
	if err != nil {
		return nil, fmt.Errorf("failed to scan bash events: %w", err)
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := st.Read(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read bash event %s: %w", name, err)
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("failed to parse bash event %s: %w", name, err)
		}
		s.events = append(s.events, &evt)
	}
	return s, nil
}

// Append assigns an id (if missing), persists, and indexes an event.
func (s *EventStore) Append(evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal bash event: %w", err)
	}
	key := fmt.Sprintf("%06d_%s.json", len(s.events), evt.ID)
	if err := s.store.Write(key, data); err != nil {
		return fmt.Errorf("failed to persist bash event: %w", err)
	}
	s.events = append(s.events, evt)
	return nil
}

// Get returns an event by id, or store.ErrNotFound.
func (s *EventStore) Get(id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, evt := range s.events {
		if evt.ID == id {
			return evt, nil
		}
	}
	return nil, store.ErrNotFound
}

// Search returns a filtered page in the given order, plus the next-page
// cursor (empty when exhausted).
func (s *EventStore) Search(filter SearchFilter, cursor string, limit int, desc bool) ([]*Event, string, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	pos := 0
	if desc {
		pos = len(s.events) - 1
	}
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page cursor %q", cursor)
		}
		pos = parsed
	}

	var page []*Event
	for pos >= 0 && pos < len(s.events) && len(page) < limit {
		if filter.matches(s.events[pos]) {
			page = append(page, s.events[pos])
		}
		if desc {
			pos--
		} else {
			pos++
		}
	}

	next := ""
	if pos >= 0 && pos < len(s.events) {
		next = strconv.Itoa(pos)
	}
	return page, next, nil
}

// Clear removes all events and their files, returning the number cleared.
func (s *EventStore) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names, err := s.store.List("")
	if err != nil {
		return 0, fmt.Errorf("failed to scan bash events for clear: %w", err)
	}
	for _, name := range names {
		if err := s.store.Delete(name); err != nil {
			return 0, err
		}
	}
	count := len(s.events)
	s.events = nil
	return count, nil
}
