// Package events implements the per-conversation event plumbing: the
// append-only EventLog backed by one-file-per-event persistence, the
// in-memory PubSub that fans appended events out to subscribers, and the
// buffered, retrying WebhookSubscriber for outbound delivery.
package events

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/agentd-project/agentd/pkg/metrics"
	"github.com/agentd-project/agentd/pkg/models"
	"github.com/agentd-project/agentd/pkg/store"
)

// SortOrder selects event pagination order.
type SortOrder string

// Sort orders. TIMESTAMP is ascending insertion order (equivalent to index).
const (
	SortTimestamp     SortOrder = "TIMESTAMP"
	SortTimestampDesc SortOrder = "TIMESTAMP_DESC"
)

// MaxPageLimit caps search page sizes.
const MaxPageLimit = 100

// OnAppend is invoked synchronously after an event is appended and
// persisted, before Append returns.
type OnAppend func(index int, evt models.Event)

// EventLog is the ordered, append-only event sequence for one conversation.
// Every append is flushed to the store as a single file before the on-append
// callback fires. Events never mutate after insertion.
type EventLog struct {
	// appendMu serializes whole appends, persist through on-append
	// dispatch, so the callback always fires in index order. mu alone
	// cannot give that guarantee: it is released before the callback runs
	// (the callback may re-enter read methods).
	appendMu sync.Mutex

	mu       sync.RWMutex
	convID   string
	store    store.Store
	events   []models.Event
	byID     map[string]int
	onAppend OnAppend
}

// eventsPrefix is the store prefix holding this conversation's event files.
func eventsPrefix(convID string) string {
	return convID + "/event_service/events"
}

// eventKey builds the store key for one event. The zero-padded index prefix
// keeps a directory scan in append order.
func eventKey(convID string, index int, eventID string) string {
	return fmt.Sprintf("%s/%06d_%s.json", eventsPrefix(convID), index, eventID)
}

// NewEventLog opens the log for a conversation, rebuilding the in-memory
// index from the store. A conversation with no events yields an empty log.
func NewEventLog(convID string, st store.Store) (*EventLog, error) {
	l := &EventLog{
		convID: convID,
		store:  st,
		byID:   make(map[string]int),
	}

	names, err := st.List(eventsPrefix(convID))
	if err != nil {
		return nil, fmt.Errorf("failed to scan events for conversation %s: %w", convID, err)
	}
	for _, name := range names {
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := st.Read(eventsPrefix(convID) + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read event file %s: %w", name, err)
		}
		evt, err := models.UnmarshalEvent(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse event file %s: %w", name, err)
		}
		if _, dup := l.byID[evt.EventID()]; dup {
			return nil, fmt.Errorf("duplicate event id %s in conversation %s", evt.EventID(), convID)
		}
		l.byID[evt.EventID()] = len(l.events)
		l.events = append(l.events, evt)
	}
	return l, nil
}

// SetOnAppend registers the callback fired synchronously on each append.
// Must be called before the log is shared across goroutines.
func (l *EventLog) SetOnAppend(fn OnAppend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onAppend = fn
}

// Append assigns the next index, persists the event, invokes the on-append
// callback, and returns the index. Persistence failure leaves the log
// unchanged. Concurrent appends reach the callback in index order.
func (l *EventLog) Append(evt models.Event) (int, error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	l.mu.Lock()

	if evt.EventID() == "" {
		l.mu.Unlock()
		return 0, fmt.Errorf("event has no id")
	}
	if _, dup := l.byID[evt.EventID()]; dup {
		l.mu.Unlock()
		return 0, fmt.Errorf("duplicate event id %s", evt.EventID())
	}

	index := len(l.events)
	data, err := models.MarshalEvent(evt)
	if err != nil {
		l.mu.Unlock()
		return 0, err
	}
	if err := l.store.Write(eventKey(l.convID, index, evt.EventID()), data); err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("failed to persist event %s: %w", evt.EventID(), err)
	}

	l.events = append(l.events, evt)
	l.byID[evt.EventID()] = index
	onAppend := l.onAppend
	l.mu.Unlock()

	metrics.EventsAppended.Inc()
	if onAppend != nil {
		onAppend(index, evt)
	}
	return index, nil
}

// Len returns the number of events in the log.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// GetByIndex returns the event at index.
func (l *EventLog) GetByIndex(index int) (models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.events) {
		return nil, fmt.Errorf("event index %d out of range [0,%d)", index, len(l.events))
	}
	return l.events[index], nil
}

// GetByID returns the event with the given id, or store.ErrNotFound.
func (l *EventLog) GetByID(id string) (models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	index, ok := l.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return l.events[index], nil
}

// BatchGet returns events aligned with the input ids; missing entries are
// nil.
func (l *EventLog) BatchGet(ids []string) []models.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Event, len(ids))
	for i, id := range ids {
		if index, ok := l.byID[id]; ok {
			out[i] = l.events[index]
		}
	}
	return out
}

// All returns a snapshot of the full event sequence in append order.
func (l *EventLog) All() []models.Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count returns the number of events, optionally filtered by kind.
func (l *EventLog) Count(kind string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if kind == "" {
		return len(l.events)
	}
	n := 0
	for _, evt := range l.events {
		if evt.EventKind() == kind {
			n++
		}
	}
	return n
}

// Search returns a page of events and the cursor for the next page (empty
// when exhausted). The cursor is opaque to callers; it encodes the index of
// the next item for the given sort order. A limit outside (0, MaxPageLimit]
// is clamped to MaxPageLimit.
func (l *EventLog) Search(cursor string, limit int, kind string, order SortOrder) ([]models.Event, string, error) {
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	desc := order == SortTimestampDesc

	l.mu.RLock()
	defer l.mu.RUnlock()

	pos := 0
	if desc {
		pos = len(l.events) - 1
	}
	if cursor != "" {
		parsed, err := strconv.Atoi(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid page cursor %q", cursor)
		}
		pos = parsed
	}

	var page []models.Event
	for pos >= 0 && pos < len(l.events) && len(page) < limit {
		evt := l.events[pos]
		if kind == "" || evt.EventKind() == kind {
			page = append(page, evt)
		}
		if desc {
			pos--
		} else {
			pos++
		}
	}

	next := ""
	if pos >= 0 && pos < len(l.events) {
		// More events remain past this page; skip ahead over trailing
		// non-matching events so an all-filtered tail does not produce an
		// empty final page.
		if kind != "" {
			for pos >= 0 && pos < len(l.events) && l.events[pos].EventKind() != kind {
				if desc {
					pos--
				} else {
					pos++
				}
			}
		}
		if pos >= 0 && pos < len(l.events) {
			next = strconv.Itoa(pos)
		}
	}
	return page, next, nil
}
