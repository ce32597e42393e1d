// Package feed abstracts the backend row change feed: typed events, subscription
// specs with equality filters, and a Hub that fans one upstream source out to many
// independent subscriptions.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/and161185/rxportal/internal/model"
)

// EventType is the kind of row change.
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ParseEventType validates a raw event type (case-insensitive).
func ParseEventType(s string) (EventType, error) {
	switch v := EventType(strings.ToUpper(s)); v {
	case Insert, Update, Delete:
		return v, nil
	}
	return "", fmt.Errorf("feed: unknown event type %q", s)
}

// Tables carried by the feed.
const (
	TableConversations = "conversations"
	TableMessages      = "messages"
)

// Event is one row change.
type Event struct {
	Table string
	Type  EventType
	New   model.Row // nil for DELETE
	Old   model.Row // nil for INSERT
	// Trimmed is set when large text columns were left out of New to fit the
	// notification size limit; consumers re-read such rows.
	Trimmed bool
}

// Row returns the row the event is about: New, or Old for deletions.
func (e Event) Row() model.Row {
	if e.Type == Delete || e.New == nil {
		return e.Old
	}
	return e.New
}

// Filter restricts a subscription to rows whose Column equals Value.
// The zero Filter matches every row.
type Filter struct {
	Column string
	Value  string
}

// Eq builds an equality filter.
func Eq(column, value string) Filter { return Filter{Column: column, Value: value} }

// Match reports whether the event row passes the filter.
func (f Filter) Match(e Event) bool {
	if f.Column == "" {
		return true
	}
	v, ok := e.Row()[f.Column]
	if !ok || v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s == f.Value
	}
	return fmt.Sprint(v) == f.Value
}

// Spec selects events of one table; empty Types means all event types.
type Spec struct {
	Table  string
	Types  []EventType
	Filter Filter
}

// Match reports whether e is selected by the spec.
func (s Spec) Match(e Event) bool {
	if s.Table != e.Table {
		return false
	}
	if len(s.Types) > 0 && !slices.Contains(s.Types, e.Type) {
		return false
	}
	return s.Filter.Match(e)
}

// Subscription is a closable stream of events. The channel is closed when the
// subscription is closed or the upstream connection is lost.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Feed opens subscriptions; a single subscription may cover several specs.
type Feed interface {
	Subscribe(ctx context.Context, specs ...Spec) (Subscription, error)
}

// Source is an upstream change stream. Listen blocks until ctx is done or the
// upstream fails; it calls ready once the stream is established and emit for
// every decoded event.
type Source interface {
	Listen(ctx context.Context, ready func(), emit func(Event)) error
}

type wireEvent struct {
	Table     string    `json:"table"`
	Type      string    `json:"type"`
	Record    model.Row `json:"record"`
	OldRecord model.Row `json:"old_record"`
	Trimmed   bool      `json:"trimmed,omitempty"`
}

// Decode parses the JSON envelope written by the database change triggers.
func Decode(b []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, fmt.Errorf("feed: decode: %w", err)
	}
	if w.Table == "" {
		return Event{}, fmt.Errorf("feed: decode: missing table")
	}
	t, err := ParseEventType(w.Type)
	if err != nil {
		return Event{}, err
	}
	return Event{Table: w.Table, Type: t, New: w.Record, Old: w.OldRecord, Trimmed: w.Trimmed}, nil
}

// Encode is the inverse of Decode.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(wireEvent{Table: e.Table, Type: string(e.Type), Record: e.New, OldRecord: e.Old, Trimmed: e.Trimmed})
}
