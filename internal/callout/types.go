package callout

import "time"

// Kind distinguishes parsed callouts from corrective usage replies.
type Kind string

const (
	KindReminder Kind = "reminder"
	KindHint     Kind = "hint"
)

// State is the lifecycle state of a scheduled callout.
//
// pending -> delivered and pending -> failed are the only transitions.
// Both delivered and failed are terminal.
type State string

const (
	StatePending   State = "pending"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool { return s == StateDelivered || s == StateFailed }

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateDelivered, StateFailed:
		return true
	default:
		return false
	}
}

// Callout is a durable, scheduled notification.
type Callout struct {
	ID          int64
	SourceRef   string
	Kind        Kind
	Payload     string
	FireAt      time.Time
	RequestedBy string
	State       State

	// Retry bookkeeping. NextAttemptAt is zero when no retry is pending.
	Attempts      int
	NextAttemptAt time.Time
	LastError     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Due reports whether c should be dispatched at now.
func (c Callout) Due(now time.Time) bool {
	if c.State != StatePending {
		return false
	}
	if c.FireAt.After(now) {
		return false
	}
	return c.NextAttemptAt.IsZero() || !c.NextAttemptAt.After(now)
}

// Draft is a validated callout that has not been persisted yet.
type Draft struct {
	SourceRef   string
	Kind        Kind
	Payload     string
	FireAt      time.Time
	RequestedBy string
}

// RawItem is one message observed on the inbound stream.
type RawItem struct {
	// Position orders items within the stream; it doubles as the cursor value.
	Position  int64
	SourceRef string
	ChatID    int64
	Author    string
	Text      string
	PostedAt  time.Time
}

// Cursor is the last fully handled position of an inbound stream.
type Cursor struct {
	Stream   string
	Position int64
}
