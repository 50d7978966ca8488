package memory

import "time"

// SoulEntry is one global key/value pair, process-wide scope, last-writer-wins.
type SoulEntry struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// UserModel is the accumulated profile for one sender.
type UserModel struct {
	SenderID     string
	DisplayName  string
	Traits       []string
	Interactions int
	FirstSeen    time.Time
	LastSeen     time.Time
}

// UserPatch is an additive update applied by MergeUserModel. Traits are
// appended (deduplicated), Interactions is incremented by the given delta.
type UserPatch struct {
	DisplayName  string
	Traits       []string
	Interactions int
}

// WorkingKind distinguishes what a working-memory entry recorded.
type WorkingKind string

const (
	WorkingReasoning WorkingKind = "reasoning"
	WorkingAction    WorkingKind = "action"
)

// WorkingEntry is one per-thread, time-ordered record. Read-only after
// creation; pruned by count and age.
type WorkingEntry struct {
	ID        int64
	ThreadKey string
	Kind      WorkingKind
	Verb      string
	Content   string
	CreatedAt time.Time
}
