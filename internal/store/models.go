package store

import (
	"encoding/json"
	"time"
)

// Canvas phases. Phase gates which actions the reducer accepts.
const (
	PhasePlanning = "planning"
	PhaseActive   = "active"
	PhaseAnalysis = "analysis"
)

// Card statuses.
const (
	StatusProposed  = "proposed"
	StatusActive    = "active"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCompleted = "completed"
)

// Card lanes.
const (
	LaneWorkout  = "workout"
	LaneAnalysis = "analysis"
	LaneSystem   = "system"
)

// Actors.
const (
	ByUser  = "user"
	ByAgent = "agent"
)

// QueueCap is the hard ceiling on up_next entries per canvas. Enforcement is
// eventual: a mutating batch may briefly overshoot before the trim runs.
const QueueCap = 20

type Canvas struct {
	UserID    string
	ID        string
	Phase     string
	Version   int64
	Purpose   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CardRefs are correlation keys used by collision and replacement logic.
type CardRefs struct {
	ExerciseID string `json:"exercise_id,omitempty"`
	SetIndex   *int   `json:"set_index,omitempty"`
	TopicKey   string `json:"topic_key,omitempty"`
	WorkoutID  string `json:"workout_id,omitempty"`
}

// CardMeta carries grouping and presentation metadata. Cards sharing a
// GroupID transition together under group actions; Subordinate members of a
// draft group are never queued.
type CardMeta struct {
	GroupID     string     `json:"group_id,omitempty"`
	DraftID     string     `json:"draft_id,omitempty"`
	Draft       bool       `json:"draft,omitempty"`
	Revision    int        `json:"revision,omitempty"`
	Subordinate bool       `json:"subordinate,omitempty"`
	DayCardIDs  []string   `json:"day_card_ids,omitempty"`
	Layout      string     `json:"layout,omitempty"`
	Actions     []string   `json:"actions,omitempty"`
	MenuItems   []string   `json:"menu_items,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type Card struct {
	UserID    string
	CanvasID  string
	ID        string
	Type      string
	Status    string
	Lane      string
	Content   json.RawMessage
	Refs      CardRefs
	Meta      CardMeta
	By        string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type UpNextEntry struct {
	CardID     string
	Priority   int
	InsertedAt time.Time
}

// Event is an append-only record of an applied action. Events are never
// mutated or deleted; UNDO reads them but only acts on cards.
type Event struct {
	ID            int64
	UserID        string
	CanvasID      string
	Type          string
	Payload       map[string]any
	CorrelationID string
	CreatedAt     time.Time
}

type WorkoutSet struct {
	ID         string
	UserID     string
	WorkoutID  string
	ExerciseID string
	SetIndex   int
	Reps       int
	RIR        int
	WeightKG   float64
	LoggedAt   time.Time
}

// WorkoutLogEntry records structural workout mutations (swap, load change,
// reorder) applied through the reducer.
type WorkoutLogEntry struct {
	ID        string
	UserID    string
	WorkoutID string
	Kind      string
	Detail    map[string]any
	CreatedAt time.Time
}

type Routine struct {
	ID        string
	UserID    string
	Name      string
	DraftID   string
	CreatedAt time.Time
}

type RoutineTemplate struct {
	ID        string
	RoutineID string
	DayIndex  int
	Name      string
	Plan      json.RawMessage
	CreatedAt time.Time
}
