package model

import (
	"time"

	"github.com/google/uuid"
)

// GroupEvent is a scheduled event owned by exactly one group. It is stored
// only inside that group's record list and is never edited in place; an edit
// is a delete followed by a create.
type GroupEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Location    string    `json:"location"`
	Description string    `json:"description"`

	// CreatedAt is set once by NewGroupEvent.
	CreatedAt time.Time `json:"created_at"`
}

// EventInput carries the caller-supplied fields of a new event.
type EventInput struct {
	Title       string
	ScheduledAt time.Time
	Location    string
	Description string
}

// NewGroupEvent builds an event with a fresh ID and creation timestamp.
//
// Times are normalized to UTC at second precision, which is the resolution of
// the persisted iCalendar format. That keeps an event identical after a
// store round trip.
func NewGroupEvent(in EventInput, now time.Time) GroupEvent {
	return GroupEvent{
		ID:          uuid.NewString(),
		Title:       in.Title,
		ScheduledAt: NormalizeTime(in.ScheduledAt),
		Location:    in.Location,
		Description: in.Description,
		CreatedAt:   NormalizeTime(now),
	}
}

// NormalizeTime drops the monotonic reading and sub-second part and converts
// to UTC.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// UnifiedEvent is the read-only calendar view of a GroupEvent produced by one
// aggregation pass. Color depends on the event's position in that pass and is
// not stable across mutations.
type UnifiedEvent struct {
	ID          string    `json:"id"`
	GroupID     string    `json:"group_id"`
	Title       string    `json:"title"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Color       string    `json:"color"`

	// GroupName is empty when neither the directory nor the title resolved it.
	GroupName string `json:"group_name,omitempty"`
}

// Group is a directory entry supplied by group management.
type Group struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}
