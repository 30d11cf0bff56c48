package ics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"groupcal/internal/model"
)

const (
	productID        = "groupcal"
	utcStampLayout   = "20060102T150405Z"
	calendarEndToken = "END:VCALENDAR"
)

// Extension properties used when exporting the unified view.
const (
	propGroupID = ical.ComponentProperty("X-GROUPCAL-GROUP-ID")
)

// DecodeError reports a stored payload that could not be decoded. The whole
// list is discarded when it is returned; callers treat the group as empty.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode event list: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes a group's event list into an iCalendar document with one
// VEVENT per event, preserving order.
func Encode(events []model.GroupEvent) ([]byte, error) {
	cal := ical.NewCalendarFor(productID)
	for i, ev := range events {
		if strings.TrimSpace(ev.ID) == "" {
			return nil, fmt.Errorf("encode event list: event %d has no id", i)
		}
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(ev.CreatedAt)
		ve.SetCreatedTime(ev.CreatedAt)
		ve.SetStartAt(ev.ScheduledAt)
		ve.SetSummary(ev.Title)
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
	}

	var buf bytes.Buffer
	if err := cal.SerializeTo(&buf, ical.WithNewLineWindows); err != nil {
		return nil, fmt.Errorf("encode event list: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a payload produced by Encode, or the legacy JSON array
// format. It fails closed: if the payload or any single event is malformed
// the result is an empty list together with a *DecodeError.
func Decode(data []byte) ([]model.GroupEvent, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []model.GroupEvent{}, nil
	}

	var (
		events []model.GroupEvent
		err    error
	)
	if trimmed[0] == '[' {
		events, err = decodeLegacyJSON(trimmed)
	} else {
		events, err = decodeCalendar(trimmed)
	}
	if err != nil {
		return []model.GroupEvent{}, &DecodeError{Err: err}
	}
	return events, nil
}

// IsLegacy reports whether a stored payload uses the pre-iCalendar format.
func IsLegacy(data []byte) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func decodeCalendar(data []byte) ([]model.GroupEvent, error) {
	// The parser accepts a document cut short after the last complete
	// component, so a truncated write has to be caught here.
	if !bytes.HasSuffix(data, []byte(calendarEndToken)) {
		return nil, errors.New("calendar is truncated")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	vevents := cal.Events()
	events := make([]model.GroupEvent, 0, len(vevents))
	for i, ve := range vevents {
		ev, err := eventFromVEvent(ve)
		if err != nil {
			return nil, fmt.Errorf("vevent %d: %w", i, err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventFromVEvent(ve *ical.VEvent) (model.GroupEvent, error) {
	var ev model.GroupEvent

	ev.ID = ve.Id()
	if strings.TrimSpace(ev.ID) == "" {
		return ev, errors.New("missing UID")
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return ev, fmt.Errorf("DTSTART: %w", err)
	}
	ev.ScheduledAt = model.NormalizeTime(start)

	created, err := createdAt(ve)
	if err != nil {
		return ev, err
	}
	ev.CreatedAt = model.NormalizeTime(created)

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.Title = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		ev.Description = p.Value
	}
	return ev, nil
}

// createdAt prefers CREATED and falls back to the mandatory DTSTAMP.
func createdAt(ve *ical.VEvent) (time.Time, error) {
	if p := ve.GetProperty(ical.ComponentPropertyCreated); p != nil {
		t, err := time.Parse(utcStampLayout, strings.TrimSpace(p.Value))
		if err != nil {
			return time.Time{}, fmt.Errorf("CREATED: %w", err)
		}
		return t, nil
	}
	t, err := ve.GetDtStampTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("DTSTAMP: %w", err)
	}
	return t, nil
}

// legacyEvent is the JSON shape written by the first releases of the app.
type legacyEvent struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Date        time.Time `json:"date"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

func decodeLegacyJSON(data []byte) ([]model.GroupEvent, error) {
	var legacy []legacyEvent
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("legacy json: %w", err)
	}
	events := make([]model.GroupEvent, 0, len(legacy))
	for i, le := range legacy {
		if strings.TrimSpace(le.ID) == "" {
			return nil, fmt.Errorf("legacy event %d: missing id", i)
		}
		if le.Date.IsZero() {
			return nil, fmt.Errorf("legacy event %d: missing date", i)
		}
		events = append(events, model.GroupEvent{
			ID:          le.ID,
			Title:       le.Title,
			ScheduledAt: model.NormalizeTime(le.Date),
			Location:    le.Location,
			Description: le.Description,
			CreatedAt:   model.NormalizeTime(le.CreatedAt),
		})
	}
	return events, nil
}

// EncodeUnified exports an aggregated view as a single calendar. Each VEVENT
// keeps its event ID as UID and carries the display color, the owning group
// ID and, when resolved, the group name as a category.
func EncodeUnified(calName string, events []model.UnifiedEvent, stamp time.Time) ([]byte, error) {
	cal := ical.NewCalendarFor(productID)
	if calName != "" {
		cal.SetName(calName)
		cal.SetXWRCalName(calName)
	}
	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp)
		ve.SetStartAt(ev.ScheduledAt)
		ve.SetSummary(ev.Title)
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		if ev.Color != "" {
			ve.SetColor(ev.Color)
		}
		if ev.GroupID != "" {
			ve.SetProperty(propGroupID, ev.GroupID)
		}
		if ev.GroupName != "" {
			ve.AddCategory(ev.GroupName)
		}
	}

	var buf bytes.Buffer
	if err := cal.SerializeTo(&buf, ical.WithNewLineWindows); err != nil {
		return nil, fmt.Errorf("encode unified calendar: %w", err)
	}
	return buf.Bytes(), nil
}
