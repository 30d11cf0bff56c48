package ics

import (
	"bytes"
	"errors"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "groupcal/internal/log"
	"groupcal/internal/model"
)

// FeedEvent is a VEVENT read from an external feed that is about to be
// imported into a group.
type FeedEvent struct {
	Summary     string
	Description string
	Location    string

	Start  time.Time
	AllDay bool

	// Recurring is set when the VEVENT carries an RRULE. Only its first
	// instance (DTSTART) is imported.
	Recurring bool
}

// Input converts the feed event into the fields of a new group event.
func (e FeedEvent) Input() model.EventInput {
	return model.EventInput{
		Title:       e.Summary,
		ScheduledAt: e.Start,
		Location:    e.Location,
		Description: e.Description,
	}
}

// ParseFeed parses an ICS payload for import.
//
//   - Unlike Decode it is lenient: a VEVENT that cannot be read is logged and
//     skipped, the rest of the feed is still returned.
//   - Overrides of recurring instances (RECURRENCE-ID) are skipped.
//   - All-day events are detected from the DTSTART value form and start at
//     midnight in the feed's zone.
func ParseFeed(src Source, body []byte) ([]FeedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		appLog.Error("ics parse failed", err, "id", src.ID, "url", redactURL(src.URL))
		return nil, err
	}

	events := make([]FeedEvent, 0)
	skipped := 0

	for _, comp := range cal.Events() {
		if comp.GetProperty(ical.ComponentPropertyRecurrenceId) != nil {
			skipped++
			continue
		}
		ev, perr := parseVEvent(comp)
		if perr != nil {
			// Log and skip this event, but keep parsing others.
			appLog.Error("ics vevent parse failed", perr, "id", src.ID, "url", redactURL(src.URL))
			skipped++
			continue
		}
		events = append(events, ev)
	}

	appLog.Info("ics parse completed", "id", src.ID, "url", redactURL(src.URL), "event_count", len(events), "skipped", skipped)
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (FeedEvent, error) {
	var out FeedEvent

	if ve.Id() == "" {
		return out, errors.New("missing UID")
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}

	// VALUE=DATE or no 'T' in the value -> all-day
	if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		out.AllDay = true
	}
	if !strings.Contains(dtStart.Value, "T") {
		out.AllDay = true
	}

	var (
		start time.Time
		err   error
	)
	if out.AllDay {
		start, err = ve.GetAllDayStartAt()
	} else {
		start, err = ve.GetStartAt()
	}
	if err != nil {
		return out, err
	}
	out.Start = start

	out.Recurring = ve.GetProperty(ical.ComponentPropertyRrule) != nil

	return out, nil
}
