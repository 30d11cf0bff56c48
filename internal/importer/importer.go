// Package importer copies the events of an external ICS feed into one group.
// It is a one-shot copy, not a subscription.
package importer

import (
	"context"
	"errors"
	"fmt"

	"groupcal/internal/calsync"
	"groupcal/internal/ics"
	appLog "groupcal/internal/log"
	"groupcal/internal/model"
)

// Calendar is the part of the controller the importer needs.
type Calendar interface {
	CreateEventAsync(ctx context.Context, groupID string, in model.EventInput) *calsync.Future[model.GroupEvent]
	GetEventsForGroup(ctx context.Context, groupID string) ([]model.GroupEvent, error)
}

// Fetcher loads a feed body.
type Fetcher interface {
	Fetch(ctx context.Context, src ics.Source) (ics.FetchResult, error)
}

type Result struct {
	GroupID   string `json:"group_id"`
	Found     int    `json:"found"`
	Imported  int    `json:"imported"`
	Duplicate int    `json:"duplicate"`
	Invalid   int    `json:"invalid"`
	// Recurring counts imported events that carried an RRULE; only their
	// first instance was copied.
	Recurring int    `json:"recurring"`
	FromCache bool   `json:"from_cache"`
}

type Importer struct {
	cal     Calendar
	fetcher Fetcher
}

func New(cal Calendar, fetcher Fetcher) *Importer {
	return &Importer{cal: cal, fetcher: fetcher}
}

type eventKey struct {
	title string
	at    int64
}

// Import fetches location (URL or local path) and creates every readable
// event in groupID. Events whose title and start already exist in the group
// are skipped, so importing the same feed twice adds nothing.
func (im *Importer) Import(ctx context.Context, groupID, location string) (Result, error) {
	res := Result{GroupID: groupID}

	src := ics.Source{ID: groupID, URL: location}
	fetched, err := im.fetcher.Fetch(ctx, src)
	if err != nil {
		return res, fmt.Errorf("fetch feed: %w", err)
	}
	res.FromCache = fetched.FromCache

	feed, err := ics.ParseFeed(src, fetched.Body)
	if err != nil {
		return res, fmt.Errorf("parse feed: %w", err)
	}
	res.Found = len(feed)

	existing, err := im.cal.GetEventsForGroup(ctx, groupID)
	if err != nil {
		return res, fmt.Errorf("read group: %w", err)
	}
	seen := make(map[eventKey]struct{}, len(existing))
	for _, ev := range existing {
		seen[eventKey{ev.Title, ev.ScheduledAt.Unix()}] = struct{}{}
	}

	// Queue every create before waiting so they share one refresh.
	type queued struct {
		future    *calsync.Future[model.GroupEvent]
		recurring bool
	}
	var pending []queued
	for _, fe := range feed {
		in := fe.Input()
		key := eventKey{in.Title, in.ScheduledAt.Unix()}
		if _, dup := seen[key]; dup {
			res.Duplicate++
			continue
		}
		seen[key] = struct{}{}
		pending = append(pending, queued{
			future:    im.cal.CreateEventAsync(ctx, groupID, in),
			recurring: fe.Recurring,
		})
	}

	var errs []error
	for _, p := range pending {
		_, err := p.future.Wait(ctx)
		switch {
		case err == nil:
			res.Imported++
			if p.recurring {
				res.Recurring++
			}
		case errors.Is(err, calsync.ErrInvalidEvent):
			res.Invalid++
		default:
			errs = append(errs, err)
		}
	}

	appLog.Info("import finished",
		"group_id", groupID,
		"found", res.Found,
		"imported", res.Imported,
		"duplicate", res.Duplicate,
		"invalid", res.Invalid,
		"recurring", res.Recurring,
		"from_cache", res.FromCache,
	)
	if len(errs) > 0 {
		return res, fmt.Errorf("import into %s: %w", groupID, errors.Join(errs...))
	}
	return res, nil
}
