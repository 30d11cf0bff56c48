// Package aggregate builds the unified calendar view from every group's
// event list.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"groupcal/internal/directory"
	appLog "groupcal/internal/log"
	"groupcal/internal/metrics"
	"groupcal/internal/model"
)

// DefaultPalette is indexed by position in the sorted view.
var DefaultPalette = []string{
	"#4285F4",
	"#DB4437",
	"#F4B400",
	"#0F9D58",
	"#AB47BC",
	"#00ACC1",
	"#FF7043",
	"#9E9D24",
}

const defaultConcurrency = 8

// Records is the read side of the record store.
type Records interface {
	GroupIDs(ctx context.Context) ([]string, error)
	Get(ctx context.Context, groupID string) ([]model.GroupEvent, error)
}

type Aggregator struct {
	records       Records
	dir           directory.Directory
	palette       []string
	concurrency   int
	titleFallback bool
	metrics       *metrics.Metrics
}

type Option func(*Aggregator)

// WithPalette replaces the color palette. An empty palette is ignored.
func WithPalette(p []string) Option {
	return func(a *Aggregator) {
		if len(p) > 0 {
			a.palette = slices.Clone(p)
		}
	}
}

// WithConcurrency bounds how many groups are loaded at once.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithTitleFallback toggles name extraction from titles when the directory
// has no entry for a group.
func WithTitleFallback(enabled bool) Option {
	return func(a *Aggregator) { a.titleFallback = enabled }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// New returns an Aggregator. dir may be nil.
func New(records Records, dir directory.Directory, opts ...Option) *Aggregator {
	a := &Aggregator{
		records:       records,
		dir:           dir,
		palette:       DefaultPalette,
		concurrency:   defaultConcurrency,
		titleFallback: true,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Aggregate runs one pass: load every group, sort, colorize and resolve
// names. Unreadable groups contribute nothing; the pass only fails when the
// groups cannot be enumerated at all or ctx is done.
func (a *Aggregator) Aggregate(ctx context.Context) ([]model.UnifiedEvent, error) {
	groupIDs, err := a.groupIDs(ctx)
	if err != nil {
		return nil, err
	}

	lists := make([][]model.GroupEvent, len(groupIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, id := range groupIDs {
		g.Go(func() error {
			events, err := a.records.Get(gctx, id)
			if err != nil {
				return fmt.Errorf("load group %q: %w", id, err)
			}
			lists[i] = events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	total := 0
	for _, l := range lists {
		total += len(l)
	}
	view := make([]model.UnifiedEvent, 0, total)
	for i, l := range lists {
		for _, ev := range l {
			view = append(view, model.UnifiedEvent{
				ID:          ev.ID,
				GroupID:     groupIDs[i],
				Title:       ev.Title,
				ScheduledAt: ev.ScheduledAt,
				Location:    ev.Location,
				Description: ev.Description,
			})
		}
	}

	slices.SortFunc(view, compareEvents)

	names := make(map[string]string, len(groupIDs))
	for i := range view {
		view[i].Color = a.palette[i%len(a.palette)]
		view[i].GroupName = a.resolveName(ctx, names, view[i])
	}
	return view, nil
}

// groupIDs prefers the store's own enumeration and falls back to the
// directory.
func (a *Aggregator) groupIDs(ctx context.Context) ([]string, error) {
	ids, err := a.records.GroupIDs(ctx)
	if err == nil {
		return ids, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if a.dir == nil {
		return nil, fmt.Errorf("enumerate groups: %w", err)
	}

	appLog.Warn("aggregate: store enumeration failed, using directory", "err", err)
	dirIDs, dirErr := a.dir.GroupIDs(ctx)
	if dirErr != nil {
		return nil, fmt.Errorf("enumerate groups: %w", errors.Join(err, dirErr))
	}
	return dirIDs, nil
}

func (a *Aggregator) resolveName(ctx context.Context, cache map[string]string, ev model.UnifiedEvent) string {
	name, cached := cache[ev.GroupID]
	if !cached {
		if a.dir != nil {
			if n, ok := a.dir.LookupGroupName(ctx, ev.GroupID); ok {
				name = n
			}
		}
		if name == "" {
			a.metrics.DirectoryMiss()
		}
		cache[ev.GroupID] = name
	}
	if name != "" || !a.titleFallback {
		return name
	}
	name, _ = GroupNameFromTitle(ev.Title)
	return name
}

// compareEvents orders by scheduled time, then event ID, then group ID.
func compareEvents(x, y model.UnifiedEvent) int {
	if c := x.ScheduledAt.Compare(y.ScheduledAt); c != 0 {
		return c
	}
	if c := strings.Compare(x.ID, y.ID); c != 0 {
		return c
	}
	return strings.Compare(x.GroupID, y.GroupID)
}

var connectors = []string{" in ", " at "}

// GroupNameFromTitle extracts a group name from titles such as
// "Book swap in Readers Club": the text after the first " in " or " at "
// (case-insensitive), trimmed. It reports false when there is no connector
// or nothing follows it.
func GroupNameFromTitle(title string) (string, bool) {
	best, end := -1, 0
	for _, c := range connectors {
		if i := indexFold(title, c); i >= 0 && (best < 0 || i < best) {
			best, end = i, i+len(c)
		}
	}
	if best < 0 {
		return "", false
	}
	name := strings.TrimSpace(title[end:])
	if name == "" {
		return "", false
	}
	return name, true
}

// indexFold is strings.Index with ASCII case folding of token.
func indexFold(s, token string) int {
	for i := 0; i+len(token) <= len(s); i++ {
		if strings.EqualFold(s[i:i+len(token)], token) {
			return i
		}
	}
	return -1
}
