// Package calsync owns the unified calendar snapshot. Every mutation and
// refresh is queued and applied in order by a single worker goroutine, and
// each published snapshot is the result of one complete aggregation pass.
package calsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appLog "groupcal/internal/log"
	"groupcal/internal/metrics"
	"groupcal/internal/model"
)

var (
	// ErrInvalidEvent is returned for create requests missing a group,
	// title or scheduled time.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrClosed is returned once the controller has been stopped.
	ErrClosed = errors.New("controller closed")
)

// Store is the record store as seen by the controller.
type Store interface {
	Get(ctx context.Context, groupID string) ([]model.GroupEvent, error)
	Append(ctx context.Context, groupID string, event model.GroupEvent) error
	DeleteEvent(ctx context.Context, groupID, eventID string) (bool, error)
}

// Aggregator produces one unified view of the store.
type Aggregator interface {
	Aggregate(ctx context.Context) ([]model.UnifiedEvent, error)
}

// Snapshot is the result of one aggregation pass. It is replaced wholesale
// and must not be modified by readers.
type Snapshot struct {
	Events      []model.UnifiedEvent `json:"events"`
	Generation  uint64               `json:"generation"`
	RefreshedAt time.Time            `json:"refreshed_at"`
}

type opKind int

const (
	opRefresh opKind = iota
	opCreate
	opDelete
)

type op struct {
	kind opKind
	ctx  context.Context

	groupID string
	eventID string
	event   model.GroupEvent

	refreshed *Future[*Snapshot]
	created   *Future[model.GroupEvent]
	deleted   *Future[struct{}]

	result error
}

// finish resolves a mutation's future with its stored outcome.
func (o *op) finish() {
	switch o.kind {
	case opCreate:
		if o.result != nil {
			o.created.resolve(model.GroupEvent{}, o.result)
			return
		}
		o.created.resolve(o.event, nil)
	case opDelete:
		o.deleted.resolve(struct{}{}, o.result)
	}
}

func (o *op) fail(err error) {
	switch o.kind {
	case opRefresh:
		o.refreshed.resolve(nil, err)
	case opCreate:
		o.created.resolve(model.GroupEvent{}, err)
	case opDelete:
		o.deleted.resolve(struct{}{}, err)
	}
}

type Controller struct {
	store   Store
	agg     Aggregator
	metrics *metrics.Metrics
	now     func() time.Time

	snap       atomic.Pointer[Snapshot]
	refreshing atomic.Bool
	generation uint64 // worker only

	mu     sync.Mutex
	queue  []*op
	closed bool
	wake   chan struct{}

	subMu  sync.Mutex
	subs   map[int]chan *Snapshot
	nextID int

	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Controller)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithClock sets the clock used for event creation and snapshot times.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a controller. Start must be called before queued operations
// are processed.
func New(store Store, agg Aggregator, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		agg:   agg,
		now:   time.Now,
		wake:  make(chan struct{}, 1),
		subs:  make(map[int]chan *Snapshot),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&Snapshot{Events: []model.UnifiedEvent{}})
	return c
}

// Start runs the worker until ctx is done or Close is called. Once the
// worker stops, the controller behaves as closed.
func (c *Controller) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancel = cancel
	c.mu.Unlock()
	go c.run(ctx)
}

// Close stops the worker, fails every queued operation with ErrClosed and
// closes all subscriber channels.
func (c *Controller) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-c.done
	}
	c.shutdown()
}

// shutdown marks the controller closed and releases everything still
// waiting on it. It runs once, either from Close or when the worker's
// context ends.
func (c *Controller) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, o := range pending {
		o.fail(ErrClosed)
	}

	c.subMu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
		c.metrics.SubscriberRemoved()
	}
	c.subMu.Unlock()
}

func (c *Controller) enqueue(o *op) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		o.fail(ErrClosed)
		return false
	}
	c.queue = append(c.queue, o)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return true
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		}

		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		c.mu.Unlock()

		c.process(ctx, batch)
	}
}

// process applies a batch in queue order. A run of mutations is followed by
// one refresh shared with any refresh requests queued directly after it;
// a run of refresh requests is served by one pass.
func (c *Controller) process(ctx context.Context, batch []*op) {
	for i := 0; i < len(batch); {
		var applied []*op
		for i < len(batch) && batch[i].kind != opRefresh {
			c.apply(batch[i])
			applied = append(applied, batch[i])
			i++
		}

		var waiters []*op
		for i < len(batch) && batch[i].kind == opRefresh {
			waiters = append(waiters, batch[i])
			i++
		}

		changed := false
		for _, o := range applied {
			if o.result == nil {
				changed = true
			}
		}

		var (
			snap *Snapshot
			err  error
		)
		if changed || len(waiters) > 0 {
			snap, err = c.refresh(ctx)
			if err != nil {
				appLog.Error("calsync: refresh failed", err, "waiters", len(waiters), "mutations", len(applied))
			}
		}
		for _, o := range applied {
			o.finish()
		}
		for _, o := range waiters {
			o.refreshed.resolve(snap, err)
		}
	}
}

// apply runs a mutation and stores its outcome on the op; the future is
// resolved by finish once the following refresh is published.
func (c *Controller) apply(o *op) {
	ctx := context.WithoutCancel(o.ctx)
	switch o.kind {
	case opCreate:
		o.result = c.store.Append(ctx, o.groupID, o.event)
		c.metrics.ObserveMutation("create", o.result)
		if o.result != nil {
			appLog.Error("calsync: create failed", o.result, "group_id", o.groupID, "event_id", o.event.ID)
			return
		}
		appLog.Info("calsync: event created", "group_id", o.groupID, "event_id", o.event.ID)
	case opDelete:
		removed, err := c.store.DeleteEvent(ctx, o.groupID, o.eventID)
		o.result = err
		c.metrics.ObserveMutation("delete", err)
		if err != nil {
			appLog.Error("calsync: delete failed", err, "group_id", o.groupID, "event_id", o.eventID)
			return
		}
		appLog.Info("calsync: event deleted", "group_id", o.groupID, "event_id", o.eventID, "removed", removed)
	}
}

func (c *Controller) refresh(ctx context.Context) (*Snapshot, error) {
	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	start := time.Now()
	events, err := c.agg.Aggregate(ctx)
	if err != nil {
		c.metrics.ObserveRefresh(time.Since(start), 0, c.generation, err)
		return nil, fmt.Errorf("refresh: %w", err)
	}

	c.generation++
	snap := &Snapshot{
		Events:      events,
		Generation:  c.generation,
		RefreshedAt: c.now().UTC(),
	}
	c.snap.Store(snap)
	c.metrics.ObserveRefresh(time.Since(start), len(events), snap.Generation, nil)
	appLog.Debug("calsync: snapshot published", "generation", snap.Generation, "events", len(events))

	c.publish(snap)
	return snap, nil
}

// CreateEventAsync validates the input and queues the create.
func (c *Controller) CreateEventAsync(ctx context.Context, groupID string, in model.EventInput) *Future[model.GroupEvent] {
	if err := validate(groupID, in); err != nil {
		return resolved(model.GroupEvent{}, err)
	}
	o := &op{
		kind:    opCreate,
		ctx:     ctx,
		groupID: groupID,
		event:   model.NewGroupEvent(in, c.now()),
		created: newFuture[model.GroupEvent](),
	}
	c.enqueue(o)
	return o.created
}

func (c *Controller) CreateEvent(ctx context.Context, groupID string, in model.EventInput) (model.GroupEvent, error) {
	return c.CreateEventAsync(ctx, groupID, in).Wait(ctx)
}

func validate(groupID string, in model.EventInput) error {
	switch {
	case strings.TrimSpace(groupID) == "":
		return fmt.Errorf("%w: group id is required", ErrInvalidEvent)
	case strings.TrimSpace(in.Title) == "":
		return fmt.Errorf("%w: title is required", ErrInvalidEvent)
	case in.ScheduledAt.IsZero():
		return fmt.Errorf("%w: scheduled time is required", ErrInvalidEvent)
	}
	return nil
}

// DeleteEventAsync queues removal of eventID from the group. Deleting an
// event the group does not hold succeeds without changing anything.
func (c *Controller) DeleteEventAsync(ctx context.Context, groupID, eventID string) *Future[struct{}] {
	if strings.TrimSpace(groupID) == "" || strings.TrimSpace(eventID) == "" {
		return resolved(struct{}{}, fmt.Errorf("%w: group id and event id are required", ErrInvalidEvent))
	}
	o := &op{
		kind:    opDelete,
		ctx:     ctx,
		groupID: groupID,
		eventID: eventID,
		deleted: newFuture[struct{}](),
	}
	c.enqueue(o)
	return o.deleted
}

func (c *Controller) DeleteEvent(ctx context.Context, event model.GroupEvent, groupID string) error {
	return c.DeleteEventByID(ctx, groupID, event.ID)
}

func (c *Controller) DeleteEventByID(ctx context.Context, groupID, eventID string) error {
	_, err := c.DeleteEventAsync(ctx, groupID, eventID).Wait(ctx)
	return err
}

// RefreshAsync queues an aggregation pass. Requests queued back to back
// share one pass.
func (c *Controller) RefreshAsync() *Future[*Snapshot] {
	o := &op{kind: opRefresh, ctx: context.Background(), refreshed: newFuture[*Snapshot]()}
	c.enqueue(o)
	return o.refreshed
}

func (c *Controller) Refresh(ctx context.Context) (*Snapshot, error) {
	return c.RefreshAsync().Wait(ctx)
}

// Snapshot returns the last published snapshot without blocking.
func (c *Controller) Snapshot() *Snapshot {
	return c.snap.Load()
}

// GetAllEvents returns a copy of the current unified view.
func (c *Controller) GetAllEvents() []model.UnifiedEvent {
	return slices.Clone(c.snap.Load().Events)
}

// Refreshing reports whether an aggregation pass is running.
func (c *Controller) Refreshing() bool {
	return c.refreshing.Load()
}

// GetEventsForGroup reads one group straight from the store, ordered by
// scheduled time then ID.
func (c *Controller) GetEventsForGroup(ctx context.Context, groupID string) ([]model.GroupEvent, error) {
	events, err := c.store.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	events = slices.Clone(events)
	slices.SortStableFunc(events, func(a, b model.GroupEvent) int {
		if d := a.ScheduledAt.Compare(b.ScheduledAt); d != 0 {
			return d
		}
		return strings.Compare(a.ID, b.ID)
	})
	return events, nil
}
