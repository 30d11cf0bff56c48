package calsync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcal/internal/aggregate"
	"groupcal/internal/directory"
	"groupcal/internal/model"
	"groupcal/internal/store"
)

var fixedNow = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	c       *Controller
	rs      *store.RecordStore
	backend *flakyBackend
}

type flakyBackend struct {
	*store.MemoryBackend
	failPut atomic.Bool
}

func (f *flakyBackend) Put(ctx context.Context, key string, value []byte) error {
	if f.failPut.Load() {
		return errors.New("disk full")
	}
	return f.MemoryBackend.Put(ctx, key, value)
}

func newHarness(t *testing.T, groups ...model.Group) *harness {
	t.Helper()
	backend := &flakyBackend{MemoryBackend: store.NewMemoryBackend()}
	rs := store.New(backend)
	agg := aggregate.New(rs, directory.NewStatic(groups))
	c := New(rs, agg, WithClock(func() time.Time { return fixedNow }))
	c.Start(context.Background())
	t.Cleanup(c.Close)
	return &harness{c: c, rs: rs, backend: backend}
}

func TestWeeklySyncScenario(t *testing.T) {
	h := newHarness(t, model.Group{ID: "G1", Name: "Readers Club"})
	ctx := context.Background()

	ev, err := h.c.CreateEvent(ctx, "G1", model.EventInput{
		Title:       "Weekly Sync",
		ScheduledAt: time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC),
		Location:    "Main Hall",
		Description: "desc",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.True(t, ev.CreatedAt.Equal(fixedNow))

	all := h.c.GetAllEvents()
	require.Len(t, all, 1)
	assert.Equal(t, "Weekly Sync", all[0].Title)
	assert.Equal(t, "Readers Club", all[0].GroupName)
	assert.Equal(t, "G1", all[0].GroupID)
	assert.Equal(t, ev.ID, all[0].ID)

	require.NoError(t, h.c.DeleteEvent(ctx, ev, "G1"))
	assert.Empty(t, h.c.GetAllEvents())
}

func TestUnifiedOrderAcrossGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	day := time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)

	_, err := h.c.CreateEvent(ctx, "G1", model.EventInput{Title: "late", ScheduledAt: day.Add(11 * time.Hour)})
	require.NoError(t, err)
	_, err = h.c.CreateEvent(ctx, "G2", model.EventInput{Title: "middle", ScheduledAt: day.Add(10 * time.Hour)})
	require.NoError(t, err)
	_, err = h.c.CreateEvent(ctx, "G1", model.EventInput{Title: "early", ScheduledAt: day.Add(9 * time.Hour)})
	require.NoError(t, err)

	all := h.c.GetAllEvents()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"early", "middle", "late"}, []string{all[0].Title, all[1].Title, all[2].Title})

	g1, err := h.c.GetEventsForGroup(ctx, "G1")
	require.NoError(t, err)
	require.Len(t, g1, 2)
	assert.Equal(t, "early", g1[0].Title)
	assert.Equal(t, "late", g1[1].Title)
}

func TestRefreshIsIdempotent(t *testing.T) {
	h := newHarness(t, model.Group{ID: "G1", Name: "One"})
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := h.c.CreateEvent(ctx, "G1", model.EventInput{Title: "x", ScheduledAt: fixedNow.Add(time.Duration(i) * time.Hour)})
		require.NoError(t, err)
	}

	first, err := h.c.Refresh(ctx)
	require.NoError(t, err)
	second, err := h.c.Refresh(ctx)
	require.NoError(t, err)

	assert.Equal(t, first.Events, second.Events)
	assert.Greater(t, second.Generation, first.Generation)
}

func TestDeleteIsolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	at := fixedNow.Add(24 * time.Hour)

	a, err := h.c.CreateEvent(ctx, "A", model.EventInput{Title: "a", ScheduledAt: at})
	require.NoError(t, err)
	b, err := h.c.CreateEvent(ctx, "B", model.EventInput{Title: "b", ScheduledAt: at})
	require.NoError(t, err)

	// Deleting A's event through B changes nothing.
	require.NoError(t, h.c.DeleteEventByID(ctx, "B", a.ID))
	assert.Len(t, h.c.GetAllEvents(), 2)

	require.NoError(t, h.c.DeleteEventByID(ctx, "A", a.ID))
	all := h.c.GetAllEvents()
	require.Len(t, all, 1)
	assert.Equal(t, b.ID, all[0].ID)
}

func TestCreateFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.c.CreateEvent(ctx, "G1", model.EventInput{Title: "ok", ScheduledAt: fixedNow})
	require.NoError(t, err)
	before := h.c.Snapshot()

	h.backend.failPut.Store(true)
	_, err = h.c.CreateEvent(ctx, "G1", model.EventInput{Title: "lost", ScheduledAt: fixedNow})
	require.Error(t, err)
	var perr *store.PersistenceError
	assert.True(t, errors.As(err, &perr))

	assert.Same(t, before, h.c.Snapshot())
	assert.Len(t, h.c.GetAllEvents(), 1)
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		group string
		in    model.EventInput
	}{
		{"", model.EventInput{Title: "x", ScheduledAt: fixedNow}},
		{"G1", model.EventInput{Title: "  ", ScheduledAt: fixedNow}},
		{"G1", model.EventInput{Title: "x"}},
	}
	for _, tc := range cases {
		_, err := h.c.CreateEvent(ctx, tc.group, tc.in)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	}
	assert.ErrorIs(t, h.c.DeleteEventByID(ctx, "G1", ""), ErrInvalidEvent)
}

func TestMutationSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := h.c.CreateEventAsync(ctx, "G1", model.EventInput{Title: "kept", ScheduledAt: fixedNow})
	ev, err := f.Wait(context.Background())
	require.NoError(t, err)

	stored, err := h.rs.Get(context.Background(), "G1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, ev.ID, stored[0].ID)
}

// gatedAggregator blocks its first pass until gate is closed.
type gatedAggregator struct {
	inner   Aggregator
	calls   atomic.Int32
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedAggregator) Aggregate(ctx context.Context) ([]model.UnifiedEvent, error) {
	if g.calls.Add(1) == 1 {
		close(g.entered)
		<-g.gate
	}
	return g.inner.Aggregate(ctx)
}

func TestRefreshesCoalesce(t *testing.T) {
	rs := store.New(store.NewMemoryBackend())
	agg := &gatedAggregator{
		inner:   aggregate.New(rs, nil),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	c := New(rs, agg)
	c.Start(context.Background())
	defer c.Close()

	first := c.RefreshAsync()
	<-agg.entered
	assert.True(t, c.Refreshing())

	queued := []*Future[*Snapshot]{c.RefreshAsync(), c.RefreshAsync(), c.RefreshAsync()}
	close(agg.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := first.Wait(ctx)
	require.NoError(t, err)

	var snaps []*Snapshot
	for _, f := range queued {
		s, err := f.Wait(ctx)
		require.NoError(t, err)
		snaps = append(snaps, s)
	}
	assert.Same(t, snaps[0], snaps[1])
	assert.Same(t, snaps[1], snaps[2])
	assert.Equal(t, int32(2), agg.calls.Load())
	assert.False(t, c.Refreshing())
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	h := newHarness(t)
	ch, unsubscribe := h.c.Subscribe(1)

	initial := <-ch
	assert.Empty(t, initial.Events)

	_, err := h.c.CreateEvent(context.Background(), "G1", model.EventInput{Title: "new", ScheduledAt: fixedNow})
	require.NoError(t, err)

	select {
	case snap := <-ch:
		require.Len(t, snap.Events, 1)
		assert.Equal(t, "new", snap.Events[0].Title)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot delivered")
	}

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberGetsLatest(t *testing.T) {
	h := newHarness(t)
	ch, unsubscribe := h.c.Subscribe(1)
	defer unsubscribe()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.c.CreateEvent(ctx, "G1", model.EventInput{Title: "e", ScheduledAt: fixedNow})
		require.NoError(t, err)
	}

	snap := <-ch
	assert.Len(t, snap.Events, 3)
	assert.Equal(t, h.c.Snapshot().Generation, snap.Generation)
}

func TestClosedController(t *testing.T) {
	h := newHarness(t)
	ch, _ := h.c.Subscribe(1)
	h.c.Close()

	_, err := h.c.CreateEvent(context.Background(), "G1", model.EventInput{Title: "x", ScheduledAt: fixedNow})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = h.c.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	for range ch {
	}
}

func TestStoppedWorkerRejectsOperations(t *testing.T) {
	rs := store.New(store.NewMemoryBackend())
	c := New(rs, aggregate.New(rs, nil))
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	ch, _ := c.Subscribe(1)

	cancel()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	wait, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()

	_, err := c.CreateEventAsync(context.Background(), "G1", model.EventInput{Title: "x", ScheduledAt: fixedNow}).Wait(wait)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.DeleteEventAsync(context.Background(), "G1", "e1").Wait(wait)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.RefreshAsync().Wait(wait)
	assert.ErrorIs(t, err, ErrClosed)

	for range ch {
	}
	c.Close()
}

func TestWaitCanBeAbandoned(t *testing.T) {
	rs := store.New(store.NewMemoryBackend())
	c := New(rs, aggregate.New(rs, nil))
	// Not started: the refresh stays queued.
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Refresh(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
