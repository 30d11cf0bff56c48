package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcal/internal/model"
	"groupcal/internal/store"
)

func testRecordStore(t *testing.T, b store.Backend) {
	ctx := context.Background()
	rs := store.New(b)

	base := time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)
	e1 := model.GroupEvent{ID: "e1", Title: "Weekly Sync", ScheduledAt: base, CreatedAt: base}
	e2 := model.GroupEvent{ID: "e2", Title: "Retro", ScheduledAt: base.Add(time.Hour), Location: "Room 2", CreatedAt: base}

	require.NoError(t, rs.Append(ctx, "g1", e1))
	require.NoError(t, rs.Append(ctx, "g1", e2))
	require.NoError(t, rs.Append(ctx, "g2", e1))

	got, err := rs.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []model.GroupEvent{e1, e2}, got)

	ids, err := rs.GroupIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1", "g2"}, ids)

	removed, err := rs.DeleteEvent(ctx, "g1", "e1")
	require.NoError(t, err)
	assert.True(t, removed)

	got, err = rs.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []model.GroupEvent{e2}, got)

	got, err = rs.Get(ctx, "g2")
	require.NoError(t, err)
	assert.Equal(t, []model.GroupEvent{e1}, got)

	require.NoError(t, rs.DeleteGroup(ctx, "g2"))
	ids, err = rs.GroupIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"g1"}, ids)
}
