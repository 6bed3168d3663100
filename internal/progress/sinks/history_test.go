package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/commons-photos/internal/progress"
)

// TestHistorySinkKeepsRecentEvents ensures each overlay keeps at most depth events.
func TestHistorySinkKeepsRecentEvents(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(2)
	a, b := uuid.New(), uuid.New()
	now := time.Now()

	batch := []progress.Event{
		{OverlayID: progress.UUIDToBytes(a), TS: now, Stage: progress.StageAttach, Zoom: 14},
		{OverlayID: progress.UUIDToBytes(b), TS: now, Stage: progress.StageAttach, Zoom: 12},
		{OverlayID: progress.UUIDToBytes(a), TS: now.Add(time.Second), Stage: progress.StageQueryDone, Outcome: progress.OutcomeFulfilled, Rows: 5, Added: 5},
		{OverlayID: progress.UUIDToBytes(a), TS: now.Add(2 * time.Second), Stage: progress.StageViewport, Zoom: 15},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	got := sink.Recent(a)
	require.Len(t, got, 2)
	require.Equal(t, progress.StageQueryDone, got[0].Stage)
	require.Equal(t, progress.StageViewport, got[1].Stage)
	require.Len(t, sink.Recent(b), 1)
	require.Equal(t, 2, sink.Len())

	// Mutating the returned slice must not leak into the sink.
	got[0].Rows = 99
	require.Equal(t, 5, sink.Recent(a)[0].Rows)
}

// TestHistorySinkDropsDetachedOverlays verifies detach clears an overlay's history.
func TestHistorySinkDropsDetachedOverlays(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(0)
	id := uuid.New()
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{OverlayID: progress.UUIDToBytes(id), TS: now, Stage: progress.StageAttach},
		{OverlayID: progress.UUIDToBytes(id), TS: now, Stage: progress.StageDetach, Dur: time.Minute},
	}))
	require.Empty(t, sink.Recent(id))
	require.Zero(t, sink.Len())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{OverlayID: progress.UUIDToBytes(id), TS: now, Stage: progress.StageAttach},
	}))
	require.NoError(t, sink.Close(context.Background()))
	require.Zero(t, sink.Len())
}

func TestHistorySinkOrdersByTimestamp(t *testing.T) {
	t.Parallel()

	sink := NewHistorySink(4)
	id := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{OverlayID: id, TS: now.Add(time.Second), Stage: progress.StageQueryDone, Outcome: progress.OutcomeFulfilled},
		{OverlayID: id, TS: now, Stage: progress.StageAttach},
	}))

	got := sink.Recent(uuid.UUID(id))
	require.Len(t, got, 2)
	require.Equal(t, progress.StageAttach, got[0].Stage)
	require.Equal(t, progress.StageQueryDone, got[1].Stage)
}
