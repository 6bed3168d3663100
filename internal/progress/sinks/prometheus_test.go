package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/commons-photos/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are updated from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	id := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{OverlayID: id, TS: now, Stage: progress.StageAttach, Zoom: 14, Fetching: true},
		{OverlayID: id, TS: now, Stage: progress.StageAttach, Zoom: 14},
		{OverlayID: id, TS: now, Stage: progress.StageViewport, Zoom: 14, Fetching: true},
		{OverlayID: id, TS: now, Stage: progress.StageViewport, Zoom: 14},
		{OverlayID: id, TS: now, Stage: progress.StageViewport, Zoom: 14},
		{OverlayID: id, TS: now, Stage: progress.StageQueryDone, Outcome: progress.OutcomeFulfilled, Rows: 60, Added: 41},
		{OverlayID: id, TS: now, Stage: progress.StageQueryDone, Outcome: progress.OutcomeFailed},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.sessionsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.sessionsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.viewportChanges.WithLabelValues("true")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.viewportChanges.WithLabelValues("false")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.queryRows, "overlay_query_rows"))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{OverlayID: id, TS: now.Add(time.Minute), Stage: progress.StageDetach, Dur: time.Minute},
		{OverlayID: id, TS: now.Add(time.Minute), Stage: progress.StageDetach, Dur: time.Minute},
	}))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.sessionsActive))
	require.Equal(t, 1, testutil.CollectAndCount(sink.sessionLifetime, "overlay_session_lifetime_seconds"))
}

// TestPrometheusSinkRejectsDuplicateRegistration surfaces registry conflicts.
func TestPrometheusSinkRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.ErrorContains(t, err, "register progress collector")
}
