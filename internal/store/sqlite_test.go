package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glucograph/glucograph/internal/glucose"
)

func openStore(t *testing.T) *ReadingStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "readings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func stored(id uuid.UUID, hour int, value float64) glucose.Reading {
	return glucose.Reading{
		ID:         id,
		Timestamp:  time.Date(2026, 8, 20, hour, 0, 0, 0, time.UTC),
		Value:      value,
		Type:       glucose.Unspecified,
		Source:     glucose.SourceImage,
		Confidence: 0.9,
	}
}

func TestAppendAndFetch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendReadings(ctx, []glucose.Reading{
		stored(uuid.New(), 8, 100),
		stored(uuid.New(), 12, 150),
		stored(uuid.New(), 18, 120),
	}))

	history, err := s.FetchRange(ctx,
		time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 3, history.Len())

	readings := history.Readings()
	assert.Equal(t, 100.0, readings[0].Value)
	assert.Equal(t, glucose.SourceImage, readings[0].Source)
	assert.Equal(t, 0.9, readings[0].Confidence)
}

func TestAppendReadings_Idempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	batch := []glucose.Reading{stored(uuid.New(), 8, 100)}
	require.NoError(t, s.AppendReadings(ctx, batch))
	require.NoError(t, s.AppendReadings(ctx, batch), "re-importing the same chart is a no-op")

	history, err := s.FetchRange(ctx,
		time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, history.Len())
}

func TestFetchRange_Bounds(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendReadings(ctx, []glucose.Reading{
		stored(uuid.New(), 6, 90),
		stored(uuid.New(), 12, 150),
	}))

	history, err := s.FetchRange(ctx,
		time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 20, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, history.Len())
	assert.Equal(t, 150.0, history.Readings()[0].Value)
}

func TestSupersede(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	originalID := uuid.New()
	require.NoError(t, s.AppendReadings(ctx, []glucose.Reading{stored(originalID, 8, 100)}))

	corrected := stored(uuid.Nil, 8, 108)
	corrected.Source = glucose.SourceManual
	require.NoError(t, s.Supersede(ctx, originalID, corrected))

	history, err := s.FetchRange(ctx,
		time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, 1, history.Len(), "the superseded original drops out of snapshots")

	r := history.Readings()[0]
	assert.Equal(t, 108.0, r.Value)
	require.NotNil(t, r.SupersedesID)
	assert.Equal(t, originalID, *r.SupersedesID)
}

func TestSupersede_UnknownOriginal(t *testing.T) {
	s := openStore(t)

	err := s.Supersede(context.Background(), uuid.New(), stored(uuid.Nil, 8, 108))
	assert.Error(t, err)
}
