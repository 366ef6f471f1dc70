package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawtracker/server/internal/model"
)

func openTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "tracks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NoError(t, a.InitSchema(context.Background()))
	return a
}

func TestAppendAndReadBack(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		p := model.TrackPoint{
			Latitude:       37.0 + float64(i)*0.001,
			Longitude:      -122.0,
			Sats:           8,
			BatteryVoltage: 3.9,
			RSSI:           -70,
			Speed:          1.5,
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, a.AppendTrack(ctx, "dev1", "b1", p))
	}

	tracks, err := a.RecentTracks(ctx, 3, nil)
	require.NoError(t, err)
	require.Len(t, tracks, 3)
	// Newest first.
	assert.Equal(t, 37.004, tracks[0].Latitude)
	assert.Equal(t, "dev1", tracks[0].DeviceID)
	assert.Equal(t, "b1", tracks[0].TrackerID)
	assert.True(t, tracks[0].Timestamp.After(tracks[1].Timestamp))
}

func TestRecentTracksSinceFilter(t *testing.T) {
	a := openTestArchive(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		p := model.TrackPoint{Latitude: float64(i), Timestamp: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, a.AppendTrack(ctx, "dev1", "b1", p))
	}

	since := base.Add(90 * time.Second)
	tracks, err := a.RecentTracks(ctx, 0, &since)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, 3.0, tracks[0].Latitude)
	assert.Equal(t, 2.0, tracks[1].Latitude)
}

func TestRecentTracksEmpty(t *testing.T) {
	a := openTestArchive(t)
	tracks, err := a.RecentTracks(context.Background(), 10, nil)
	require.NoError(t, err)
	assert.Empty(t, tracks)
}
