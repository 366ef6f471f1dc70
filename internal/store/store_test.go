package store

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pawtracker/server/internal/model"
)

// tickingClock hands out strictly increasing timestamps so history order
// is observable.
func tickingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(step)
		return current
	}
}

func newTestStore(limit int) *Store {
	s := New(limit)
	s.now = tickingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), time.Second)
	return s
}

func report(tracker string, lat float64) model.BeaconReport {
	return model.BeaconReport{
		TrackerID:      tracker,
		Latitude:       lat,
		Longitude:      -122.0,
		HDOP:           1.2,
		Sats:           9,
		BatteryVoltage: 3.9,
		RSSI:           -71,
		SNR:            8.5,
		Speed:          2.0,
		Altitude:       52.0,
	}
}

func TestRegisterDeviceIdempotent(t *testing.T) {
	s := newTestStore(0)

	first := s.RegisterDevice("dev1", "Backyard Station")
	assert.Equal(t, "Backyard Station", first.Name)

	_, err := s.IngestReport("dev1", report("b1", 37.0), nil)
	require.NoError(t, err)

	again := s.RegisterDevice("dev1", "Renamed")
	assert.Equal(t, "Backyard Station", again.Name, "re-register must not rename")
	require.Len(t, again.Beacons, 1, "re-register must not discard beacons")
	assert.Equal(t, "b1", again.Beacons[0].ID)
}

func TestRegisterDeviceDefaultName(t *testing.T) {
	s := newTestStore(0)
	sum := s.RegisterDevice("0123456789abcdef", "")
	assert.Equal(t, "Station 01234567", sum.Name)
}

func TestIngestUnregisteredDevice(t *testing.T) {
	s := newTestStore(0)

	_, err := s.IngestReport("ghost", report("b1", 37.0), nil)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Empty(t, s.ListDevices(), "failed ingest must leave the store unchanged")
}

func TestIngestReplacesLocationWholesale(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")

	r1 := report("b1", 37.0)
	r1.LedOn = true
	_, err := s.IngestReport("dev1", r1, nil)
	require.NoError(t, err)

	r2 := report("b1", 38.5)
	r2.BatteryVoltage = 3.7
	snap, err := s.IngestReport("dev1", r2, nil)
	require.NoError(t, err)

	dev, err := s.GetDevice("dev1")
	require.NoError(t, err)
	require.Len(t, dev.Beacons, 1)
	loc := dev.Beacons[0].Location
	require.NotNil(t, loc)
	assert.Equal(t, 38.5, loc.Latitude)
	assert.Equal(t, 3.7, loc.BatteryVoltage)
	assert.False(t, loc.LedOn, "no merging with prior state")
	assert.Equal(t, snap, *loc)
}

func TestHistoryBoundedFIFO(t *testing.T) {
	const limit = 5
	s := newTestStore(limit)
	s.RegisterDevice("dev1", "")

	for i := 0; i < limit+3; i++ {
		_, err := s.IngestReport("dev1", report("b1", float64(i)), nil)
		require.NoError(t, err)
	}

	slice, err := s.BeaconHistory("dev1", "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, limit, slice.Total)
	require.Len(t, slice.Points, limit)

	// The oldest three reports (lat 0,1,2) must have been evicted.
	for i, p := range slice.Points {
		assert.Equal(t, float64(i+3), p.Latitude)
	}
	for i := 1; i < len(slice.Points); i++ {
		assert.True(t, slice.Points[i].Timestamp.After(slice.Points[i-1].Timestamp))
	}
}

func TestBeaconHistoryLimitTail(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")
	for i := 0; i < 10; i++ {
		_, err := s.IngestReport("dev1", report("b1", float64(i)), nil)
		require.NoError(t, err)
	}

	slice, err := s.BeaconHistory("dev1", "b1", 4)
	require.NoError(t, err)
	assert.Equal(t, 10, slice.Total)
	require.Len(t, slice.Points, 4)
	assert.Equal(t, 6.0, slice.Points[0].Latitude)
	assert.Equal(t, 9.0, slice.Points[3].Latitude)
}

func TestBeaconHistoryUnknownBeacon(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")

	_, err := s.BeaconHistory("dev1", "nope", 0)
	assert.ErrorIs(t, err, ErrBeaconNotFound)

	_, err = s.BeaconHistory("nope", "b1", 0)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestStationFixOverwrite(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")

	fix1 := &model.StationFix{Latitude: 1.0, Longitude: 2.0, Sats: 4, HasValidFix: true}
	_, err := s.IngestReport("dev1", report("b1", 37.0), fix1)
	require.NoError(t, err)

	fix2 := &model.StationFix{Latitude: 9.0, Longitude: 8.0, Sats: 11, HasValidFix: true}
	_, err = s.IngestReport("dev1", report("b1", 37.1), fix2)
	require.NoError(t, err)

	dev, err := s.GetDevice("dev1")
	require.NoError(t, err)
	require.NotNil(t, dev.StationLocation)
	assert.Equal(t, 9.0, dev.StationLocation.Latitude)
	assert.Equal(t, 11, dev.StationLocation.Sats)
	assert.False(t, dev.StationLocation.Timestamp.IsZero())
}

func TestPendingControlTakeOnce(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")

	require.NoError(t, s.SetPendingControl("dev1", true, false))

	cmd, ok, err := s.TakePendingControl("dev1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cmd.LedOn)
	assert.False(t, cmd.BuzzerOn)

	_, ok, err = s.TakePendingControl("dev1")
	require.NoError(t, err)
	assert.False(t, ok, "second take must find no command")
}

func TestPendingControlLastWriteWins(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")

	require.NoError(t, s.SetPendingControl("dev1", true, false))
	require.NoError(t, s.SetPendingControl("dev1", false, true))

	cmd, ok, err := s.TakePendingControl("dev1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, cmd.LedOn)
	assert.True(t, cmd.BuzzerOn, "only the latest command survives")
}

func TestPendingControlUnknownDevice(t *testing.T) {
	s := newTestStore(0)
	assert.ErrorIs(t, s.SetPendingControl("ghost", true, true), ErrDeviceNotFound)
	_, _, err := s.TakePendingControl("ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, s.RecordControlAck("ghost", true, true), ErrDeviceNotFound)
}

func TestControlAckBumpsLastSeen(t *testing.T) {
	s := newTestStore(0)
	before := s.RegisterDevice("dev1", "")

	require.NoError(t, s.RecordControlAck("dev1", true, true))

	dev, err := s.GetDevice("dev1")
	require.NoError(t, err)
	require.NotNil(t, dev.ControlState)
	assert.True(t, dev.ControlState.LedOn)
	assert.True(t, dev.LastSeen.After(before.LastSeen))
}

func TestDeviceHistoryMergedSorted(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")

	// Interleave two beacons; the ticking clock keeps timestamps distinct.
	for i := 0; i < 3; i++ {
		_, err := s.IngestReport("dev1", report("b1", float64(i)), nil)
		require.NoError(t, err)
		_, err = s.IngestReport("dev1", report("b2", float64(100+i)), nil)
		require.NoError(t, err)
	}

	merged, err := s.DeviceHistory("dev1")
	require.NoError(t, err)
	require.Len(t, merged, 6)
	for i := 1; i < len(merged); i++ {
		assert.False(t, merged[i].Timestamp.Before(merged[i-1].Timestamp))
	}
	assert.Equal(t, "b1", merged[0].BeaconID)
	assert.Equal(t, "b2", merged[1].BeaconID)
}

func TestTrackerHistoryAcrossDevices(t *testing.T) {
	s := newTestStore(0)
	s.RegisterDevice("dev1", "")
	s.RegisterDevice("dev2", "")

	_, err := s.IngestReport("dev1", report("rex", 1.0), nil)
	require.NoError(t, err)
	_, err = s.IngestReport("dev2", report("rex", 2.0), nil)
	require.NoError(t, err)
	_, err = s.IngestReport("dev1", report("rex", 3.0), nil)
	require.NoError(t, err)

	points := s.TrackerHistory("rex")
	require.Len(t, points, 3)
	assert.Equal(t, "dev1", points[0].DeviceID)
	assert.Equal(t, "dev2", points[1].DeviceID)
	assert.Equal(t, "dev1", points[2].DeviceID)
	for i := 1; i < len(points); i++ {
		assert.True(t, points[i].Timestamp.After(points[i-1].Timestamp))
	}

	assert.Empty(t, s.TrackerHistory("unseen"))
}

func TestScenarioRegisterIngestList(t *testing.T) {
	s := New(0)
	s.RegisterDevice("dev1", "")

	first := report("b1", 37.0)
	_, err := s.IngestReport("dev1", first, nil)
	require.NoError(t, err)

	devices := s.ListDevices()
	require.Len(t, devices, 1)
	require.Len(t, devices[0].Beacons, 1)
	b := devices[0].Beacons[0]
	assert.Equal(t, "b1", b.ID)
	require.NotNil(t, b.Location)
	assert.Equal(t, 37.0, b.Location.Latitude)

	for i := 0; i < DefaultHistoryLimit+1; i++ {
		_, err := s.IngestReport("dev1", report("b1", 40.0+float64(i)), nil)
		require.NoError(t, err)
	}

	slice, err := s.BeaconHistory("dev1", "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultHistoryLimit, slice.Total)
	// The original first report must have been evicted.
	assert.NotEqual(t, 37.0, slice.Points[0].Latitude)
}

func TestConcurrentIngestSameBeacon(t *testing.T) {
	s := New(0)
	s.RegisterDevice("dev1", "")

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.IngestReport("dev1", report("b1", float64(w)), nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	slice, err := s.BeaconHistory("dev1", "b1", 0)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, slice.Total)

	dev, err := s.GetDevice("dev1")
	require.NoError(t, err)
	require.Len(t, dev.Beacons, 1)
	// Location must match the final history entry: no torn update between
	// the snapshot and the corresponding append.
	last := slice.Points[len(slice.Points)-1]
	assert.Equal(t, last.Latitude, dev.Beacons[0].Location.Latitude)
}

func TestConcurrentIngestDistinctDevices(t *testing.T) {
	s := New(0)
	for d := 0; d < 4; d++ {
		s.RegisterDevice(fmt.Sprintf("dev%d", d), "")
	}

	var wg sync.WaitGroup
	for d := 0; d < 4; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			id := fmt.Sprintf("dev%d", d)
			for i := 0; i < 100; i++ {
				_, err := s.IngestReport(id, report("b1", float64(i)), nil)
				assert.NoError(t, err)
			}
		}(d)
	}
	wg.Wait()

	for d := 0; d < 4; d++ {
		slice, err := s.BeaconHistory(fmt.Sprintf("dev%d", d), "b1", 0)
		require.NoError(t, err)
		assert.Equal(t, 100, slice.Total)
	}
}
