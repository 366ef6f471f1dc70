package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"pawtracker/server/internal/model"
)

// Sentinel errors surfaced to the API boundary.
var (
	ErrDeviceNotFound = errors.New("device not registered")
	ErrBeaconNotFound = errors.New("beacon not found")
)

// DefaultHistoryLimit caps the number of track points retained per beacon.
const DefaultHistoryLimit = 1000

// Store is the authoritative in-process state container: registered
// devices, their beacons, current snapshots and bounded history. Nothing
// is persisted; a restart starts from empty state.
type Store struct {
	mu           sync.RWMutex
	devices      map[string]*device
	trackerIndex map[string][]string // tracker id -> owning device ids, first-seen order
	historyLimit int
	now          func() time.Time
}

type device struct {
	mu              sync.Mutex
	id              string
	name            string
	registeredAt    time.Time
	lastSeen        time.Time
	stationLocation *model.StationFix
	controlState    *model.ControlState
	pendingControl  *model.ControlState
	beacons         map[string]*beacon
	beaconOrder     []string
}

type beacon struct {
	id        string
	name      string
	firstSeen time.Time
	lastSeen  time.Time
	location  *model.BeaconSnapshot
	history   []model.TrackPoint
}

// New constructs an empty store. A historyLimit <= 0 falls back to
// DefaultHistoryLimit.
func New(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Store{
		devices:      make(map[string]*device),
		trackerIndex: make(map[string][]string),
		historyLimit: historyLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// RegisterDevice creates the device if it does not exist yet and returns
// its summary. Re-registering an existing device is a no-op and never
// discards beacons the device has already reported.
func (s *Store) RegisterDevice(id, name string) model.DeviceSummary {
	s.mu.Lock()
	dev, ok := s.devices[id]
	if !ok {
		if name == "" {
			name = fmt.Sprintf("Station %s", shortID(id))
		}
		now := s.now()
		dev = &device{
			id:           id,
			name:         name,
			registeredAt: now,
			lastSeen:     now,
			beacons:      make(map[string]*beacon),
		}
		s.devices[id] = dev
	}
	s.mu.Unlock()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.summary()
}

// IngestReport folds a beacon report into the store. The device must be
// registered; the beacon is created implicitly on first sight. The beacon's
// location is replaced wholesale and a history entry is appended, evicting
// the oldest point beyond the history limit. Returns the stored snapshot.
func (s *Store) IngestReport(deviceID string, report model.BeaconReport, station *model.StationFix) (model.BeaconSnapshot, error) {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return model.BeaconSnapshot{}, ErrDeviceNotFound
	}

	now := s.now()
	created := false

	dev.mu.Lock()
	dev.lastSeen = now

	if station != nil {
		fix := *station
		fix.Timestamp = now
		dev.stationLocation = &fix
	}

	b, ok := dev.beacons[report.TrackerID]
	if !ok {
		b = &beacon{
			id:        report.TrackerID,
			name:      fmt.Sprintf("Beacon %s", shortID(report.TrackerID)),
			firstSeen: now,
		}
		dev.beacons[report.TrackerID] = b
		dev.beaconOrder = append(dev.beaconOrder, report.TrackerID)
		created = true
	}

	snapshot := model.BeaconSnapshot{
		Latitude:       report.Latitude,
		Longitude:      report.Longitude,
		HDOP:           report.HDOP,
		Sats:           report.Sats,
		BatteryVoltage: report.BatteryVoltage,
		RSSI:           report.RSSI,
		SNR:            report.SNR,
		Speed:          report.Speed,
		Altitude:       report.Altitude,
		LedOn:          report.LedOn,
		BuzzerOn:       report.BuzzerOn,
		Timestamp:      now,
	}

	b.lastSeen = now
	b.location = &snapshot
	b.history = append(b.history, trackPoint(report, now))
	if len(b.history) > s.historyLimit {
		b.history = b.history[1:]
	}
	dev.mu.Unlock()

	if created {
		s.indexTracker(report.TrackerID, deviceID)
	}

	return snapshot, nil
}

// RecordControlAck stores the actuator state the station reports after
// applying a command and bumps the device's last-seen time.
func (s *Store) RecordControlAck(deviceID string, ledOn, buzzerOn bool) error {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return ErrDeviceNotFound
	}

	now := s.now()
	dev.mu.Lock()
	dev.controlState = &model.ControlState{LedOn: ledOn, BuzzerOn: buzzerOn, Timestamp: now}
	dev.lastSeen = now
	dev.mu.Unlock()
	return nil
}

// SetPendingControl stages a command for the station to pick up. A new
// command overwrites any undelivered one; there is no queue.
func (s *Store) SetPendingControl(deviceID string, ledOn, buzzerOn bool) error {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return ErrDeviceNotFound
	}

	dev.mu.Lock()
	dev.pendingControl = &model.ControlState{LedOn: ledOn, BuzzerOn: buzzerOn, Timestamp: s.now()}
	dev.mu.Unlock()
	return nil
}

// TakePendingControl returns the staged command and clears it. The second
// return value is false when no command is pending. Delivery is at most
// once; a command lost in transit after this call is gone.
func (s *Store) TakePendingControl(deviceID string) (model.ControlState, bool, error) {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return model.ControlState{}, false, ErrDeviceNotFound
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.pendingControl == nil {
		return model.ControlState{}, false, nil
	}
	cmd := *dev.pendingControl
	dev.pendingControl = nil
	return cmd, true, nil
}

// ListDevices returns summaries of all registered devices ordered by
// registration time.
func (s *Store) ListDevices() []model.DeviceSummary {
	s.mu.RLock()
	all := make([]*device, 0, len(s.devices))
	for _, dev := range s.devices {
		all = append(all, dev)
	}
	s.mu.RUnlock()

	out := make([]model.DeviceSummary, 0, len(all))
	for _, dev := range all {
		dev.mu.Lock()
		out = append(out, dev.summary())
		dev.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetDevice returns the summary of a single device.
func (s *Store) GetDevice(deviceID string) (model.DeviceSummary, error) {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return model.DeviceSummary{}, ErrDeviceNotFound
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	return dev.summary(), nil
}

// HistorySlice is the tail of a beacon's history plus its total length.
type HistorySlice struct {
	BeaconName string
	Points     []model.TrackPoint
	Total      int
}

// BeaconHistory returns up to limit of the newest history entries for a
// beacon, oldest first. A limit <= 0 returns the full retained history.
func (s *Store) BeaconHistory(deviceID, beaconID string, limit int) (HistorySlice, error) {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return HistorySlice{}, ErrDeviceNotFound
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	b, ok := dev.beacons[beaconID]
	if !ok {
		return HistorySlice{}, ErrBeaconNotFound
	}

	total := len(b.history)
	start := 0
	if limit > 0 && total > limit {
		start = total - limit
	}
	points := make([]model.TrackPoint, total-start)
	copy(points, b.history[start:])

	return HistorySlice{BeaconName: b.name, Points: points, Total: total}, nil
}

// DeviceHistory merges the history of every beacon owned by the device,
// sorted by timestamp ascending, each point annotated with its beacon id.
func (s *Store) DeviceHistory(deviceID string) ([]model.DeviceTrackPoint, error) {
	s.mu.RLock()
	dev, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrDeviceNotFound
	}

	dev.mu.Lock()
	merged := make([]model.DeviceTrackPoint, 0)
	for _, id := range dev.beaconOrder {
		b := dev.beacons[id]
		for _, p := range b.history {
			merged = append(merged, model.DeviceTrackPoint{TrackPoint: p, BeaconID: b.id})
		}
	}
	dev.mu.Unlock()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	return merged, nil
}

// TrackerHistory answers the legacy cross-device lookup keyed by bare
// tracker id. It derives the result from the per-device histories through
// the tracker index rather than keeping a second copy, sorted ascending
// and capped at the history limit.
func (s *Store) TrackerHistory(trackerID string) []model.TrackerPoint {
	s.mu.RLock()
	deviceIDs := append([]string(nil), s.trackerIndex[trackerID]...)
	owners := make([]*device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		if dev, ok := s.devices[id]; ok {
			owners = append(owners, dev)
		}
	}
	s.mu.RUnlock()

	merged := make([]model.TrackerPoint, 0)
	for _, dev := range owners {
		dev.mu.Lock()
		if b, ok := dev.beacons[trackerID]; ok {
			for _, p := range b.history {
				merged = append(merged, model.TrackerPoint{TrackPoint: p, DeviceID: dev.id})
			}
		}
		dev.mu.Unlock()
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	if len(merged) > s.historyLimit {
		merged = merged[len(merged)-s.historyLimit:]
	}
	return merged
}

func (s *Store) indexTracker(trackerID, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.trackerIndex[trackerID] {
		if id == deviceID {
			return
		}
	}
	s.trackerIndex[trackerID] = append(s.trackerIndex[trackerID], deviceID)
}

// summary copies the device state out. Caller must hold dev.mu.
func (d *device) summary() model.DeviceSummary {
	beacons := make([]model.BeaconSummary, 0, len(d.beacons))
	for _, id := range d.beaconOrder {
		b := d.beacons[id]
		var loc *model.BeaconSnapshot
		if b.location != nil {
			c := *b.location
			loc = &c
		}
		beacons = append(beacons, model.BeaconSummary{
			ID:           b.id,
			Name:         b.name,
			FirstSeen:    b.firstSeen,
			LastSeen:     b.lastSeen,
			Location:     loc,
			HistoryCount: len(b.history),
		})
	}

	sum := model.DeviceSummary{
		ID:           d.id,
		Name:         d.name,
		RegisteredAt: d.registeredAt,
		LastSeen:     d.lastSeen,
		Beacons:      beacons,
		BeaconCount:  len(beacons),
	}
	if d.controlState != nil {
		c := *d.controlState
		sum.ControlState = &c
	}
	if d.stationLocation != nil {
		f := *d.stationLocation
		sum.StationLocation = &f
	}
	return sum
}

func trackPoint(r model.BeaconReport, ts time.Time) model.TrackPoint {
	return model.TrackPoint{
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		HDOP:           r.HDOP,
		Sats:           r.Sats,
		BatteryVoltage: r.BatteryVoltage,
		RSSI:           r.RSSI,
		SNR:            r.SNR,
		Speed:          r.Speed,
		Altitude:       r.Altitude,
		Timestamp:      ts,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
