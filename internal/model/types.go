package model

import "time"

// BeaconReport is the telemetry payload a station relays for a single
// tracker. All fields are taken as-is from the radio link; the server does
// not range-check coordinates.
type BeaconReport struct {
	TrackerID      string  `json:"trackerId"`
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	HDOP           float64 `json:"hdop"`
	Sats           int     `json:"sats"`
	BatteryVoltage float64 `json:"batteryVoltage"`
	RSSI           int     `json:"rssi"`
	SNR            float64 `json:"snr"`
	Speed          float64 `json:"speed"`
	Altitude       float64 `json:"altitude"`
	LedOn          bool    `json:"ledOn"`
	BuzzerOn       bool    `json:"buzzerOn"`
}

// BeaconSnapshot is the latest known state of a beacon. It is replaced
// wholesale on every ingested report.
type BeaconSnapshot struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	HDOP           float64   `json:"hdop"`
	Sats           int       `json:"sats"`
	BatteryVoltage float64   `json:"batteryVoltage"`
	RSSI           int       `json:"rssi"`
	SNR            float64   `json:"snr"`
	Speed          float64   `json:"speed"`
	Altitude       float64   `json:"altitude"`
	LedOn          bool      `json:"ledOn"`
	BuzzerOn       bool      `json:"buzzerOn"`
	Timestamp      time.Time `json:"timestamp"`
}

// TrackPoint is a single history entry for a beacon. Actuator flags are
// not recorded in history.
type TrackPoint struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	HDOP           float64   `json:"hdop"`
	Sats           int       `json:"sats"`
	BatteryVoltage float64   `json:"batteryVoltage"`
	RSSI           int       `json:"rssi"`
	SNR            float64   `json:"snr"`
	Speed          float64   `json:"speed"`
	Altitude       float64   `json:"altitude"`
	Timestamp      time.Time `json:"timestamp"`
}

// TrackerPoint annotates a history entry with the device that relayed it,
// for cross-device tracker lookups.
type TrackerPoint struct {
	TrackPoint
	DeviceID string `json:"deviceId"`
}

// DeviceTrackPoint annotates a history entry with the beacon it belongs
// to, for merged per-device history views.
type DeviceTrackPoint struct {
	TrackPoint
	BeaconID string `json:"beaconId"`
}

// StationFix is the last known GPS position of the relay station itself.
// No history is kept; each update overwrites the previous fix.
type StationFix struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	HDOP        float64   `json:"hdop"`
	Sats        int       `json:"sats"`
	Altitude    float64   `json:"altitude"`
	HasValidFix bool      `json:"hasValidFix"`
	Timestamp   time.Time `json:"timestamp"`
}

// ControlState holds actuator flags, either as last acknowledged by the
// station or as a not-yet-delivered command.
type ControlState struct {
	LedOn     bool      `json:"ledOn"`
	BuzzerOn  bool      `json:"buzzerOn"`
	Timestamp time.Time `json:"timestamp"`
}

// BeaconSummary is the read-only projection of a beacon embedded in device
// listings.
type BeaconSummary struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	FirstSeen    time.Time       `json:"firstSeen"`
	LastSeen     time.Time       `json:"lastSeen"`
	Location     *BeaconSnapshot `json:"location"`
	HistoryCount int             `json:"historyCount"`
	Online       bool            `json:"online"`
	Disconnected bool            `json:"disconnected"`
}

// DeviceSummary is the read-only projection of a registered station.
type DeviceSummary struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	RegisteredAt    time.Time       `json:"registeredAt"`
	LastSeen        time.Time       `json:"lastSeen"`
	ControlState    *ControlState   `json:"controlState"`
	StationLocation *StationFix     `json:"stationLocation"`
	Beacons         []BeaconSummary `json:"beacons"`
	BeaconCount     int             `json:"beaconCount"`
	Online          bool            `json:"online"`
	Disconnected    bool            `json:"disconnected"`
}

// Event type tags pushed over the realtime connection.
const (
	EventBeaconUpdate   = "beacon_update"
	EventControlStatus  = "control_status"
	EventControlCommand = "control_command"
)

// BeaconUpdateEvent announces a freshly ingested beacon snapshot.
type BeaconUpdateEvent struct {
	Type      string         `json:"type"`
	DeviceID  string         `json:"deviceId"`
	TrackerID string         `json:"trackerId"`
	Data      BeaconSnapshot `json:"data"`
}

// ControlEvent announces either an acknowledged actuator state
// (control_status) or a freshly issued command (control_command).
type ControlEvent struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	LedOn    bool   `json:"ledOn"`
	BuzzerOn bool   `json:"buzzerOn"`
}
