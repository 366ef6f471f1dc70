package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pawtracker/server/internal/model"

	_ "modernc.org/sqlite"
)

// Archive is an append-only SQLite log of ingested track points. It is a
// supplementary record for offline analysis; the live store never reads
// from it, so a server restart still begins from empty state.
type Archive struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Archive{db: db}, nil
}

// Close releases the underlying database handle.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// InitSchema ensures the track table exists.
func (a *Archive) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			tracker_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			hdop REAL NOT NULL,
			sats INTEGER NOT NULL,
			battery_voltage REAL NOT NULL,
			rssi INTEGER NOT NULL,
			snr REAL NOT NULL,
			speed REAL NOT NULL,
			altitude REAL NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tracks_tracker_time ON tracks(tracker_id, recorded_at);`,
	}

	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init archive schema: %w", err)
		}
	}

	return nil
}

// AppendTrack persists one ingested track point.
func (a *Archive) AppendTrack(ctx context.Context, deviceID, trackerID string, p model.TrackPoint) error {
	if a.db == nil {
		return fmt.Errorf("archive not initialized")
	}

	_, err := a.db.ExecContext(
		ctx,
		`INSERT INTO tracks (device_id, tracker_id, latitude, longitude, hdop, sats, battery_voltage, rssi, snr, speed, altitude, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		deviceID,
		trackerID,
		p.Latitude,
		p.Longitude,
		p.HDOP,
		p.Sats,
		p.BatteryVoltage,
		p.RSSI,
		p.SNR,
		p.Speed,
		p.Altitude,
		p.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append track: %w", err)
	}
	return nil
}

// ArchivedTrack is a stored track point with its relay context.
type ArchivedTrack struct {
	DeviceID  string `json:"deviceId"`
	TrackerID string `json:"trackerId"`
	model.TrackPoint
}

// RecentTracks returns the most recently recorded track points, newest
// first, optionally filtered to those recorded after since.
func (a *Archive) RecentTracks(ctx context.Context, limit int, since *time.Time) ([]ArchivedTrack, error) {
	if a.db == nil {
		return nil, fmt.Errorf("archive not initialized")
	}

	if limit <= 0 {
		limit = 100
	}

	query := `SELECT device_id, tracker_id, latitude, longitude, hdop, sats, battery_voltage, rssi, snr, speed, altitude, recorded_at FROM tracks`
	var args []interface{}
	if since != nil {
		query += ` WHERE recorded_at > ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	query += ` ORDER BY recorded_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("query recent tracks: %w", err)
	}
	defer rows.Close()

	tracks := make([]ArchivedTrack, 0, limit)

	for rows.Next() {
		var (
			track         ArchivedTrack
			recordedAtStr string
		)

		if err := rows.Scan(
			&track.DeviceID,
			&track.TrackerID,
			&track.Latitude,
			&track.Longitude,
			&track.HDOP,
			&track.Sats,
			&track.BatteryVoltage,
			&track.RSSI,
			&track.SNR,
			&track.Speed,
			&track.Altitude,
			&recordedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}

		recordedAt, err := time.Parse(time.RFC3339Nano, recordedAtStr)
		if err != nil {
			recordedAt, _ = time.Parse("2006-01-02T15:04:05Z07:00", recordedAtStr)
		}
		track.Timestamp = recordedAt

		tracks = append(tracks, track)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracks: %w", err)
	}

	return tracks, nil
}
