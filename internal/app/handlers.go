package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pawtracker/server/internal/auth"
	"pawtracker/server/internal/model"
	"pawtracker/server/internal/store"
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	mux.HandleFunc("POST /api/login", a.handleLogin)
	mux.HandleFunc("POST /api/logout", a.handleLogout)
	mux.HandleFunc("GET /api/auth/check", a.handleAuthCheck)

	// Station boundary: unauthenticated, called by relay hardware.
	mux.HandleFunc("POST /api/device/register", a.handleRegisterDevice)
	mux.HandleFunc("POST /api/device/beacon", a.handleBeaconReport)
	mux.HandleFunc("POST /api/device/control-status", a.handleControlStatus)
	mux.HandleFunc("GET /api/device/{deviceId}/control", a.handleControlPoll)

	// Dashboard boundary: session required.
	mux.HandleFunc("GET /api/devices", a.requireAuth(a.handleListDevices))
	mux.HandleFunc("GET /api/device/{deviceId}/beacons", a.requireAuth(a.handleDeviceBeacons))
	mux.HandleFunc("GET /api/device/{deviceId}/beacon/{beaconId}/history", a.requireAuth(a.handleBeaconHistory))
	mux.HandleFunc("GET /api/tracker/{trackerId}/history", a.requireAuth(a.handleTrackerHistory))
	mux.HandleFunc("POST /api/device/{deviceId}/control", a.requireAuth(a.handleIssueControl))
	mux.HandleFunc("GET /api/station/{deviceId}/data", a.requireAuth(a.handleStationData))
	mux.HandleFunc("GET /api/station/{deviceId}/history", a.requireAuth(a.handleStationHistory))
	mux.HandleFunc("GET /api/archive/tracks", a.requireAuth(a.handleArchiveTracks))

	mux.Handle("GET /ws", a.hub)

	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.hub == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// requireAuth rejects requests without a valid session cookie.
func (a *App) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(auth.SessionCookie)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		if _, ok := a.sessions.Validate(cookie.Value); !ok {
			a.writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next(w, r)
	}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Username == "" || req.Password == "" {
		a.writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}

	token, ok := a.sessions.Login(req.Username, req.Password)
	if !ok {
		a.writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   int(a.cfg.SessionTTL.Seconds()),
	})
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "username": req.Username})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(auth.SessionCookie); err == nil {
		a.sessions.Logout(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{Name: auth.SessionCookie, Value: "", Path: "/", MaxAge: -1})
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleAuthCheck(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(auth.SessionCookie)
	if err == nil {
		if username, ok := a.sessions.Validate(cookie.Value); ok {
			a.writeJSON(w, http.StatusOK, map[string]any{"authenticated": true, "username": username})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
}

func (a *App) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID   string `json:"deviceId"`
		DeviceName string `json:"deviceName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.DeviceID == "" {
		a.writeError(w, http.StatusBadRequest, "Device ID required")
		return
	}

	a.store.RegisterDevice(req.DeviceID, req.DeviceName)
	a.logger.Info("registered station", "device", req.DeviceID)
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true, "deviceId": req.DeviceID})
}

func (a *App) handleBeaconReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID        string              `json:"deviceId"`
		BeaconData      *model.BeaconReport `json:"beaconData"`
		StationLocation *model.StationFix   `json:"stationLocation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.DeviceID == "" || req.BeaconData == nil {
		a.writeError(w, http.StatusBadRequest, "Device ID and beacon data required")
		return
	}
	if req.BeaconData.TrackerID == "" {
		a.writeError(w, http.StatusBadRequest, "Tracker ID required")
		return
	}

	if err := a.ingestReport(req.DeviceID, *req.BeaconData, req.StationLocation); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			a.writeError(w, http.StatusNotFound, "Device not registered")
			return
		}
		a.logger.Error("failed to ingest beacon report", "device", req.DeviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to ingest report")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *App) handleControlStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
		LedOn    bool   `json:"ledOn"`
		BuzzerOn bool   `json:"buzzerOn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.DeviceID == "" {
		a.writeError(w, http.StatusBadRequest, "Device ID required")
		return
	}

	if err := a.recordControlAck(req.DeviceID, req.LedOn, req.BuzzerOn); err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			a.writeError(w, http.StatusNotFound, "Device not registered")
			return
		}
		a.writeError(w, http.StatusInternalServerError, "failed to record control status")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleControlPoll hands the pending command to the station and clears
// it. An unknown device gets the empty answer rather than an error: the
// poll contract has no error shape and the station will re-register on
// its next report cycle.
func (a *App) handleControlPoll(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	cmd, ok, err := a.store.TakePendingControl(deviceID)
	if err != nil || !ok {
		a.writeJSON(w, http.StatusOK, map[string]any{"hasCommand": false})
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"hasCommand": true,
		"ledOn":      cmd.LedOn,
		"buzzerOn":   cmd.BuzzerOn,
	})
}

func (a *App) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := a.store.ListDevices()
	now := time.Now().UTC()
	for i := range devices {
		a.annotate(&devices[i], now)
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *App) handleDeviceBeacons(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	dev, err := a.store.GetDevice(deviceID)
	if err != nil {
		a.writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	a.annotate(&dev, time.Now().UTC())
	a.writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID, "beacons": dev.Beacons})
}

func (a *App) handleBeaconHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")
	beaconID := r.PathValue("beaconId")

	limit := a.cfg.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	slice, err := a.store.BeaconHistory(deviceID, beaconID, limit)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrDeviceNotFound):
			a.writeError(w, http.StatusNotFound, "Device or beacon not found")
		case errors.Is(err, store.ErrBeaconNotFound):
			a.writeError(w, http.StatusNotFound, "Beacon not found")
		default:
			a.writeError(w, http.StatusInternalServerError, "failed to load history")
		}
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":    deviceID,
		"beaconId":    beaconID,
		"beaconName":  slice.BeaconName,
		"history":     slice.Points,
		"totalPoints": slice.Total,
	})
}

func (a *App) handleTrackerHistory(w http.ResponseWriter, r *http.Request) {
	trackerID := r.PathValue("trackerId")
	history := a.store.TrackerHistory(trackerID)
	a.writeJSON(w, http.StatusOK, map[string]any{"trackerId": trackerID, "history": history})
}

func (a *App) handleIssueControl(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	var req struct {
		LedOn    bool `json:"ledOn"`
		BuzzerOn bool `json:"buzzerOn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if err := a.store.SetPendingControl(deviceID, req.LedOn, req.BuzzerOn); err != nil {
		a.writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	a.hub.Broadcast(model.ControlEvent{
		Type:     model.EventControlCommand,
		DeviceID: deviceID,
		LedOn:    req.LedOn,
		BuzzerOn: req.BuzzerOn,
	})

	// Stations attached over MQTT get the command pushed immediately;
	// HTTP stations pick it up on their next poll.
	if a.broker != nil {
		topic := fmt.Sprintf("stations/%s/control", deviceID)
		if err := a.broker.PublishJSON(topic, req); err != nil {
			a.logger.Warn("failed to push control command", "device", deviceID, "error", err)
		}
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStationData mirrors the station firmware's own /api/data payload
// so the station-view dashboard can render either source. Fields for
// beacons that have never reported are zero-defaulted, never omitted.
func (a *App) handleStationData(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	dev, err := a.store.GetDevice(deviceID)
	if err != nil {
		a.writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	type stationBeacon struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		HDOP       float64 `json:"hdop"`
		Sats       int     `json:"sats"`
		Battery    float64 `json:"battery"`
		RSSI       int     `json:"rssi"`
		SNR        float64 `json:"snr"`
		Speed      float64 `json:"speed"`
		Altitude   float64 `json:"altitude"`
		LastUpdate int64   `json:"lastUpdate"`
		HasData    bool    `json:"hasData"`
	}

	beacons := make([]stationBeacon, 0, len(dev.Beacons))
	for _, b := range dev.Beacons {
		sb := stationBeacon{ID: b.ID, Name: b.Name, LastUpdate: unixMillis(b.LastSeen)}
		if b.Location != nil {
			sb.Latitude = b.Location.Latitude
			sb.Longitude = b.Location.Longitude
			sb.HDOP = b.Location.HDOP
			sb.Sats = b.Location.Sats
			sb.Battery = b.Location.BatteryVoltage
			sb.RSSI = b.Location.RSSI
			sb.SNR = b.Location.SNR
			sb.Speed = b.Location.Speed
			sb.Altitude = b.Location.Altitude
			sb.HasData = true
		}
		beacons = append(beacons, sb)
	}

	station := map[string]any{
		"hasValidFix": dev.StationLocation != nil && dev.StationLocation.HasValidFix,
		"latitude":    0.0,
		"longitude":   0.0,
		"hdop":        0.0,
		"sats":        0,
		"altitude":    0.0,
		"lastUpdate":  unixMillis(dev.LastSeen),
	}
	if dev.StationLocation != nil {
		station["latitude"] = dev.StationLocation.Latitude
		station["longitude"] = dev.StationLocation.Longitude
		station["hdop"] = dev.StationLocation.HDOP
		station["sats"] = dev.StationLocation.Sats
		station["altitude"] = dev.StationLocation.Altitude
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"beacons": beacons,
		"station": station,
		"config": map[string]any{
			"disconnectTimeout": int(a.cfg.DisconnectTimeout.Seconds()),
		},
		"serverTime": unixMillis(time.Now().UTC()),
	})
}

func (a *App) handleStationHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("deviceId")

	merged, err := a.store.DeviceHistory(deviceID)
	if err != nil {
		a.writeError(w, http.StatusNotFound, "Device not found")
		return
	}

	type historyPoint struct {
		Timestamp int64   `json:"timestamp"` // unix seconds
		BeaconID  string  `json:"beaconId"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Speed     float64 `json:"speed"`
		Altitude  float64 `json:"altitude"`
		Battery   float64 `json:"battery"`
		RSSI      int     `json:"rssi"`
		SNR       float64 `json:"snr"`
	}

	history := make([]historyPoint, 0, len(merged))
	for _, p := range merged {
		history = append(history, historyPoint{
			Timestamp: p.Timestamp.Unix(),
			BeaconID:  p.BeaconID,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Speed:     p.Speed,
			Altitude:  p.Altitude,
			Battery:   p.BatteryVoltage,
			RSSI:      p.RSSI,
			SNR:       p.SNR,
		})
	}

	timeRange := "No data"
	if len(merged) > 0 {
		const layout = "2006-01-02 15:04:05"
		timeRange = fmt.Sprintf("%s - %s",
			merged[0].Timestamp.Format(layout),
			merged[len(merged)-1].Timestamp.Format(layout))
	}

	a.writeJSON(w, http.StatusOK, map[string]any{
		"deviceId":    deviceID,
		"totalPoints": len(history),
		"history":     history,
		"timeRange":   timeRange,
	})
}

func (a *App) handleArchiveTracks(w http.ResponseWriter, r *http.Request) {
	if a.archive == nil {
		a.writeJSON(w, http.StatusOK, map[string]any{"tracks": []any{}})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	tracks, err := a.archive.RecentTracks(ctx, limit, nil)
	if err != nil {
		a.logger.Error("failed to load archived tracks", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load tracks")
		return
	}

	a.writeJSON(w, http.StatusOK, map[string]any{"tracks": tracks})
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
