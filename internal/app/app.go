package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"pawtracker/server/internal/archive"
	"pawtracker/server/internal/auth"
	"pawtracker/server/internal/config"
	"pawtracker/server/internal/model"
	"pawtracker/server/internal/mqttbroker"
	"pawtracker/server/internal/store"
	"pawtracker/server/internal/ws"
)

// App wires together the PawTracker services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	hub      *ws.Hub
	sessions *auth.Manager
	archive  *archive.Archive
	broker   *mqttbroker.Broker
	mdns     *zeroconf.Server
}

// New constructs the application with its in-memory state. Transports are
// started by Run.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	sessions, err := auth.NewManager(cfg.AdminUsername, cfg.AdminPassword, cfg.SessionTTL)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:      cfg,
		logger:   logger,
		store:    store.New(cfg.HistoryLimit),
		hub:      ws.NewHub(logger),
		sessions: sessions,
	}, nil
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.ArchivePath != "" {
		arch, err := archive.Open(a.cfg.ArchivePath)
		if err != nil {
			return err
		}
		if err := arch.InitSchema(ctx); err != nil {
			_ = arch.Close()
			return err
		}
		a.archive = arch
		defer func() {
			if cerr := a.archive.Close(); cerr != nil {
				a.logger.Error("close archive", "error", cerr)
			}
		}()
	}

	var brokerErrCh <-chan error
	if a.cfg.MQTTBindAddress != "" {
		broker := mqttbroker.New(a.logger)
		broker.SetHandler(a.handleMQTTPublish)
		errCh, err := broker.Start(a.cfg.MQTTBindAddress)
		if err != nil {
			return err
		}
		a.broker = broker
		brokerErrCh = errCh
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			a.stopMDNS()
			a.hub.Close()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if a.broker != nil {
				if err := a.broker.Stop(); err != nil {
					return err
				}
				a.logger.Info("mqtt listener stopped")
			}
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.stopMDNS()
				if a.broker != nil {
					_ = a.broker.Stop()
				}
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				a.stopMDNS()
				_ = httpServer.Shutdown(context.Background())
				return err
			}
		}
	}
}

// ingestReport folds a validated beacon report into the store, archives
// the track point and notifies viewers. Broadcast and archive failures
// never surface to the ingest caller.
func (a *App) ingestReport(deviceID string, report model.BeaconReport, station *model.StationFix) error {
	snapshot, err := a.store.IngestReport(deviceID, report, station)
	if err != nil {
		return err
	}

	if a.archive != nil {
		point := model.TrackPoint{
			Latitude:       snapshot.Latitude,
			Longitude:      snapshot.Longitude,
			HDOP:           snapshot.HDOP,
			Sats:           snapshot.Sats,
			BatteryVoltage: snapshot.BatteryVoltage,
			RSSI:           snapshot.RSSI,
			SNR:            snapshot.SNR,
			Speed:          snapshot.Speed,
			Altitude:       snapshot.Altitude,
			Timestamp:      snapshot.Timestamp,
		}
		// Off the ingest path: a slow disk must not delay the station's
		// response.
		go func() {
			archCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if aerr := a.archive.AppendTrack(archCtx, deviceID, report.TrackerID, point); aerr != nil {
				a.logger.Error("failed to archive track point", "device", deviceID, "tracker", report.TrackerID, "error", aerr)
			}
		}()
	}

	a.hub.Broadcast(model.BeaconUpdateEvent{
		Type:      model.EventBeaconUpdate,
		DeviceID:  deviceID,
		TrackerID: report.TrackerID,
		Data:      snapshot,
	})

	a.logger.Info("ingested beacon report", "device", deviceID, "tracker", report.TrackerID,
		"lat", snapshot.Latitude, "lon", snapshot.Longitude)
	return nil
}

// recordControlAck stores the acknowledged actuator state and notifies
// viewers.
func (a *App) recordControlAck(deviceID string, ledOn, buzzerOn bool) error {
	if err := a.store.RecordControlAck(deviceID, ledOn, buzzerOn); err != nil {
		return err
	}

	a.hub.Broadcast(model.ControlEvent{
		Type:     model.EventControlStatus,
		DeviceID: deviceID,
		LedOn:    ledOn,
		BuzzerOn: buzzerOn,
	})
	return nil
}

type mqttReportPayload struct {
	BeaconData      *model.BeaconReport `json:"beaconData"`
	StationLocation *model.StationFix   `json:"stationLocation"`
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.Message) {
	parts := strings.Split(msg.Topic, "/")
	if len(parts) < 3 || parts[0] != "stations" || parts[1] == "" {
		return
	}
	deviceID := parts[1]

	switch parts[2] {
	case "register":
		var payload struct {
			DeviceName string `json:"deviceName"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			a.logger.Warn("mqtt register decode failed", "topic", msg.Topic, "error", err)
			return
		}
		a.store.RegisterDevice(deviceID, payload.DeviceName)
		a.logger.Info("registered station over mqtt", "device", deviceID)

	case "report":
		var payload mqttReportPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			a.logger.Warn("mqtt report decode failed", "topic", msg.Topic, "error", err)
			return
		}
		if payload.BeaconData == nil || payload.BeaconData.TrackerID == "" {
			a.logger.Warn("mqtt report missing beacon data", "topic", msg.Topic)
			return
		}
		if err := a.ingestReport(deviceID, *payload.BeaconData, payload.StationLocation); err != nil {
			a.logger.Warn("mqtt report rejected", "device", deviceID, "error", err)
		}

	case "status":
		var payload struct {
			LedOn    bool `json:"ledOn"`
			BuzzerOn bool `json:"buzzerOn"`
		}
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			a.logger.Warn("mqtt status decode failed", "topic", msg.Topic, "error", err)
			return
		}
		if err := a.recordControlAck(deviceID, payload.LedOn, payload.BuzzerOn); err != nil {
			a.logger.Warn("mqtt status rejected", "device", deviceID, "error", err)
		}
	}
}

// annotate fills the connectivity flags evaluated lazily at read time.
// The online dot and the disconnected warning use independent thresholds.
func (a *App) annotate(d *model.DeviceSummary, now time.Time) {
	d.Online = !model.IsStale(d.LastSeen, now, a.cfg.OnlineThreshold)
	d.Disconnected = model.IsStale(d.LastSeen, now, a.cfg.DisconnectTimeout)
	for i := range d.Beacons {
		d.Beacons[i].Online = !model.IsStale(d.Beacons[i].LastSeen, now, a.cfg.OnlineThreshold)
		d.Beacons[i].Disconnected = model.IsStale(d.Beacons[i].LastSeen, now, a.cfg.DisconnectTimeout)
	}
}
