package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type beaconData struct {
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

type stationLocation struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	HDOP        float64 `json:"hdop"`
	Sats        int     `json:"sats"`
	Altitude    float64 `json:"altitude"`
	HasValidFix bool    `json:"hasValidFix"`
}

type reportPayload struct {
	BeaconData      beaconData      `json:"beaconData"`
	StationLocation stationLocation `json:"stationLocation"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	deviceID := flag.String("device-id", "sim-station-1", "Station device identifier")
	deviceName := flag.String("device-name", "Simulated Station", "Station display name")
	trackerID := flag.String("tracker-id", "sim-collar-1", "Tracker identifier carried in reports")
	baseLat := flag.Float64("lat", 37.7749, "Base latitude for the simulated walk")
	baseLon := flag.Float64("lon", -122.4194, "Base longitude for the simulated walk")
	interval := flag.Duration("interval", 5*time.Second, "Interval between published reports")

	flag.Parse()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	clientID := fmt.Sprintf("%s-simulator-%d", *deviceID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ledOn := false
	buzzerOn := false

	controlTopic := fmt.Sprintf("stations/%s/control", *deviceID)
	statusTopic := fmt.Sprintf("stations/%s/status", *deviceID)
	token := client.Subscribe(controlTopic, 0, func(c mqtt.Client, m mqtt.Message) {
		var cmd struct {
			LedOn    bool `json:"ledOn"`
			BuzzerOn bool `json:"buzzerOn"`
		}
		if err := json.Unmarshal(m.Payload(), &cmd); err != nil {
			log.Printf("bad control payload: %v", err)
			return
		}
		ledOn, buzzerOn = cmd.LedOn, cmd.BuzzerOn
		log.Printf("control command received led=%v buzzer=%v", ledOn, buzzerOn)

		ack, _ := json.Marshal(map[string]bool{"ledOn": ledOn, "buzzerOn": buzzerOn})
		c.Publish(statusTopic, 0, false, ack).Wait()
	})
	if token.Wait(); token.Error() != nil {
		log.Fatalf("failed to subscribe to %s: %v", controlTopic, token.Error())
	}

	register, _ := json.Marshal(map[string]string{"deviceName": *deviceName})
	registerTopic := fmt.Sprintf("stations/%s/register", *deviceID)
	if tok := client.Publish(registerTopic, 0, false, register); tok.Wait() && tok.Error() != nil {
		log.Fatalf("failed to register station: %v", tok.Error())
	}
	log.Printf("registered station %s (%s)", *deviceID, *deviceName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	// Random walk offsets, roughly a few tens of meters per step.
	lat, lon := *baseLat, *baseLon
	battery := 4.2

	reportTopic := fmt.Sprintf("stations/%s/report", *deviceID)
	publish := func() {
		lat += (rng.Float64() - 0.5) * 0.0005
		lon += (rng.Float64() - 0.5) * 0.0005
		battery -= 0.001
		if battery < 3.3 {
			battery = 4.2
		}

		payload := reportPayload{
			BeaconData: beaconData{
				TrackerID:      *trackerID,
				Latitude:       lat,
				Longitude:      lon,
				HDOP:           0.8 + rng.Float64(),
				Sats:           6 + rng.Intn(6),
				BatteryVoltage: battery,
				RSSI:           -60 - rng.Intn(30),
				SNR:            5 + rng.Float64()*7,
				Speed:          rng.Float64() * 3,
				Altitude:       20 + rng.Float64()*10,
				LedOn:          ledOn,
				BuzzerOn:       buzzerOn,
			},
			StationLocation: stationLocation{
				Latitude:    *baseLat,
				Longitude:   *baseLon,
				HDOP:        0.9,
				Sats:        10,
				Altitude:    25,
				HasValidFix: true,
			},
		}

		data, err := json.Marshal(payload)
		if err != nil {
			log.Printf("failed to encode payload: %v", err)
			return
		}

		tok := client.Publish(reportTopic, 0, false, data)
		tok.Wait()
		if err := tok.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s lat=%.5f lon=%.5f batt=%.2f", reportTopic, lat, lon, battery)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}
