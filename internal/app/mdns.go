package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_pawtracker._tcp"
	mdnsDomain      = "local."
)

func (a *App) startMDNS() error {
	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "pawtracker"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("PawTracker Server (%s)", hostname))

	txt := []string{
		fmt.Sprintf("http_port=%d", a.cfg.HTTPPort),
		"proto=v1",
	}
	if a.cfg.MQTTBindAddress != "" {
		txt = append(txt, fmt.Sprintf("mqtt_bind=%s", a.cfg.MQTTBindAddress))
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, a.cfg.HTTPPort, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", a.cfg.HTTPPort)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	replacer := strings.NewReplacer("\n", " ", "\r", " ", ".", " ", "_", " ")
	cleaned = replacer.Replace(cleaned)
	if cleaned == "" {
		cleaned = "PawTracker Server"
	}
	// Instance labels must be <=63 characters.
	runes := []rune(cleaned)
	if len(runes) > 63 {
		cleaned = string(runes[:63])
	}
	return cleaned
}
