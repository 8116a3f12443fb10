// Package mqtt publishes the merged presence view to Home Assistant
// over MQTT. Each tracked device becomes an HA device_tracker entity
// via MQTT discovery; a shared availability topic reflects whether the
// appliance poll is succeeding, so HA shows the entities unavailable
// while the data source is down.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/pihole-presence/internal/config"
	"github.com/nugget/pihole-presence/internal/presence"
)

// TrackerSource provides the current presence snapshot for publishing.
// Satisfied by *presence.Tracker; the interface keeps this package
// decoupled from the poller.
type TrackerSource interface {
	// Devices returns copies of the current per-device records.
	Devices() []presence.Device
	// Home reports the derived state for a hardware address.
	Home(mac string) (home bool, known bool)
	// Healthy reports whether the most recent appliance poll succeeded.
	Healthy() bool
	// ConsiderAway returns the away threshold, published as an attribute.
	ConsiderAway() time.Duration
}

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect and for newly appeared devices, and runs a
// periodic loop pushing device_tracker states and attributes.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     BridgeInfo
	source     TrackerSource
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager

	mu         sync.Mutex
	discovered map[string]bool // MACs with a published discovery config
	online     *bool           // last published availability, nil before first publish
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, source TrackerSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     NewBridgeInfo(instanceID, cfg.DeviceName),
		source:     source,
		logger:     logger,
		discovered: make(map[string]bool),
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// republishes discovery configs and the availability state.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			// HA may have restarted and lost retained discovery; start over.
			p.mu.Lock()
			p.discovered = make(map[string]bool)
			p.online = nil
			p.mu.Unlock()
			p.publishAll(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "pihole-presence-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, false)
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used by connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "pihole-presence/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(mac string) string {
	return p.baseTopic() + "/" + topicID(mac) + "/state"
}

func (p *Publisher) attributesTopic(mac string) string {
	return p.baseTopic() + "/" + topicID(mac) + "/attributes"
}

func (p *Publisher) discoveryTopic(mac string) string {
	return p.cfg.DiscoveryPrefix + "/device_tracker/" + p.cfg.DeviceName + "/" + topicID(mac) + "/config"
}

// topicID flattens a normalized MAC into a topic- and object_id-safe
// token (colons are MQTT-legal but ugly in entity IDs).
func topicID(mac string) string {
	return strings.ReplaceAll(mac, ":", "")
}

// --- Periodic publish loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishAll(ctx, p.cm)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishAll(ctx, p.cm)
		}
	}
}

// publishAll pushes availability, discovery for newly seen devices,
// and state + attributes for every device in the current snapshot.
// All topics are retained so HA restarts pick the view back up.
func (p *Publisher) publishAll(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}

	p.publishAvailability(ctx, cm, p.source.Healthy())

	devices := p.source.Devices()
	for _, dev := range devices {
		p.publishDiscovery(ctx, cm, dev)
		p.publishState(ctx, cm, dev)
	}

	p.logger.Debug("mqtt device states published", "devices", len(devices))
}

// publishAvailability publishes online/offline, skipping the publish
// when the value is unchanged since retained availability only needs
// to move on transitions.
func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, online bool) {
	p.mu.Lock()
	if p.online != nil && *p.online == online {
		p.mu.Unlock()
		return
	}
	p.online = &online
	p.mu.Unlock()

	status := "offline"
	if online {
		status = "online"
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, dev presence.Device) {
	p.mu.Lock()
	seen := p.discovered[dev.MAC]
	p.mu.Unlock()
	if seen {
		return
	}

	name := dev.Name
	if name == "" {
		name = dev.MAC
	}

	cfg := DeviceTrackerConfig{
		Name:                name,
		UniqueID:            p.instanceID + "_" + topicID(dev.MAC),
		ObjectID:            p.cfg.DeviceName + "_" + topicID(dev.MAC),
		StateTopic:          p.stateTopic(dev.MAC),
		JSONAttributesTopic: p.attributesTopic(dev.MAC),
		AvailabilityTopic:   p.availabilityTopic(),
		PayloadHome:         "home",
		PayloadNotHome:      "not_home",
		SourceType:          "router",
		Icon:                "mdi:lan-connect",
		Device:              p.bridge,
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload",
			"mac", dev.MAC, "error", err)
		return
	}

	topic := p.discoveryTopic(dev.MAC)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"mac", dev.MAC, "topic", topic, "error", err)
		return
	}

	p.mu.Lock()
	p.discovered[dev.MAC] = true
	p.mu.Unlock()
	p.logger.Debug("mqtt discovery published", "mac", dev.MAC, "topic", topic)
}

// deviceAttributes is the json_attributes_topic payload per device.
type deviceAttributes struct {
	MAC          string   `json:"mac"`
	Name         string   `json:"name,omitempty"`
	IPs          []string `json:"ips,omitempty"`
	FirstSeen    string   `json:"first_seen,omitempty"`
	LastSeen     string   `json:"last_seen,omitempty"`
	Queries      int64    `json:"queries"`
	Vendor       string   `json:"vendor,omitempty"`
	LeaseExpires string   `json:"lease_expires,omitempty"`
	ARPLive      bool     `json:"arp_live"`
	AwaySec      int64    `json:"consider_away_sec"`
}

func (p *Publisher) publishState(ctx context.Context, cm *autopaho.ConnectionManager, dev presence.Device) {
	home, known := p.source.Home(dev.MAC)
	if !known {
		return
	}

	state := "not_home"
	if home {
		state = "home"
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(dev.MAC),
		Payload: []byte(state),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt state publish failed", "mac", dev.MAC, "error", err)
		return
	}

	attrs := deviceAttributes{
		MAC:          dev.MAC,
		Name:         dev.Name,
		IPs:          dev.IPs,
		FirstSeen:    timeAttr(dev.FirstSeen),
		LastSeen:     timeAttr(dev.LastSeen),
		Queries:      dev.Queries,
		Vendor:       dev.Vendor,
		LeaseExpires: timeAttr(dev.LeaseExpires),
		ARPLive:      dev.ARPLive,
		AwaySec:      int64(p.source.ConsiderAway().Seconds()),
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		p.logger.Error("mqtt marshal attributes", "mac", dev.MAC, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.attributesTopic(dev.MAC),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt attributes publish failed", "mac", dev.MAC, "error", err)
	}
}

// timeAttr renders a timestamp as RFC3339 or "" for the zero value.
func timeAttr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
