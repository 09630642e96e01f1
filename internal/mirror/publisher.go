// Package mirror republishes printer job state to a Home Assistant MQTT
// broker so the printer shows up as a native HA device.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for each
// sensor, a birth message ("online") to the availability topic, and the
// last known value of every sensor. A will message flips availability
// to "offline" on unexpected disconnects.
//
// The mirror is strictly one-way. Nothing received from the HA broker
// reaches the printer.
package mirror

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/printwatch/internal/config"
)

// publishTimeout bounds a single state publish so a slow HA broker
// cannot stall report processing.
const publishTimeout = 5 * time.Second

// Publisher manages the HA broker connection and publishes sensor
// discovery and state messages.
type Publisher struct {
	cfg    config.MirrorConfig
	serial string
	device DeviceInfo
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
	// cancel ends the connection manager. Only Stop calls it, so the
	// offline message goes out before the connection is torn down.
	cancel context.CancelFunc

	mu     sync.Mutex
	states map[string]string
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MirrorConfig, serial string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:    cfg,
		serial: serial,
		device: NewDeviceInfo(serial, cfg.DeviceName),
		logger: logger,
		states: make(map[string]string),
	}
}

// Start connects to the HA broker and returns once the first
// connection is up, has timed out, or ctx is done. autopaho keeps
// reconnecting in the background until [Publisher.Stop]; cancelling
// ctx does not close the connection.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mirror broker URL: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

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
			p.logger.Info("mirror connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(runCtx, cm)
			p.publishAvailability(runCtx, cm, "online")
			p.republishStates(runCtx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mirror connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "printwatch-" + p.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mirror connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.cancel = cancel
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail; autopaho keeps retrying in the background.
		p.logger.Warn("mirror initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes an "offline" availability message and closes the
// connection. ctx bounds both steps; the connection manager is shut
// down even if they time out.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	cm, cancel := p.cm, p.cancel
	p.mu.Unlock()
	if cm == nil {
		return nil
	}
	defer cancel()

	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// SetState records value for entity and publishes it if connected.
// The value is republished on every reconnect.
func (p *Publisher) SetState(entity, value string) {
	p.mu.Lock()
	p.states[entity] = value
	cm := p.cm
	p.mu.Unlock()

	if cm == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	p.publishState(ctx, cm, entity, value)
}

// State returns the last recorded value for entity.
func (p *Publisher) State(entity string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.states[entity]
	return v, ok
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "printwatch/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          "printwatch_" + p.serial + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	progress := p.sensor("progress", "Progress", "mdi:progress-clock")
	progress.UnitOfMeasurement = "%"
	progress.StateClass = "measurement"

	connection := p.sensor("connection", "Connection", "mdi:lan-connect")
	connection.EntityCategory = "diagnostic"

	return []sensorDef{
		{"job_state", p.sensor("job_state", "Job State", "mdi:printer-3d")},
		{"progress", progress},
		{"connection", connection},
		{"last_notification", p.sensor("last_notification", "Last Notification", "mdi:bell-ring")},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic("sensor", s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mirror marshal discovery payload",
				"entity", s.entity, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mirror discovery publish failed",
				"entity", s.entity, "topic", topic, "error", err)
		} else {
			p.logger.Debug("mirror discovery published",
				"entity", s.entity, "topic", topic)
		}
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mirror availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mirror availability published", "status", status)
	}
}

func (p *Publisher) republishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	snapshot := make(map[string]string, len(p.states))
	for k, v := range p.states {
		snapshot[k] = v
	}
	p.mu.Unlock()

	for entity, value := range snapshot {
		p.publishState(ctx, cm, entity, value)
	}
}

func (p *Publisher) publishState(ctx context.Context, cm *autopaho.ConnectionManager, entity, value string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.stateTopic(entity),
		Payload: []byte(value),
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mirror state publish failed",
			"entity", entity, "error", err)
	}
}
