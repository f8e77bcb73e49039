// Package bridge connects the DALI controller to MQTT: decoded input
// events go out, light commands come in.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"dali-go-home/internal/dali"
	"dali-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes bus events and executes command topics. All commands
// funnel through the driver, which serializes bus access.
type Bridge struct {
	client pahomqtt.Client
	driver *dali.Driver
	st     store.Store
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(driver *dali.Driver, st store.Store, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		driver: driver,
		st:     st,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "bridge"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("dali-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to decoded bus events and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.driver.OnEvent(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(ev dali.Event) {
	// Journaling happens on its own driver subscription; the bridge only
	// turns events into MQTT traffic.
	payload, err := json.Marshal(store.NewEventRecord(ev))
	if err != nil {
		b.logger.Error("marshal event", "err", err)
		return
	}
	b.publish(b.prefix+"/event", payload, false)

	// Device-identified events also land on a per-device topic, under the
	// friendly name when one is set.
	if ev.Scheme == dali.SchemeDevice || ev.Scheme == dali.SchemeDeviceInstance {
		b.publish(b.prefix+"/input/"+b.topicName(ev.ShortAddr)+"/event", payload, false)
	}
}

func (b *Bridge) subscribeCommands() {
	set := b.prefix + "/light/+/set"
	b.client.Subscribe(set, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSet(msg.Topic(), msg.Payload())
	})
	scene := b.prefix + "/light/+/scene"
	b.client.Subscribe(scene, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleScene(msg.Topic(), msg.Payload())
	})
	b.logger.Info("command topics subscribed", "set", set, "scene", scene)
}

func (b *Bridge) handleSet(topic string, payload []byte) {
	addr, ok := b.targetFromTopic(topic)
	if !ok {
		return
	}

	var cmd struct {
		State string `json:"state"`
		Level *int   `json:"level"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "topic", topic, "err", err)
		return
	}

	if cmd.Level != nil {
		level := *cmd.Level
		if level < 0 {
			level = 0
		}
		if level > 254 {
			level = 254
		}
		if err := b.driver.SetLevel(addr, uint8(level)); err != nil {
			b.logger.Warn("set level failed", "addr", addr, "err", err)
			return
		}
		b.publishLightState(addr, map[string]any{"level": level})
		return
	}

	switch strings.ToUpper(cmd.State) {
	case "ON":
		if err := b.driver.On(addr); err != nil {
			b.logger.Warn("on command failed", "addr", addr, "err", err)
			return
		}
		b.publishLightState(addr, map[string]any{"state": "ON"})
	case "OFF":
		if err := b.driver.Off(addr); err != nil {
			b.logger.Warn("off command failed", "addr", addr, "err", err)
			return
		}
		b.publishLightState(addr, map[string]any{"state": "OFF"})
	default:
		b.logger.Warn("unknown state command", "topic", topic, "state", cmd.State)
	}
}

func (b *Bridge) handleScene(topic string, payload []byte) {
	addr, ok := b.targetFromTopic(topic)
	if !ok {
		return
	}
	var scene uint8
	if err := json.Unmarshal(payload, &scene); err != nil || scene > 15 {
		b.logger.Warn("invalid scene command", "topic", topic, "payload", string(payload))
		return
	}
	if err := b.driver.GoToScene(addr, scene); err != nil {
		b.logger.Warn("scene command failed", "addr", addr, "err", err)
		return
	}
	b.publishLightState(addr, map[string]any{"scene": scene})
}

// targetFromTopic extracts the addressing segment from
// <prefix>/light/<target>/... and resolves it to a bus address.
func (b *Bridge) targetFromTopic(topic string) (uint8, bool) {
	rest := strings.TrimPrefix(topic, b.prefix+"/light/")
	seg, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, false
	}
	addr, err := ParseTarget(seg)
	if err != nil {
		b.logger.Warn("bad light target in topic", "topic", topic, "err", err)
		return 0, false
	}
	return addr, true
}

func (b *Bridge) publishLightState(addr uint8, state map[string]any) {
	payload, err := json.Marshal(state)
	if err != nil {
		return
	}
	b.publish(b.prefix+"/light/"+b.topicName(addr)+"/state", payload, true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// topicName returns the topic segment for a short address: its label when
// one exists, the numeric address otherwise.
func (b *Bridge) topicName(addr uint8) string {
	if name, err := b.st.Label(addr); err == nil && name != "" {
		return name
	}
	return fmt.Sprint(addr)
}
