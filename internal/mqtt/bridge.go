//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/driver"
	"zwave-go-home/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge connects the Z-Wave driver to MQTT with HA autodiscovery. Node state
// is republished as a retained JSON document whenever a report arrives.
type Bridge struct {
	client pahomqtt.Client
	drv    *driver.Driver
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	// Per-node state accumulator.
	mu     sync.Mutex
	states map[byte]map[string]any
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(drv *driver.Driver, cfg Config, logger *slog.Logger) (*Bridge, error) {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		drv:    drv,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		states: make(map[byte]map[string]any),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zwave-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAllDiscovery()
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
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to driver events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.drv.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event driver.Event) {
	nodeID, ok := eventNodeID(event)
	if !ok {
		return
	}
	switch event.Type {
	case driver.EventNodeReport, driver.EventNodeAwake:
		b.publishNodeState(nodeID)
	case driver.EventNodeInterviewed:
		rec, err := b.drv.Store().GetNode(nodeID)
		if err != nil {
			b.logger.Warn("interviewed node missing from store", "node", nodeID)
			return
		}
		b.publishNodeDiscovery(rec)
		b.subscribeNodeCommands(rec)
		b.publishNodeState(nodeID)
	case driver.EventNodeRemoved:
		b.handleNodeRemoved(nodeID)
	}
}

// eventNodeID extracts the node ID every node-scoped event carries.
func eventNodeID(event driver.Event) (byte, bool) {
	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return 0, false
	}
	id, ok := data["node"].(byte)
	return id, ok
}

// publishNodeState rebuilds the node's JSON state from the live handler
// caches and republishes it retained.
func (b *Bridge) publishNodeState(nodeID byte) {
	node := b.drv.Node(nodeID)
	if node == nil {
		return
	}

	b.mu.Lock()
	state, ok := b.states[nodeID]
	if !ok {
		state = make(map[string]any)
		b.states[nodeID] = state
	}

	if h, ok := node.Handler(cc.ClassSwitchBinary).(*cc.SwitchBinary); ok {
		if v := h.Value(); v != nil {
			state["state"] = onOff(*v != 0)
		}
	}
	if h, ok := node.Handler(cc.ClassBasic).(*cc.Basic); ok {
		if v := h.Value(); v != nil {
			state["value"] = *v
			if _, hasSwitch := node.Handler(cc.ClassSwitchBinary).(*cc.SwitchBinary); !hasSwitch {
				state["state"] = onOff(*v != 0)
			}
		}
	}
	if h, ok := node.Handler(cc.ClassBattery).(*cc.Battery); ok {
		if level, low := h.Level(); level != nil {
			state["battery"] = *level
			state["battery_low"] = low
		}
	}
	if h, ok := node.Handler(cc.ClassMeter).(*cc.Meter); ok {
		if r := h.Reading(); r != nil {
			state["meter"] = r.Value
		}
	}
	if h, ok := node.Handler(cc.ClassProtection).(*cc.Protection); ok {
		if s := h.State(); s != nil {
			state["protection"] = s.String()
		}
	}
	state["last_seen"] = node.LastSeen().Format(time.RFC3339)

	payload := mustJSON(state)
	b.mu.Unlock()

	b.publish(b.prefix+"/"+b.topicName(nodeID), payload, true)
}

func (b *Bridge) handleNodeRemoved(nodeID byte) {
	homeID := b.drv.Network().HomeID
	for _, msg := range buildRemoveDiscovery(homeID, nodeID) {
		b.publish(msg.Topic, msg.Payload, true)
	}

	b.mu.Lock()
	delete(b.states, nodeID)
	b.mu.Unlock()
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishAllDiscovery() {
	recs, err := b.drv.Store().ListNodes()
	if err != nil {
		b.logger.Error("list nodes for discovery", "err", err)
		return
	}
	for _, rec := range recs {
		if rec.Interviewed {
			b.publishNodeDiscovery(rec)
		}
	}
}

func (b *Bridge) publishNodeDiscovery(rec *store.Node) {
	homeID := b.drv.Network().HomeID
	for _, msg := range buildDiscovery(rec, homeID, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "node", rec.ID, "name", nodeDisplayName(rec))
}

func (b *Bridge) subscribeCommands() {
	recs, err := b.drv.Store().ListNodes()
	if err != nil {
		b.logger.Error("list nodes for command subscription", "err", err)
		return
	}
	for _, rec := range recs {
		if rec.Interviewed {
			b.subscribeNodeCommands(rec)
		}
	}
}

func (b *Bridge) subscribeNodeCommands(rec *store.Node) {
	topic := b.prefix + "/" + nodeTopicName(rec) + "/set"
	nodeID := rec.ID
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(nodeID, msg.Payload())
	})
}

func (b *Bridge) handleCommand(nodeID byte, payload []byte) {
	var cmd map[string]interface{}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid command JSON", "node", nodeID, "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()

	// Handle state command (ON/OFF). Nodes without Binary Switch fall back
	// to Basic Set.
	if state, ok := cmd["state"].(string); ok {
		on := strings.EqualFold(state, "ON")
		err := b.drv.SwitchSet(ctx, nodeID, on)
		if errors.Is(err, driver.ErrNotSupported) {
			var v byte
			if on {
				v = 0xFF
			}
			err = b.drv.BasicSet(ctx, nodeID, v)
		}
		if err != nil {
			b.logger.Warn("state command failed", "node", nodeID, "err", err)
		} else {
			b.publishNodeState(nodeID)
		}
	}

	// Handle brightness/value command through Basic Set.
	if raw, ok := cmd["brightness"]; ok {
		cmd["value"] = raw
	}
	if level, ok := toFloat64(cmd["value"]); ok {
		v := byte(level)
		if level > 99 && level < 255 {
			v = 99
		}
		if err := b.drv.BasicSet(ctx, nodeID, v); err != nil {
			b.logger.Warn("value command failed", "node", nodeID, "err", err)
		} else {
			b.publishNodeState(nodeID)
		}
	}
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

// topicName returns the MQTT topic segment for a node.
func (b *Bridge) topicName(nodeID byte) string {
	rec, err := b.drv.Store().GetNode(nodeID)
	if err != nil {
		return fmt.Sprintf("%d", nodeID)
	}
	return nodeTopicName(rec)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
