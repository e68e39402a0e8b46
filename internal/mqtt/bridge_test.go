//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"testing"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/driver"
	"zwave-go-home/internal/store"
)

const testHomeID = 0xC1234567

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}

func TestDiscoverySwitchNode(t *testing.T) {
	rec := &store.Node{
		ID:           7,
		FriendlyName: "Kitchen Plug",
		Manufacturer: 0x0086,
		ProductType:  0x0003,
		ProductID:    0x0060,
		Interviewed:  true,
		Classes: map[byte]store.CommandClass{
			cc.ClassSwitchBinary: {Supported: true, Version: 2},
			cc.ClassMeter:        {Supported: true, Version: 1},
		},
	}

	msgs := buildDiscovery(rec, testHomeID, "zwave2mqtt")
	if len(msgs) == 0 {
		t.Fatal("expected discovery messages")
	}

	var switchMsg *discoveryMsg
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/switch/zwave_c1234567_7/switch/config" {
			switchMsg = &msgs[i]
			break
		}
	}
	if switchMsg == nil {
		t.Fatal("switch discovery not found")
	}

	var payload haDiscovery
	if err := json.Unmarshal(switchMsg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}

	if payload.Name != "Kitchen Plug" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "zwave_c1234567_7_switch" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.StateTopic != "zwave2mqtt/kitchen_plug" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "zwave2mqtt/kitchen_plug/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.AvailabilityTopic != "zwave2mqtt/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Manufacturer != "0x0086" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}

	// The meter class yields an energy sensor.
	topics := extractTopics(msgs)
	if !topics["homeassistant/sensor/zwave_c1234567_7/meter/config"] {
		t.Error("meter discovery missing")
	}
}

func TestDiscoveryBasicOnlyNodeIsLight(t *testing.T) {
	rec := &store.Node{
		ID:          12,
		Interviewed: true,
		Classes: map[byte]store.CommandClass{
			cc.ClassBasic: {Supported: true, Version: 1},
		},
	}

	topics := extractTopics(buildDiscovery(rec, testHomeID, "zwave2mqtt"))
	if !topics["homeassistant/light/zwave_c1234567_12/light/config"] {
		t.Error("expected light discovery for basic-only node")
	}
	if topics["homeassistant/switch/zwave_c1234567_12/switch/config"] {
		t.Error("basic-only node should not get a switch entity")
	}
}

func TestDiscoveryBatteryNode(t *testing.T) {
	rec := &store.Node{
		ID:          23,
		Interviewed: true,
		Classes: map[byte]store.CommandClass{
			cc.ClassBattery: {Supported: true, Version: 1},
			cc.ClassWakeUp:  {Supported: true, Version: 2},
		},
	}

	topics := extractTopics(buildDiscovery(rec, testHomeID, "zwave2mqtt"))
	if !topics["homeassistant/sensor/zwave_c1234567_23/battery/config"] {
		t.Error("battery sensor missing")
	}
	if !topics["homeassistant/binary_sensor/zwave_c1234567_23/battery_low/config"] {
		t.Error("battery low binary sensor missing")
	}
}

func TestDiscoverySkipsUninterviewedNode(t *testing.T) {
	rec := &store.Node{
		ID: 5,
		Classes: map[byte]store.CommandClass{
			cc.ClassSwitchBinary: {Supported: true},
		},
	}
	if msgs := buildDiscovery(rec, testHomeID, "zwave2mqtt"); len(msgs) != 0 {
		t.Errorf("got %d messages for uninterviewed node", len(msgs))
	}
}

func TestDiscoveryIgnoresControlledOnlyClass(t *testing.T) {
	rec := &store.Node{
		ID:          9,
		Interviewed: true,
		Classes: map[byte]store.CommandClass{
			cc.ClassSwitchBinary: {Controlled: true},
		},
	}
	if msgs := buildDiscovery(rec, testHomeID, "zwave2mqtt"); len(msgs) != 0 {
		t.Errorf("controlled-only class produced %d entities", len(msgs))
	}
}

func TestNodeTopicName(t *testing.T) {
	cases := []struct {
		name string
		rec  *store.Node
		want string
	}{
		{"plain id", &store.Node{ID: 42}, "42"},
		{"friendly name", &store.Node{ID: 42, FriendlyName: "Living Room"}, "living_room"},
		{"unsafe chars", &store.Node{ID: 42, FriendlyName: "Büro/Lampe #1"}, "b_ro_lampe__1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := nodeTopicName(tc.rec); got != tc.want {
				t.Errorf("nodeTopicName = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRemoveDiscoveryCoversAllComponents(t *testing.T) {
	msgs := buildRemoveDiscovery(testHomeID, 7)
	if len(msgs) == 0 {
		t.Fatal("no removal messages")
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal for %s carries a payload", m.Topic)
		}
	}
	topics := extractTopics(msgs)
	if !topics["homeassistant/switch/zwave_c1234567_7/switch/config"] {
		t.Error("switch removal missing")
	}
	if !topics["homeassistant/sensor/zwave_c1234567_7/battery/config"] {
		t.Error("battery removal missing")
	}
}

func TestEventNodeID(t *testing.T) {
	id, ok := eventNodeID(driver.Event{
		Type: driver.EventNodeReport,
		Data: map[string]interface{}{"node": byte(7)},
	})
	if !ok || id != 7 {
		t.Errorf("eventNodeID = %d, %v", id, ok)
	}

	if _, ok := eventNodeID(driver.Event{Type: driver.EventDriverReady}); ok {
		t.Error("event without node data should not resolve")
	}
}
