//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/zwave_c1234567_7/switch/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	BrightnessScale   int      `json:"brightness_scale,omitempty"`
	Schema            string   `json:"schema,omitempty"`
	Device            haDevice `json:"device"`
}

// nodeDisplayName returns a display name for a node.
func nodeDisplayName(rec *store.Node) string {
	if rec.FriendlyName != "" {
		return rec.FriendlyName
	}
	if rec.Manufacturer != 0 {
		return fmt.Sprintf("Node %d (%04X:%04X)", rec.ID, rec.Manufacturer, rec.ProductID)
	}
	return fmt.Sprintf("Node %d", rec.ID)
}

// nodeIdentifier returns the unique identifier for the HA device registry.
// Node IDs repeat across networks, so the home ID is part of the identity.
func nodeIdentifier(homeID uint32, nodeID byte) string {
	return fmt.Sprintf("zwave_%08x_%d", homeID, nodeID)
}

// nodeTopicName returns the topic segment for a node (friendly name or ID).
func nodeTopicName(rec *store.Node) string {
	if rec.FriendlyName != "" {
		// Sanitize: lowercase and keep only safe chars for MQTT topics.
		name := strings.ToLower(rec.FriendlyName)
		name = strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				return r
			}
			return '_'
		}, name)
		return name
	}
	return fmt.Sprintf("%d", rec.ID)
}

// buildDiscovery generates HA discovery messages for a node based on the
// command classes it advertised during its interview.
func buildDiscovery(rec *store.Node, homeID uint32, prefix string) []discoveryMsg {
	if !rec.Interviewed || len(rec.Classes) == 0 {
		return nil
	}

	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + nodeTopicName(rec)
	uid := nodeIdentifier(homeID, rec.ID)
	displayName := nodeDisplayName(rec)

	haDev := haDevice{
		Identifiers: []string{uid},
		Name:        displayName,
	}
	if rec.Manufacturer != 0 {
		haDev.Manufacturer = fmt.Sprintf("0x%04X", rec.Manufacturer)
		haDev.Model = fmt.Sprintf("%04X:%04X", rec.ProductType, rec.ProductID)
	}

	supports := func(class byte) bool {
		info, ok := rec.Classes[class]
		return ok && info.Supported
	}

	var msgs []discoveryMsg

	// Binary Switch gets a switch entity; a node with only Basic becomes a
	// dimmable light driven through Basic Set (levels 0..99).
	switch {
	case supports(cc.ClassSwitchBinary):
		msgs = append(msgs, buildSwitch(uid, displayName, stateTopic, avail, haDev, prefix, rec))
	case supports(cc.ClassBasic):
		msgs = append(msgs, buildLight(uid, displayName, stateTopic, avail, haDev, prefix, rec))
	}

	if supports(cc.ClassBattery) {
		msgs = append(msgs, buildSensor(uid, displayName, stateTopic, avail, haDev,
			"battery", "Battery", "battery", "%", "measurement",
			"{{ value_json.battery }}"))
		msgs = append(msgs, buildBinarySensor(uid, displayName, stateTopic, avail, haDev,
			"battery_low", "Battery Low", "battery",
			"{{ 'ON' if value_json.battery_low else 'OFF' }}"))
	}

	if supports(cc.ClassMeter) {
		msgs = append(msgs, buildSensor(uid, displayName, stateTopic, avail, haDev,
			"meter", "Meter", "energy", "kWh", "total_increasing",
			"{{ value_json.meter }}"))
	}

	if supports(cc.ClassProtection) {
		msgs = append(msgs, buildBinarySensor(uid, displayName, stateTopic, avail, haDev,
			"protection", "Protection", "lock",
			"{{ 'ON' if value_json.protection == 'Unprotected' else 'OFF' }}"))
	}

	return msgs
}

func buildSensor(uid, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", uid, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          uid + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildBinarySensor(uid, displayName, stateTopic, avail string, haDev haDevice,
	objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", uid, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          uid + "_" + objectID,
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildLight(uid, displayName, stateTopic, avail string, haDev haDevice, prefix string, rec *store.Node) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/light/%s/light/config", uid)
	cmdTopic := prefix + "/" + nodeTopicName(rec) + "/set"
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          uid + "_light",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		BrightnessScale:   99,
		Schema:            "json",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildSwitch(uid, displayName, stateTopic, avail string, haDev haDevice, prefix string, rec *store.Node) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/switch/%s/switch/config", uid)
	cmdTopic := prefix + "/" + nodeTopicName(rec) + "/set"
	payload := haDiscovery{
		Name:              displayName,
		UniqueID:          uid + "_switch",
		StateTopic:        stateTopic,
		CommandTopic:      cmdTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to drop a node from HA.
func buildRemoveDiscovery(homeID uint32, nodeID byte) []discoveryMsg {
	uid := nodeIdentifier(homeID, nodeID)

	components := []struct{ comp, obj string }{
		{"light", "light"},
		{"switch", "switch"},
		{"sensor", "battery"},
		{"sensor", "meter"},
		{"binary_sensor", "battery_low"},
		{"binary_sensor", "protection"},
	}

	var msgs []discoveryMsg
	for _, c := range components {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", c.comp, uid, c.obj),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
