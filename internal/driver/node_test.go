package driver

import (
	"testing"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/serialapi"
)

func TestMergeNodeInfoSplitsSupportedAndControlled(t *testing.T) {
	n := newNode(7)
	n.mergeNodeInfo(&serialapi.NodeInfo{
		NodeID: 7, Basic: 0x04, Generic: 0x10, Specific: 0x01,
		CommandClasses: []byte{cc.ClassSwitchBinary, cc.ClassVersion, 0xEF, cc.ClassBasic},
	})

	classes := n.Classes()
	if !classes[cc.ClassSwitchBinary].Supported || classes[cc.ClassSwitchBinary].Controlled {
		t.Errorf("switch binary: %+v", classes[cc.ClassSwitchBinary])
	}
	if !classes[cc.ClassBasic].Controlled || classes[cc.ClassBasic].Supported {
		t.Errorf("basic: %+v", classes[cc.ClassBasic])
	}

	basic, generic, specific := n.DeviceClass()
	if basic != 0x04 || generic != 0x10 || specific != 0x01 {
		t.Errorf("device class: %02X/%02X/%02X", basic, generic, specific)
	}
}

func TestMergeNeverDecreasesKnowledge(t *testing.T) {
	n := newNode(7)
	n.mergeNodeInfo(&serialapi.NodeInfo{
		NodeID: 7, Basic: 0x04, Generic: 0x10, Specific: 0x01,
		CommandClasses: []byte{cc.ClassSwitchBinary},
	})
	n.setClassVersion(cc.ClassSwitchBinary, 2)

	// A later discovery with less information: no device class, no classes.
	n.mergeNodeInfo(&serialapi.NodeInfo{NodeID: 7})

	if _, _, specific := n.DeviceClass(); specific != 0x01 {
		t.Error("device class regressed")
	}
	if v := n.Classes()[cc.ClassSwitchBinary].Version; v != 2 {
		t.Errorf("class version regressed to %d", v)
	}

	// Re-advertising the class keeps the negotiated version and the handler.
	before := n.Handler(cc.ClassSwitchBinary)
	n.mergeNodeInfo(&serialapi.NodeInfo{
		NodeID: 7, CommandClasses: []byte{cc.ClassSwitchBinary},
	})
	if n.Handler(cc.ClassSwitchBinary) != before {
		t.Error("merge replaced the live handler")
	}
	if v := n.Classes()[cc.ClassSwitchBinary].Version; v != 2 {
		t.Errorf("version after re-advertise: %d", v)
	}

	// A lower negotiated version never overwrites a higher one.
	n.setClassVersion(cc.ClassSwitchBinary, 1)
	if v := n.Classes()[cc.ClassSwitchBinary].Version; v != 2 {
		t.Errorf("version narrowed to %d", v)
	}
}

func TestAddClassIsIdempotent(t *testing.T) {
	n := newNode(7)
	first := n.addClass(cc.ClassBasic, false)
	second := n.addClass(cc.ClassBasic, true)
	if first != second {
		t.Fatal("second discovery created a new entry")
	}
	if !n.Classes()[cc.ClassBasic].Supported {
		t.Error("support flag did not widen")
	}
}

func TestSetClassVersionCreatesEntry(t *testing.T) {
	n := newNode(7)
	n.setClassVersion(cc.ClassMeter, 3)
	if v := n.Classes()[cc.ClassMeter].Version; v != 3 {
		t.Errorf("version: %d", v)
	}
	if h := n.Handler(cc.ClassMeter); h == nil || h.Version() != 3 {
		t.Error("handler version not propagated")
	}
}
