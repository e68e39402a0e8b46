// Package cc implements the command class framework: the application-level
// frame codec, the per-class handlers with their cached node state, and the
// registry that maps advertised class IDs to handler constructors.
package cc

import (
	"context"
	"errors"
	"fmt"
)

// ErrStructural marks a malformed application frame: undersized payload,
// out-of-range length field, or a value outside its declared bound. Frames
// failing structurally are discarded, never clamped into shape.
var ErrStructural = errors.New("cc: structural error")

// Command class identifiers.
const (
	ClassBasic                byte = 0x20
	ClassSwitchBinary         byte = 0x25
	ClassMeter                byte = 0x32
	ClassManufacturerSpecific byte = 0x72
	ClassProtection           byte = 0x75
	ClassBattery              byte = 0x80
	ClassWakeUp               byte = 0x84
	ClassVersion              byte = 0x86
)

// ClassName returns a human-readable name for a command class ID.
func ClassName(id byte) string {
	switch id {
	case ClassBasic:
		return "Basic"
	case ClassSwitchBinary:
		return "SwitchBinary"
	case ClassMeter:
		return "Meter"
	case ClassManufacturerSpecific:
		return "ManufacturerSpecific"
	case ClassProtection:
		return "Protection"
	case ClassBattery:
		return "Battery"
	case ClassWakeUp:
		return "WakeUp"
	case ClassVersion:
		return "Version"
	default:
		return fmt.Sprintf("0x%02X", id)
	}
}

// Frame is one application command: class ID, command ID and parameter bytes.
// It is the unit exchanged once link framing and checksums are stripped.
type Frame struct {
	CommandClass byte
	Command      byte
	Data         []byte
}

// ParseFrame splits a raw application payload into a Frame.
func ParseFrame(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, fmt.Errorf("frame needs class and command, got %d bytes: %w", len(raw), ErrStructural)
	}
	f := Frame{CommandClass: raw[0], Command: raw[1]}
	if len(raw) > 2 {
		f.Data = make([]byte, len(raw)-2)
		copy(f.Data, raw[2:])
	}
	return f, nil
}

// Encode produces the wire payload: class, command, parameters.
func (f Frame) Encode() []byte {
	out := make([]byte, 0, len(f.Data)+2)
	out = append(out, f.CommandClass, f.Command)
	return append(out, f.Data...)
}

func (f Frame) String() string {
	return fmt.Sprintf("%s/0x%02X %X", ClassName(f.CommandClass), f.Command, f.Data)
}

// Support is the tri-state answer to "does this node accept this command".
// SupportUnknown means the answer depends on a class version that has not been
// negotiated yet; callers should attempt the command rather than hard-fail.
type Support int

const (
	SupportUnknown Support = iota
	SupportYes
	SupportNo
)

func (s Support) String() string {
	switch s {
	case SupportYes:
		return "yes"
	case SupportNo:
		return "no"
	default:
		return "unknown"
	}
}

// Session is the driver-provided channel a handler uses to talk to its node.
// SendAndReceive issues a command and waits for the node's next report with
// the given command ID on the same class.
type Session interface {
	NodeID() byte
	SendCommand(ctx context.Context, f Frame) error
	SendAndReceive(ctx context.Context, f Frame, reportCmd byte) (Frame, error)
}

// Handler is one command class instance on one node. Implementations cache
// decoded node state and serialize their own updates against concurrent
// ProcessCommand calls.
type Handler interface {
	// ID returns the command class identifier.
	ID() byte

	// Version returns the negotiated class version, 0 while unknown.
	Version() byte

	// SetVersion records a negotiated version. Merges only widen: a lower or
	// zero version never overwrites a known one.
	SetVersion(v byte)

	// IsCommandSupported reports whether the node accepts the command.
	IsCommandSupported(cmd byte) Support

	// Interview runs the class's discovery exchanges and populates cached
	// state. It is idempotent; on failure previously cached state is kept.
	Interview(ctx context.Context, s Session) error

	// ProcessCommand consumes an inbound frame for this class. Unrecognized
	// commands are ignored, never an error.
	ProcessCommand(f Frame)
}
