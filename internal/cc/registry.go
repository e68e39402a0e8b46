package cc

import (
	"context"
	"sync"
)

// handlerBase carries the state every handler shares: the class ID and the
// negotiated version. Embedders use the mutex for their own cached fields too.
type handlerBase struct {
	id      byte
	mu      sync.RWMutex
	version byte
}

func (b *handlerBase) ID() byte {
	return b.id
}

func (b *handlerBase) Version() byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// SetVersion only widens: a later discovery reporting a lower or unknown
// version never regresses what an earlier one established.
func (b *handlerBase) SetVersion(v byte) {
	b.mu.Lock()
	if v > b.version {
		b.version = v
	}
	b.mu.Unlock()
}

var constructors = map[byte]func() Handler{
	ClassBasic:                func() Handler { return NewBasic() },
	ClassSwitchBinary:         func() Handler { return NewSwitchBinary() },
	ClassMeter:                func() Handler { return NewMeter() },
	ClassManufacturerSpecific: func() Handler { return NewManufacturerSpecific() },
	ClassProtection:           func() Handler { return NewProtection() },
	ClassBattery:              func() Handler { return NewBattery() },
	ClassWakeUp:               func() Handler { return NewWakeUp() },
	ClassVersion:              func() Handler { return NewVersion() },
}

// NewHandler builds the handler for an advertised class ID. Classes without a
// dedicated implementation get a generic handler that only tracks the
// negotiated version.
func NewHandler(id byte) Handler {
	if ctor, ok := constructors[id]; ok {
		return ctor()
	}
	return &Generic{handlerBase: handlerBase{id: id}}
}

// Generic is the fallback for classes the framework has no codec for. It
// answers every support query with unknown and ignores inbound commands.
type Generic struct {
	handlerBase
}

func (g *Generic) IsCommandSupported(cmd byte) Support {
	return SupportUnknown
}

func (g *Generic) Interview(ctx context.Context, s Session) error {
	return nil
}

func (g *Generic) ProcessCommand(f Frame) {}
