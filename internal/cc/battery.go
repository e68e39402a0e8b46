package cc

import "context"

// Battery command IDs.
const (
	BatteryGet    byte = 0x02
	BatteryReport byte = 0x03
)

// batteryLowFlag in place of a level means the node considers itself nearly
// empty.
const batteryLowFlag byte = 0xFF

// Battery reports the charge level of battery-powered nodes.
type Battery struct {
	handlerBase
	level *byte
	low   bool
}

func NewBattery() *Battery {
	return &Battery{handlerBase: handlerBase{id: ClassBattery}}
}

func (h *Battery) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case BatteryGet, BatteryReport:
		return SupportYes
	}
	return SupportNo
}

func (h *Battery) Interview(ctx context.Context, s Session) error {
	_, _, err := h.Get(ctx, s)
	return err
}

// Level returns the last reported charge percentage (0..100), nil if never
// reported. A low-battery report caches level 0 with the low flag set.
func (h *Battery) Level() (level *byte, low bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.level, h.low
}

// Get queries the battery level and caches the report.
func (h *Battery) Get(ctx context.Context, s Session) (level byte, low bool, err error) {
	report, err := s.SendAndReceive(ctx, Frame{CommandClass: ClassBattery, Command: BatteryGet}, BatteryReport)
	if err != nil {
		return 0, false, err
	}
	if len(report.Data) < 1 {
		return 0, false, errShortReport(ClassBattery, len(report.Data), 1)
	}
	h.ProcessCommand(report)
	if report.Data[0] == batteryLowFlag {
		return 0, true, nil
	}
	return report.Data[0], false, nil
}

func (h *Battery) ProcessCommand(f Frame) {
	if f.Command != BatteryReport || len(f.Data) < 1 {
		return
	}
	h.mu.Lock()
	if f.Data[0] == batteryLowFlag {
		zero := byte(0)
		h.level = &zero
		h.low = true
	} else {
		v := f.Data[0]
		h.level = &v
		h.low = false
	}
	h.mu.Unlock()
}
