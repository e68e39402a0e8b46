package cc

import "context"

// Binary Switch command IDs.
const (
	SwitchBinarySet    byte = 0x01
	SwitchBinaryGet    byte = 0x02
	SwitchBinaryReport byte = 0x03
)

// Switch duration encodings used in v2 Set and Report frames.
const (
	DurationInstant byte = 0x00
	DurationDefault byte = 0xFF
)

// SwitchBinary drives on/off actuators. Version 2 reports append the target
// value and the remaining transition duration; on v1 nodes those stay nil
// rather than defaulting, since 0x00 is a valid wire value for both.
type SwitchBinary struct {
	handlerBase
	value    *byte
	target   *byte
	duration *byte
}

func NewSwitchBinary() *SwitchBinary {
	return &SwitchBinary{handlerBase: handlerBase{id: ClassSwitchBinary}}
}

func (h *SwitchBinary) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case SwitchBinarySet, SwitchBinaryGet, SwitchBinaryReport:
		return SupportYes
	}
	return SupportNo
}

func (h *SwitchBinary) Interview(ctx context.Context, s Session) error {
	_, err := h.Get(ctx, s)
	return err
}

// Value returns the last reported current value, nil if never reported.
func (h *SwitchBinary) Value() *byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

// Target returns the v2 target value, nil on v1 nodes or before any report.
func (h *SwitchBinary) Target() *byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.target
}

// Duration returns the v2 remaining transition duration, nil when unknown.
func (h *SwitchBinary) Duration() *byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.duration
}

// Get queries the switch state and caches the report.
func (h *SwitchBinary) Get(ctx context.Context, s Session) (byte, error) {
	report, err := s.SendAndReceive(ctx,
		Frame{CommandClass: ClassSwitchBinary, Command: SwitchBinaryGet}, SwitchBinaryReport)
	if err != nil {
		return 0, err
	}
	if len(report.Data) < 1 {
		return 0, errShortReport(ClassSwitchBinary, len(report.Data), 1)
	}
	h.ProcessCommand(report)
	return report.Data[0], nil
}

// Set switches the node on (0xFF) or off (0x00). On v2 nodes a transition
// duration is appended.
func (h *SwitchBinary) Set(ctx context.Context, s Session, on bool, duration byte) error {
	value := byte(0x00)
	if on {
		value = 0xFF
	}
	data := []byte{value}
	if h.Version() >= 2 {
		data = append(data, duration)
	}
	return s.SendCommand(ctx, Frame{CommandClass: ClassSwitchBinary, Command: SwitchBinarySet, Data: data})
}

func (h *SwitchBinary) ProcessCommand(f Frame) {
	if f.Command != SwitchBinaryReport || len(f.Data) < 1 {
		return
	}
	h.mu.Lock()
	v := f.Data[0]
	h.value = &v
	// Trailing fields exist only from v2 on; their absence keeps the cache
	// unknown instead of inventing zeros.
	if h.version >= 2 && len(f.Data) >= 3 {
		t, d := f.Data[1], f.Data[2]
		h.target = &t
		h.duration = &d
	}
	h.mu.Unlock()
}
