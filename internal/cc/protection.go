package cc

import "context"

// Protection command IDs.
const (
	ProtectionSet    byte = 0x01
	ProtectionGet    byte = 0x02
	ProtectionReport byte = 0x03
)

// ProtectionState is the local-operation protection level of a node.
type ProtectionState byte

const (
	ProtectionUnprotected ProtectionState = 0x00
	ProtectionBySequence  ProtectionState = 0x01
	ProtectionLocked      ProtectionState = 0x02
)

func (s ProtectionState) String() string {
	switch s {
	case ProtectionUnprotected:
		return "Unprotected"
	case ProtectionBySequence:
		return "BySequence"
	case ProtectionLocked:
		return "Locked"
	default:
		return "Invalid"
	}
}

// Protection guards a node's local controls against tampering.
type Protection struct {
	handlerBase
	state *ProtectionState
}

func NewProtection() *Protection {
	return &Protection{handlerBase: handlerBase{id: ClassProtection}}
}

func (h *Protection) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case ProtectionSet, ProtectionGet, ProtectionReport:
		return SupportYes
	}
	return SupportNo
}

func (h *Protection) Interview(ctx context.Context, s Session) error {
	_, err := h.Get(ctx, s)
	return err
}

// State returns the cached protection state, nil before the first report.
func (h *Protection) State() *ProtectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Get queries the protection state and caches the report.
func (h *Protection) Get(ctx context.Context, s Session) (ProtectionState, error) {
	report, err := s.SendAndReceive(ctx,
		Frame{CommandClass: ClassProtection, Command: ProtectionGet}, ProtectionReport)
	if err != nil {
		return 0, err
	}
	if len(report.Data) < 1 {
		return 0, errShortReport(ClassProtection, len(report.Data), 1)
	}
	h.ProcessCommand(report)
	return ProtectionState(report.Data[0]), nil
}

// Set writes the protection state.
func (h *Protection) Set(ctx context.Context, s Session, state ProtectionState) error {
	return s.SendCommand(ctx,
		Frame{CommandClass: ClassProtection, Command: ProtectionSet, Data: []byte{byte(state)}})
}

func (h *Protection) ProcessCommand(f Frame) {
	if f.Command != ProtectionReport || len(f.Data) < 1 {
		return
	}
	h.mu.Lock()
	st := ProtectionState(f.Data[0])
	h.state = &st
	h.mu.Unlock()
}
