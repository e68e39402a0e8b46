package cc

import "context"

// Basic command IDs.
const (
	BasicSet    byte = 0x01
	BasicGet    byte = 0x02
	BasicReport byte = 0x03
)

// Basic is the lowest-common-denominator value interface every node maps onto
// its primary function.
type Basic struct {
	handlerBase
	value *byte
}

func NewBasic() *Basic {
	return &Basic{handlerBase: handlerBase{id: ClassBasic}}
}

func (h *Basic) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case BasicSet, BasicGet, BasicReport:
		return SupportYes
	}
	return SupportNo
}

func (h *Basic) Interview(ctx context.Context, s Session) error {
	_, err := h.Get(ctx, s)
	return err
}

// Value returns the last reported value, or nil if none was seen yet.
func (h *Basic) Value() *byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

// Get queries the current value and caches the report.
func (h *Basic) Get(ctx context.Context, s Session) (byte, error) {
	report, err := s.SendAndReceive(ctx, Frame{CommandClass: ClassBasic, Command: BasicGet}, BasicReport)
	if err != nil {
		return 0, err
	}
	if len(report.Data) < 1 {
		return 0, errShortReport(ClassBasic, len(report.Data), 1)
	}
	h.storeValue(report.Data[0])
	return report.Data[0], nil
}

// Set writes the value. No report comes back; the cache is left untouched
// until the node confirms via its own report.
func (h *Basic) Set(ctx context.Context, s Session, value byte) error {
	return s.SendCommand(ctx, Frame{CommandClass: ClassBasic, Command: BasicSet, Data: []byte{value}})
}

func (h *Basic) ProcessCommand(f Frame) {
	if f.Command != BasicReport || len(f.Data) < 1 {
		return
	}
	h.storeValue(f.Data[0])
}

func (h *Basic) storeValue(v byte) {
	h.mu.Lock()
	h.value = &v
	h.mu.Unlock()
}
