package cc

import "context"

// Wake Up command IDs.
const (
	WakeUpIntervalSet        byte = 0x04
	WakeUpIntervalGet        byte = 0x05
	WakeUpIntervalReport     byte = 0x06
	WakeUpNotification       byte = 0x07
	WakeUpNoMoreInformation  byte = 0x08
	WakeUpIntervalCapsGet    byte = 0x09
	WakeUpIntervalCapsReport byte = 0x0A
)

// WakeUp manages sleeping nodes: the wake interval, the node that receives
// wake notifications, and the back-to-sleep command.
type WakeUp struct {
	handlerBase
	interval   *uint32 // seconds
	notifyNode *byte
}

func NewWakeUp() *WakeUp {
	return &WakeUp{handlerBase: handlerBase{id: ClassWakeUp}}
}

func (h *WakeUp) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case WakeUpIntervalSet, WakeUpIntervalGet, WakeUpIntervalReport,
		WakeUpNotification, WakeUpNoMoreInformation:
		return SupportYes
	case WakeUpIntervalCapsGet, WakeUpIntervalCapsReport:
		// Interval capabilities arrived in v2.
		switch v := h.Version(); {
		case v == 0:
			return SupportUnknown
		case v >= 2:
			return SupportYes
		default:
			return SupportNo
		}
	}
	return SupportNo
}

func (h *WakeUp) Interview(ctx context.Context, s Session) error {
	_, _, err := h.IntervalGet(ctx, s)
	return err
}

// Interval returns the cached wake interval in seconds and the node that is
// notified on wake, nil before the first report.
func (h *WakeUp) Interval() (seconds *uint32, notifyNode *byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.interval, h.notifyNode
}

// IntervalGet queries the wake interval and caches the report.
// Report layout: 3-byte big-endian seconds, notify node ID.
func (h *WakeUp) IntervalGet(ctx context.Context, s Session) (seconds uint32, notifyNode byte, err error) {
	report, err := s.SendAndReceive(ctx,
		Frame{CommandClass: ClassWakeUp, Command: WakeUpIntervalGet}, WakeUpIntervalReport)
	if err != nil {
		return 0, 0, err
	}
	if len(report.Data) < 4 {
		return 0, 0, errShortReport(ClassWakeUp, len(report.Data), 4)
	}
	h.ProcessCommand(report)
	secs, _ := readUint24(report.Data, 0)
	return secs, report.Data[3], nil
}

// IntervalSet programs the wake interval and the node to notify.
func (h *WakeUp) IntervalSet(ctx context.Context, s Session, seconds uint32, notifyNode byte) error {
	data := append(putUint24(seconds), notifyNode)
	return s.SendCommand(ctx, Frame{CommandClass: ClassWakeUp, Command: WakeUpIntervalSet, Data: data})
}

// NoMoreInformation sends the node back to sleep. The command carries no
// parameters at all.
func (h *WakeUp) NoMoreInformation(ctx context.Context, s Session) error {
	return s.SendCommand(ctx, Frame{CommandClass: ClassWakeUp, Command: WakeUpNoMoreInformation})
}

func (h *WakeUp) ProcessCommand(f Frame) {
	if f.Command != WakeUpIntervalReport || len(f.Data) < 4 {
		return
	}
	secs, err := readUint24(f.Data, 0)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.interval = &secs
	node := f.Data[3]
	h.notifyNode = &node
	h.mu.Unlock()
}
