package cc

import "context"

// Manufacturer Specific command IDs.
const (
	ManufacturerSpecificGet    byte = 0x04
	ManufacturerSpecificReport byte = 0x05
)

// ManufacturerInfo identifies the maker and model of a node.
type ManufacturerInfo struct {
	ManufacturerID uint16
	ProductType    uint16
	ProductID      uint16
}

// ManufacturerSpecific reads the node's factory identity.
type ManufacturerSpecific struct {
	handlerBase
	info *ManufacturerInfo
}

func NewManufacturerSpecific() *ManufacturerSpecific {
	return &ManufacturerSpecific{handlerBase: handlerBase{id: ClassManufacturerSpecific}}
}

func (h *ManufacturerSpecific) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case ManufacturerSpecificGet, ManufacturerSpecificReport:
		return SupportYes
	}
	return SupportNo
}

func (h *ManufacturerSpecific) Interview(ctx context.Context, s Session) error {
	_, err := h.Get(ctx, s)
	return err
}

// Info returns the cached identity, nil before the first report.
func (h *ManufacturerSpecific) Info() *ManufacturerInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

// Get queries the node identity and caches the report.
// Report layout: three big-endian uint16 fields.
func (h *ManufacturerSpecific) Get(ctx context.Context, s Session) (*ManufacturerInfo, error) {
	report, err := s.SendAndReceive(ctx,
		Frame{CommandClass: ClassManufacturerSpecific, Command: ManufacturerSpecificGet},
		ManufacturerSpecificReport)
	if err != nil {
		return nil, err
	}
	info, err := parseManufacturerReport(report.Data)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
	return info, nil
}

func (h *ManufacturerSpecific) ProcessCommand(f Frame) {
	if f.Command != ManufacturerSpecificReport {
		return
	}
	info, err := parseManufacturerReport(f.Data)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.info = info
	h.mu.Unlock()
}

func parseManufacturerReport(data []byte) (*ManufacturerInfo, error) {
	if len(data) < 6 {
		return nil, errShortReport(ClassManufacturerSpecific, len(data), 6)
	}
	mfr, _ := readUint16(data, 0)
	typ, _ := readUint16(data, 2)
	id, _ := readUint16(data, 4)
	return &ManufacturerInfo{ManufacturerID: mfr, ProductType: typ, ProductID: id}, nil
}
