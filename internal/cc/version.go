package cc

import (
	"context"
	"fmt"
)

// Version command IDs.
const (
	VersionGet                byte = 0x11
	VersionReport             byte = 0x12
	VersionCommandClassGet    byte = 0x13
	VersionCommandClassReport byte = 0x14
)

// Version reads the node's firmware identity and negotiates per-class
// versions for the rest of the handlers.
type Version struct {
	handlerBase
	libraryType        *byte
	protocolVersion    byte
	protocolSubVersion byte
	appVersion         byte
	appSubVersion      byte
}

func NewVersion() *Version {
	return &Version{handlerBase: handlerBase{id: ClassVersion}}
}

func (h *Version) IsCommandSupported(cmd byte) Support {
	switch cmd {
	case VersionGet, VersionReport, VersionCommandClassGet, VersionCommandClassReport:
		return SupportYes
	}
	return SupportNo
}

func (h *Version) Interview(ctx context.Context, s Session) error {
	report, err := s.SendAndReceive(ctx, Frame{CommandClass: ClassVersion, Command: VersionGet}, VersionReport)
	if err != nil {
		return err
	}
	if len(report.Data) < 5 {
		return errShortReport(ClassVersion, len(report.Data), 5)
	}
	h.ProcessCommand(report)
	return nil
}

// Library returns the reported protocol library type, nil before the first
// version report.
func (h *Version) Library() *byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.libraryType
}

// Firmware returns the protocol and application versions from the last
// report, zeroes before one arrived.
func (h *Version) Firmware() (protocol, protocolSub, app, appSub byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.protocolVersion, h.protocolSubVersion, h.appVersion, h.appSubVersion
}

// CommandClassVersion asks the node which version of the given class it
// implements. A reported 0 means the node does not implement the class.
func (h *Version) CommandClassVersion(ctx context.Context, s Session, class byte) (byte, error) {
	report, err := s.SendAndReceive(ctx,
		Frame{CommandClass: ClassVersion, Command: VersionCommandClassGet, Data: []byte{class}},
		VersionCommandClassReport)
	if err != nil {
		return 0, err
	}
	if len(report.Data) < 2 {
		return 0, errShortReport(ClassVersion, len(report.Data), 2)
	}
	if report.Data[0] != class {
		return 0, fmt.Errorf("version report for class %s, asked about %s: %w",
			ClassName(report.Data[0]), ClassName(class), ErrStructural)
	}
	return report.Data[1], nil
}

func (h *Version) ProcessCommand(f Frame) {
	if f.Command != VersionReport || len(f.Data) < 5 {
		return
	}
	h.mu.Lock()
	lib := f.Data[0]
	h.libraryType = &lib
	h.protocolVersion = f.Data[1]
	h.protocolSubVersion = f.Data[2]
	h.appVersion = f.Data[3]
	h.appSubVersion = f.Data[4]
	h.mu.Unlock()
}
