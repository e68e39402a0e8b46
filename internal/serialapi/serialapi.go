package serialapi

// Typed wrappers over the controller's serial API functions, and the parsed
// forms of the unsolicited frames the controller pushes to the host.

import (
	"bytes"
	"context"
	"fmt"
)

// ApplicationUpdate status values.
const (
	UpdateNodeInfoReceived  byte = 0x84
	UpdateNodeInfoReqDone   byte = 0x82
	UpdateNodeInfoReqFailed byte = 0x81
	UpdateRoutingPending    byte = 0x80
	UpdateNewIDAssigned     byte = 0x40
	UpdateDeleteDone        byte = 0x20
	UpdateSUCID             byte = 0x10
)

// VersionInfo is the controller firmware identification from GetVersion.
type VersionInfo struct {
	Version     string
	LibraryType byte
}

// IDInfo is the network identity from MemoryGetID.
type IDInfo struct {
	HomeID uint32
	NodeID byte
}

// InitData summarizes GetInitData: the controller role flags and the set of
// node IDs present in its routing table.
type InitData struct {
	APIVersion   byte
	Capabilities byte
	ChipType     byte
	ChipVersion  byte
	NodeIDs      []byte
}

// ProtocolInfo is the per-node protocol descriptor from GetNodeProtocolInfo.
type ProtocolInfo struct {
	Listening       bool
	Routing         bool
	MaxBaudRate     uint32
	ProtocolVersion byte
	Security        bool
	Beaming         bool
	Basic           byte
	Generic         byte
	Specific        byte
}

// ApplicationCommand is an inbound application frame from a node.
type ApplicationCommand struct {
	RxStatus byte
	NodeID   byte
	Data     []byte // command class ID, command ID, parameters
}

// NodeInfo is a parsed node information frame from an ApplicationUpdate.
type NodeInfo struct {
	NodeID         byte
	Basic          byte
	Generic        byte
	Specific       byte
	CommandClasses []byte
}

// GetVersion queries the controller firmware version string and library type.
func (t *Transport) GetVersion(ctx context.Context) (*VersionInfo, error) {
	res, err := t.SendRequest(ctx, FuncGetVersion, nil)
	if err != nil {
		return nil, err
	}
	// Params: 12-byte NUL-terminated version string + library type.
	if len(res.Params) < 13 {
		return nil, fmt.Errorf("serialapi: version response too short: %d bytes", len(res.Params))
	}
	ver := res.Params[:12]
	if i := bytes.IndexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	return &VersionInfo{Version: string(ver), LibraryType: res.Params[12]}, nil
}

// MemoryGetID reads the controller's home ID and its own node ID.
func (t *Transport) MemoryGetID(ctx context.Context) (*IDInfo, error) {
	res, err := t.SendRequest(ctx, FuncMemoryGetID, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Params) < 5 {
		return nil, fmt.Errorf("serialapi: memory get id response too short: %d bytes", len(res.Params))
	}
	homeID := uint32(res.Params[0])<<24 | uint32(res.Params[1])<<16 |
		uint32(res.Params[2])<<8 | uint32(res.Params[3])
	return &IDInfo{HomeID: homeID, NodeID: res.Params[4]}, nil
}

// GetInitData reads the controller's node table bitmask.
// Params: api version, capabilities, bitmask length, bitmask, chip type, chip version.
func (t *Transport) GetInitData(ctx context.Context) (*InitData, error) {
	res, err := t.SendRequest(ctx, FuncGetInitData, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Params) < 3 {
		return nil, fmt.Errorf("serialapi: init data response too short: %d bytes", len(res.Params))
	}
	maskLen := int(res.Params[2])
	if len(res.Params) < 3+maskLen {
		return nil, fmt.Errorf("serialapi: init data bitmask truncated: need %d, have %d",
			maskLen, len(res.Params)-3)
	}
	d := &InitData{
		APIVersion:   res.Params[0],
		Capabilities: res.Params[1],
	}
	mask := res.Params[3 : 3+maskLen]
	for i, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				d.NodeIDs = append(d.NodeIDs, byte(i*8+bit+1))
			}
		}
	}
	if len(res.Params) >= 3+maskLen+2 {
		d.ChipType = res.Params[3+maskLen]
		d.ChipVersion = res.Params[3+maskLen+1]
	}
	return d, nil
}

// GetNodeProtocolInfo reads a node's protocol descriptor from the
// controller's routing table (no radio traffic).
func (t *Transport) GetNodeProtocolInfo(ctx context.Context, nodeID byte) (*ProtocolInfo, error) {
	res, err := t.SendRequest(ctx, FuncGetNodeProtocolInfo, []byte{nodeID})
	if err != nil {
		return nil, err
	}
	// Params: capability, security, reserved, basic, generic, specific.
	if len(res.Params) < 6 {
		return nil, fmt.Errorf("serialapi: protocol info response too short: %d bytes", len(res.Params))
	}
	capability := res.Params[0]
	security := res.Params[1]
	info := &ProtocolInfo{
		Listening:       capability&0x80 != 0,
		Routing:         capability&0x40 != 0,
		ProtocolVersion: capability & 0x07,
		Security:        security&0x01 != 0,
		Beaming:         security&0x10 != 0,
		Basic:           res.Params[3],
		Generic:         res.Params[4],
		Specific:        res.Params[5],
	}
	switch capability & 0x38 {
	case 0x10:
		info.MaxBaudRate = 40000
	case 0x20:
		info.MaxBaudRate = 100000
	default:
		info.MaxBaudRate = 9600
	}
	return info, nil
}

// RequestNodeInfo asks a node to broadcast its node information frame. The
// controller may refuse the request itself; that is reported as accepted ==
// false, not an error. The node info arrives later as an ApplicationUpdate.
func (t *Transport) RequestNodeInfo(ctx context.Context, nodeID byte) (accepted bool, err error) {
	res, err := t.SendRequest(ctx, FuncRequestNodeInfo, []byte{nodeID})
	if err != nil {
		return false, err
	}
	return len(res.Params) >= 1 && res.Params[0] != 0, nil
}

// ParseApplicationCommand parses a FuncApplicationCommandHandler request.
// Params: rxStatus, source node, command length, command bytes.
func ParseApplicationCommand(f *DataFrame) (*ApplicationCommand, error) {
	if f.FuncID != FuncApplicationCommandHandler {
		return nil, fmt.Errorf("serialapi: not an application command: %s", FuncName(f.FuncID))
	}
	if len(f.Params) < 3 {
		return nil, fmt.Errorf("serialapi: application command too short: %d bytes", len(f.Params))
	}
	cmdLen := int(f.Params[2])
	if cmdLen < 2 || len(f.Params) < 3+cmdLen {
		return nil, fmt.Errorf("serialapi: application command truncated: need %d, have %d",
			cmdLen, len(f.Params)-3)
	}
	cmd := &ApplicationCommand{
		RxStatus: f.Params[0],
		NodeID:   f.Params[1],
		Data:     make([]byte, cmdLen),
	}
	copy(cmd.Data, f.Params[3:3+cmdLen])
	return cmd, nil
}

// ParseApplicationUpdate parses a FuncApplicationUpdate request. Only the
// node-info-received form carries a payload; other statuses return a NodeInfo
// with just the status's node ID (which may be zero).
// Params: status, node, info length, basic, generic, specific, command classes.
func ParseApplicationUpdate(f *DataFrame) (status byte, info *NodeInfo, err error) {
	if f.FuncID != FuncApplicationUpdate {
		return 0, nil, fmt.Errorf("serialapi: not an application update: %s", FuncName(f.FuncID))
	}
	if len(f.Params) < 3 {
		return 0, nil, fmt.Errorf("serialapi: application update too short: %d bytes", len(f.Params))
	}
	status = f.Params[0]
	info = &NodeInfo{NodeID: f.Params[1]}
	if status != UpdateNodeInfoReceived {
		return status, info, nil
	}
	infoLen := int(f.Params[2])
	if infoLen < 3 || len(f.Params) < 3+infoLen {
		return 0, nil, fmt.Errorf("serialapi: node info truncated: need %d, have %d",
			infoLen, len(f.Params)-3)
	}
	info.Basic = f.Params[3]
	info.Generic = f.Params[4]
	info.Specific = f.Params[5]
	if infoLen > 3 {
		info.CommandClasses = make([]byte, infoLen-3)
		copy(info.CommandClasses, f.Params[6:3+infoLen])
	}
	return status, info, nil
}
