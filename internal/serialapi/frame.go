package serialapi

// Z-Wave Serial API link framing: SOF data frames with an XOR checksum,
// plus the single-byte ACK/NAK/CAN handshake.

import (
	"bufio"
	"fmt"
	"io"
)

// Link-level frame markers.
const (
	frameSOF byte = 0x01
	frameACK byte = 0x06
	frameNAK byte = 0x15
	frameCAN byte = 0x18
)

// Data frame types.
const (
	frameTypeRequest  byte = 0x00
	frameTypeResponse byte = 0x01
)

// Serial API function IDs.
const (
	FuncGetInitData               byte = 0x02
	FuncApplicationCommandHandler byte = 0x04
	FuncGetControllerCapabilities byte = 0x05
	FuncSendData                  byte = 0x13
	FuncGetVersion                byte = 0x15
	FuncMemoryGetID               byte = 0x20
	FuncGetNodeProtocolInfo       byte = 0x41
	FuncApplicationUpdate         byte = 0x49
	FuncGetSUCNodeID              byte = 0x56
	FuncRequestNodeInfo           byte = 0x60
)

// FuncName returns a human-readable name for a serial API function ID.
func FuncName(id byte) string {
	switch id {
	case FuncGetInitData:
		return "GetInitData"
	case FuncApplicationCommandHandler:
		return "ApplicationCommandHandler"
	case FuncGetControllerCapabilities:
		return "GetControllerCapabilities"
	case FuncSendData:
		return "SendData"
	case FuncGetVersion:
		return "GetVersion"
	case FuncMemoryGetID:
		return "MemoryGetID"
	case FuncGetNodeProtocolInfo:
		return "GetNodeProtocolInfo"
	case FuncApplicationUpdate:
		return "ApplicationUpdate"
	case FuncGetSUCNodeID:
		return "GetSUCNodeID"
	case FuncRequestNodeInfo:
		return "RequestNodeInfo"
	default:
		return fmt.Sprintf("0x%02X", id)
	}
}

// DataFrame is a parsed serial API data frame (framing and checksum stripped).
type DataFrame struct {
	Type   byte // frameTypeRequest or frameTypeResponse
	FuncID byte
	Params []byte
}

// IsResponse reports whether the frame answers a host request.
func (f *DataFrame) IsResponse() bool {
	return f.Type == frameTypeResponse
}

// checksum computes the frame checksum: 0xFF XORed with every byte from the
// length field through the last parameter byte.
func checksum(length, typ, funcID byte, params []byte) byte {
	sum := byte(0xFF) ^ length ^ typ ^ funcID
	for _, b := range params {
		sum ^= b
	}
	return sum
}

// encodeDataFrame builds the complete wire frame for a host request.
// Layout: SOF | length | type | funcID | params | checksum, where length
// counts type, funcID, params and the checksum byte.
func encodeDataFrame(typ, funcID byte, params []byte) []byte {
	length := byte(len(params) + 3)
	frame := make([]byte, 0, len(params)+5)
	frame = append(frame, frameSOF, length, typ, funcID)
	frame = append(frame, params...)
	frame = append(frame, checksum(length, typ, funcID, params))
	return frame
}

// decodeDataFrame validates and parses a complete data frame (SOF included).
func decodeDataFrame(raw []byte) (*DataFrame, error) {
	if len(raw) < 5 {
		return nil, fmt.Errorf("serialapi: frame too short: %d bytes", len(raw))
	}
	if raw[0] != frameSOF {
		return nil, fmt.Errorf("serialapi: bad start marker: 0x%02X", raw[0])
	}
	length := raw[1]
	if int(length)+2 != len(raw) {
		return nil, fmt.Errorf("serialapi: length mismatch: field says %d, frame has %d", length, len(raw)-2)
	}
	typ := raw[2]
	if typ != frameTypeRequest && typ != frameTypeResponse {
		return nil, fmt.Errorf("serialapi: unknown frame type: 0x%02X", typ)
	}
	params := raw[4 : len(raw)-1]
	if got := checksum(length, typ, raw[3], params); got != raw[len(raw)-1] {
		return nil, fmt.Errorf("serialapi: checksum mismatch: got 0x%02X, want 0x%02X", raw[len(raw)-1], got)
	}
	f := &DataFrame{Type: typ, FuncID: raw[3]}
	if len(params) > 0 {
		f.Params = make([]byte, len(params))
		copy(f.Params, params)
	}
	return f, nil
}

// readRawFrame reads the next complete frame from the wire. Single-byte
// ACK/NAK/CAN frames are returned as a one-byte slice; SOF frames are read to
// completion, tolerating partial delivery across reads. Unknown leading bytes
// are skipped until a frame marker is found.
func readRawFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		switch b {
		case frameACK, frameNAK, frameCAN:
			return []byte{b}, nil
		case frameSOF:
			length, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			if length < 3 {
				return nil, fmt.Errorf("serialapi: invalid length field: %d", length)
			}
			raw := make([]byte, int(length)+2)
			raw[0] = frameSOF
			raw[1] = length
			if _, err := io.ReadFull(r, raw[2:]); err != nil {
				return nil, fmt.Errorf("serialapi: frame body: %w", err)
			}
			return raw, nil
		default:
			// Garbage between frames, skip.
		}
	}
}
