package driver

import (
	"sync"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/serialapi"
)

// InterviewState tracks how far a node's discovery has progressed.
type InterviewState string

const (
	InterviewNotStarted   InterviewState = "not_started"
	InterviewProtocolInfo InterviewState = "protocol_info"
	InterviewNodeInfo     InterviewState = "node_info"
	InterviewAwaitingInfo InterviewState = "awaiting_info"
	InterviewCapabilities InterviewState = "capabilities"
	InterviewDone         InterviewState = "done"
	InterviewEndedEarly   InterviewState = "ended_early"
	InterviewCancelled    InterviewState = "cancelled"
)

// CommandClassInfo is what the node table records per advertised class.
type CommandClassInfo struct {
	Supported  bool
	Controlled bool
	Version    byte
}

type classEntry struct {
	info    CommandClassInfo
	handler cc.Handler
}

// Node is one entry in the driver's node table: protocol descriptor, the
// command class table with live handlers, and the node-info wake signal. One
// mutex guards the whole table so discovery merges and dispatch never race on
// its structure.
type Node struct {
	id byte

	mu        sync.RWMutex
	protocol  *serialapi.ProtocolInfo
	classes   map[byte]*classEntry
	basic     byte
	generic   byte
	specific  byte
	state     InterviewState
	lastSeen  time.Time
	infoAwait *Signal
}

func newNode(id byte) *Node {
	return &Node{
		id:        id,
		classes:   make(map[byte]*classEntry),
		state:     InterviewNotStarted,
		infoAwait: NewSignal(),
	}
}

// ID returns the node's network address.
func (n *Node) ID() byte {
	return n.id
}

// ProtocolInfo returns the routing-table descriptor, nil before discovery.
func (n *Node) ProtocolInfo() *serialapi.ProtocolInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.protocol
}

func (n *Node) setProtocolInfo(info *serialapi.ProtocolInfo) {
	n.mu.Lock()
	n.protocol = info
	n.basic = info.Basic
	n.generic = info.Generic
	n.specific = info.Specific
	n.mu.Unlock()
}

// DeviceClass returns the basic/generic/specific class triple.
func (n *Node) DeviceClass() (basic, generic, specific byte) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.basic, n.generic, n.specific
}

// State returns the interview progress.
func (n *Node) State() InterviewState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s InterviewState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// LastSeen returns when the node last produced any frame.
func (n *Node) LastSeen() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastSeen
}

func (n *Node) touch() {
	n.mu.Lock()
	n.lastSeen = time.Now()
	n.mu.Unlock()
}

// Handler returns the live handler for a class, nil if never discovered.
func (n *Node) Handler(class byte) cc.Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if e, ok := n.classes[class]; ok {
		return e.handler
	}
	return nil
}

// Classes returns a snapshot of the command class table.
func (n *Node) Classes() map[byte]CommandClassInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[byte]CommandClassInfo, len(n.classes))
	for id, e := range n.classes {
		out[id] = e.info
	}
	return out
}

// addClass creates the handler on first discovery and returns the entry.
// Later discoveries of the same class reuse the existing handler; knowledge
// only accumulates.
func (n *Node) addClass(class byte, supported bool) *classEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addClassLocked(class, supported)
}

func (n *Node) addClassLocked(class byte, supported bool) *classEntry {
	if e, ok := n.classes[class]; ok {
		if supported {
			e.info.Supported = true
		}
		return e
	}
	e := &classEntry{
		info:    CommandClassInfo{Supported: supported},
		handler: cc.NewHandler(class),
	}
	n.classes[class] = e
	return e
}

// setClassVersion records a negotiated class version; merges only widen.
func (n *Node) setClassVersion(class, version byte) {
	n.mu.Lock()
	e, ok := n.classes[class]
	if !ok {
		e = n.addClassLocked(class, false)
	}
	if version > e.info.Version {
		e.info.Version = version
	}
	n.mu.Unlock()
	e.handler.SetVersion(version)
}

// mergeNodeInfo folds a received node information frame into the table. The
// advertised list is split by the 0xEF mark: classes before it the node
// supports, classes after it the node only controls.
func (n *Node) mergeNodeInfo(info *serialapi.NodeInfo) {
	const supportControlMark = 0xEF

	n.mu.Lock()
	if info.Basic != 0 {
		n.basic = info.Basic
	}
	if info.Generic != 0 {
		n.generic = info.Generic
	}
	if info.Specific != 0 {
		n.specific = info.Specific
	}

	supported := true
	for _, class := range info.CommandClasses {
		if class == supportControlMark {
			supported = false
			continue
		}
		if e, ok := n.classes[class]; ok {
			if supported {
				e.info.Supported = true
			} else {
				e.info.Controlled = true
			}
			continue
		}
		e := &classEntry{handler: cc.NewHandler(class)}
		if supported {
			e.info.Supported = true
		} else {
			e.info.Controlled = true
		}
		n.classes[class] = e
	}
	n.lastSeen = time.Now()
	n.mu.Unlock()
}
