// Package driver owns the node table and everything that happens above the
// serial transport: frame dispatch to command class handlers, node
// interviews, and the typed control API the outer layers use.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

var (
	// ErrUnknownNode is returned for operations on a node ID the controller
	// does not know.
	ErrUnknownNode = errors.New("driver: unknown node")

	// ErrNotSupported is returned immediately when a node never advertised
	// the requested command class; it is distinct from a timeout.
	ErrNotSupported = errors.New("driver: command class not supported")
)

// Transport is the slice of the serial API the driver consumes. The concrete
// implementation is serialapi.Transport; tests substitute a fake.
type Transport interface {
	GetVersion(ctx context.Context) (*serialapi.VersionInfo, error)
	MemoryGetID(ctx context.Context) (*serialapi.IDInfo, error)
	GetInitData(ctx context.Context) (*serialapi.InitData, error)
	GetNodeProtocolInfo(ctx context.Context, nodeID byte) (*serialapi.ProtocolInfo, error)
	RequestNodeInfo(ctx context.Context, nodeID byte) (bool, error)
	SendData(ctx context.Context, nodeID byte, payload []byte) error
	OnRequest(handler func(*serialapi.DataFrame))
	Close() error
}

// Config holds the driver's interview and timing policy.
type Config struct {
	// NodeInfoRetries is how often a rejected node-info request is retried
	// before the interview ends early.
	NodeInfoRetries int

	// NodeInfoTimeout bounds the wait for the node information frame after
	// an accepted request. Sleeping nodes answer on their own schedule.
	NodeInfoTimeout time.Duration

	// InterviewTimeout bounds one whole node interview.
	InterviewTimeout time.Duration

	// ReportTimeout bounds the wait for a report after a get-style command.
	ReportTimeout time.Duration
}

// DefaultConfig returns the stock timing policy.
func DefaultConfig() Config {
	return Config{
		NodeInfoRetries:  1,
		NodeInfoTimeout:  60 * time.Second,
		InterviewTimeout: 3 * time.Minute,
		ReportTimeout:    10 * time.Second,
	}
}

type waiterKey struct {
	node  byte
	class byte
	cmd   byte
}

type interviewEntry struct {
	cancel context.CancelFunc
	done   chan struct{}
	gen    uint64
}

// Driver is the host-side controller session.
type Driver struct {
	transport Transport
	store     store.Store
	events    *EventBus
	logger    *slog.Logger
	cfg       Config

	mu      sync.RWMutex
	nodes   map[byte]*Node
	network store.NetworkInfo

	waiterMu sync.Mutex
	waiters  map[waiterKey][]chan cc.Frame

	interviewMu  sync.Mutex
	interviews   map[byte]*interviewEntry
	interviewGen atomic.Uint64
	interviewWg  sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a driver on top of an open transport.
func New(t Transport, st store.Store, cfg Config, logger *slog.Logger) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		transport:  t,
		store:      st,
		events:     NewEventBus(logger.With("component", "events")),
		logger:     logger.With("component", "driver"),
		cfg:        cfg,
		nodes:      make(map[byte]*Node),
		waiters:    make(map[waiterKey][]chan cc.Frame),
		interviews: make(map[byte]*interviewEntry),
		ctx:        ctx,
		cancel:     cancel,
	}
	return d
}

// Events returns the driver event bus.
func (d *Driver) Events() *EventBus {
	return d.events
}

// Store returns the persistence layer backing the driver.
func (d *Driver) Store() store.Store {
	return d.store
}

// Network returns the controller identity read during Initialize.
func (d *Driver) Network() store.NetworkInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.network
}

// Initialize reads the controller identity and the node table, restores
// persisted node state, and hooks frame dispatch. A failure here is fatal to
// the session; everything later degrades per node.
func (d *Driver) Initialize(ctx context.Context) error {
	version, err := d.transport.GetVersion(ctx)
	if err != nil {
		return fmt.Errorf("driver: controller version: %w", err)
	}
	ids, err := d.transport.MemoryGetID(ctx)
	if err != nil {
		return fmt.Errorf("driver: controller identity: %w", err)
	}
	initData, err := d.transport.GetInitData(ctx)
	if err != nil {
		return fmt.Errorf("driver: init data: %w", err)
	}

	network := store.NetworkInfo{
		HomeID:      ids.HomeID,
		OwnNodeID:   ids.NodeID,
		APIVersion:  version.Version,
		LibraryType: version.LibraryType,
		ChipType:    initData.ChipType,
		ChipVersion: initData.ChipVersion,
	}
	d.mu.Lock()
	d.network = network
	d.mu.Unlock()

	if err := d.store.SaveNetworkInfo(&network); err != nil {
		d.logger.Error("persist network info", "err", err)
	}

	d.restoreNodes()

	for _, id := range initData.NodeIDs {
		d.ensureNode(id)
	}

	d.transport.OnRequest(d.handleFrame)

	d.logger.Info("driver ready",
		"home_id", fmt.Sprintf("0x%08X", ids.HomeID),
		"own_node", ids.NodeID,
		"api", version.Version,
		"nodes", len(initData.NodeIDs))
	d.events.Emit(Event{Type: EventDriverReady, Data: map[string]interface{}{
		"home_id":  fmt.Sprintf("0x%08X", ids.HomeID),
		"own_node": ids.NodeID,
		"nodes":    initData.NodeIDs,
	}})
	return nil
}

// restoreNodes rebuilds the in-memory table from the store.
func (d *Driver) restoreNodes() {
	persisted, err := d.store.ListNodes()
	if err != nil {
		d.logger.Error("load persisted nodes", "err", err)
		return
	}
	for _, rec := range persisted {
		n := d.ensureNode(rec.ID)
		n.mu.Lock()
		n.basic = rec.Basic
		n.generic = rec.Generic
		n.specific = rec.Specific
		if rec.Interviewed {
			n.state = InterviewDone
		}
		n.lastSeen = rec.LastSeen
		for id, cls := range rec.Classes {
			e := n.addClassLocked(id, cls.Supported)
			e.info.Controlled = e.info.Controlled || cls.Controlled
			if cls.Version > e.info.Version {
				e.info.Version = cls.Version
			}
			e.handler.SetVersion(cls.Version)
		}
		n.mu.Unlock()
	}
	if len(persisted) > 0 {
		d.logger.Info("restored nodes from store", "count", len(persisted))
	}
}

// ensureNode returns the node entry, creating it on first sight. The added
// event is emitted outside the table lock so handlers can read the table.
func (d *Driver) ensureNode(id byte) *Node {
	d.mu.Lock()
	if n, ok := d.nodes[id]; ok {
		d.mu.Unlock()
		return n
	}
	n := newNode(id)
	d.nodes[id] = n
	d.mu.Unlock()

	d.events.Emit(Event{Type: EventNodeAdded, Data: map[string]interface{}{"node": id}})
	return n
}

// Node returns the table entry for a node ID, nil if unknown.
func (d *Driver) Node(id byte) *Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[id]
}

// Nodes returns a snapshot of all known nodes.
func (d *Driver) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// RenameNode sets the persisted friendly name of a node.
func (d *Driver) RenameNode(id byte, name string) error {
	if d.Node(id) == nil {
		return ErrUnknownNode
	}
	err := d.store.UpdateNode(id, func(rec *store.Node) error {
		rec.FriendlyName = name
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Node known but never persisted yet: save a minimal record.
		return d.store.SaveNode(&store.Node{ID: id, FriendlyName: name, AddedAt: time.Now()})
	}
	return err
}

// RemoveNode drops a node from the table and the store.
func (d *Driver) RemoveNode(id byte) error {
	d.cancelInterview(id)

	d.mu.Lock()
	delete(d.nodes, id)
	d.mu.Unlock()

	if err := d.store.DeleteNode(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	d.events.Emit(Event{Type: EventNodeRemoved, Data: map[string]interface{}{"node": id}})
	return nil
}

// handleFrame is the transport's unsolicited-frame sink.
func (d *Driver) handleFrame(f *serialapi.DataFrame) {
	switch f.FuncID {
	case serialapi.FuncApplicationCommandHandler:
		cmd, err := serialapi.ParseApplicationCommand(f)
		if err != nil {
			d.logger.Warn("bad application command", "err", err)
			return
		}
		d.handleApplicationCommand(cmd)
	case serialapi.FuncApplicationUpdate:
		status, info, err := serialapi.ParseApplicationUpdate(f)
		if err != nil {
			d.logger.Warn("bad application update", "err", err)
			return
		}
		d.handleApplicationUpdate(status, info)
	default:
		d.logger.Debug("unhandled request frame", "func", serialapi.FuncName(f.FuncID))
	}
}

func (d *Driver) handleApplicationCommand(cmd *serialapi.ApplicationCommand) {
	frame, err := cc.ParseFrame(cmd.Data)
	if err != nil {
		d.logger.Warn("structurally invalid frame discarded", "node", cmd.NodeID, "err", err)
		return
	}

	node := d.ensureNode(cmd.NodeID)
	node.touch()

	// The handler's cache updates first so waiters observe decoded state.
	entry := node.addClass(frame.CommandClass, true)
	entry.handler.ProcessCommand(frame)

	if frame.CommandClass == cc.ClassWakeUp && frame.Command == cc.WakeUpNotification {
		d.events.Emit(Event{Type: EventNodeAwake, Data: map[string]interface{}{"node": cmd.NodeID}})

		// A sleeping node's interview parks or ends early while the node is
		// asleep; its wake-up window is the chance to finish the discovery.
		switch node.State() {
		case InterviewNotStarted, InterviewEndedEarly, InterviewCancelled:
			d.logger.Info("sleeping node awake, resuming interview", "node", cmd.NodeID)
			d.StartInterview(cmd.NodeID)
		}
	}

	d.resolveWaiter(cmd.NodeID, frame)

	d.events.Emit(Event{Type: EventNodeReport, Data: map[string]interface{}{
		"node":    cmd.NodeID,
		"class":   frame.CommandClass,
		"command": frame.Command,
		"data":    frame.Data,
	}})
}

func (d *Driver) handleApplicationUpdate(status byte, info *serialapi.NodeInfo) {
	switch status {
	case serialapi.UpdateNodeInfoReceived:
		node := d.ensureNode(info.NodeID)
		node.mergeNodeInfo(info)
		node.infoAwait.Set()
		d.logger.Info("node info received", "node", info.NodeID,
			"classes", len(info.CommandClasses))
		d.events.Emit(Event{Type: EventNodeInfo, Data: map[string]interface{}{
			"node":    info.NodeID,
			"classes": info.CommandClasses,
		}})
	case serialapi.UpdateNodeInfoReqFailed:
		d.logger.Warn("node info request failed")
	default:
		d.logger.Debug("application update", "status", fmt.Sprintf("0x%02X", status))
	}
}

// resolveWaiter hands a frame to the oldest waiter for its (node, class,
// command) key, if any.
func (d *Driver) resolveWaiter(nodeID byte, frame cc.Frame) {
	key := waiterKey{node: nodeID, class: frame.CommandClass, cmd: frame.Command}
	d.waiterMu.Lock()
	queue := d.waiters[key]
	if len(queue) > 0 {
		ch := queue[0]
		if len(queue) == 1 {
			delete(d.waiters, key)
		} else {
			d.waiters[key] = queue[1:]
		}
		d.waiterMu.Unlock()
		ch <- frame
		return
	}
	d.waiterMu.Unlock()
}

func (d *Driver) addWaiter(key waiterKey) chan cc.Frame {
	ch := make(chan cc.Frame, 1)
	d.waiterMu.Lock()
	d.waiters[key] = append(d.waiters[key], ch)
	d.waiterMu.Unlock()
	return ch
}

func (d *Driver) removeWaiter(key waiterKey, ch chan cc.Frame) {
	d.waiterMu.Lock()
	queue := d.waiters[key]
	for i, c := range queue {
		if c == ch {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(d.waiters, key)
	} else {
		d.waiters[key] = queue
	}
	d.waiterMu.Unlock()
}

// Session returns the command channel to one node for use by command class
// handlers.
func (d *Driver) Session(nodeID byte) cc.Session {
	return &nodeSession{d: d, nodeID: nodeID}
}

type nodeSession struct {
	d      *Driver
	nodeID byte
}

func (s *nodeSession) NodeID() byte {
	return s.nodeID
}

func (s *nodeSession) SendCommand(ctx context.Context, f cc.Frame) error {
	return s.d.transport.SendData(ctx, s.nodeID, f.Encode())
}

// SendAndReceive registers the report waiter before transmitting so a fast
// node cannot slip its report in between.
func (s *nodeSession) SendAndReceive(ctx context.Context, f cc.Frame, reportCmd byte) (cc.Frame, error) {
	key := waiterKey{node: s.nodeID, class: f.CommandClass, cmd: reportCmd}
	ch := s.d.addWaiter(key)
	defer s.d.removeWaiter(key, ch)

	if err := s.d.transport.SendData(ctx, s.nodeID, f.Encode()); err != nil {
		return cc.Frame{}, err
	}

	deadline := time.NewTimer(s.d.cfg.ReportTimeout)
	defer deadline.Stop()
	select {
	case report := <-ch:
		return report, nil
	case <-deadline.C:
		return cc.Frame{}, fmt.Errorf("report %s/0x%02X from node %d: %w",
			cc.ClassName(f.CommandClass), reportCmd, s.nodeID, serialapi.ErrTimeout)
	case <-ctx.Done():
		return cc.Frame{}, ctx.Err()
	case <-s.d.ctx.Done():
		return cc.Frame{}, serialapi.ErrClosed
	}
}

// handlerFor resolves the typed handler for a node's advertised class.
func (d *Driver) handlerFor(nodeID, class byte) (cc.Handler, cc.Session, error) {
	node := d.Node(nodeID)
	if node == nil {
		return nil, nil, fmt.Errorf("node %d: %w", nodeID, ErrUnknownNode)
	}
	h := node.Handler(class)
	if h == nil {
		return nil, nil, fmt.Errorf("node %d class %s: %w", nodeID, cc.ClassName(class), ErrNotSupported)
	}
	return h, d.Session(nodeID), nil
}

// BasicSet writes a node's primary value.
func (d *Driver) BasicSet(ctx context.Context, nodeID, value byte) error {
	h, s, err := d.handlerFor(nodeID, cc.ClassBasic)
	if err != nil {
		return err
	}
	return h.(*cc.Basic).Set(ctx, s, value)
}

// BasicGet reads a node's primary value.
func (d *Driver) BasicGet(ctx context.Context, nodeID byte) (byte, error) {
	h, s, err := d.handlerFor(nodeID, cc.ClassBasic)
	if err != nil {
		return 0, err
	}
	return h.(*cc.Basic).Get(ctx, s)
}

// SwitchSet switches a binary actuator.
func (d *Driver) SwitchSet(ctx context.Context, nodeID byte, on bool) error {
	h, s, err := d.handlerFor(nodeID, cc.ClassSwitchBinary)
	if err != nil {
		return err
	}
	return h.(*cc.SwitchBinary).Set(ctx, s, on, cc.DurationDefault)
}

// SwitchGet reads a binary actuator's state.
func (d *Driver) SwitchGet(ctx context.Context, nodeID byte) (bool, error) {
	h, s, err := d.handlerFor(nodeID, cc.ClassSwitchBinary)
	if err != nil {
		return false, err
	}
	v, err := h.(*cc.SwitchBinary).Get(ctx, s)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// BatteryGet reads a node's battery level.
func (d *Driver) BatteryGet(ctx context.Context, nodeID byte) (level byte, low bool, err error) {
	h, s, err := d.handlerFor(nodeID, cc.ClassBattery)
	if err != nil {
		return 0, false, err
	}
	return h.(*cc.Battery).Get(ctx, s)
}

// MeterGet reads a metering node's accumulated value.
func (d *Driver) MeterGet(ctx context.Context, nodeID byte) (*cc.MeterReading, error) {
	h, s, err := d.handlerFor(nodeID, cc.ClassMeter)
	if err != nil {
		return nil, err
	}
	return h.(*cc.Meter).Get(ctx, s)
}

// persistNode writes the node's current table state to the store.
func (d *Driver) persistNode(n *Node) {
	n.mu.RLock()
	rec := &store.Node{
		ID:          n.id,
		Basic:       n.basic,
		Generic:     n.generic,
		Specific:    n.specific,
		Interviewed: n.state == InterviewDone,
		LastSeen:    n.lastSeen,
		Classes:     make(map[byte]store.CommandClass, len(n.classes)),
	}
	if n.protocol != nil {
		rec.Listening = n.protocol.Listening
		rec.Routing = n.protocol.Routing
		rec.MaxBaudRate = n.protocol.MaxBaudRate
		rec.Security = n.protocol.Security
		rec.Beaming = n.protocol.Beaming
	}
	for id, e := range n.classes {
		rec.Classes[id] = store.CommandClass{
			Supported:  e.info.Supported,
			Controlled: e.info.Controlled,
			Version:    e.info.Version,
		}
	}
	mfr := n.classes[cc.ClassManufacturerSpecific]
	n.mu.RUnlock()

	if mfr != nil {
		if info := mfr.handler.(*cc.ManufacturerSpecific).Info(); info != nil {
			rec.Manufacturer = info.ManufacturerID
			rec.ProductType = info.ProductType
			rec.ProductID = info.ProductID
		}
	}

	if rec.AddedAt.IsZero() {
		if prev, err := d.store.GetNode(n.id); err == nil {
			rec.AddedAt = prev.AddedAt
			if rec.FriendlyName == "" {
				rec.FriendlyName = prev.FriendlyName
			}
		} else {
			rec.AddedAt = time.Now()
		}
	}

	if err := d.store.SaveNode(rec); err != nil {
		d.logger.Error("persist node", "node", n.id, "err", err)
	}
}

// Close cancels all interviews, waits for them to unwind, and closes the
// transport.
func (d *Driver) Close() error {
	d.cancel()

	d.interviewMu.Lock()
	for id, entry := range d.interviews {
		entry.cancel()
		delete(d.interviews, id)
	}
	d.interviewMu.Unlock()
	d.interviewWg.Wait()

	return d.transport.Close()
}
