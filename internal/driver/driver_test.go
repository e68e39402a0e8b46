package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentPayload struct {
	node byte
	data []byte
}

// fakeTransport scripts the controller side of the serial API.
type fakeTransport struct {
	mu      sync.Mutex
	handler func(*serialapi.DataFrame)

	version  *serialapi.VersionInfo
	ids      *serialapi.IDInfo
	init     *serialapi.InitData
	protocol map[byte]*serialapi.ProtocolInfo

	// requestNodeInfo scripts acceptance; nil means always accepted.
	requestNodeInfo func(nodeID byte) (bool, error)
	nodeInfoCalls   int

	// onSendData, when set, is invoked on its own goroutine so it can inject
	// reply frames the way a real node would.
	onSendData func(nodeID byte, payload []byte)
	sendErr    error
	sent       []sentPayload

	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		version:  &serialapi.VersionInfo{Version: "Z-Wave 4.05", LibraryType: 0x01},
		ids:      &serialapi.IDInfo{HomeID: 0xC1234567, NodeID: 1},
		init:     &serialapi.InitData{APIVersion: 5, NodeIDs: []byte{1}},
		protocol: make(map[byte]*serialapi.ProtocolInfo),
	}
}

func (f *fakeTransport) GetVersion(ctx context.Context) (*serialapi.VersionInfo, error) {
	return f.version, nil
}

func (f *fakeTransport) MemoryGetID(ctx context.Context) (*serialapi.IDInfo, error) {
	return f.ids, nil
}

func (f *fakeTransport) GetInitData(ctx context.Context) (*serialapi.InitData, error) {
	return f.init, nil
}

func (f *fakeTransport) GetNodeProtocolInfo(ctx context.Context, nodeID byte) (*serialapi.ProtocolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.protocol[nodeID]; ok {
		return p, nil
	}
	return &serialapi.ProtocolInfo{Listening: true, MaxBaudRate: 40000}, nil
}

func (f *fakeTransport) RequestNodeInfo(ctx context.Context, nodeID byte) (bool, error) {
	f.mu.Lock()
	f.nodeInfoCalls++
	fn := f.requestNodeInfo
	f.mu.Unlock()
	if fn != nil {
		return fn(nodeID)
	}
	return true, nil
}

func (f *fakeTransport) SendData(ctx context.Context, nodeID byte, payload []byte) error {
	f.mu.Lock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, sentPayload{node: nodeID, data: cp})
	reply := f.onSendData
	err := f.sendErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if reply != nil {
		go reply(nodeID, cp)
	}
	return nil
}

func (f *fakeTransport) OnRequest(handler func(*serialapi.DataFrame)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// inject delivers a frame the way the transport pump would.
func (f *fakeTransport) inject(frame *serialapi.DataFrame) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(frame)
	}
}

// injectCommand delivers an application command from a node.
func (f *fakeTransport) injectCommand(nodeID byte, data ...byte) {
	params := append([]byte{0x00, nodeID, byte(len(data))}, data...)
	f.inject(&serialapi.DataFrame{
		FuncID: serialapi.FuncApplicationCommandHandler,
		Params: params,
	})
}

// injectNodeInfo delivers a node-info-received application update.
func (f *fakeTransport) injectNodeInfo(nodeID byte, basic, generic, specific byte, classes ...byte) {
	params := append([]byte{serialapi.UpdateNodeInfoReceived, nodeID, byte(3 + len(classes)),
		basic, generic, specific}, classes...)
	f.inject(&serialapi.DataFrame{
		FuncID: serialapi.FuncApplicationUpdate,
		Params: params,
	})
}

func testConfig() Config {
	return Config{
		NodeInfoRetries:  1,
		NodeInfoTimeout:  time.Second,
		InterviewTimeout: 5 * time.Second,
		ReportTimeout:    time.Second,
	}
}

func newTestDriver(t *testing.T, ft *fakeTransport) *Driver {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	d := New(ft, st, testConfig(), testLogger())
	t.Cleanup(func() {
		d.Close()
		st.Close()
	})
	if err := d.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return d
}

func TestInitializeSeedsNodeTable(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 2, 7}
	d := newTestDriver(t, ft)

	for _, id := range []byte{1, 2, 7} {
		if d.Node(id) == nil {
			t.Errorf("node %d missing from table", id)
		}
	}
	if d.Node(3) != nil {
		t.Error("node 3 should not exist")
	}

	net := d.Network()
	if net.HomeID != 0xC1234567 || net.OwnNodeID != 1 {
		t.Errorf("network: %+v", net)
	}
}

func TestDispatchReportUpdatesHandler(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	d := newTestDriver(t, ft)

	var mu sync.Mutex
	var got []Event
	d.Events().On(EventNodeReport, func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	ft.injectCommand(7, cc.ClassSwitchBinary, cc.SwitchBinaryReport, 0xFF)

	h := d.Node(7).Handler(cc.ClassSwitchBinary)
	if h == nil {
		t.Fatal("handler not created on first report")
	}
	if v := h.(*cc.SwitchBinary).Value(); v == nil || *v != 0xFF {
		t.Errorf("cached value: %v", v)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("report events: %d", len(got))
	}
}

func TestDispatchUnknownClassDoesNotPanic(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	d := newTestDriver(t, ft)

	ft.injectCommand(7, 0xEE, 0x01, 0xAA)

	if h := d.Node(7).Handler(0xEE); h == nil {
		t.Error("generic handler not created")
	}
}

func TestSendAndReceiveCorrelatesReport(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	ft.onSendData = func(nodeID byte, payload []byte) {
		if len(payload) >= 2 && payload[0] == cc.ClassSwitchBinary && payload[1] == cc.SwitchBinaryGet {
			ft.injectCommand(nodeID, cc.ClassSwitchBinary, cc.SwitchBinaryReport, 0xFF)
		}
	}
	d := newTestDriver(t, ft)
	d.Node(7).addClass(cc.ClassSwitchBinary, true)

	on, err := d.SwitchGet(context.Background(), 7)
	if err != nil {
		t.Fatalf("SwitchGet: %v", err)
	}
	if !on {
		t.Error("expected switch on")
	}
}

func TestSendAndReceiveTimesOut(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	d := newTestDriver(t, ft)
	d.cfg.ReportTimeout = 50 * time.Millisecond
	d.Node(7).addClass(cc.ClassSwitchBinary, true)

	_, err := d.SwitchGet(context.Background(), 7)
	if !errors.Is(err, serialapi.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestNotSupportedIsImmediate(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	d := newTestDriver(t, ft)

	start := time.Now()
	_, err := d.BasicGet(context.Background(), 7)
	if !errors.Is(err, ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("not-supported error was not immediate")
	}
}

func TestUnknownNode(t *testing.T) {
	ft := newFakeTransport()
	d := newTestDriver(t, ft)

	if err := d.BasicSet(context.Background(), 99, 0xFF); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestRemoveNode(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	d := newTestDriver(t, ft)

	if err := d.RemoveNode(7); err != nil {
		t.Fatal(err)
	}
	if d.Node(7) != nil {
		t.Error("node still in table after removal")
	}
}

func TestNodeInfoSignalsAwaitAndMerges(t *testing.T) {
	ft := newFakeTransport()
	ft.init.NodeIDs = []byte{1, 7}
	d := newTestDriver(t, ft)

	ft.injectNodeInfo(7, 0x04, 0x10, 0x01, cc.ClassSwitchBinary, 0xEF, cc.ClassBasic)

	node := d.Node(7)
	classes := node.Classes()
	if !classes[cc.ClassSwitchBinary].Supported {
		t.Error("switch binary not marked supported")
	}
	if !classes[cc.ClassBasic].Controlled || classes[cc.ClassBasic].Supported {
		t.Errorf("basic should be controlled only: %+v", classes[cc.ClassBasic])
	}

	// The one-shot signal must be pending now.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := node.infoAwait.Wait(ctx); err != nil {
		t.Errorf("node info signal not set: %v", err)
	}
}
