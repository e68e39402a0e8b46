package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"log/slog"
	"os"

	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/driver"
	"zwave-go-home/internal/serialapi"
	"zwave-go-home/internal/store"
)

// stubTransport scripts the controller side for driver construction.
type stubTransport struct {
	mu                sync.Mutex
	handler           func(*serialapi.DataFrame)
	onSendData        func(nodeID byte, payload []byte)
	onRequestNodeInfo func(nodeID byte)
	nodeIDs           []byte
}

func (s *stubTransport) GetVersion(context.Context) (*serialapi.VersionInfo, error) {
	return &serialapi.VersionInfo{Version: "Z-Wave 4.05", LibraryType: 0x01}, nil
}

func (s *stubTransport) MemoryGetID(context.Context) (*serialapi.IDInfo, error) {
	return &serialapi.IDInfo{HomeID: 0xC1234567, NodeID: 1}, nil
}

func (s *stubTransport) GetInitData(context.Context) (*serialapi.InitData, error) {
	return &serialapi.InitData{APIVersion: 5, NodeIDs: s.nodeIDs}, nil
}

func (s *stubTransport) GetNodeProtocolInfo(context.Context, byte) (*serialapi.ProtocolInfo, error) {
	return &serialapi.ProtocolInfo{Listening: true, MaxBaudRate: 40000}, nil
}

func (s *stubTransport) RequestNodeInfo(_ context.Context, nodeID byte) (bool, error) {
	s.mu.Lock()
	cb := s.onRequestNodeInfo
	s.mu.Unlock()
	if cb != nil {
		go cb(nodeID)
	}
	return true, nil
}

func (s *stubTransport) SendData(_ context.Context, nodeID byte, payload []byte) error {
	s.mu.Lock()
	reply := s.onSendData
	s.mu.Unlock()
	if reply != nil {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		go reply(nodeID, cp)
	}
	return nil
}

func (s *stubTransport) OnRequest(handler func(*serialapi.DataFrame)) {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
}

func (s *stubTransport) Close() error { return nil }

// injectCommand delivers an application command the way the serial pump would.
func (s *stubTransport) injectCommand(nodeID byte, data ...byte) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(&serialapi.DataFrame{
			FuncID: serialapi.FuncApplicationCommandHandler,
			Params: append([]byte{0x00, nodeID, byte(len(data))}, data...),
		})
	}
}

// injectNodeInfo delivers a node information frame; deviceClass is the
// basic/generic/specific triple followed by the advertised command classes.
func (s *stubTransport) injectNodeInfo(nodeID byte, deviceClass ...byte) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(&serialapi.DataFrame{
			FuncID: serialapi.FuncApplicationUpdate,
			Params: append([]byte{serialapi.UpdateNodeInfoReceived, nodeID, byte(len(deviceClass))}, deviceClass...),
		})
	}
}

func setupTestServer(t *testing.T, apiKey string) (*Server, *driver.Driver, *stubTransport) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	stub := &stubTransport{nodeIDs: []byte{1, 7}}
	cfg := driver.DefaultConfig()
	cfg.ReportTimeout = 500 * time.Millisecond
	drv := driver.New(stub, db, cfg, logger)
	t.Cleanup(func() { drv.Close() })
	if err := drv.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}

	var opts []ServerOption
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(drv, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, drv, stub
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestListNodes(t *testing.T) {
	srv, drv, stub := setupTestServer(t, "")

	// Interview node 7 so the views carry its protocol descriptor. No
	// command classes advertised keeps the capability phase empty.
	stub.mu.Lock()
	stub.onRequestNodeInfo = func(id byte) { stub.injectNodeInfo(id, 0x04, 0x10, 0x01) }
	stub.mu.Unlock()
	drv.StartInterview(7)
	waitForInterview(t, drv, 7)

	w := doJSON(t, srv, http.MethodGet, "/api/nodes", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var views []NodeView
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 || views[0].ID != 1 || views[1].ID != 7 {
		t.Errorf("views = %+v", views)
	}
	if !views[1].Listening {
		t.Error("protocol info not reflected in view")
	}
	if views[1].MaxBaudRate != 40000 {
		t.Errorf("max baud rate = %d, want 40000", views[1].MaxBaudRate)
	}
}

func waitForInterview(t *testing.T, drv *driver.Driver, nodeID byte) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n := drv.Node(nodeID); n != nil && n.State() == driver.InterviewDone {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("node %d interview did not complete", nodeID)
}

func TestGetNode(t *testing.T) {
	srv, _, stub := setupTestServer(t, "")

	// A battery report creates the class and caches a level.
	stub.injectCommand(7, cc.ClassBattery, cc.BatteryReport, 42)

	w := doJSON(t, srv, http.MethodGet, "/api/nodes/7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var view NodeView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatal(err)
	}
	if view.ID != 7 {
		t.Errorf("id = %d", view.ID)
	}
	if got := view.State["battery"]; got != float64(42) {
		t.Errorf("state.battery = %v", got)
	}

	if w := doJSON(t, srv, http.MethodGet, "/api/nodes/99", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown node status = %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodGet, "/api/nodes/500", nil); w.Code != http.StatusBadRequest {
		t.Errorf("out of range id status = %d", w.Code)
	}
}

func TestRenameNode(t *testing.T) {
	srv, drv, _ := setupTestServer(t, "")

	w := doJSON(t, srv, http.MethodPatch, "/api/nodes/7", map[string]string{"friendly_name": "Porch Light"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	rec, err := drv.Store().GetNode(7)
	if err != nil {
		t.Fatal(err)
	}
	if rec.FriendlyName != "Porch Light" {
		t.Errorf("persisted name = %q", rec.FriendlyName)
	}

	if w := doJSON(t, srv, http.MethodPatch, "/api/nodes/99", map[string]string{"friendly_name": "x"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown node status = %d", w.Code)
	}
}

func TestDeleteNode(t *testing.T) {
	srv, drv, _ := setupTestServer(t, "")

	w := doJSON(t, srv, http.MethodDelete, "/api/nodes/7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if drv.Node(7) != nil {
		t.Error("node still present after delete")
	}
}

func TestSetNodeSwitch(t *testing.T) {
	srv, _, stub := setupTestServer(t, "")

	// The node has to advertise Binary Switch before set is accepted.
	stub.injectCommand(7, cc.ClassSwitchBinary, cc.SwitchBinaryReport, 0x00)

	w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/set", map[string]any{"on": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestSetNodeValidatesBody(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	// Neither field.
	if w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/set", map[string]any{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", w.Code)
	}
	// Both fields.
	if w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/set", map[string]any{"on": true, "value": 5}); w.Code != http.StatusBadRequest {
		t.Errorf("both fields status = %d", w.Code)
	}
}

func TestSetNodeUnsupportedClass(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	// Node 7 never advertised Binary Switch.
	w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/set", map[string]any{"on": true})
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestGetNodeValueQueriesNode(t *testing.T) {
	srv, _, stub := setupTestServer(t, "")

	stub.injectCommand(7, cc.ClassSwitchBinary, cc.SwitchBinaryReport, 0x00)
	stub.mu.Lock()
	stub.onSendData = func(nodeID byte, payload []byte) {
		if len(payload) >= 2 && payload[0] == cc.ClassSwitchBinary && payload[1] == cc.SwitchBinaryGet {
			stub.injectCommand(nodeID, cc.ClassSwitchBinary, cc.SwitchBinaryReport, 0xFF)
		}
	}
	stub.mu.Unlock()

	w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/get", map[string]string{"class": "switch"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp["on"] {
		t.Error("expected on = true")
	}
}

func TestGetNodeValueTimeout(t *testing.T) {
	srv, _, stub := setupTestServer(t, "")

	stub.injectCommand(7, cc.ClassSwitchBinary, cc.SwitchBinaryReport, 0x00)
	// No reply scripted: the query must time out.
	w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/get", map[string]string{"class": "switch"})
	if w.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", w.Code)
	}
}

func TestInterviewEndpoints(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	if w := doJSON(t, srv, http.MethodPost, "/api/nodes/7/interview", nil); w.Code != http.StatusAccepted {
		t.Errorf("interview status = %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, "/api/nodes/99/interview", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown node interview status = %d", w.Code)
	}
	if w := doJSON(t, srv, http.MethodPost, "/api/interview", nil); w.Code != http.StatusAccepted {
		t.Errorf("interview all status = %d", w.Code)
	}
}

func TestNetworkInfo(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")

	w := doJSON(t, srv, http.MethodGet, "/api/network", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var info map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info["home_id"] != float64(0xC1234567) {
		t.Errorf("home_id = %v", info["home_id"])
	}
	if info["node_count"] != float64(2) {
		t.Errorf("node_count = %v", info["node_count"])
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	srv, _, _ := setupTestServer(t, "secret")

	req := httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/nodes", nil)
	req.Header.Set("X-API-Key", "secret")
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d", w.Code)
	}
}

func TestCORSRejectsForeignOrigin(t *testing.T) {
	srv, _, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://allowed.local"}

	req := httptest.NewRequest(http.MethodDelete, "/api/nodes/7", nil)
	req.Header.Set("Origin", "http://evil.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign origin status = %d", w.Code)
	}
}
