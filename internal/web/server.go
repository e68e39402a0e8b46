package web

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"zwave-go-home/internal/automation"
	"zwave-go-home/internal/cc"
	"zwave-go-home/internal/driver"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed CORS and WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the application version string reported by the API.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP API server.
type Server struct {
	drv            *driver.Driver
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NodeView is the enriched view of a node for API responses.
type NodeView struct {
	ID             byte           `json:"id"`
	FriendlyName   string         `json:"friendly_name,omitempty"`
	BasicClass     byte           `json:"basic_class"`
	GenericClass   byte           `json:"generic_class"`
	SpecificClass  byte           `json:"specific_class"`
	Listening      bool           `json:"listening"`
	Routing        bool           `json:"routing"`
	MaxBaudRate    uint32         `json:"max_baud_rate"`
	Security       bool           `json:"security"`
	Beaming        bool           `json:"beaming"`
	Manufacturer   uint16         `json:"manufacturer,omitempty"`
	ProductType    uint16         `json:"product_type,omitempty"`
	ProductID      uint16         `json:"product_id,omitempty"`
	InterviewState string         `json:"interview_state"`
	Interviewed    bool           `json:"interviewed"`
	Classes        []ClassView    `json:"classes"`
	State          map[string]any `json:"state,omitempty"`
	AddedAt        time.Time      `json:"added_at,omitempty"`
	LastSeen       time.Time      `json:"last_seen,omitempty"`
}

// ClassView is one command class entry of a node.
type ClassView struct {
	ID         byte   `json:"id"`
	Name       string `json:"name"`
	Supported  bool   `json:"supported"`
	Controlled bool   `json:"controlled"`
	Version    byte   `json:"version"`
}

// NewServer creates a new API server over the driver.
func NewServer(drv *driver.Driver, logger *slog.Logger, opts ...ServerOption) (*Server, error) {
	s := &Server{
		drv:    drv,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Mirror every driver event to connected WebSocket clients.
	s.unsubEvents = drv.Events().OnAll(func(event driver.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s, nil
}

// Stop gracefully shuts down the WebSocket hub and waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/nodes", s.handleAPIListNodes)
	s.mux.HandleFunc("GET /api/nodes/{id}", s.handleAPIGetNode)
	s.mux.HandleFunc("PATCH /api/nodes/{id}", s.handleAPIRenameNode)
	s.mux.HandleFunc("DELETE /api/nodes/{id}", s.handleAPIDeleteNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/interview", s.handleAPIInterviewNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/set", s.handleAPISetNode)
	s.mux.HandleFunc("POST /api/nodes/{id}/get", s.handleAPIGetNodeValue)
	s.mux.HandleFunc("POST /api/interview", s.handleAPIInterviewAll)
	s.mux.HandleFunc("GET /api/network", s.handleAPINetworkInfo)
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Automations
	s.mux.HandleFunc("GET /api/automations", s.handleAPIListAutomations)
	s.mux.HandleFunc("GET /api/automations/{id}", s.handleAPIGetAutomation)
	s.mux.HandleFunc("POST /api/automations", s.handleAPICreateAutomation)
	s.mux.HandleFunc("PUT /api/automations/{id}", s.handleAPIUpdateAutomation)
	s.mux.HandleFunc("DELETE /api/automations/{id}", s.handleAPIDeleteAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/toggle", s.handleAPIToggleAutomation)
	s.mux.HandleFunc("POST /api/automations/{id}/run", s.handleAPIRunAutomation)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				// Preflight request.
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// Only /api/ endpoints are key-protected. The WebSocket upgrade
		// cannot carry custom headers from a browser.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// pathNodeID parses the {id} path segment. Z-Wave node IDs are 1..232.
func pathNodeID(r *http.Request) (byte, bool) {
	n, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || n < 1 || n > 232 {
		return 0, false
	}
	return byte(n), true
}

// nodeView merges the live node with its persisted record.
func (s *Server) nodeView(n *driver.Node) NodeView {
	v := NodeView{
		ID:             n.ID(),
		InterviewState: string(n.State()),
		LastSeen:       n.LastSeen(),
	}
	v.BasicClass, v.GenericClass, v.SpecificClass = n.DeviceClass()

	if p := n.ProtocolInfo(); p != nil {
		v.Listening = p.Listening
		v.Routing = p.Routing
		v.MaxBaudRate = p.MaxBaudRate
		v.Security = p.Security
		v.Beaming = p.Beaming
	}

	if rec, err := s.drv.Store().GetNode(n.ID()); err == nil {
		v.FriendlyName = rec.FriendlyName
		v.Interviewed = rec.Interviewed
		v.Manufacturer = rec.Manufacturer
		v.ProductType = rec.ProductType
		v.ProductID = rec.ProductID
		v.AddedAt = rec.AddedAt
	}

	classes := n.Classes()
	for id, info := range classes {
		v.Classes = append(v.Classes, ClassView{
			ID:         id,
			Name:       cc.ClassName(id),
			Supported:  info.Supported,
			Controlled: info.Controlled,
			Version:    info.Version,
		})
	}
	sort.Slice(v.Classes, func(i, j int) bool { return v.Classes[i].ID < v.Classes[j].ID })

	v.State = nodeState(n)
	return v
}

// nodeState collects the cached values of the node's handlers.
func nodeState(n *driver.Node) map[string]any {
	state := make(map[string]any)
	if h, ok := n.Handler(cc.ClassSwitchBinary).(*cc.SwitchBinary); ok {
		if val := h.Value(); val != nil {
			state["on"] = *val != 0
		}
	}
	if h, ok := n.Handler(cc.ClassBasic).(*cc.Basic); ok {
		if val := h.Value(); val != nil {
			state["value"] = *val
		}
	}
	if h, ok := n.Handler(cc.ClassBattery).(*cc.Battery); ok {
		if level, low := h.Level(); level != nil {
			state["battery"] = *level
			state["battery_low"] = low
		}
	}
	if h, ok := n.Handler(cc.ClassMeter).(*cc.Meter); ok {
		if r := h.Reading(); r != nil {
			state["meter"] = r.Value
		}
	}
	if h, ok := n.Handler(cc.ClassProtection).(*cc.Protection); ok {
		if st := h.State(); st != nil {
			state["protection"] = st.String()
		}
	}
	if len(state) == 0 {
		return nil
	}
	return state
}
