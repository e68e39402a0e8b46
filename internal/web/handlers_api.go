package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"zwave-go-home/internal/driver"
	"zwave-go-home/internal/serialapi"
)

func (s *Server) handleAPIListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.drv.Nodes()
	views := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, s.nodeView(n))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ID < views[j].ID })
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIGetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathNodeID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	node := s.drv.Node(id)
	if node == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.nodeView(node))
}

type renameNodeRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathNodeID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}

	var req renameNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.drv.RenameNode(id, req.FriendlyName); err != nil {
		if errors.Is(err, driver.ErrUnknownNode) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
			return
		}
		s.logger.Error("rename node", "err", err, "node", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": req.FriendlyName})
}

func (s *Server) handleAPIDeleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathNodeID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	if err := s.drv.RemoveNode(id); err != nil {
		s.logger.Error("delete node", "err", err, "node", id)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIInterviewNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathNodeID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	if s.drv.Node(id) == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
		return
	}
	s.drv.StartInterview(id)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "interview started"})
}

func (s *Server) handleAPIInterviewAll(w http.ResponseWriter, r *http.Request) {
	s.drv.InterviewAll()
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "interview started"})
}

type setNodeRequest struct {
	// On drives the Binary Switch class, Value drives Basic. Exactly one
	// must be present.
	On    *bool `json:"on,omitempty"`
	Value *byte `json:"value,omitempty"`
}

func (s *Server) handleAPISetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathNodeID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}

	var req setNodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if (req.On == nil) == (req.Value == nil) {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "exactly one of on or value required"})
		return
	}

	var err error
	if req.On != nil {
		err = s.drv.SwitchSet(r.Context(), id, *req.On)
	} else {
		err = s.drv.BasicSet(r.Context(), id, *req.Value)
	}
	if err != nil {
		s.writeCommandError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type getNodeValueRequest struct {
	Class string `json:"class"` // "switch", "basic", "battery", "meter"
}

func (s *Server) handleAPIGetNodeValue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathNodeID(r)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}

	var req getNodeValueRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	switch req.Class {
	case "switch":
		on, err := s.drv.SwitchGet(r.Context(), id)
		if err != nil {
			s.writeCommandError(w, id, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"on": on})
	case "basic":
		value, err := s.drv.BasicGet(r.Context(), id)
		if err != nil {
			s.writeCommandError(w, id, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"value": value})
	case "battery":
		level, low, err := s.drv.BatteryGet(r.Context(), id)
		if err != nil {
			s.writeCommandError(w, id, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"battery": level, "battery_low": low})
	case "meter":
		reading, err := s.drv.MeterGet(r.Context(), id)
		if err != nil {
			s.writeCommandError(w, id, err)
			return
		}
		s.writeJSON(w, http.StatusOK, reading)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown class"})
	}
}

// writeCommandError maps driver errors onto HTTP statuses.
func (s *Server) writeCommandError(w http.ResponseWriter, id byte, err error) {
	switch {
	case errors.Is(err, driver.ErrUnknownNode):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
	case errors.Is(err, driver.ErrNotSupported):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": "command class not supported by node"})
	case errors.Is(err, serialapi.ErrTimeout):
		s.writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "node did not respond"})
	default:
		s.logger.Error("node command", "err", err, "node", id)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "command failed"})
	}
}

func (s *Server) handleAPINetworkInfo(w http.ResponseWriter, r *http.Request) {
	info := s.drv.Network()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"home_id":      info.HomeID,
		"own_node_id":  info.OwnNodeID,
		"api_version":  info.APIVersion,
		"library_type": info.LibraryType,
		"chip_type":    info.ChipType,
		"chip_version": info.ChipVersion,
		"node_count":   len(s.drv.Nodes()),
	})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
