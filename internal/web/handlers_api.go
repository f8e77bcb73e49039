package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"dali-go-home/internal/bridge"
	"dali-go-home/internal/dali"
	"dali-go-home/internal/store"
)

type statusResponse struct {
	Lights    int  `json:"lights"`
	Inputs    int  `json:"inputs"`
	Listening bool `json:"listening"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Lights:    s.driver.Lights(),
		Inputs:    s.driver.Inputs(),
		Listening: s.driver.Attached(),
	})
}

type deviceView struct {
	Addr  uint8  `json:"addr"`
	Kind  string `json:"kind"`
	Label string `json:"label,omitempty"`
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	labels, err := s.st.Labels()
	if err != nil {
		s.logger.Error("list labels", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	views := make([]deviceView, 0, s.driver.Lights()+s.driver.Inputs())
	for i := 0; i < s.driver.Lights(); i++ {
		addr := uint8(i)
		views = append(views, deviceView{Addr: addr, Kind: "gear", Label: labels[addr]})
	}
	start := s.driver.InputAddrStart()
	for i := 0; i < s.driver.Inputs(); i++ {
		addr := uint8(start + i)
		views = append(views, deviceView{Addr: addr, Kind: "input", Label: labels[addr]})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type deviceDetail struct {
	Addr   uint8  `json:"addr"`
	Label  string `json:"label,omitempty"`
	Level  *uint8 `json:"level,omitempty"`
	Status *uint8 `json:"status,omitempty"`
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	detail := deviceDetail{Addr: addr}
	if label, err := s.st.Label(addr); err == nil {
		detail.Label = label
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("get label", "err", err, "addr", addr)
	}

	// Live queries; a powered-off device simply reports nothing.
	if level, err := s.driver.Level(addr); err == nil {
		detail.Level = &level
	}
	if status, err := s.driver.Status(addr); err == nil {
		detail.Status = &status
	}
	s.writeJSON(w, http.StatusOK, detail)
}

type renameDeviceRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var err error
	if req.Label == "" {
		err = s.st.DeleteLabel(addr)
	} else {
		err = s.st.SetLabel(addr, req.Label)
	}
	if err != nil {
		s.logger.Error("rename device", "err", err, "addr", addr)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "label": req.Label})
}

type setLevelRequest struct {
	Level uint8 `json:"level"`
}

func (s *Server) handleAPISetLevel(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}

	var req setLevelRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Level > 254 {
		req.Level = 254
	}

	if err := s.driver.SetLevel(target, req.Level); err != nil {
		s.logger.Error("set level", "err", err, "target", target)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bus write failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIOn(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}
	if err := s.driver.On(target); err != nil {
		s.logger.Error("switch on", "err", err, "target", target)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bus write failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIOff(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}
	if err := s.driver.Off(target); err != nil {
		s.logger.Error("switch off", "err", err, "target", target)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bus write failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIGoToScene(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}
	scene, err := strconv.ParseUint(r.PathValue("scene"), 10, 8)
	if err != nil || scene > 15 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "scene must be 0-15"})
		return
	}
	if err := s.driver.GoToScene(target, uint8(scene)); err != nil {
		s.logger.Error("go to scene", "err", err, "target", target, "scene", scene)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bus write failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type setColorRequest struct {
	R      *uint8  `json:"r,omitempty"`
	G      *uint8  `json:"g,omitempty"`
	B      *uint8  `json:"b,omitempty"`
	Dim    *uint8  `json:"dim,omitempty"`
	Kelvin *uint16 `json:"kelvin,omitempty"`
}

func (s *Server) handleAPISetColor(w http.ResponseWriter, r *http.Request) {
	target, ok := s.pathTarget(w, r)
	if !ok {
		return
	}

	var req setColorRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var err error
	switch {
	case req.Kelvin != nil:
		if *req.Kelvin < dali.MinKelvin || *req.Kelvin > dali.MaxKelvin {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kelvin out of range"})
			return
		}
		err = s.driver.SetColorTemperature(target, *req.Kelvin)
	case req.R != nil && req.G != nil && req.B != nil:
		dim := uint8(254)
		if req.Dim != nil {
			dim = *req.Dim
		}
		err = s.driver.SetColorRGB(target, *req.R, *req.G, *req.B, dim)
	default:
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "need kelvin or r/g/b"})
		return
	}
	if err != nil {
		s.logger.Error("set color", "err", err, "target", target)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "bus write failed"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 1000 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be 1-1000"})
			return
		}
		limit = n
	}

	events, err := s.st.RecentEvents(limit)
	if err != nil {
		s.logger.Error("list events", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if events == nil {
		events = []*store.EventRecord{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

// pathAddr parses the {addr} path value as a short address.
func (s *Server) pathAddr(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	n, err := strconv.ParseUint(r.PathValue("addr"), 10, 8)
	if err != nil || n > 63 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "address must be 0-63"})
		return 0, false
	}
	return uint8(n), true
}

// pathTarget parses the {target} path value: a short address, "gN" or "all".
func (s *Server) pathTarget(w http.ResponseWriter, r *http.Request) (uint8, bool) {
	target, err := bridge.ParseTarget(r.PathValue("target"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return 0, false
	}
	return target, true
}
