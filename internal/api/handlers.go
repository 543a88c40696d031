package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/ble-mqtt-bridge/internal/bridges/ble"
	"github.com/nerrad567/ble-mqtt-bridge/internal/history"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxQueryParamLen    = 128
)

// handleHealth returns the bridge health report. Starting and stopping
// bridges answer 503 so load balancers and container probes back off.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := s.bridge.Health()
	status := http.StatusOK
	if h.Status != ble.HealthHealthy && h.Status != ble.HealthDegraded {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.bridge.Devices()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

type deviceResponse struct {
	ble.DeviceStatus
	Recorded map[string]history.Entry `json:"recorded,omitempty"`
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	resp := deviceResponse{DeviceStatus: st}
	if s.history != nil {
		last, err := s.history.LastValues(r.Context(), st.ID)
		if err != nil {
			s.logger.Warn("loading last values", "device_id", st.ID, "error", err)
		} else if len(last) > 0 {
			resp.Recorded = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	characteristic := r.URL.Query().Get("characteristic")
	if len(characteristic) > maxQueryParamLen {
		writeBadRequest(w, "characteristic exceeds maximum length")
		return
	}

	if s.history == nil {
		writeUnavailable(w, "value history unavailable")
		return
	}

	entries, err := s.history.GetHistory(r.Context(), st.ID, characteristic, limit)
	if err != nil {
		s.logger.Error("loading value history", "device_id", st.ID, "error", err)
		writeInternalError(w, "failed to load device history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": st.ID,
		"history":   entries,
		"count":     len(entries),
	})
}

// lookupDevice resolves {id}, writing 400 or 404 when it cannot.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (ble.DeviceStatus, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid device ID")
		return ble.DeviceStatus{}, false
	}
	st, err := s.bridge.Device(id)
	if err != nil {
		if errors.Is(err, ble.ErrUnknownDevice) {
			writeNotFound(w, "device not found")
			return ble.DeviceStatus{}, false
		}
		writeInternalError(w, "failed to get device")
		return ble.DeviceStatus{}, false
	}
	return st, true
}

func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum of %d", maxHistoryLimit)
	}
	return limit, nil
}
