package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/voxlinkhq/voxlink/internal/device"
)

type deviceListResponse struct {
	Devices         []device.Info `json:"devices"`
	SelectedID      string        `json:"selected_id,omitempty"`
	PermissionError string        `json:"permission_error,omitempty"`
}

func (s *Server) deviceState() deviceListResponse {
	return deviceListResponse{
		Devices:         s.devices.Devices(),
		SelectedID:      s.devices.Selected(),
		PermissionError: s.devices.PermissionError(),
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deviceState())
}

func (s *Server) handleRefreshDevices(w http.ResponseWriter, _ *http.Request) {
	if err := s.devices.Refresh(); err != nil {
		s.log.Warn().Err(err).Msg("device refresh failed")
	}
	respondJSON(w, http.StatusOK, s.deviceState())
}

type selectDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	var req selectDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "device_id is required")
		return
	}
	if err := s.devices.Select(req.DeviceID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, device.ErrUnknownDevice) {
			status = http.StatusNotFound
		}
		respondError(w, status, "unknown_device", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, s.deviceState())
}
