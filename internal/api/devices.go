package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/tuya-gateway/internal/device"
	"github.com/nerrad567/tuya-gateway/internal/gateway"
)

// DeviceResponse describes one registered device.
type DeviceResponse struct {
	ID           string            `json:"id"`
	Namespace    string            `json:"namespace"`
	Protocol     string            `json:"protocol"`
	Address      string            `json:"ip"`
	State        string            `json:"state"`
	TopicEncoded bool              `json:"topic_config"`
	Ready        bool              `json:"ready"`
	PollCommand  int               `json:"pref_status_cmd,omitempty"`
	Attributes   device.Attributes `json:"attributes"`
}

// DeviceListResponse is the body of GET /devices.
type DeviceListResponse struct {
	Devices []DeviceResponse `json:"devices"`
	Count   int              `json:"count"`
}

// newDeviceResponse builds the external view of a device. The local key is
// never exposed.
func newDeviceResponse(st gateway.DeviceStatus) DeviceResponse {
	return DeviceResponse{
		ID:           st.ID,
		Namespace:    st.Namespace,
		Protocol:     st.Snapshot.Protocol,
		Address:      st.Snapshot.Address,
		State:        st.State.String(),
		TopicEncoded: st.TopicEncoded,
		Ready:        st.Ready,
		PollCommand:  st.Snapshot.PollCommand,
		Attributes:   st.Snapshot.Attributes,
	}
}

// handleListDevices returns every registered device, ordered by id.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.devices.Devices(r.Context())
	if err != nil {
		s.writeSourceError(w, err)
		return
	}

	resp := DeviceListResponse{Devices: make([]DeviceResponse, 0, len(statuses))}
	for _, st := range statuses {
		resp.Devices = append(resp.Devices, newDeviceResponse(st))
	}
	resp.Count = len(resp.Devices)

	writeJSON(w, http.StatusOK, resp)
}

// handleGetDevice returns one device by id.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.devices.Device(r.Context(), id)
	if err != nil {
		s.writeSourceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newDeviceResponse(st))
}

func (s *Server) writeSourceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, "device not found")
	case errors.Is(err, gateway.ErrStopped):
		writeUnavailable(w, "gateway is shutting down")
	default:
		s.logger.Error("querying devices", "error", err)
		writeInternalError(w, "failed to query devices")
	}
}
