package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fieldsense/i2csensors/internal/models"
)

// getSensors handles GET /sensors: the full, current snapshot map.
func (h *Handlers) getSensors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.AllSensorState())
}

// getSensor handles GET /sensors/{id}: one sensor's state, or 404.
func (h *Handlers) getSensor(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, ok := h.registry.SensorState(id)
	if !ok {
		writeError(w, models.InvalidHandle("api.getSensor"))
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// scanResponse is the JSON shape for GET /scan/{bus}.
type scanResponse struct {
	Devices []models.DeviceInfo `json:"devices"`
	Table   string               `json:"table"`
}

// getScan handles GET /scan/{bus}: an on-demand address scan.
func (h *Handlers) getScan(w http.ResponseWriter, r *http.Request) {
	bus := chi.URLParam(r, "bus")
	result, err := h.scanner.Scan(models.BusPath("/dev/" + bus))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scanResponse{Devices: result.Devices, Table: result.Table})
}

// getEvents handles GET /events: a server-sent-events stream of every
// sensor state update, so callers don't have to poll GET /sensors.
func (h *Handlers) getEvents(w http.ResponseWriter, r *http.Request) {
	if h.subscriber == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "UNAVAILABLE", Message: "api.getEvents: no event source configured"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, models.ArgumentError("api.getEvents", "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := uuid.NewString()
	ch := h.subscriber.Subscribe(subID)
	defer h.subscriber.Unsubscribe(subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case state, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(state)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}
