// Package api implements the HTTP surface over a running daemon's
// sensor snapshot map and scan facility.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/fieldsense/i2csensors/internal/detect"
	"github.com/fieldsense/i2csensors/internal/models"
)

// SensorRegistry is the read-only view the handlers need over every
// bus loop's tracked sensors.
type SensorRegistry interface {
	AllSensorState() map[string]models.SensorState
	SensorState(id string) (models.SensorState, bool)
}

// Scanner runs an on-demand address scan of one bus.
type Scanner interface {
	Scan(busPath models.BusPath) (detect.Result, error)
}

// Subscriber streams sensor-state changes to callers willing to hold a
// connection open, instead of making them poll GET /sensors.
type Subscriber interface {
	Subscribe(id string) <-chan models.SensorState
	Unsubscribe(id string)
}

// Handlers holds the dependencies every route handler needs.
type Handlers struct {
	registry   SensorRegistry
	scanner    Scanner
	subscriber Subscriber
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// writeError renders err as JSON, mapping a classified *models.Error
// to its HTTP status by Kind; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	if e, ok := err.(*models.Error); ok {
		status, code = statusForKind(e.Kind)
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error()})
}

func statusForKind(k models.Kind) (int, string) {
	switch k {
	case models.KindArgumentError:
		return http.StatusBadRequest, "BAD_REQUEST"
	case models.KindBusClosed, models.KindInvalidHandle:
		return http.StatusNotFound, "NOT_FOUND"
	case models.KindConfigurationConflict:
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
}
