package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the daemon's HTTP router. subscriber may be nil, in
// which case GET /events responds 503 rather than panicking.
func NewRouter(registry SensorRegistry, scanner Scanner, subscriber Subscriber) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware)
	r.Use(middleware.CleanPath)

	h := &Handlers{registry: registry, scanner: scanner, subscriber: subscriber}

	r.Get("/sensors", h.getSensors)
	r.Get("/sensors/{id}", h.getSensor)
	r.Get("/scan/{bus}", h.getScan)
	r.Get("/events", h.getEvents)

	return r
}

// corsMiddleware adds permissive CORS headers for local network access.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
