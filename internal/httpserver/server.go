package httpserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}

// MountHealth adds /healthz (liveness) and /readyz (dependency checks).
func (s *Server) MountHealth(readyTimeout time.Duration, checks ...ReadyzCheck) {
	s.Mux.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
}

// Handler wraps the router in the standard middleware stack. Metrics runs
// inside the router so the route template is known.
func (s *Server) Handler(requests *prometheus.CounterVec) http.Handler {
	s.Mux.Use(Recover, Metrics(requests))
	return Logging(s.Mux)
}
