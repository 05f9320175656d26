package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	Mux *mux.Router
}

// New returns a router serving /metrics, /healthz and /readyz.
func New(readyTimeout time.Duration, checks ...ReadyzCheck) *Server {
	m := mux.NewRouter()
	m.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	m.HandleFunc("/healthz", Healthz()).Methods(http.MethodGet)
	m.HandleFunc("/readyz", Readyz(readyTimeout, checks...)).Methods(http.MethodGet)
	return &Server{Mux: m}
}

// Ping adapts a Ping(ctx) error dependency to a readiness check.
func Ping(p interface{ Ping(context.Context) error }) ReadyzCheck {
	return p.Ping
}
