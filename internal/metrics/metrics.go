// Package metrics exposes the node's operational counters and a tiny
// HTTP surface (/metrics, /status) bound to whatever address is passed to
// Serve. Entirely ambient: no protocol behavior depends on it.
package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localmesh/node/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("metrics", "prometheus counters and status server")

var (
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanmsgd_connections_accepted_total",
		Help: "TCP connections accepted from the listener.",
	})
	ConnectionsDialed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lanmsgd_connections_dialed_total",
		Help: "TCP connections dialed outbound.",
	})
	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lanmsgd_connections_closed_total",
		Help: "Peer connections closed, by reason.",
	}, []string{"reason"})
	EnvelopesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lanmsgd_envelopes_dispatched_total",
		Help: "JSON envelopes dispatched by the connection manager, by type.",
	}, []string{"type"})
	TransfersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lanmsgd_transfers_active",
		Help: "In-flight file transfer sessions.",
	})
)

// Status is the JSON body served at /status.
type Status struct {
	Peers     []string `json:"peers"`
	Groups    []string `json:"groups"`
	Transfers int      `json:"transfers"`
}

// StatusFunc produces a fresh snapshot on every request.
type StatusFunc func() Status

// Server is the metrics/status HTTP surface.
type Server struct {
	srv *http.Server
}

// Serve starts listening on addr (expected to be a loopback address) and
// returns immediately; call Shutdown to stop it.
func Serve(addr string, status StatusFunc) (*Server, error) {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/status", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status())
	})

	httpSrv := &http.Server{Addr: addr, Handler: router}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.Warnln("status server stopped:", err)
		}
	}()

	return &Server{srv: httpSrv}, nil
}

// Shutdown gracefully stops the status server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
