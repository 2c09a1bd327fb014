package util

import (
	"net/http"
	// The pprof package only registers its endpoints against the
	// default mux. Load it for that side effect and forward traffic
	// to the default mux below.
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterAdministrativeHTTPEndpoints registers the HTTP endpoints
// every daemon exposes for operations: Prometheus metrics, a liveness
// check and pprof.
func RegisterAdministrativeHTTPEndpoints(router *mux.Router) {
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/-/healthy", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
}
