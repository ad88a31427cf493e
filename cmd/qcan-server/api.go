package main

import (
	"net/http"

	"github.com/kstaniek/qcan-server/internal/httpapi"
	"github.com/kstaniek/qcan-server/internal/logging"
	"github.com/kstaniek/qcan-server/internal/monitor"
	"github.com/kstaniek/qcan-server/internal/qcan"
)

// startAPI serves the per-network stats and tail endpoints. Routing
// between the two is by path suffix since both hang off
// /networks/{id}/.
func startAPI(addr string, srv *qcan.Server) *http.Server {
	stats := httpapi.NewHandler(srv)
	tail := monitor.NewHandler(srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/networks/", func(w http.ResponseWriter, r *http.Request) {
		if len(r.URL.Path) >= 5 && r.URL.Path[len(r.URL.Path)-5:] == "/tail" {
			tail.ServeHTTP(w, r)
			return
		}
		stats.ServeHTTP(w, r)
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("api_listen", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("api_http_error", "error", err)
		}
	}()
	return httpSrv
}
