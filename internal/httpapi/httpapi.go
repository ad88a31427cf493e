// Package httpapi serves the read-only JSON statistics snapshot per
// network, encoded with json-iterator as a drop-in encoding/json
// replacement.
package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/kstaniek/qcan-server/internal/qcan"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler serves GET /networks/{id}/stats, returning the network's
// most recently published Snapshot.
type Handler struct {
	srv *qcan.Server
}

// NewHandler builds a Handler routing stats requests against srv's
// hosted networks.
func NewHandler(srv *qcan.Server) *Handler { return &Handler{srv: srv} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := networkIDFromPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	n, ok := h.srv.Network(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	snap := n.Stats().Latest()
	if snap.Network == "" {
		snap.Network = n.Name()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func networkIDFromPath(path string) (uint32, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "networks" || parts[2] != "stats" {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
