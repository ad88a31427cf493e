// Package monitor exposes a read-only WebSocket tail of dispatched
// frames per network, for operator tooling rather than bus control.
package monitor

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kstaniek/qcan-server/internal/logging"
	"github.com/kstaniek/qcan-server/internal/qcan"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const pingInterval = 30 * time.Second

// frameEnvelope is the wire shape of one tailed frame.
type frameEnvelope struct {
	Network  string `json:"network"`
	Category string `json:"category"`
	CANID    uint32 `json:"can_id,omitempty"`
	Ext      bool   `json:"ext,omitempty"`
	RTR      bool   `json:"rtr,omitempty"`
	Len      uint8  `json:"len,omitempty"`
	Data     []byte `json:"data,omitempty"`
	APIFunc  string `json:"api_function,omitempty"`
	ErrState string `json:"error_state,omitempty"`
}

func toEnvelope(network string, fr qcan.Frame) frameEnvelope {
	env := frameEnvelope{Network: network, Category: fr.Category.String()}
	switch fr.Category {
	case qcan.CategoryCAN:
		env.CANID = fr.CAN.CANID
		env.Ext = fr.CAN.Ext
		env.RTR = fr.CAN.RTR
		env.Len = fr.CAN.Len
		env.Data = append([]byte(nil), fr.CAN.Data[:fr.CAN.Len]...)
	case qcan.CategoryAPI:
		env.APIFunc = fr.API.Function.String()
	case qcan.CategoryError:
		env.ErrState = fr.Err.State.String()
	}
	return env
}

// Handler serves one read-only WebSocket endpoint per network under
// /networks/{id}/tail.
type Handler struct {
	srv *qcan.Server
}

// NewHandler builds a Handler routing tail requests against srv's
// hosted networks.
func NewHandler(srv *qcan.Server) *Handler { return &Handler{srv: srv} }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
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
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Warn("monitor_upgrade_failed", "network", id, "error", err)
		return
	}
	go serveTail(conn, n)
}

// serveTail streams frames from n.Tail() to conn until the connection
// breaks. A slow client only stalls its own write; it never blocks
// the network's dispatcher, since n.Tail() already drops on a full
// buffer at the publish side.
func serveTail(conn *websocket.Conn, n *qcan.Network) {
	defer conn.Close()
	name := n.Name()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case fr, ok := <-n.Tail():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteJSON(toEnvelope(name, fr)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func networkIDFromPath(path string) (uint32, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "networks" || parts[2] != "tail" {
		return 0, false
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(id), true
}
