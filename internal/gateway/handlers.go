// Package gateway serves the HTTP side of roomchat: a health check, a JSON
// status snapshot, and the WebSocket endpoint that feeds upgraded
// connections to the chat server.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/transport"
)

// StatsSource supplies the status snapshot.
type StatsSource interface {
	Stats() *chat.Stats
}

// Gateway holds the HTTP handlers.
type Gateway struct {
	stats    StatsSource
	ws       *transport.WebSocketListener
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// New creates a gateway. ws may be nil, in which case /ws answers 404.
func New(stats StatsSource, ws *transport.WebSocketListener, origins *OriginPolicy, log zerolog.Logger) *Gateway {
	return &Gateway{
		stats: stats,
		ws:    ws,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.Check,
		},
		log: log,
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (g *Gateway) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "roomchat server is running!")
}

// StatusHandler writes the latest server snapshot as JSON.
func (g *Gateway) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st := g.stats.Stats()
	if st == nil {
		http.Error(w, "Status unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(st); err != nil {
		g.log.Warn().Err(err).Msg("encode status")
	}
}

// WebSocketHandler upgrades GET requests and hands the connection to the
// chat server, which then runs the name handshake over it.
func (g *Gateway) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if g.ws == nil {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	if err := g.ws.Offer(conn); err != nil {
		if errors.Is(err, transport.ErrListenerClosed) {
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = conn.Close()
		return
	}
	g.log.Debug().Str("addr", r.RemoteAddr).Msg("WebSocket connection handed to chat server")
}
