package gateway

import "net/http"

// Routes returns a ServeMux with the health, status and WebSocket endpoints.
func (g *Gateway) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.HealthHandler)
	mux.HandleFunc("/status", g.StatusHandler)
	mux.HandleFunc("/ws", g.WebSocketHandler)
	return mux
}
