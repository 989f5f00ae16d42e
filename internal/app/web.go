package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jcrawfordor/cellscan/internal/gnss"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // local diagnostics only, the port is not exposed
	},
}

// StatusSnapshot is the /api/status payload.
type StatusSnapshot struct {
	Fix       *gnss.Fix `json:"fix,omitempty"`
	Pending   int       `json:"pending"`
	InFlight  int       `json:"in_flight"`
	Delivered int       `json:"delivered"`
	LastEvent Event     `json:"last_event"`
}

// RunWeb serves the local status page: a JSON snapshot endpoint and a
// websocket pushing live status events.
func RunWeb(ctx context.Context, port int, snapshot func() StatusSnapshot, hub *Hub) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			log.Printf("web: status encode error: %v", err)
		}
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		events, cancel := hub.Subscribe()
		defer cancel()

		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-events:
				if err := conn.WriteJSON(ev); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						log.Printf("web: websocket error: %v", err)
					}
					return
				}
			}
		}
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("web: status server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
