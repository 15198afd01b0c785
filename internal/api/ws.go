package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ansible-job-dashboard/internal/telemetry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser dashboards connect from arbitrary origins; auth, when
	// wanted, sits in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection and streams hub events to the observer
// until it disconnects. Inbound payloads are read and discarded; the read
// loop exists only to detect disconnects and answer pings.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	obs := s.hub.Subscribe()
	telemetry.ObserversGauge.Inc()
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("observer connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.hub.Unsubscribe(obs)
		telemetry.ObserversGauge.Dec()
		_ = conn.Close()
		s.log.Debug().Str("remote", r.RemoteAddr).Msg("observer disconnected")
	}()

	for {
		select {
		case payload, ok := <-obs.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
