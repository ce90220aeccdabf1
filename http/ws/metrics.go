package ws

import (
	"net/http"
	"time"

	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/metrics"
	"github.com/gorilla/websocket"
)

// MetricsInterval is how often snapshots are pushed.
var MetricsInterval = time.Second

// HandleMetrics returns a handler that pushes a metrics snapshot to the
// client every MetricsInterval.
func HandleMetrics(mc *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Tracef("Failed to upgrade metrics WebSocket: %v", err)
			return
		}
		defer conn.Close()
		log.Tracef("Metrics WebSocket client connected: %s", r.RemoteAddr)

		done := make(chan struct{})
		go func() {
			defer close(done)
			keepAlive(conn)
			drain(conn)
		}()

		send := func() bool {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			return conn.WriteJSON(mc.GetSnapshot()) == nil
		}
		if !send() {
			return
		}

		ticker := time.NewTicker(MetricsInterval)
		defer ticker.Stop()
		ping := time.NewTicker(pingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case <-ticker.C:
				if !send() {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
