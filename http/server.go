package http

import (
	"fmt"
	"net"
	stdhttp "net/http"
	"strconv"
	"time"

	"github.com/ghaccel/ghaccel/config"
	"github.com/ghaccel/ghaccel/http/handler"
	"github.com/ghaccel/ghaccel/http/ws"
	"github.com/ghaccel/ghaccel/log"
	"github.com/ghaccel/ghaccel/metrics"
)

// StartServer starts the reporting server in the background. It returns a
// nil server when the web server is disabled.
func StartServer(cfg *config.Config, api *handler.API, hub *ws.LogHub, mc *metrics.Collector) (*stdhttp.Server, error) {
	if cfg.System.WebServer.Port == 0 {
		log.Infof("Web server disabled (port 0)")
		return nil, nil
	}

	addr := net.JoinHostPort(cfg.System.WebServer.BindAddress, strconv.Itoa(cfg.System.WebServer.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("web server listen %s: %w", addr, err)
	}

	srv := &stdhttp.Server{
		Handler:           NewHandler(api, hub, mc),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Infof("Starting web server on %s", ln.Addr())
	mc.RecordEvent("info", fmt.Sprintf("Web server started on %s", ln.Addr()))

	go func() {
		if err := srv.Serve(ln); err != nil && err != stdhttp.ErrServerClosed {
			log.Errorf("Web server error: %v", err)
			mc.RecordEvent("error", fmt.Sprintf("Web server error: %v", err))
		}
	}()

	return srv, nil
}

// NewHandler builds the routed handler with CORS applied.
func NewHandler(api *handler.API, hub *ws.LogHub, mc *metrics.Collector) stdhttp.Handler {
	mux := stdhttp.NewServeMux()

	if hub != nil {
		mux.HandleFunc("/api/ws/logs", hub.HandleLogs)
	}
	mux.HandleFunc("/api/ws/metrics", ws.HandleMetrics(mc))
	log.Tracef("WebSocket endpoints registered: /api/ws/logs, /api/ws/metrics")

	api.RegisterEndpoints(mux)
	log.Tracef("REST API endpoints registered")

	return cors(mux)
}

func cors(next stdhttp.Handler) stdhttp.Handler {
	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == stdhttp.MethodOptions {
			w.WriteHeader(stdhttp.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
