package ws

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/ghaccel/ghaccel/log"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

type logClient struct {
	ws   *websocket.Conn
	send chan []byte
}

// NewLogHub starts a hub that fans log lines out to websocket clients.
func NewLogHub() *LogHub {
	h := &LogHub{
		clients: map[*logClient]struct{}{},
		in:      make(chan []byte, 1024),
		reg:     make(chan *logClient),
		unreg:   make(chan *logClient),
		stop:    make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *LogHub) run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.reg:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unreg:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case msg := <-h.in:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow client, drop the line
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Clients returns the number of connected log clients.
func (h *LogHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *LogHub) Stop() {
	h.once.Do(func() { close(h.stop) })
}

type broadcastWriter struct {
	h   *LogHub
	mu  sync.Mutex
	buf []byte
}

// Write splits p into lines and queues them. Lines are dropped rather than
// blocking the logger when the hub is stopped or backed up.
func (w *broadcastWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	start := 0
	for {
		i := bytes.IndexByte(w.buf[start:], '\n')
		if i < 0 {
			break
		}
		end := start + i
		line := make([]byte, end-start)
		copy(line, w.buf[start:end])
		select {
		case w.h.in <- line:
		case <-w.h.stop:
		default:
		}
		start = end + 1
	}
	if start > 0 {
		w.buf = append([]byte{}, w.buf[start:]...)
	}
	return len(p), nil
}

// Writer returns a writer that broadcasts to all connected clients. It is
// meant to be attached with log.AddSink.
func (h *LogHub) Writer() io.Writer {
	return &broadcastWriter{h: h}
}

// HandleLogs upgrades the request and streams log lines until the client
// goes away.
func (h *LogHub) HandleLogs(w http.ResponseWriter, r *http.Request) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Tracef("Failed to upgrade logs WebSocket: %v", err)
		return
	}

	c := &logClient{ws: conn, send: make(chan []byte, 256)}
	log.Tracef("Logs WebSocket client connected: %s", r.RemoteAddr)

	select {
	case h.reg <- c:
	case <-h.stop:
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(h)
}

func (c *logClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *logClient) readPump(h *LogHub) {
	defer func() {
		select {
		case h.unreg <- c:
		case <-h.stop:
		}
		c.ws.Close()
	}()
	keepAlive(c.ws)
	drain(c.ws)
}

func keepAlive(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
}

// drain reads and discards client frames so control frames are processed.
// It returns when the connection fails or closes.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Tracef("WebSocket error: %v", err)
			}
			return
		}
	}
}

func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}
