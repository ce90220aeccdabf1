package ws

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Upgrader accepts same-host browsers and non-browser clients.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return originHost(origin) == r.Host
}

type LogHub struct {
	mu      sync.RWMutex
	clients map[*logClient]struct{}
	in      chan []byte
	reg     chan *logClient
	unreg   chan *logClient
	stop    chan struct{}
	once    sync.Once
}
