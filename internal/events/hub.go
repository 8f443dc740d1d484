package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
	backlog    = 20
)

// Hub streams events from a RingBuffer to websocket clients. A client that
// cannot keep up is disconnected rather than slowing publishers.
type Hub struct {
	events   *RingBuffer
	upgrader websocket.Upgrader
	log      *logrus.Entry
}

// NewHub creates a hub. allowOrigin decides cross-origin upgrades; nil
// accepts every origin.
func NewHub(events *RingBuffer, allowOrigin func(origin string) bool, log *logrus.Entry) *Hub {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Hub{
		events: events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if allowOrigin == nil {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || allowOrigin(origin)
			},
		},
		log: log,
	}
}

// ServeHTTP upgrades the request, replays recent events oldest first, then
// streams new ones until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	send := make(chan Event, sendBuffer)
	done := make(chan struct{})
	stop := sync.OnceFunc(func() { close(done) })
	unsubscribe := h.events.Subscribe(func(e Event) {
		select {
		case send <- e:
		default:
			// Slow consumer.
			stop()
		}
	})

	recent := h.events.Recent(backlog)
	go h.readLoop(conn, stop)
	h.writeLoop(conn, recent, send, done)

	unsubscribe()
	conn.Close()
}

// readLoop discards client messages and keeps the pong deadline fresh. It
// calls stop when the client disconnects.
func (h *Hub) readLoop(conn *websocket.Conn, stop func()) {
	defer stop()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(conn *websocket.Conn, recent []Event, send <-chan Event, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for i := len(recent) - 1; i >= 0; i-- {
		if err := h.write(conn, recent[i]); err != nil {
			return
		}
	}

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case e := <-send:
			if err := h.write(conn, e); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, e Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}
