package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"wrtd/pkg/cascade"
)

const (
	subscriberQueue = 64
	writeWait       = 5 * time.Second
)

var (
	errHubClosed  = errors.New("event hub closed")
	errQueueFull  = errors.New("subscriber queue full")
	errClientGone = errors.New("subscriber went away")
)

// WSMessage is the envelope pushed to event subscribers.
type WSMessage struct {
	Type    string    `json:"type"`
	Origin  string    `json:"origin,omitempty"`
	Routers []string  `json:"routers,omitempty"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// EventMessage wraps a cascade event for the websocket feed.
func EventMessage(ev cascade.Event) WSMessage {
	return WSMessage{
		Type:    string(ev.Type),
		Origin:  ev.Origin.String(),
		Routers: ev.Routers,
		Time:    ev.Time,
		Payload: ev.Data,
	}
}

type subscriber struct {
	conn *websocket.Conn
	log  *logrus.Entry
	send chan WSMessage
	done chan struct{}
	once sync.Once
}

// EventHub fans events out to websocket subscribers.
type EventHub struct {
	upgrader websocket.Upgrader
	log      *logrus.Entry
	mu       sync.RWMutex
	subs     map[*subscriber]struct{}
}

func NewEventHub(log *logrus.Entry) *EventHub {
	return &EventHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:  log,
		subs: map[*subscriber]struct{}{},
	}
}

// HandleEvents upgrades the request and streams events to it until the
// client goes away.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).WithField("remote", r.RemoteAddr).Warn("ws upgrade failed")
		return
	}
	s := &subscriber{
		conn: c,
		log:  h.log.WithField("remote", r.RemoteAddr),
		send: make(chan WSMessage, subscriberQueue),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	s.log.Info("event subscriber connected")
	go h.writeLoop(s)
	go h.readLoop(s)
}

// Publish hands msg to every subscriber without blocking. A subscriber that
// cannot keep up is disconnected.
func (h *EventHub) Publish(msg WSMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			go h.drop(s, errQueueFull)
		}
	}
}

func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *EventHub) Close() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		h.drop(s, errHubClosed)
	}
}

func (h *EventHub) writeLoop(s *subscriber) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				h.drop(s, err)
				return
			}
		}
	}
}

// readLoop discards whatever the client sends; it is only there to notice
// the close.
func (h *EventHub) readLoop(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.drop(s, errClientGone)
			return
		}
	}
}

func (h *EventHub) drop(s *subscriber, cause error) {
	s.once.Do(func() {
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
		s.log.WithError(cause).Info("event subscriber disconnected")
	})
}
