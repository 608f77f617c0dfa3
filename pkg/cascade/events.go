package cascade

import (
	"time"
)

// EventType names what happened to the view.
type EventType string

const (
	EventUplinkUp          EventType = "uplink-up"
	EventUplinkDown        EventType = "uplink-down"
	EventRouterAdd         EventType = "router-add"
	EventRouterRemove      EventType = "router-remove"
	EventWanPrefixChange   EventType = "router-wan-prefix-list-change"
	EventLanPrefixChange   EventType = "router-lan-prefix-list-change"
	EventClientAddOrChange EventType = "router-client-add-or-change"
	EventClientRemove      EventType = "router-client-remove"
)

var deltaEvents = map[DeltaKind]EventType{
	DeltaRouterAdd:     EventRouterAdd,
	DeltaRouterRemove:  EventRouterRemove,
	DeltaWanPrefixList: EventWanPrefixChange,
	DeltaLanPrefixList: EventLanPrefixChange,
	DeltaClientSet:     EventClientAddOrChange,
	DeltaClientRemove:  EventClientRemove,
}

// Event is delivered to local consumers after the view changed. Data has the
// same shape as the matching notification.
type Event struct {
	Type    EventType `json:"type"`
	Origin  Origin    `json:"origin"`
	Routers []string  `json:"routers,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// Consumer receives events on the event loop. It must not block and must
// not call Manager methods that wait on the loop.
type Consumer func(Event)

func (m *Manager) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	for _, c := range m.consumers {
		c(ev)
	}
}
