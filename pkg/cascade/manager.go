// Package cascade keeps a node's view of the router tree consistent with its
// parent (uplink) and children (downlinks).
//
// Every id in the view has exactly one reporter: the node itself, one live
// downlink, or the uplink. All state lives on the event loop; link
// goroutines only post closures to it.
package cascade

import (
	"context"
	"errors"
	"net/netip"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"wrtd/pkg/eventloop"
	"wrtd/pkg/model"
)

var (
	ErrNotOwner        = errors.New("cascade: router not owned by this link")
	ErrDuplicateRouter = errors.New("cascade: router already reported elsewhere")
	ErrNotRegistered   = errors.New("cascade: link not registered")
	ErrUplinkAttached  = errors.New("cascade: uplink already attached")
	// ErrUplinkLost wraps the cause when a registered uplink went away.
	ErrUplinkLost = errors.New("cascade: uplink lost")
)

type Config struct {
	// ID is this node's router id.
	ID string
	// RegisterTimeout bounds the uplink register exchange. Zero waits
	// forever.
	RegisterTimeout time.Duration
}

type Manager struct {
	id              string
	log             *logrus.Entry
	loop            *eventloop.Loop
	registerTimeout time.Duration

	self      model.Router
	clients   *clientSources
	children  map[*child]struct{}
	owners    map[string]*child
	up        *uplink
	upstream  model.RouterList
	downlinks []*Downlink
	consumers []Consumer
}

func NewManager(cfg Config, loop *eventloop.Loop, log *logrus.Entry) *Manager {
	return &Manager{
		id:              cfg.ID,
		log:             log,
		loop:            loop,
		registerTimeout: cfg.RegisterTimeout,
		self:            model.NewRouter(""),
		clients:         newClientSources(),
		children:        make(map[*child]struct{}),
		owners:          make(map[string]*child),
		upstream:        make(model.RouterList),
	}
}

func (m *Manager) ID() string { return m.id }

// Subscribe adds a consumer. Call it before the loop starts running.
func (m *Manager) Subscribe(c Consumer) {
	m.consumers = append(m.consumers, c)
}

// View returns a copy of the merged view.
func (m *Manager) View(ctx context.Context) (model.RouterList, error) {
	var out model.RouterList
	err := m.loop.Do(ctx, func() { out = m.view() })
	return out, err
}

// Clients returns the merged client list of this node.
func (m *Manager) Clients(ctx context.Context) (map[string]model.Client, error) {
	var out map[string]model.Client
	err := m.loop.Do(ctx, func() { out = m.self.Clone().ClientList })
	return out, err
}

// SetWanPrefixList replaces this node's WAN prefixes.
func (m *Manager) SetWanPrefixList(ctx context.Context, prefixes []netip.Prefix) error {
	return m.loop.Do(ctx, func() { m.setSelfPrefixes(DeltaWanPrefixList, prefixes) })
}

// SetLanPrefixList replaces this node's LAN prefixes.
func (m *Manager) SetLanPrefixList(ctx context.Context, prefixes []netip.Prefix) error {
	return m.loop.Do(ctx, func() { m.setSelfPrefixes(DeltaLanPrefixList, prefixes) })
}

// UpstreamPrefixes lists the LAN and WAN prefixes of every router reported
// by the uplink. It must be called on the event loop, usually from a
// Consumer.
func (m *Manager) UpstreamPrefixes() []netip.Prefix {
	ids := make([]string, 0, len(m.upstream))
	for id := range m.upstream {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []netip.Prefix
	for _, id := range ids {
		r := m.upstream[id]
		out = append(out, model.NetIPs(r.LanPrefixList)...)
		out = append(out, model.NetIPs(r.WanPrefixList)...)
	}
	return out
}

// RouterCount is the size of the merged view. It must be called on the
// event loop.
func (m *Manager) RouterCount() int {
	return 1 + len(m.owners) + len(m.upstream)
}

func (m *Manager) setSelfPrefixes(kind DeltaKind, prefixes []netip.Prefix) {
	list := make([]model.Prefix, 0, len(prefixes))
	for _, p := range prefixes {
		list = append(list, model.PrefixFrom(p))
	}
	cur := &m.self.WanPrefixList
	if kind == DeltaLanPrefixList {
		cur = &m.self.LanPrefixList
	}
	if model.PrefixesEqual(*cur, list) {
		return
	}
	*cur = list
	m.propagate(OriginSelf, nil, delta{
		kind:     kind,
		prefixes: map[string][]model.Prefix{m.id: append([]model.Prefix{}, list...)},
	})
}

// view is self, every child branch and the upstream tree, deep-copied.
func (m *Manager) view() model.RouterList {
	out := m.upstream.Clone()
	for c := range m.children {
		for id, r := range c.branch {
			out[id] = r.Clone()
		}
	}
	out[m.id] = m.self.Clone()
	return out
}

// subtree is what this node reports when it registers upward: its own
// record plus every child branch. Records without a parent hang off us.
func (m *Manager) subtree() model.RouterList {
	out := model.RouterList{m.id: m.self.Clone()}
	for c := range m.children {
		for id, r := range c.branch {
			r = r.Clone()
			if r.Parent == "" {
				r.Parent = m.id
			}
			out[id] = r
		}
	}
	return out
}

// ownedLocally reports whether id is this node or in a child branch.
func (m *Manager) ownedLocally(id string) bool {
	return id == m.id || m.owners[id] != nil
}

// propagate forwards an already applied change: upward unless it came from
// the uplink, to every registered downlink except from, and to consumers.
func (m *Manager) propagate(origin Origin, from *child, d delta) {
	if d.empty() {
		return
	}
	if origin != OriginUplink {
		m.sendUp(d)
	}
	m.notifyChildren(from, d)
	m.emit(Event{
		Type:    deltaEvents[d.kind],
		Origin:  origin,
		Routers: d.routerIDs(),
		Data:    d.payload(),
	})
}

func (m *Manager) notifyChildren(except *child, d delta) {
	for c := range m.children {
		if c == except || c.state != StateRegistered {
			continue
		}
		if err := c.peer.Notify(d.kind.Notify(), d.payload()); err != nil {
			c.log.WithError(err).Debug("notify dropped")
		}
	}
}

func sortedIDs(list model.RouterList) []string {
	ids := make([]string, 0, len(list))
	for id := range list {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
