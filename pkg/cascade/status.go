package cascade

import (
	"context"
	"sort"
)

// LinkInfo describes one link for status reporting.
type LinkInfo struct {
	Bridge       string    `json:"bridge,omitempty"`
	Peer         string    `json:"peer"`
	RouterID     string    `json:"routerId,omitempty"`
	State        LinkState `json:"state"`
	SubhostStart string    `json:"subhostStart,omitempty"`
	SubhostEnd   string    `json:"subhostEnd,omitempty"`
	Routers      []string  `json:"routers,omitempty"`
}

// BridgeInfo describes one downlink bridge.
type BridgeInfo struct {
	Name         string `json:"name"`
	Subnet       string `json:"subnet"`
	FreeSubhosts int    `json:"freeSubhosts"`
}

type Status struct {
	ID        string       `json:"id"`
	Parent    string       `json:"parent,omitempty"`
	Uplink    *LinkInfo    `json:"uplink,omitempty"`
	Downlinks []LinkInfo   `json:"downlinks"`
	Bridges   []BridgeInfo `json:"bridges"`
}

// Status snapshots every link.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	var st Status
	err := m.loop.Do(ctx, func() { st = m.status() })
	return st, err
}

// CurrentStatus is Status for code already running on the event loop,
// such as a Consumer.
func (m *Manager) CurrentStatus() Status {
	return m.status()
}

func (m *Manager) status() Status {
	st := Status{
		ID:        m.id,
		Parent:    m.self.Parent,
		Downlinks: []LinkInfo{},
		Bridges:   []BridgeInfo{},
	}
	if u := m.up; u != nil {
		info := &LinkInfo{
			Peer:     u.client.RemoteAddr(),
			RouterID: u.parentID,
			State:    u.state,
			Routers:  sortedIDs(m.upstream),
		}
		if u.subhost.IsValid() {
			info.SubhostStart = u.subhost.From().String()
			info.SubhostEnd = u.subhost.To().String()
		}
		st.Uplink = info
	}
	for c := range m.children {
		st.Downlinks = append(st.Downlinks, LinkInfo{
			Bridge:       c.d.bridge,
			Peer:         c.peer.RemoteAddr().String(),
			RouterID:     c.id,
			State:        c.state,
			SubhostStart: c.rng.From().String(),
			SubhostEnd:   c.rng.To().String(),
			Routers:      sortedIDs(c.branch),
		})
	}
	sort.Slice(st.Downlinks, func(i, j int) bool {
		a, b := st.Downlinks[i], st.Downlinks[j]
		if a.Bridge != b.Bridge {
			return a.Bridge < b.Bridge
		}
		return a.SubhostStart < b.SubhostStart
	})
	for _, d := range m.downlinks {
		st.Bridges = append(st.Bridges, BridgeInfo{
			Name:         d.bridge,
			Subnet:       d.subnet.String(),
			FreeSubhosts: d.pool.Free(),
		})
	}
	return st
}
