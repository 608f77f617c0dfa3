package cascade

import (
	"context"
	"sort"

	"wrtd/pkg/model"
)

// clientSources merges the host lists reported by several local sources
// (one per bridge) into this node's client list. The first source to report
// an ip owns it until that source drops it; then the next source still
// holding the ip takes over.
type clientSources struct {
	bySource map[string]map[string]model.Client
	owner    map[string]string
}

func newClientSources() *clientSources {
	return &clientSources{
		bySource: make(map[string]map[string]model.Client),
		owner:    make(map[string]string),
	}
}

// upsert records hosts for source and returns the merged entries that
// changed relative to merged.
func (s *clientSources) upsert(source string, hosts map[string]model.Client, merged map[string]model.Client) map[string]model.Client {
	set := make(map[string]model.Client)
	known := s.bySource[source]
	if known == nil {
		known = make(map[string]model.Client)
		s.bySource[source] = known
	}
	for ip, c := range hosts {
		known[ip] = c
		owner, ok := s.owner[ip]
		if !ok {
			s.owner[ip] = source
			owner = source
		}
		if owner != source {
			continue
		}
		if cur, ok := merged[ip]; !ok || cur != c {
			set[ip] = c
		}
	}
	return set
}

// remove drops ips from source. An ip another source still reports moves to
// that source and shows up in set; otherwise it is listed in removed.
func (s *clientSources) remove(source string, ips []string, merged map[string]model.Client) (set map[string]model.Client, removed []string) {
	set = make(map[string]model.Client)
	known := s.bySource[source]
	for _, ip := range ips {
		if _, ok := known[ip]; !ok {
			continue
		}
		delete(known, ip)
		if s.owner[ip] != source {
			continue
		}
		if next, c, ok := s.nextOwner(ip); ok {
			s.owner[ip] = next
			if cur, ok := merged[ip]; !ok || cur != c {
				set[ip] = c
			}
			continue
		}
		delete(s.owner, ip)
		removed = append(removed, ip)
	}
	if len(known) == 0 {
		delete(s.bySource, source)
	}
	sort.Strings(removed)
	return set, removed
}

func (s *clientSources) nextOwner(ip string) (string, model.Client, bool) {
	sources := make([]string, 0, len(s.bySource))
	for src := range s.bySource {
		sources = append(sources, src)
	}
	sort.Strings(sources)
	for _, src := range sources {
		if c, ok := s.bySource[src][ip]; ok {
			return src, c, true
		}
	}
	return "", model.Client{}, false
}

// HostAdd reports new hosts seen by source.
func (m *Manager) HostAdd(ctx context.Context, source string, hosts map[string]model.Client) error {
	return m.loop.Do(ctx, func() {
		m.applyClientChanges(m.clients.upsert(source, hosts, m.self.ClientList), nil)
	})
}

// HostChange reports updated data for hosts of source.
func (m *Manager) HostChange(ctx context.Context, source string, hosts map[string]model.Client) error {
	return m.HostAdd(ctx, source, hosts)
}

// HostRemove reports hosts that left source.
func (m *Manager) HostRemove(ctx context.Context, source string, ips []string) error {
	return m.loop.Do(ctx, func() {
		m.applyClientChanges(m.clients.remove(source, ips, m.self.ClientList))
	})
}

// HostRefresh replaces the whole host list of source.
func (m *Manager) HostRefresh(ctx context.Context, source string, hosts map[string]model.Client) error {
	return m.loop.Do(ctx, func() {
		var gone []string
		for ip := range m.clients.bySource[source] {
			if _, ok := hosts[ip]; !ok {
				gone = append(gone, ip)
			}
		}
		set, removed := m.clients.remove(source, gone, m.self.ClientList)
		for ip, c := range m.clients.upsert(source, hosts, m.self.ClientList) {
			set[ip] = c
		}
		m.applyClientChanges(set, removed)
	})
}

func (m *Manager) applyClientChanges(set map[string]model.Client, removed []string) {
	if len(removed) > 0 {
		for _, ip := range removed {
			delete(m.self.ClientList, ip)
		}
		m.propagate(OriginSelf, nil, delta{
			kind:      DeltaClientRemove,
			clientIPs: map[string][]string{m.id: removed},
		})
	}
	if len(set) > 0 {
		for ip, c := range set {
			m.self.ClientList[ip] = c
		}
		m.propagate(OriginSelf, nil, delta{
			kind:    DeltaClientSet,
			clients: map[string]map[string]model.Client{m.id: set},
		})
	}
}
