package cascade

import (
	"encoding/json"
	"fmt"
	"sort"

	"wrtd/pkg/model"
)

// DeltaKind is one kind of change to the view. Each kind travels upward as
// a command and downward as a notification.
type DeltaKind int

const (
	DeltaRouterAdd DeltaKind = iota
	DeltaRouterRemove
	DeltaWanPrefixList
	DeltaLanPrefixList
	DeltaClientSet
	DeltaClientRemove
)

var deltaKinds = []DeltaKind{
	DeltaRouterAdd,
	DeltaRouterRemove,
	DeltaWanPrefixList,
	DeltaLanPrefixList,
	DeltaClientSet,
	DeltaClientRemove,
}

var commandNames = map[DeltaKind]string{
	DeltaRouterAdd:     "new-router",
	DeltaRouterRemove:  "delete-router",
	DeltaWanPrefixList: "update-router-wan-prefix-list",
	DeltaLanPrefixList: "update-router-lan-prefix-list",
	DeltaClientSet:     "new-or-update-router-client",
	DeltaClientRemove:  "delete-router-client",
}

var notifyNames = map[DeltaKind]string{
	DeltaRouterAdd:     "router-add",
	DeltaRouterRemove:  "router-remove",
	DeltaWanPrefixList: "router-wan-prefix-list-change",
	DeltaLanPrefixList: "router-lan-prefix-list-change",
	DeltaClientSet:     "router-client-add-or-change",
	DeltaClientRemove:  "router-client-remove",
}

// Command is the upward command name.
func (k DeltaKind) Command() string { return commandNames[k] }

// Notify is the downward notification name.
func (k DeltaKind) Notify() string { return notifyNames[k] }

func (k DeltaKind) String() string { return notifyNames[k] }

func (k DeltaKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// delta is one change. Only the field matching kind is set.
type delta struct {
	kind      DeltaKind
	routers   model.RouterList
	ids       []string
	prefixes  map[string][]model.Prefix
	clients   map[string]map[string]model.Client
	clientIPs map[string][]string
}

// payload is the data sent with the command or notification.
func (d delta) payload() any {
	switch d.kind {
	case DeltaRouterAdd:
		return d.routers
	case DeltaRouterRemove:
		return d.ids
	case DeltaWanPrefixList:
		out := make(map[string]wanUpdate, len(d.prefixes))
		for id, list := range d.prefixes {
			out[id] = wanUpdate{WanPrefixList: list}
		}
		return out
	case DeltaLanPrefixList:
		out := make(map[string]lanUpdate, len(d.prefixes))
		for id, list := range d.prefixes {
			out[id] = lanUpdate{LanPrefixList: list}
		}
		return out
	case DeltaClientSet:
		return d.clients
	case DeltaClientRemove:
		return d.clientIPs
	}
	return nil
}

func decodeDelta(kind DeltaKind, data json.RawMessage) (delta, error) {
	d := delta{kind: kind}
	var err error
	switch kind {
	case DeltaRouterAdd:
		err = json.Unmarshal(data, &d.routers)
		for id, r := range d.routers {
			r.Normalize()
			d.routers[id] = r
		}
	case DeltaRouterRemove:
		err = json.Unmarshal(data, &d.ids)
	case DeltaWanPrefixList:
		var in map[string]wanUpdate
		err = json.Unmarshal(data, &in)
		d.prefixes = make(map[string][]model.Prefix, len(in))
		for id, u := range in {
			d.prefixes[id] = nonNil(u.WanPrefixList)
		}
	case DeltaLanPrefixList:
		var in map[string]lanUpdate
		err = json.Unmarshal(data, &in)
		d.prefixes = make(map[string][]model.Prefix, len(in))
		for id, u := range in {
			d.prefixes[id] = nonNil(u.LanPrefixList)
		}
	case DeltaClientSet:
		err = json.Unmarshal(data, &d.clients)
	case DeltaClientRemove:
		err = json.Unmarshal(data, &d.clientIPs)
	default:
		return d, fmt.Errorf("unknown delta kind %d", kind)
	}
	if err != nil {
		return d, fmt.Errorf("decode %s: %w", kind.Command(), err)
	}
	return d, nil
}

func nonNil(list []model.Prefix) []model.Prefix {
	if list == nil {
		return []model.Prefix{}
	}
	return list
}

// routerIDs lists the routers the delta touches, sorted.
func (d delta) routerIDs() []string {
	var ids []string
	switch d.kind {
	case DeltaRouterAdd:
		for id := range d.routers {
			ids = append(ids, id)
		}
	case DeltaRouterRemove:
		ids = append(ids, d.ids...)
	case DeltaWanPrefixList, DeltaLanPrefixList:
		for id := range d.prefixes {
			ids = append(ids, id)
		}
	case DeltaClientSet:
		for id := range d.clients {
			ids = append(ids, id)
		}
	case DeltaClientRemove:
		for id := range d.clientIPs {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d delta) empty() bool {
	return len(d.routerIDs()) == 0
}

// filter keeps only the routers for which keep is true.
func (d delta) filter(keep func(id string) bool) delta {
	out := delta{kind: d.kind}
	switch d.kind {
	case DeltaRouterAdd:
		out.routers = make(model.RouterList)
		for id, r := range d.routers {
			if keep(id) {
				out.routers[id] = r
			}
		}
	case DeltaRouterRemove:
		for _, id := range d.ids {
			if keep(id) {
				out.ids = append(out.ids, id)
			}
		}
	case DeltaWanPrefixList, DeltaLanPrefixList:
		out.prefixes = make(map[string][]model.Prefix)
		for id, list := range d.prefixes {
			if keep(id) {
				out.prefixes[id] = list
			}
		}
	case DeltaClientSet:
		out.clients = make(map[string]map[string]model.Client)
		for id, c := range d.clients {
			if keep(id) {
				out.clients[id] = c
			}
		}
	case DeltaClientRemove:
		out.clientIPs = make(map[string][]string)
		for id, ips := range d.clientIPs {
			if keep(id) {
				out.clientIPs[id] = ips
			}
		}
	}
	return out
}

// applyTo mutates list. Records a non-add delta names must already exist.
func (d delta) applyTo(list model.RouterList) {
	switch d.kind {
	case DeltaRouterAdd:
		for id, r := range d.routers {
			list[id] = r.Clone()
		}
	case DeltaRouterRemove:
		for _, id := range d.ids {
			delete(list, id)
		}
	case DeltaWanPrefixList:
		for id, prefixes := range d.prefixes {
			if r, ok := list[id]; ok {
				r.WanPrefixList = append([]model.Prefix{}, prefixes...)
				list[id] = r
			}
		}
	case DeltaLanPrefixList:
		for id, prefixes := range d.prefixes {
			if r, ok := list[id]; ok {
				r.LanPrefixList = append([]model.Prefix{}, prefixes...)
				list[id] = r
			}
		}
	case DeltaClientSet:
		for id, clients := range d.clients {
			if r, ok := list[id]; ok {
				r.Normalize()
				for ip, c := range clients {
					r.ClientList[ip] = c
				}
				list[id] = r
			}
		}
	case DeltaClientRemove:
		for id, ips := range d.clientIPs {
			if r, ok := list[id]; ok {
				for _, ip := range ips {
					delete(r.ClientList, ip)
				}
			}
		}
	}
}
