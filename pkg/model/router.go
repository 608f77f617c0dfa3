package model

// Client is one host seen behind a router, keyed by its IP in Router.ClientList.
type Client struct {
	Hostname  string `json:"hostname,omitempty"`
	WakeupMac string `json:"wakeupMac,omitempty"`
	NatIP     string `json:"natIp,omitempty"`
}

// Router is the record a cascade node keeps for every router it knows about.
// The router id is the key of the map it is stored in.
type Router struct {
	Parent        string            `json:"parent,omitempty"`
	WanPrefixList []Prefix          `json:"wanPrefixList"`
	LanPrefixList []Prefix          `json:"lanPrefixList"`
	ClientList    map[string]Client `json:"clientList"`
}

// NewRouter returns an empty record with non-nil collections so that it
// encodes as [] / {} rather than null.
func NewRouter(parent string) Router {
	return Router{
		Parent:        parent,
		WanPrefixList: []Prefix{},
		LanPrefixList: []Prefix{},
		ClientList:    map[string]Client{},
	}
}

// Clone returns a deep copy.
func (r Router) Clone() Router {
	out := Router{
		Parent:        r.Parent,
		WanPrefixList: append([]Prefix{}, r.WanPrefixList...),
		LanPrefixList: append([]Prefix{}, r.LanPrefixList...),
		ClientList:    make(map[string]Client, len(r.ClientList)),
	}
	for ip, c := range r.ClientList {
		out.ClientList[ip] = c
	}
	return out
}

// Normalize replaces nil collections with empty ones.
func (r *Router) Normalize() {
	if r.WanPrefixList == nil {
		r.WanPrefixList = []Prefix{}
	}
	if r.LanPrefixList == nil {
		r.LanPrefixList = []Prefix{}
	}
	if r.ClientList == nil {
		r.ClientList = map[string]Client{}
	}
}

// RouterList maps router id to record.
type RouterList map[string]Router

// Clone deep-copies every record.
func (l RouterList) Clone() RouterList {
	out := make(RouterList, len(l))
	for id, r := range l {
		out[id] = r.Clone()
	}
	return out
}
