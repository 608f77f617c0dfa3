package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"
	"go4.org/netipx"

	"wrtd/pkg/linerpc"
	"wrtd/pkg/model"
)

// DownlinkConfig describes the bridge a downlink serves.
type DownlinkConfig struct {
	Bridge string
	// Subnet is both the allow-list for child addresses and the space
	// subhost ranges are carved from.
	Subnet        netip.Prefix
	SubhostOffset int
	SubhostSize   int
}

// Downlink accepts child routers on one bridge.
type Downlink struct {
	m      *Manager
	bridge string
	subnet netip.Prefix
	pool   *SubhostPool
	server *linerpc.Server
	log    *logrus.Entry
}

type child struct {
	d     *Downlink
	peer  *linerpc.Peer
	log   *logrus.Entry
	id    string
	state LinkState
	rng   netipx.IPRange
	// branch holds every router this child reported.
	branch model.RouterList
}

func (m *Manager) NewDownlink(cfg DownlinkConfig) (*Downlink, error) {
	pool, err := NewSubhostPool(cfg.Subnet, cfg.SubhostOffset, cfg.SubhostSize)
	if err != nil {
		return nil, fmt.Errorf("downlink %s: %w", cfg.Bridge, err)
	}
	d := &Downlink{
		m:      m,
		bridge: cfg.Bridge,
		subnet: cfg.Subnet.Masked(),
		pool:   pool,
		log:    m.log.WithFields(logrus.Fields{"link": "downlink", "bridge": cfg.Bridge}),
	}
	d.server = linerpc.NewServer(d.log, linerpc.ServerConfig{
		Allow:       d.subnet.Contains,
		OnePerAddr:  true,
		OnInit:      d.onInit,
		OnTerminate: d.onTerminate,
	})
	d.server.Handle(CommandRegister, d.handleRegister)
	for _, kind := range deltaKinds {
		kind := kind
		d.server.Handle(kind.Command(), func(ctx context.Context, p *linerpc.Peer, data json.RawMessage) (any, error) {
			return nil, d.handleDelta(ctx, p, kind, data)
		})
	}
	m.loop.Post(func() { m.downlinks = append(m.downlinks, d) })
	return d, nil
}

func (d *Downlink) Bridge() string { return d.bridge }

// Serve accepts children on ln until Close.
func (d *Downlink) Serve(ln net.Listener) error {
	d.log.WithField("addr", ln.Addr().String()).Info("downlink listening")
	return d.server.Serve(ln)
}

// Close disconnects every child. Their branches are dropped as usual.
func (d *Downlink) Close() error {
	return d.server.Close()
}

func (d *Downlink) onInit(p *linerpc.Peer) (any, error) {
	var c *child
	var err error
	if derr := d.m.loop.Do(context.Background(), func() { c, err = d.m.acceptChild(d, p) }); derr != nil {
		return nil, derr
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Downlink) onTerminate(p *linerpc.Peer) {
	c, ok := p.InitResult().(*child)
	if !ok {
		return
	}
	d.m.loop.Post(func() { d.m.dropChild(c, p.Err()) })
}

// handleRegister hangs up on a refused child so its subhost range goes back
// to the pool straight away.
func (d *Downlink) handleRegister(ctx context.Context, p *linerpc.Peer, data json.RawMessage) (any, error) {
	reply, err := d.register(ctx, p, data)
	if err != nil {
		p.CloseAfterReply()
		return nil, err
	}
	return reply, nil
}

func (d *Downlink) register(ctx context.Context, p *linerpc.Peer, data json.RawMessage) (RegisterReply, error) {
	c, ok := p.InitResult().(*child)
	if !ok {
		return RegisterReply{}, errors.New("connection has no subhost range")
	}
	var req RegisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return RegisterReply{}, fmt.Errorf("decode register: %w", err)
	}
	var reply RegisterReply
	var err error
	if derr := d.m.loop.Do(ctx, func() { reply, err = d.m.registerChild(c, req) }); derr != nil {
		return RegisterReply{}, derr
	}
	return reply, err
}

func (d *Downlink) handleDelta(ctx context.Context, p *linerpc.Peer, kind DeltaKind, data json.RawMessage) error {
	c, ok := p.InitResult().(*child)
	if !ok {
		return ErrNotRegistered
	}
	dl, err := decodeDelta(kind, data)
	if err != nil {
		return err
	}
	if derr := d.m.loop.Do(ctx, func() { err = d.m.applyFromChild(c, dl) }); derr != nil {
		return derr
	}
	return err
}

func (m *Manager) acceptChild(d *Downlink, p *linerpc.Peer) (*child, error) {
	rng, err := d.pool.Take()
	if err != nil {
		return nil, err
	}
	c := &child{
		d:      d,
		peer:   p,
		log:    d.log.WithField("peer", p.RemoteAddr().String()),
		state:  StateConnecting,
		rng:    rng,
		branch: make(model.RouterList),
	}
	m.children[c] = struct{}{}
	c.log.WithField("subhost", rng.String()).Debug("child accepted")
	return c, nil
}

func (m *Manager) registerChild(c *child, req RegisterRequest) (RegisterReply, error) {
	if c.state != StateConnecting {
		return RegisterReply{}, fmt.Errorf("register: link is %s", c.state)
	}
	if req.MyID == "" {
		return RegisterReply{}, errors.New("register: missing myId")
	}
	branch := req.RouterList.Clone()
	if _, ok := branch[req.MyID]; !ok {
		branch[req.MyID] = model.NewRouter("")
	}
	for _, id := range sortedIDs(branch) {
		if m.ownedLocally(id) {
			return RegisterReply{}, fmt.Errorf("register: %w: %s", ErrDuplicateRouter, id)
		}
		if _, ok := m.upstream[id]; ok {
			return RegisterReply{}, fmt.Errorf("register: %w: %s", ErrDuplicateRouter, id)
		}
		r := branch[id]
		r.Normalize()
		switch {
		case id == req.MyID:
			r.Parent = m.id
		case r.Parent == "":
			r.Parent = req.MyID
		}
		branch[id] = r
	}

	reply := RegisterReply{
		MyID:         m.id,
		SubhostStart: c.rng.From().String(),
		SubhostEnd:   c.rng.To().String(),
		RouterList:   m.view(),
	}
	c.id = req.MyID
	c.branch = branch
	c.state = StateRegistered
	for id := range branch {
		m.owners[id] = c
	}
	c.log = c.log.WithField("router", c.id)
	c.log.WithField("routers", len(branch)).Info("child registered")

	m.propagate(OriginDownlink, c, delta{kind: DeltaRouterAdd, routers: branch.Clone()})
	return reply, nil
}

func (m *Manager) applyFromChild(c *child, d delta) error {
	if c.state != StateRegistered {
		return ErrNotRegistered
	}
	for _, id := range d.routerIDs() {
		owner := m.owners[id]
		if d.kind == DeltaRouterAdd {
			_, upstream := m.upstream[id]
			if id == m.id || upstream || (owner != nil && owner != c) {
				return fmt.Errorf("%w: %s", ErrDuplicateRouter, id)
			}
			continue
		}
		if owner != c {
			return fmt.Errorf("%w: %s", ErrNotOwner, id)
		}
	}

	switch d.kind {
	case DeltaRouterAdd:
		for id, r := range d.routers {
			if r.Parent == "" {
				r.Parent = c.id
				d.routers[id] = r
			}
			m.owners[id] = c
		}
	case DeltaRouterRemove:
		for _, id := range d.ids {
			delete(m.owners, id)
		}
	}
	d.applyTo(c.branch)
	c.log.WithFields(logrus.Fields{"command": d.kind.Command(), "routers": d.routerIDs()}).Debug("child delta")
	m.propagate(OriginDownlink, c, d)
	return nil
}

// dropChild releases the child's range and removes its whole branch as if
// the child had sent delete-router for it.
func (m *Manager) dropChild(c *child, cause error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	delete(m.children, c)
	c.d.pool.Release(c.rng)

	ids := sortedIDs(c.branch)
	for _, id := range ids {
		delete(m.owners, id)
	}
	c.branch = nil
	c.log.WithError(cause).WithField("routers", ids).Info("child disconnected")
	if len(ids) > 0 {
		m.propagate(OriginDownlink, c, delta{kind: DeltaRouterRemove, ids: ids})
	}
}
