package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"
	"go4.org/netipx"

	"wrtd/pkg/linerpc"
	"wrtd/pkg/model"
)

var errRegisterTimeout = errors.New("register timed out")

type uplink struct {
	client *linerpc.Client
	log    *logrus.Entry

	state      LinkState
	registered bool
	parentID   string
	subhost    netipx.IPRange
	cause      error
	// Notifications that arrived before the register reply was adopted.
	pending []pendingNotify
}

type pendingNotify struct {
	kind DeltaKind
	data json.RawMessage
}

// RunUplink registers with the parent on conn and serves the link until it
// closes or ctx ends. The error wraps ErrUplinkLost when the link had been
// registered. Reconnecting is up to the caller.
func (m *Manager) RunUplink(ctx context.Context, conn net.Conn) error {
	log := m.log.WithFields(logrus.Fields{"link": "uplink", "peer": conn.RemoteAddr().String()})
	u := &uplink{
		client: linerpc.NewClient(conn, log),
		log:    log,
		state:  StateConnecting,
	}
	for _, kind := range deltaKinds {
		kind := kind
		u.client.OnNotify(kind.Notify(), func(data json.RawMessage) {
			m.loop.Post(func() { m.uplinkNotify(u, kind, data) })
		})
	}

	var err error
	if derr := m.loop.Do(ctx, func() { err = m.attachUplink(u) }); derr != nil {
		_ = u.client.Close()
		return derr
	}
	if err != nil {
		_ = u.client.Close()
		return err
	}
	u.client.Start()

	if m.registerTimeout > 0 {
		timer := time.AfterFunc(m.registerTimeout, func() {
			m.loop.Post(func() {
				if u.state == StateConnecting {
					m.closeUplink(u, errRegisterTimeout)
				}
			})
		})
		defer timer.Stop()
	}

	select {
	case <-u.client.Done():
	case <-ctx.Done():
		_ = u.client.Close()
	}
	u.client.Wait()

	var registered bool
	var cause error
	_ = m.loop.Do(context.Background(), func() {
		m.detachUplink(u)
		registered, cause = u.registered, u.cause
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if cause == nil {
		cause = u.client.Err()
	}
	if registered {
		return fmt.Errorf("%w: %w", ErrUplinkLost, cause)
	}
	return fmt.Errorf("register: %w", cause)
}

// UplinkState reports the uplink state; StateClosed when there is none.
func (m *Manager) UplinkState(ctx context.Context) (LinkState, error) {
	state := StateClosed
	err := m.loop.Do(ctx, func() {
		if m.up != nil {
			state = m.up.state
		}
	})
	return state, err
}

func (m *Manager) attachUplink(u *uplink) error {
	if m.up != nil {
		return ErrUplinkAttached
	}
	req := RegisterRequest{MyID: m.id, RouterList: m.subtree()}
	err := u.client.Enqueue(CommandRegister, req, func(ret json.RawMessage, err error) {
		m.loop.Post(func() { m.adoptRegister(u, ret, err) })
	})
	if err != nil {
		return fmt.Errorf("enqueue register: %w", err)
	}
	m.up = u
	u.log.WithField("routers", len(req.RouterList)).Info("registering with parent")
	return nil
}

func (m *Manager) adoptRegister(u *uplink, ret json.RawMessage, err error) {
	if m.up != u || u.state != StateConnecting {
		return
	}
	if err != nil {
		m.closeUplink(u, err)
		return
	}
	var reply RegisterReply
	if err := json.Unmarshal(ret, &reply); err != nil {
		m.closeUplink(u, &linerpc.ProtocolError{Reason: "decode register reply: " + err.Error()})
		return
	}
	if reply.MyID == "" || reply.MyID == m.id {
		m.closeUplink(u, &linerpc.ProtocolError{Reason: fmt.Sprintf("register reply has bad parent id %q", reply.MyID)})
		return
	}

	u.state = StateRegistered
	u.registered = true
	u.parentID = reply.MyID
	start, serr := netip.ParseAddr(reply.SubhostStart)
	end, eerr := netip.ParseAddr(reply.SubhostEnd)
	if serr == nil && eerr == nil {
		u.subhost = netipx.IPRangeFrom(start, end)
	}
	u.log = u.log.WithField("router", reply.MyID)

	upstream := make(model.RouterList, len(reply.RouterList))
	for id, r := range reply.RouterList {
		if m.ownedLocally(id) {
			u.log.WithField("id", id).Warn("parent reported a local router, ignored")
			continue
		}
		r.Normalize()
		upstream[id] = r
	}
	m.upstream = upstream
	m.self.Parent = reply.MyID
	u.log.WithFields(logrus.Fields{
		"routers":      len(upstream),
		"subhostStart": reply.SubhostStart,
		"subhostEnd":   reply.SubhostEnd,
	}).Info("uplink registered")

	m.emit(Event{Type: EventUplinkUp, Origin: OriginUplink, Routers: []string{reply.MyID}})
	m.propagate(OriginUplink, nil, delta{kind: DeltaRouterAdd, routers: upstream.Clone()})
	// Children learn our new parent.
	m.notifyChildren(nil, delta{kind: DeltaRouterAdd, routers: model.RouterList{m.id: m.self.Clone()}})

	pending := u.pending
	u.pending = nil
	for _, p := range pending {
		if m.up != u || u.state != StateRegistered {
			return
		}
		m.applyUplinkNotify(u, p.kind, p.data)
	}
}

func (m *Manager) uplinkNotify(u *uplink, kind DeltaKind, data json.RawMessage) {
	if m.up != u {
		return
	}
	switch u.state {
	case StateConnecting:
		u.pending = append(u.pending, pendingNotify{kind: kind, data: data})
	case StateRegistered:
		m.applyUplinkNotify(u, kind, data)
	}
}

func (m *Manager) applyUplinkNotify(u *uplink, kind DeltaKind, data json.RawMessage) {
	d, err := decodeDelta(kind, data)
	if err != nil {
		m.closeUplink(u, &linerpc.ProtocolError{Reason: err.Error()})
		return
	}
	accepted := d.filter(func(id string) bool {
		if m.ownedLocally(id) {
			u.log.WithFields(logrus.Fields{"id": id, "notify": kind.Notify()}).Warn("parent notification names a local router, ignored")
			return false
		}
		if kind != DeltaRouterAdd {
			if _, ok := m.upstream[id]; !ok {
				u.log.WithFields(logrus.Fields{"id": id, "notify": kind.Notify()}).Debug("notification for unknown router")
				return false
			}
		}
		return true
	})
	u.log.WithFields(logrus.Fields{"notify": kind.Notify(), "routers": accepted.routerIDs()}).Debug("parent notification")
	accepted.applyTo(m.upstream)
	m.propagate(OriginUplink, nil, accepted)
}

// sendUp queues d on the uplink. Any failure tears the uplink down.
func (m *Manager) sendUp(d delta) {
	u := m.up
	if u == nil || u.state == StateClosing || u.state == StateClosed {
		return
	}
	command := d.kind.Command()
	err := u.client.Enqueue(command, d.payload(), func(_ json.RawMessage, err error) {
		if err != nil {
			m.loop.Post(func() { m.closeUplink(u, fmt.Errorf("%s: %w", command, err)) })
		}
	})
	if err != nil {
		m.closeUplink(u, err)
	}
}

func (m *Manager) closeUplink(u *uplink, cause error) {
	if u.state == StateClosing || u.state == StateClosed {
		return
	}
	u.log.WithError(cause).Warn("closing uplink")
	u.state = StateClosing
	u.cause = cause
	_ = u.client.Close()
}

// detachUplink drops everything the uplink reported.
func (m *Manager) detachUplink(u *uplink) {
	if m.up != u {
		return
	}
	u.state = StateClosed
	u.pending = nil
	m.up = nil

	ids := sortedIDs(m.upstream)
	m.upstream = make(model.RouterList)
	if len(ids) > 0 {
		m.propagate(OriginUplink, nil, delta{kind: DeltaRouterRemove, ids: ids})
	}
	if u.registered {
		m.self.Parent = ""
		u.log.Info("uplink closed")
		m.emit(Event{Type: EventUplinkDown, Origin: OriginUplink, Routers: []string{u.parentID}})
	}
}
