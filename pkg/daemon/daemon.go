// Package daemon wires the cascade, the prefix pool, the collaborators and
// the status surfaces into one process and owns their lifecycles.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wrtd/pkg/api"
	"wrtd/pkg/cascade"
	"wrtd/pkg/config"
	"wrtd/pkg/consul"
	"wrtd/pkg/eventloop"
	"wrtd/pkg/identity"
	"wrtd/pkg/journal"
	"wrtd/pkg/metrics"
	"wrtd/pkg/plugin"
	"wrtd/pkg/prefixpool"
)

// ErrRestartRequired means an in-use prefix was renumbered. Live bridges
// cannot follow, so the whole daemon has to be rebuilt.
var ErrRestartRequired = errors.New("daemon: address plan changed, restart required")

const (
	wanExcludeKey      = "wan"
	upstreamExcludeKey = "upstream"
)

// Options carries what the process provides beyond the configuration.
type Options struct {
	// Plugins defaults to plugin.Builtin().
	Plugins *plugin.Registry
	// Restarts is how many times the process already rebuilt the daemon.
	Restarts int
}

type bridge struct {
	name     string
	prefix   netip.Prefix
	downlink *cascade.Downlink
	ln       net.Listener
}

type Daemon struct {
	cfg *config.Config
	log *logrus.Entry
	id  string

	loop    *eventloop.Loop
	manager *cascade.Manager
	pool    *prefixpool.Pool
	bridges []*bridge

	wan plugin.WANSource
	lan plugin.HostSource

	metrics *metrics.Metrics
	journal *journal.Journal
	hub     *api.EventHub
	api     *api.Server
	apiLn   net.Listener
	mirror  *consul.Mirror

	restartOnce sync.Once
	restart     chan struct{}
}

// New loads persisted state, claims one prefix per bridge in configuration
// order and binds every listener. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, log *logrus.Entry, opts Options) (d *Daemon, err error) {
	if opts.Plugins == nil {
		opts.Plugins = plugin.Builtin()
	}
	d = &Daemon{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
		restart: make(chan struct{}),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()
	d.metrics.Restarts.Add(float64(opts.Restarts))

	if len(cfg.Cascade.Bridges) == 0 {
		return nil, errors.New("daemon: no bridges configured")
	}
	d.id, err = identity.LoadOrCreate(cfg.State.IDPath())
	if err != nil {
		return nil, err
	}
	d.log = log.WithField("id", d.id)

	if err := d.claimPrefixes(); err != nil {
		return nil, err
	}

	d.loop = eventloop.New(d.log.WithField("component", "eventloop"))
	d.manager = cascade.NewManager(cascade.Config{
		ID:              d.id,
		RegisterTimeout: cfg.Cascade.CallTimeout,
	}, d.loop, d.log.WithField("component", "cascade"))
	d.manager.Subscribe(d.onEvent)

	for _, b := range d.bridges {
		if err := d.bindDownlink(b); err != nil {
			return nil, err
		}
	}

	wanCfg := map[string]string{"prefixes": cfg.Plugin.WANPrefixes}
	if d.wan, err = opts.Plugins.ResolveWAN(cfg.Plugin.WAN, wanCfg); err != nil {
		return nil, err
	}
	lanCfg := map[string]string{"source": d.bridges[0].name, "hosts": cfg.Plugin.StaticHosts}
	if d.lan, err = opts.Plugins.ResolveLAN(cfg.Plugin.LAN, lanCfg); err != nil {
		return nil, err
	}

	if d.journal, err = journal.Open(ctx, cfg.State.JournalPath(), d.log.WithField("component", "journal")); err != nil {
		return nil, err
	}

	d.hub = api.NewEventHub(d.log.WithField("component", "events"))
	if cfg.API.Addr != "" {
		if d.apiLn, err = net.Listen("tcp", cfg.API.Addr); err != nil {
			return nil, fmt.Errorf("api listen: %w", err)
		}
		d.api = api.New(api.Options{
			Cascade: d.manager,
			Pool:    d.poolView,
			Journal: d.journal,
			Metrics: d.metrics.Handler(),
			Hub:     d.hub,
			Log:     d.log.WithField("component", "api"),
		})
	}

	if cfg.API.ConsulAddr != "" {
		kv, err := consul.Dial(cfg.API.ConsulAddr)
		if err != nil {
			d.log.WithError(err).Warn("consul mirror disabled")
		} else {
			d.mirror = consul.NewMirror(kv, d.id, d.manager.View, d.log.WithField("component", "consul"))
		}
	}
	return d, nil
}

func (d *Daemon) ID() string { return d.id }

// APIAddr is the bound status API address, empty when disabled.
func (d *Daemon) APIAddr() string {
	if d.apiLn == nil {
		return ""
	}
	return d.apiLn.Addr().String()
}

// DownlinkAddrs maps bridge name to its bound downlink address.
func (d *Daemon) DownlinkAddrs() map[string]string {
	out := make(map[string]string, len(d.bridges))
	for _, b := range d.bridges {
		if b.ln != nil {
			out[b.name] = b.ln.Addr().String()
		}
	}
	return out
}

// claimPrefixes re-claims pool entries in bridge order so unchanged bridges
// keep their subnets, then drops whatever is left over from earlier runs.
func (d *Daemon) claimPrefixes() error {
	pool, err := prefixpool.Load(d.cfg.State.PrefixPoolPath(), d.log.WithField("component", "prefixpool"))
	if err != nil {
		return err
	}
	d.pool = pool
	for _, name := range d.cfg.Cascade.Bridges {
		prefix, err := pool.UsePrefix()
		if err != nil {
			return fmt.Errorf("bridge %s: %w", name, err)
		}
		d.bridges = append(d.bridges, &bridge{name: name, prefix: prefix})
		d.log.WithFields(logrus.Fields{"bridge": name, "prefix": prefix.String()}).Info("bridge prefix claimed")
	}
	if err := pool.Shrink(); err != nil {
		return err
	}
	d.syncPoolMetrics()
	return nil
}

func (d *Daemon) bindDownlink(b *bridge) error {
	dl, err := d.manager.NewDownlink(cascade.DownlinkConfig{
		Bridge:        b.name,
		Subnet:        b.prefix,
		SubhostOffset: d.cfg.Cascade.SubhostOffset,
		SubhostSize:   d.cfg.Cascade.SubhostSize,
	})
	if err != nil {
		return err
	}
	b.downlink = dl
	host := d.cfg.Cascade.DownlinkListenHost
	if host == "" {
		// The bridge gateway is the first host of its prefix.
		host = b.prefix.Addr().Next().String()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(d.cfg.Cascade.Port))
	if b.ln, err = net.Listen("tcp", addr); err != nil {
		return fmt.Errorf("downlink %s listen: %w", b.name, err)
	}
	return nil
}

// Run serves until ctx ends or a component fails. It returns
// ErrRestartRequired when the address plan changed under live bridges.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.loop.Run(gctx) })

	g.Go(func() error {
		prefixes := make([]netip.Prefix, 0, len(d.bridges))
		for _, b := range d.bridges {
			prefixes = append(prefixes, b.prefix)
		}
		if err := d.manager.SetLanPrefixList(gctx, prefixes); err != nil && gctx.Err() == nil {
			return fmt.Errorf("publish lan prefixes: %w", err)
		}
		return nil
	})

	for _, b := range d.bridges {
		b := b
		g.Go(func() error { return b.downlink.Serve(b.ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, b := range d.bridges {
			_ = b.downlink.Close()
		}
		return nil
	})

	if d.cfg.Cascade.UplinkAddr != "" {
		g.Go(func() error { return d.runUplink(gctx) })
	} else {
		d.log.Info("no uplink configured, running as cascade root")
	}

	g.Go(func() error {
		if err := d.wan.Run(gctx, d.reportWAN(gctx)); err != nil {
			return fmt.Errorf("wan plugin %s: %w", d.wan.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		if err := d.lan.Run(gctx, d.manager); err != nil && gctx.Err() == nil {
			return fmt.Errorf("lan plugin %s: %w", d.lan.Name(), err)
		}
		return nil
	})

	g.Go(func() error { return d.journal.Run(gctx) })
	if d.api != nil {
		g.Go(func() error { return d.api.Serve(gctx, d.apiLn) })
	}
	if d.mirror != nil {
		g.Go(func() error { return d.mirror.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.restart:
			return ErrRestartRequired
		}
	})

	d.log.WithField("bridges", len(d.bridges)).Info("wrtd running")
	err := g.Wait()
	if errors.Is(err, ErrRestartRequired) {
		return ErrRestartRequired
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Daemon) close() {
	if d.hub != nil {
		d.hub.Close()
	}
	if d.journal != nil {
		_ = d.journal.Close()
	}
	for _, b := range d.bridges {
		if b.ln != nil {
			_ = b.ln.Close()
		}
	}
	if d.apiLn != nil {
		_ = d.apiLn.Close()
	}
}

func (d *Daemon) requestRestart() {
	d.restartOnce.Do(func() { close(d.restart) })
}

// reportWAN publishes a new WAN prefix list and keeps the pool clear of it.
func (d *Daemon) reportWAN(ctx context.Context) func([]netip.Prefix) {
	return func(prefixes []netip.Prefix) {
		d.log.WithField("prefixes", prefixes).Info("wan prefixes changed")
		if err := d.manager.SetWanPrefixList(ctx, prefixes); err != nil {
			d.log.WithError(err).Warn("publish wan prefixes failed")
			return
		}
		d.loop.Post(func() { d.applyExclude(wanExcludeKey, prefixes) })
	}
}

// applyExclude runs on the event loop.
func (d *Daemon) applyExclude(key string, prefixes []netip.Prefix) {
	reassigned, err := d.pool.SetExcludePrefixList(key, prefixes)
	d.syncPoolMetrics()
	if err != nil {
		d.log.WithError(err).WithField("exclude", key).Error("update prefix pool exclusions failed")
	}
	// A failed save can follow a committed move.
	if reassigned {
		d.metrics.PoolReassigns.Inc()
		d.log.WithField("exclude", key).Warn("a bridge prefix collides with a new exclusion, restarting")
		d.requestRestart()
	}
}

// onEvent is the cascade consumer. It runs on the event loop.
func (d *Daemon) onEvent(ev cascade.Event) {
	d.metrics.Events.WithLabelValues(string(ev.Type), ev.Origin.String()).Inc()
	d.metrics.Routers.Set(float64(d.manager.RouterCount()))

	switch ev.Type {
	case cascade.EventUplinkUp:
		d.metrics.UplinkUp.Set(1)
	case cascade.EventUplinkDown:
		d.metrics.UplinkUp.Set(0)
		d.pool.RemoveExcludePrefixList(upstreamExcludeKey)
		d.syncPoolMetrics()
	case cascade.EventRouterAdd, cascade.EventRouterRemove, cascade.EventLanPrefixChange, cascade.EventWanPrefixChange:
		if ev.Origin == cascade.OriginUplink {
			d.applyExclude(upstreamExcludeKey, d.manager.UpstreamPrefixes())
		}
		if ev.Origin == cascade.OriginDownlink {
			d.syncDownlinkMetrics()
		}
	}

	detail, err := json.Marshal(ev.Data)
	if err != nil {
		d.log.WithError(err).WithField("type", ev.Type).Warn("encode event detail")
		detail = nil
	}
	d.journal.Record(journal.Entry{
		Time:    ev.Time,
		Type:    string(ev.Type),
		Origin:  ev.Origin.String(),
		Routers: ev.Routers,
		Detail:  detail,
	})
	d.hub.Publish(api.EventMessage(ev))
	if d.mirror != nil {
		d.mirror.Notify()
	}
}

func (d *Daemon) syncDownlinkMetrics() {
	counts := make(map[string]int, len(d.bridges))
	for _, b := range d.bridges {
		counts[b.name] = 0
	}
	for _, l := range d.manager.CurrentStatus().Downlinks {
		if l.State == cascade.StateRegistered {
			counts[l.Bridge]++
		}
	}
	for name, n := range counts {
		d.metrics.Downlinks.WithLabelValues(name).Set(float64(n))
	}
}

func (d *Daemon) syncPoolMetrics() {
	var used, unused int
	for _, e := range d.pool.Entries() {
		if e.InUse {
			used++
		} else {
			unused++
		}
	}
	d.metrics.SetPool(used, unused)
}

// poolView snapshots the pool on the event loop.
func (d *Daemon) poolView(ctx context.Context) (api.PoolView, error) {
	var pv api.PoolView
	err := d.loop.Do(ctx, func() {
		pv = api.PoolView{Entries: d.pool.Entries(), Excludes: d.pool.Excludes()}
	})
	return pv, err
}
