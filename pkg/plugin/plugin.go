// Package plugin resolves the collaborators that feed the cascade: WAN
// sources report the router's external prefixes and host sources report the
// clients seen on a bridge. Implementations register a Factory under a kind
// and a name; the daemon resolves them from configuration.
package plugin

import (
	"context"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"wrtd/pkg/model"
)

type Kind string

const (
	KindWAN Kind = "wan"
	KindLAN Kind = "lan"
)

// WANSource reports the WAN-facing prefixes whenever they change.
type WANSource interface {
	Name() string
	// Run blocks until ctx ends, calling report with every new prefix list.
	Run(ctx context.Context, report func([]netip.Prefix)) error
}

// HostSink receives host events. *cascade.Manager implements it.
type HostSink interface {
	HostAdd(ctx context.Context, source string, hosts map[string]model.Client) error
	HostChange(ctx context.Context, source string, hosts map[string]model.Client) error
	HostRemove(ctx context.Context, source string, ips []string) error
	HostRefresh(ctx context.Context, source string, hosts map[string]model.Client) error
}

// HostSource reports the clients of one bridge.
type HostSource interface {
	Name() string
	// Run blocks until ctx ends, feeding sink under source id Name().
	Run(ctx context.Context, sink HostSink) error
}

// Factory builds a collaborator from its configuration.
type Factory func(config map[string]string) (any, error)

// Registry maps (kind, name) to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[Kind]map[string]Factory)}
}

// Register adds a factory. A name can be registered once per kind.
func (r *Registry) Register(kind Kind, name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byName := r.factories[kind]
	if byName == nil {
		byName = make(map[string]Factory)
		r.factories[kind] = byName
	}
	if _, exists := byName[name]; exists {
		return fmt.Errorf("%s plugin %q is already registered", kind, name)
	}
	byName[name] = factory
	return nil
}

// Resolve instantiates the named plugin of kind.
func (r *Registry) Resolve(kind Kind, name string, config map[string]string) (any, error) {
	r.mu.RLock()
	factory, exists := r.factories[kind][name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown %s plugin %q", kind, name)
	}
	return factory(config)
}

// ResolveWAN resolves a WAN source.
func (r *Registry) ResolveWAN(name string, config map[string]string) (WANSource, error) {
	v, err := r.Resolve(KindWAN, name, config)
	if err != nil {
		return nil, err
	}
	src, ok := v.(WANSource)
	if !ok {
		return nil, fmt.Errorf("wan plugin %q has type %T", name, v)
	}
	return src, nil
}

// ResolveLAN resolves a host source.
func (r *Registry) ResolveLAN(name string, config map[string]string) (HostSource, error) {
	v, err := r.Resolve(KindLAN, name, config)
	if err != nil {
		return nil, err
	}
	src, ok := v.(HostSource)
	if !ok {
		return nil, fmt.Errorf("lan plugin %q has type %T", name, v)
	}
	return src, nil
}

// Names lists the registered plugins of kind, sorted.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories[kind]))
	for name := range r.factories[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin returns a registry holding the plugins shipped with wrtd.
func Builtin() *Registry {
	r := NewRegistry()
	_ = r.Register(KindWAN, "static", newStaticWAN)
	_ = r.Register(KindWAN, "none", func(map[string]string) (any, error) { return noneWAN{}, nil })
	_ = r.Register(KindLAN, "static", newStaticHosts)
	return r
}
