package plugin

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"wrtd/pkg/model"
)

// staticWAN reports a fixed prefix list once.
type staticWAN struct {
	prefixes []netip.Prefix
}

// newStaticWAN reads "prefixes", a comma separated CIDR list.
func newStaticWAN(config map[string]string) (any, error) {
	var w staticWAN
	for _, s := range splitList(config["prefixes"]) {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("static wan: %w", err)
		}
		w.prefixes = append(w.prefixes, p.Masked())
	}
	return &w, nil
}

func (w *staticWAN) Name() string { return "static" }

func (w *staticWAN) Run(ctx context.Context, report func([]netip.Prefix)) error {
	report(append([]netip.Prefix(nil), w.prefixes...))
	<-ctx.Done()
	return nil
}

type noneWAN struct{}

func (noneWAN) Name() string { return "none" }

func (noneWAN) Run(ctx context.Context, _ func([]netip.Prefix)) error {
	<-ctx.Done()
	return nil
}

// staticHosts reports a fixed host list for one bridge.
type staticHosts struct {
	source string
	hosts  map[string]model.Client
}

// newStaticHosts reads "source" (the bridge name) and "hosts", a comma
// separated list of ip=hostname[@mac] entries.
func newStaticHosts(config map[string]string) (any, error) {
	h := &staticHosts{source: config["source"], hosts: make(map[string]model.Client)}
	if h.source == "" {
		h.source = "static"
	}
	for _, entry := range splitList(config["hosts"]) {
		ip, rest, _ := strings.Cut(entry, "=")
		addr, err := netip.ParseAddr(strings.TrimSpace(ip))
		if err != nil {
			return nil, fmt.Errorf("static hosts: %w", err)
		}
		name, mac, _ := strings.Cut(rest, "@")
		h.hosts[addr.String()] = model.Client{
			Hostname:  strings.TrimSpace(name),
			WakeupMac: strings.TrimSpace(mac),
		}
	}
	return h, nil
}

func (h *staticHosts) Name() string { return h.source }

func (h *staticHosts) Run(ctx context.Context, sink HostSink) error {
	if err := sink.HostRefresh(ctx, h.source, h.hosts); err != nil {
		return fmt.Errorf("static hosts %s: %w", h.source, err)
	}
	<-ctx.Done()
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
