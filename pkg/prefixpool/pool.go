// Package prefixpool hands out disjoint private /24 subnets for bridges and
// VPN segments and keeps them clear of the subnets the router can see on its
// WAN side or elsewhere in the cascade.
//
// A Pool is not safe for concurrent use; the daemon only touches it from the
// event loop.
package prefixpool

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/netip"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// ErrExhausted means no /24 under the allocation range avoids every
// exclusion and existing entry.
var ErrExhausted = errors.New("prefixpool: no free /24 left")

// AllocationRange is where new prefixes are generated.
var AllocationRange = netip.MustParsePrefix("192.168.0.0/16")

// DefaultExcludes are /24s that consumer routers and modems commonly use
// out of the box.
var DefaultExcludes = []netip.Prefix{
	netip.MustParsePrefix("192.168.0.0/24"),
	netip.MustParsePrefix("192.168.1.0/24"),
	netip.MustParsePrefix("192.168.2.0/24"),
	netip.MustParsePrefix("192.168.8.0/24"),
	netip.MustParsePrefix("192.168.100.0/24"),
	netip.MustParsePrefix("192.168.255.0/24"),
}

const randomAttempts = 64

// Entry is one allocated prefix. InUse is not persisted.
type Entry struct {
	Prefix netip.Prefix `json:"prefix"`
	InUse  bool         `json:"inUse"`
}

type Pool struct {
	path     string
	log      *logrus.Entry
	builtin  []netip.Prefix
	entries  []Entry
	excludes map[string][]netip.Prefix
	intn     func(int) int
}

type Option func(*Pool)

// WithBuiltinExcludes replaces DefaultExcludes.
func WithBuiltinExcludes(prefixes ...netip.Prefix) Option {
	return func(p *Pool) {
		p.builtin = append([]netip.Prefix(nil), prefixes...)
	}
}

// WithSeed makes prefix generation deterministic.
func WithSeed(seed uint64) Option {
	return func(p *Pool) {
		r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
		p.intn = r.IntN
	}
}

// Load reads the pool from path. A missing file is an empty pool. Every
// loaded entry starts unused; callers claim them again with UsePrefix in a
// stable order so unchanged bridges keep their subnets across restarts.
func Load(path string, log *logrus.Entry, opts ...Option) (*Pool, error) {
	p := &Pool{
		path:     path,
		log:      log,
		builtin:  append([]netip.Prefix(nil), DefaultExcludes...),
		excludes: make(map[string][]netip.Prefix),
		intn:     rand.IntN,
	}
	for _, o := range opts {
		o(p)
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return p, nil
	case err != nil:
		return nil, fmt.Errorf("read prefix pool %s: %w", path, err)
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse prefix pool %s: %w", path, err)
	}
	dropped := 0
	for _, s := range list {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			log.WithError(err).WithField("prefix", s).Warn("dropping invalid pool entry")
			dropped++
			continue
		}
		prefix = prefix.Masked()
		if reason := p.reject(prefix); reason != "" {
			log.WithFields(logrus.Fields{"prefix": prefix, "reason": reason}).Warn("dropping invalid pool entry")
			dropped++
			continue
		}
		p.entries = append(p.entries, Entry{Prefix: prefix})
	}
	if dropped > 0 {
		if err := p.save(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// reject says why a loaded prefix cannot join the pool, or "" when it can.
func (p *Pool) reject(prefix netip.Prefix) string {
	if prefix.Bits() != 24 || !AllocationRange.Contains(prefix.Addr()) {
		return "not a /24 in " + AllocationRange.String()
	}
	for _, ex := range p.builtin {
		if ex.Overlaps(prefix) {
			return "overlaps built-in exclusion " + ex.String()
		}
	}
	for _, e := range p.entries {
		if e.Prefix.Overlaps(prefix) {
			return "overlaps " + e.Prefix.String()
		}
	}
	return ""
}

// UsePrefix returns the first unused entry, marking it used. When every
// entry is in use it generates a new /24 that collides with nothing known,
// appends it and persists the pool.
func (p *Pool) UsePrefix() (netip.Prefix, error) {
	for i := range p.entries {
		if !p.entries[i].InUse {
			p.entries[i].InUse = true
			return p.entries[i].Prefix, nil
		}
	}
	avoid, err := p.avoidSet(p.entries, -1)
	if err != nil {
		return netip.Prefix{}, err
	}
	prefix, err := p.generate(avoid)
	if err != nil {
		return netip.Prefix{}, err
	}
	p.entries = append(p.entries, Entry{Prefix: prefix, InUse: true})
	p.log.WithField("prefix", prefix).Info("allocated new prefix")
	if err := p.save(); err != nil {
		return netip.Prefix{}, err
	}
	return prefix, nil
}

// SetExcludePrefixList replaces the exclusion list stored under key. Entries
// that collide with it are moved to fresh prefixes. The result is true when
// at least one moved entry was in use: live interfaces cannot be renumbered,
// so the caller has to restart.
//
// Either every colliding entry moves or nothing changes: when the pool runs
// out of room the previous list under key is restored and ErrExhausted is
// returned.
func (p *Pool) SetExcludePrefixList(key string, prefixes []netip.Prefix) (bool, error) {
	list := make([]netip.Prefix, 0, len(prefixes))
	for _, prefix := range prefixes {
		if prefix.IsValid() {
			list = append(list, prefix.Masked())
		}
	}

	var b netipx.IPSetBuilder
	for _, prefix := range list {
		b.AddPrefix(prefix)
	}
	collide, err := b.IPSet()
	if err != nil {
		return false, fmt.Errorf("build exclude set %s: %w", key, err)
	}

	prev, hadPrev := p.excludes[key]
	p.excludes[key] = list
	rollback := func() {
		if hadPrev {
			p.excludes[key] = prev
		} else {
			delete(p.excludes, key)
		}
	}

	next := append([]Entry(nil), p.entries...)
	type move struct {
		from, to netip.Prefix
		inUse    bool
	}
	var moves []move
	for i := range next {
		old := next[i].Prefix
		if !collide.OverlapsPrefix(old) {
			continue
		}
		avoid, err := p.avoidSet(next, i)
		if err != nil {
			rollback()
			return false, err
		}
		prefix, err := p.generate(avoid)
		if err != nil {
			rollback()
			p.log.WithError(err).WithFields(logrus.Fields{"key": key, "prefix": old}).Error("cannot move prefix off exclude list, keeping previous exclusions")
			return false, err
		}
		next[i].Prefix = prefix
		moves = append(moves, move{from: old, to: prefix, inUse: next[i].InUse})
	}
	if len(moves) == 0 {
		return false, nil
	}

	p.entries = next
	restart := false
	for _, m := range moves {
		log := p.log.WithFields(logrus.Fields{"key": key, "old": m.from, "new": m.to})
		if m.inUse {
			restart = true
			log.Warn("in-use prefix collides with exclude list, reassigned")
		} else {
			log.Info("unused prefix collides with exclude list, reassigned")
		}
	}
	if err := p.save(); err != nil {
		return restart, err
	}
	return restart, nil
}

// RemoveExcludePrefixList drops the list under key. Nothing is reassigned.
func (p *Pool) RemoveExcludePrefixList(key string) {
	delete(p.excludes, key)
}

// Shrink drops every unused entry and persists the rest.
func (p *Pool) Shrink() error {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.InUse {
			kept = append(kept, e)
		}
	}
	dropped := len(p.entries) - len(kept)
	p.entries = kept
	if dropped > 0 {
		p.log.WithField("dropped", dropped).Info("shrunk prefix pool")
	}
	return p.save()
}

// Entries returns a copy of the pool.
func (p *Pool) Entries() []Entry {
	return append([]Entry(nil), p.entries...)
}

// Excludes returns a copy of the dynamic exclusion lists.
func (p *Pool) Excludes() map[string][]netip.Prefix {
	out := make(map[string][]netip.Prefix, len(p.excludes))
	for k, v := range p.excludes {
		out[k] = append([]netip.Prefix(nil), v...)
	}
	return out
}

// avoidSet is everything a new prefix must not overlap: the built-in and
// dynamic exclusions plus every one of entries except skip.
func (p *Pool) avoidSet(entries []Entry, skip int) (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, prefix := range p.builtin {
		b.AddPrefix(prefix)
	}
	keys := make([]string, 0, len(p.excludes))
	for k := range p.excludes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, prefix := range p.excludes[k] {
			b.AddPrefix(prefix)
		}
	}
	for i, e := range entries {
		if i != skip {
			b.AddPrefix(e.Prefix)
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("build avoid set: %w", err)
	}
	return set, nil
}

func (p *Pool) generate(avoid *netipx.IPSet) (netip.Prefix, error) {
	base := AllocationRange.Addr().As4()
	candidate := func(third int) netip.Prefix {
		return netip.PrefixFrom(netip.AddrFrom4([4]byte{base[0], base[1], byte(third), 0}), 24)
	}
	for i := 0; i < randomAttempts; i++ {
		prefix := candidate(p.intn(256))
		if !avoid.OverlapsPrefix(prefix) {
			return prefix, nil
		}
	}
	for third := 0; third < 256; third++ {
		prefix := candidate(third)
		if !avoid.OverlapsPrefix(prefix) {
			return prefix, nil
		}
	}
	return netip.Prefix{}, ErrExhausted
}

func (p *Pool) save() error {
	list := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		list = append(list, e.Prefix.String())
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create pool dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".prefix-pool-*")
	if err != nil {
		return fmt.Errorf("write prefix pool: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write prefix pool: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write prefix pool: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		p.log.WithError(err).Error("persist prefix pool failed")
		return fmt.Errorf("write prefix pool: %w", err)
	}
	return nil
}
