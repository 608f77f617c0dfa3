package cascade

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"go4.org/netipx"
)

// ErrNoSubhostRange means every subhost range of a bridge is leased.
var ErrNoSubhostRange = errors.New("cascade: no free subhost range")

// SubhostPool carves fixed-size address ranges out of a bridge subnet and
// leases each to at most one child at a time. It is only used from the event
// loop.
type SubhostPool struct {
	ranges []netipx.IPRange
	leased map[netipx.IPRange]bool
}

// NewSubhostPool splits subnet into ranges of size addresses, starting
// offset addresses into it. The broadcast address is never handed out.
func NewSubhostPool(subnet netip.Prefix, offset, size int) (*SubhostPool, error) {
	if !subnet.Addr().Is4() {
		return nil, fmt.Errorf("subhost pool: %s is not IPv4", subnet)
	}
	if offset < 1 || size < 1 {
		return nil, fmt.Errorf("subhost pool: invalid offset %d / size %d", offset, size)
	}
	subnet = subnet.Masked()
	first := addrToUint(subnet.Addr())
	last := addrToUint(netipx.PrefixLastIP(subnet)) - 1

	pool := &SubhostPool{leased: make(map[netipx.IPRange]bool)}
	for lo := uint64(first) + uint64(offset); lo+uint64(size)-1 <= uint64(last); lo += uint64(size) {
		hi := lo + uint64(size) - 1
		pool.ranges = append(pool.ranges, netipx.IPRangeFrom(uintToAddr(uint32(lo)), uintToAddr(uint32(hi))))
	}
	if len(pool.ranges) == 0 {
		return nil, fmt.Errorf("subhost pool: %s too small for offset %d size %d", subnet, offset, size)
	}
	return pool, nil
}

// Take leases the lowest free range.
func (p *SubhostPool) Take() (netipx.IPRange, error) {
	for _, r := range p.ranges {
		if !p.leased[r] {
			p.leased[r] = true
			return r, nil
		}
	}
	return netipx.IPRange{}, ErrNoSubhostRange
}

// Release returns a leased range. Releasing a free range is a no-op.
func (p *SubhostPool) Release(r netipx.IPRange) {
	delete(p.leased, r)
}

// Free is the number of ranges available.
func (p *SubhostPool) Free() int {
	return len(p.ranges) - len(p.leased)
}

// Leased lists the leased ranges in address order.
func (p *SubhostPool) Leased() []netipx.IPRange {
	out := make([]netipx.IPRange, 0, len(p.leased))
	for r := range p.leased {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].From().Less(out[j].From()) })
	return out
}

func addrToUint(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uintToAddr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}
