package model

import (
	"encoding/json"
	"fmt"
	"net/netip"
)

// Prefix is a (network-address, subnet-mask) pair. On the wire it is the
// two-element array ["192.168.1.0", "255.255.255.0"].
type Prefix struct {
	Network netip.Addr
	Mask    netip.Addr
}

// PrefixFrom converts a netip.Prefix into its address/mask form.
func PrefixFrom(p netip.Prefix) Prefix {
	p = p.Masked()
	bits := p.Bits()
	size := p.Addr().BitLen()
	mask := make([]byte, size/8)
	for i := 0; i < bits; i++ {
		mask[i/8] |= 0x80 >> (i % 8)
	}
	m, _ := netip.AddrFromSlice(mask)
	return Prefix{Network: p.Addr(), Mask: m}
}

// ParsePrefix accepts "a.b.c.d/len" notation.
func ParsePrefix(s string) (Prefix, error) {
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return Prefix{}, err
	}
	return PrefixFrom(p), nil
}

// NetIP returns the CIDR form. The mask must be contiguous.
func (p Prefix) NetIP() (netip.Prefix, error) {
	if !p.Network.IsValid() || !p.Mask.IsValid() {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %s/%s", p.Network, p.Mask)
	}
	if p.Network.BitLen() != p.Mask.BitLen() {
		return netip.Prefix{}, fmt.Errorf("address family mismatch %s/%s", p.Network, p.Mask)
	}
	bits := 0
	seenZero := false
	for _, b := range p.Mask.AsSlice() {
		for i := 7; i >= 0; i-- {
			if b&(1<<i) != 0 {
				if seenZero {
					return netip.Prefix{}, fmt.Errorf("non-contiguous mask %s", p.Mask)
				}
				bits++
			} else {
				seenZero = true
			}
		}
	}
	return netip.PrefixFrom(p.Network, bits).Masked(), nil
}

func (p Prefix) String() string {
	if n, err := p.NetIP(); err == nil {
		return n.String()
	}
	return p.Network.String() + "/" + p.Mask.String()
}

func (p Prefix) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Network.String(), p.Mask.String()})
}

func (p *Prefix) UnmarshalJSON(b []byte) error {
	var pair [2]string
	if err := json.Unmarshal(b, &pair); err != nil {
		return fmt.Errorf("prefix must be [network, mask]: %w", err)
	}
	network, err := netip.ParseAddr(pair[0])
	if err != nil {
		return fmt.Errorf("prefix network: %w", err)
	}
	mask, err := netip.ParseAddr(pair[1])
	if err != nil {
		return fmt.Errorf("prefix mask: %w", err)
	}
	p.Network, p.Mask = network, mask
	return nil
}

// NetIPs converts a prefix list, skipping entries with invalid masks.
func NetIPs(list []Prefix) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(list))
	for _, p := range list {
		if n, err := p.NetIP(); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// PrefixesEqual compares two ordered prefix lists.
func PrefixesEqual(a, b []Prefix) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
