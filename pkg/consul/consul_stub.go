//go:build !consul

package consul

// Enabled reports whether Consul support is compiled in.
func Enabled() bool { return false }

// Dial always fails without the consul build tag.
func Dial(addr string) (KV, error) {
	return nil, ErrNotBuilt
}
