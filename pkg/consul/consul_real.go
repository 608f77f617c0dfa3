//go:build consul

package consul

import (
	"context"

	consulapi "github.com/hashicorp/consul/api"
)

// Enabled reports whether Consul support is compiled in.
func Enabled() bool { return true }

type apiKV struct {
	kv *consulapi.KV
}

// Dial builds a KV client for the agent at addr (empty uses the Consul
// defaults, including CONSUL_HTTP_ADDR).
func Dial(addr string) (KV, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &apiKV{kv: cli.KV()}, nil
}

func (a *apiKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := a.kv.Put(&consulapi.KVPair{Key: key, Value: value}, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (a *apiKV) Delete(ctx context.Context, key string) error {
	_, err := a.kv.Delete(key, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}

func (a *apiKV) DeleteTree(ctx context.Context, prefix string) error {
	_, err := a.kv.DeleteTree(prefix, (&consulapi.WriteOptions{}).WithContext(ctx))
	return err
}
