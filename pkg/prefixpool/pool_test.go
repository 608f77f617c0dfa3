package prefixpool

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func writePool(t *testing.T, prefixes ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prefix-pool.json")
	data, err := json.Marshal(prefixes)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func readPool(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var list []string
	require.NoError(t, json.Unmarshal(data, &list))
	return list
}

func pfx(s string) netip.Prefix { return netip.MustParsePrefix(s) }

func TestUsePrefixGeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "prefix-pool.json")
	pool, err := Load(path, testLog(), WithSeed(1))
	require.NoError(t, err)
	assert.Empty(t, pool.Entries())

	got, err := pool.UsePrefix()
	require.NoError(t, err)
	assert.Equal(t, 24, got.Bits())
	assert.True(t, AllocationRange.Contains(got.Addr()))
	for _, ex := range DefaultExcludes {
		assert.False(t, ex.Overlaps(got), "overlaps built-in %s", ex)
	}
	assert.Equal(t, []string{got.String()}, readPool(t, path))
}

func TestUsePrefixReusesFirstUnused(t *testing.T) {
	path := writePool(t, "192.168.5.0/24", "192.168.6.0/24")
	pool, err := Load(path, testLog())
	require.NoError(t, err)

	first, err := pool.UsePrefix()
	require.NoError(t, err)
	second, err := pool.UsePrefix()
	require.NoError(t, err)
	assert.Equal(t, pfx("192.168.5.0/24"), first)
	assert.Equal(t, pfx("192.168.6.0/24"), second)

	third, err := pool.UsePrefix()
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
	assert.NotEqual(t, second, third)
	assert.Len(t, readPool(t, path), 3)
}

func TestReloadStartsUnused(t *testing.T) {
	path := writePool(t, "192.168.5.0/24", "192.168.6.0/24")
	pool, err := Load(path, testLog())
	require.NoError(t, err)
	for _, e := range pool.Entries() {
		assert.False(t, e.InUse)
	}
	assert.Equal(t, pfx("192.168.5.0/24"), pool.Entries()[0].Prefix)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefix-pool.json")
	require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))
	_, err := Load(path, testLog())
	assert.Error(t, err)
}

func TestLoadSkipsInvalidEntries(t *testing.T) {
	path := writePool(t, "192.168.5.0/24", "nope", "192.168.7.9/24")
	pool, err := Load(path, testLog())
	require.NoError(t, err)
	entries := pool.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, pfx("192.168.7.0/24"), entries[1].Prefix)
}

func TestLoadDropsOverlappingEntries(t *testing.T) {
	path := writePool(t,
		"192.168.5.0/24",
		"192.168.5.0/24",
		"192.168.1.0/24",
		"10.0.0.0/24",
		"192.168.6.0/23",
		"192.168.5.128/25",
	)
	pool, err := Load(path, testLog(), WithSeed(5))
	require.NoError(t, err)
	require.Len(t, pool.Entries(), 1)
	assert.Equal(t, []string{"192.168.5.0/24"}, readPool(t, path))

	seen := map[netip.Prefix]bool{}
	for i := 0; i < 3; i++ {
		got, err := pool.UsePrefix()
		require.NoError(t, err)
		assert.False(t, seen[got], "%s handed out twice", got)
		seen[got] = true
	}
	assert.True(t, seen[pfx("192.168.5.0/24")])
	assertDisjoint(t, pool)
}

func TestSetExcludeWithoutCollision(t *testing.T) {
	path := writePool(t, "192.168.5.0/24")
	pool, err := Load(path, testLog())
	require.NoError(t, err)
	_, err = pool.UsePrefix()
	require.NoError(t, err)

	restart, err := pool.SetExcludePrefixList("wan", []netip.Prefix{pfx("10.0.0.0/8")})
	require.NoError(t, err)
	assert.False(t, restart)
	assert.Equal(t, pfx("192.168.5.0/24"), pool.Entries()[0].Prefix)
}

func TestSetExcludeReassignsInUseEntry(t *testing.T) {
	path := writePool(t, "192.168.5.0/24")
	pool, err := Load(path, testLog(), WithSeed(7))
	require.NoError(t, err)
	_, err = pool.UsePrefix()
	require.NoError(t, err)

	restart, err := pool.SetExcludePrefixList("wan", []netip.Prefix{pfx("192.168.5.0/24")})
	require.NoError(t, err)
	assert.True(t, restart)

	moved := pool.Entries()[0]
	assert.True(t, moved.InUse)
	assert.NotEqual(t, pfx("192.168.5.0/24"), moved.Prefix)
	assert.Equal(t, []string{moved.Prefix.String()}, readPool(t, path))
}

func TestSetExcludeUnusedEntryNeedsNoRestart(t *testing.T) {
	path := writePool(t, "192.168.5.0/24", "192.168.6.0/24")
	pool, err := Load(path, testLog(), WithSeed(3))
	require.NoError(t, err)
	_, err = pool.UsePrefix()
	require.NoError(t, err)

	restart, err := pool.SetExcludePrefixList("upstream", []netip.Prefix{pfx("192.168.6.128/25")})
	require.NoError(t, err)
	assert.False(t, restart)
	entries := pool.Entries()
	assert.Equal(t, pfx("192.168.5.0/24"), entries[0].Prefix)
	assert.False(t, entries[1].Prefix.Overlaps(pfx("192.168.6.0/24")))
}

func TestSetExcludeExhaustedChangesNothing(t *testing.T) {
	// Only .5, .6 and .7 are outside the built-in exclusions.
	builtin := WithBuiltinExcludes(
		pfx("192.168.0.0/22"),
		pfx("192.168.4.0/24"),
		pfx("192.168.8.0/21"),
		pfx("192.168.16.0/20"),
		pfx("192.168.32.0/19"),
		pfx("192.168.64.0/18"),
		pfx("192.168.128.0/17"),
	)
	path := writePool(t, "192.168.5.0/24", "192.168.6.0/24")
	pool, err := Load(path, testLog(), builtin, WithSeed(9))
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := pool.UsePrefix()
		require.NoError(t, err)
	}
	_, err = pool.SetExcludePrefixList("wan", []netip.Prefix{pfx("10.0.0.0/8")})
	require.NoError(t, err)
	before := pool.Entries()

	restart, err := pool.SetExcludePrefixList("wan", []netip.Prefix{pfx("192.168.5.0/24"), pfx("192.168.6.0/24")})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.False(t, restart)
	assert.Equal(t, before, pool.Entries())
	assert.Equal(t, []string{"192.168.5.0/24", "192.168.6.0/24"}, readPool(t, path))
	assert.Equal(t, []netip.Prefix{pfx("10.0.0.0/8")}, pool.Excludes()["wan"])
	assertDisjoint(t, pool)

	_, err = pool.SetExcludePrefixList("upstream", []netip.Prefix{pfx("192.168.5.0/24"), pfx("192.168.6.0/24")})
	assert.ErrorIs(t, err, ErrExhausted)
	assert.NotContains(t, pool.Excludes(), "upstream")

	restart, err = pool.SetExcludePrefixList("upstream", []netip.Prefix{pfx("192.168.5.0/24")})
	require.NoError(t, err)
	assert.True(t, restart)
	assert.Equal(t, []string{"192.168.7.0/24", "192.168.6.0/24"}, readPool(t, path))
	assertDisjoint(t, pool)
}

func TestRemoveExcludeDoesNotReassign(t *testing.T) {
	pool, err := Load(filepath.Join(t.TempDir(), "p.json"), testLog())
	require.NoError(t, err)
	_, err = pool.SetExcludePrefixList("wan", []netip.Prefix{pfx("192.168.9.0/24")})
	require.NoError(t, err)
	before := pool.Entries()

	pool.RemoveExcludePrefixList("wan")
	assert.Equal(t, before, pool.Entries())
	assert.NotContains(t, pool.Excludes(), "wan")
}

func TestShrinkDropsUnused(t *testing.T) {
	path := writePool(t, "192.168.5.0/24", "192.168.6.0/24", "192.168.7.0/24")
	pool, err := Load(path, testLog())
	require.NoError(t, err)
	_, err = pool.UsePrefix()
	require.NoError(t, err)

	require.NoError(t, pool.Shrink())
	require.Len(t, pool.Entries(), 1)
	assert.Equal(t, []string{"192.168.5.0/24"}, readPool(t, path))
}

func TestExhausted(t *testing.T) {
	pool, err := Load(filepath.Join(t.TempDir(), "p.json"), testLog(),
		WithBuiltinExcludes(pfx("192.168.0.0/17")))
	require.NoError(t, err)
	_, err = pool.SetExcludePrefixList("wan", []netip.Prefix{pfx("192.168.128.0/18")})
	require.NoError(t, err)

	for i := 0; i < 64; i++ {
		_, err := pool.UsePrefix()
		require.NoError(t, err, "allocation %d", i)
	}
	_, err = pool.UsePrefix()
	assert.ErrorIs(t, err, ErrExhausted)
}

// Random sequences of allocations and exclusion updates must never leave two
// entries overlapping each other or any exclusion.
func TestPoolStaysDisjoint(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			pool, err := Load(filepath.Join(t.TempDir(), "p.json"), testLog(), WithSeed(seed))
			require.NoError(t, err)
			r := rand.New(rand.NewPCG(seed, 42))
			keys := []string{"wan", "upstream", "vpn"}

			for step := 0; step < 60; step++ {
				switch r.IntN(4) {
				case 0, 1:
					_, err := pool.UsePrefix()
					require.NoError(t, err)
				case 2:
					var list []netip.Prefix
					for n := r.IntN(4); n > 0; n-- {
						addr := netip.AddrFrom4([4]byte{192, 168, byte(r.IntN(256)), 0})
						list = append(list, netip.PrefixFrom(addr, 24))
					}
					_, err := pool.SetExcludePrefixList(keys[r.IntN(len(keys))], list)
					require.NoError(t, err)
				case 3:
					pool.RemoveExcludePrefixList(keys[r.IntN(len(keys))])
				}
				assertDisjoint(t, pool)
			}
		})
	}
}

func assertDisjoint(t *testing.T, pool *Pool) {
	t.Helper()
	entries := pool.Entries()
	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			require.False(t, entries[i].Prefix.Overlaps(entries[j].Prefix),
				"%s overlaps %s", entries[i].Prefix, entries[j].Prefix)
		}
		for _, ex := range DefaultExcludes {
			require.False(t, entries[i].Prefix.Overlaps(ex), "%s overlaps built-in %s", entries[i].Prefix, ex)
		}
		for key, list := range pool.Excludes() {
			for _, ex := range list {
				require.False(t, entries[i].Prefix.Overlaps(ex), "%s overlaps %s exclusion %s", entries[i].Prefix, key, ex)
			}
		}
	}
}
