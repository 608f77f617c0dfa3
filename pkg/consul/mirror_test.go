package consul

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrtd/pkg/model"
)

type memKV struct {
	mu      sync.Mutex
	data    map[string][]byte
	puts    int
	failPut error
}

func newMemKV() *memKV { return &memKV{data: map[string][]byte{}} }

func (m *memKV) Put(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	m.data[key] = append([]byte(nil), value...)
	m.puts++
	return nil
}

func (m *memKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memKV) DeleteTree(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *memKV) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.data {
		out = append(out, k)
	}
	return out
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type viewBox struct {
	mu   sync.Mutex
	view model.RouterList
}

func (b *viewBox) set(v model.RouterList) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.view = v
}

func (b *viewBox) get(context.Context) (model.RouterList, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view.Clone(), nil
}

func TestSyncWritesOnlyChanges(t *testing.T) {
	kv := newMemKV()
	box := &viewBox{view: model.RouterList{"A": model.NewRouter(""), "B": model.NewRouter("A")}}
	m := NewMirror(kv, "A", box.get, testLog())
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx))
	assert.ElementsMatch(t, []string{"wrtd/nodes/A/routers/A", "wrtd/nodes/A/routers/B"}, kv.keys())
	assert.JSONEq(t, `{"parent":"A","wanPrefixList":[],"lanPrefixList":[],"clientList":{}}`, string(kv.data["wrtd/nodes/A/routers/B"]))
	assert.Equal(t, 2, kv.puts)

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 2, kv.puts, "unchanged records are not rewritten")

	b := model.NewRouter("A")
	b.ClientList["192.168.5.10"] = model.Client{Hostname: "laptop"}
	box.set(model.RouterList{"A": model.NewRouter(""), "B": b})
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 3, kv.puts)
	assert.Contains(t, string(kv.data["wrtd/nodes/A/routers/B"]), "laptop")

	box.set(model.RouterList{"A": model.NewRouter("")})
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, []string{"wrtd/nodes/A/routers/A"}, kv.keys())
}

func TestSyncErrorKeepsStateForRetry(t *testing.T) {
	kv := newMemKV()
	kv.failPut = errors.New("consul down")
	box := &viewBox{view: model.RouterList{"A": model.NewRouter("")}}
	m := NewMirror(kv, "A", box.get, testLog())

	require.Error(t, m.Sync(context.Background()))
	assert.Empty(t, kv.keys())

	kv.failPut = nil
	require.NoError(t, m.Sync(context.Background()))
	assert.Equal(t, []string{"wrtd/nodes/A/routers/A"}, kv.keys())
}

func TestRunSyncsAndCleansUp(t *testing.T) {
	kv := newMemKV()
	box := &viewBox{view: model.RouterList{"A": model.NewRouter("")}}
	m := NewMirror(kv, "A", box.get, testLog())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(kv.keys()) == 1 }, 3*time.Second, 20*time.Millisecond)
	box.set(model.RouterList{"A": model.NewRouter(""), "C": model.NewRouter("A")})
	m.Notify()
	require.Eventually(t, func() bool { return len(kv.keys()) == 2 }, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, kv.keys())
}

func TestDialWithoutTag(t *testing.T) {
	if Enabled() {
		t.Skip("built with consul support")
	}
	_, err := Dial("127.0.0.1:8500")
	assert.ErrorIs(t, err, ErrNotBuilt)
}
