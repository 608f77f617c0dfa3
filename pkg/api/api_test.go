package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wrtd/pkg/cascade"
	"wrtd/pkg/eventloop"
	"wrtd/pkg/journal"
	"wrtd/pkg/model"
	"wrtd/pkg/prefixpool"
)

type fakeCascade struct {
	view   model.RouterList
	status cascade.Status
	err    error
}

func (f *fakeCascade) View(context.Context) (model.RouterList, error) { return f.view, f.err }

func (f *fakeCascade) Status(context.Context) (cascade.Status, error) { return f.status, f.err }

type fakeJournal struct {
	entries []journal.Entry
	limit   int
}

func (f *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	f.limit = limit
	if limit < len(f.entries) {
		return f.entries[:limit], nil
	}
	return f.entries, nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Log == nil {
		opts.Log = testLog()
	}
	srv := httptest.NewServer(New(opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestRoutersAndLinks(t *testing.T) {
	r := model.NewRouter("A")
	r.LanPrefixList = []model.Prefix{model.PrefixFrom(netip.MustParsePrefix("192.168.5.0/24"))}
	fc := &fakeCascade{
		view: model.RouterList{"A": model.NewRouter(""), "B": r},
		status: cascade.Status{
			ID:        "A",
			Downlinks: []cascade.LinkInfo{{Bridge: "br-lan", Peer: "192.168.1.64:5000", RouterID: "B", State: cascade.StateRegistered}},
			Bridges:   []cascade.BridgeInfo{},
		},
	}
	srv := newTestServer(t, Options{Cascade: fc})

	code, body := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get(t, srv.URL+"/api/v1/routers")
	require.Equal(t, http.StatusOK, code)
	var view model.RouterList
	require.NoError(t, json.Unmarshal([]byte(body), &view))
	assert.Len(t, view, 2)
	assert.Equal(t, "A", view["B"].Parent)

	code, body = get(t, srv.URL+"/api/v1/routers/B")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `["192.168.5.0","255.255.255.0"]`)

	code, _ = get(t, srv.URL+"/api/v1/routers/Z")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = get(t, srv.URL+"/api/v1/links")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"state":"registered"`)
	assert.Contains(t, body, `"routerId":"B"`)
}

func TestQueryErrors(t *testing.T) {
	srv := newTestServer(t, Options{Cascade: &fakeCascade{err: eventloop.ErrStopped}})
	code, _ := get(t, srv.URL+"/api/v1/routers")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	srv = newTestServer(t, Options{Cascade: &fakeCascade{err: errors.New("boom")}})
	code, _ = get(t, srv.URL+"/api/v1/links")
	assert.Equal(t, http.StatusInternalServerError, code)
}

func TestPrefixPool(t *testing.T) {
	pv := PoolView{
		Entries:  []prefixpool.Entry{{Prefix: netip.MustParsePrefix("192.168.77.0/24"), InUse: true}},
		Excludes: map[string][]netip.Prefix{"wan": {netip.MustParsePrefix("10.0.0.0/8")}},
	}
	srv := newTestServer(t, Options{
		Cascade: &fakeCascade{},
		Pool:    func(context.Context) (PoolView, error) { return pv, nil },
	})
	code, body := get(t, srv.URL+"/api/v1/prefix-pool")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"entries":[{"prefix":"192.168.77.0/24","inUse":true}],"excludes":{"wan":["10.0.0.0/8"]}}`, body)
}

func TestJournal(t *testing.T) {
	fj := &fakeJournal{entries: []journal.Entry{{ID: 2, Type: "uplink-down"}, {ID: 1, Type: "uplink-up"}}}
	srv := newTestServer(t, Options{Cascade: &fakeCascade{}, Journal: fj})

	tests := []struct {
		query string
		code  int
		limit int
	}{
		{"", http.StatusOK, defaultJournalLimit},
		{"?limit=1", http.StatusOK, 1},
		{"?limit=999999", http.StatusOK, maxJournalLimit},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=x", http.StatusBadRequest, 0},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			fj.limit = 0
			code, _ := get(t, srv.URL+"/api/v1/journal"+tc.query)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.limit, fj.limit)
		})
	}

	code, body := get(t, srv.URL+"/api/v1/journal?limit=1")
	require.Equal(t, http.StatusOK, code)
	var got []journal.Entry
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "uplink-down", got[0].Type)

	disabled := newTestServer(t, Options{Cascade: &fakeCascade{}})
	code, _ = get(t, disabled.URL+"/api/v1/journal")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("wrtd_cascade_routers 1\n"))
	})
	srv := newTestServer(t, Options{Cascade: &fakeCascade{}, Metrics: metrics})
	code, body := get(t, srv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "wrtd_cascade_routers")
}

func TestEventFeed(t *testing.T) {
	hub := NewEventHub(testLog())
	t.Cleanup(hub.Close)
	srv := newTestServer(t, Options{Cascade: &fakeCascade{}, Hub: hub})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Publish(EventMessage(cascade.Event{
		Type:    cascade.EventRouterAdd,
		Origin:  cascade.OriginDownlink,
		Routers: []string{"C"},
		Data:    model.RouterList{"C": model.NewRouter("B")},
		Time:    time.Unix(1700000000, 0).UTC(),
	}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "router-add", msg.Type)
	assert.Equal(t, "downlink", msg.Origin)
	assert.Equal(t, []string{"C"}, msg.Routers)
	payload, ok := msg.Payload.(map[string]any)
	require.True(t, ok)
	assert.Contains(t, payload, "C")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	hub := NewEventHub(testLog())
	s := New(Options{Cascade: &fakeCascade{}, Hub: hub, Log: testLog()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
}
