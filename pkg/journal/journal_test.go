package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Journal {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "journal.db"), logrus.NewEntry(l))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestAppendAndRecent(t *testing.T) {
	j := openTest(t)
	ctx := context.Background()

	require.NoError(t, j.Append(ctx, Entry{Type: "router-add", Origin: "downlink", Routers: []string{"C", "D"}, Detail: json.RawMessage(`{"C":{}}`)}))
	require.NoError(t, j.Append(ctx, Entry{Type: "uplink-down", Origin: "uplink"}))

	got, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "uplink-down", got[0].Type)
	assert.Empty(t, got[0].Routers)
	assert.Equal(t, []string{"C", "D"}, got[1].Routers)
	assert.JSONEq(t, `{"C":{}}`, string(got[1].Detail))
	assert.WithinDuration(t, time.Now(), got[1].Time, time.Minute)

	got, err = j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTrimKeepsNewest(t *testing.T) {
	j := openTest(t)
	j.maxRows = 50
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		require.NoError(t, j.Append(ctx, Entry{Type: fmt.Sprint(i)}))
	}
	got, err := j.Recent(ctx, 1000)
	require.NoError(t, err)
	assert.Len(t, got, 50)
	assert.Equal(t, "199", got[0].Type)
}

func TestRunFlushesQueue(t *testing.T) {
	j := openTest(t)
	for i := 0; i < 5; i++ {
		j.Record(Entry{Type: "router-add"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, j.Run(ctx))

	got, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 5)
}
