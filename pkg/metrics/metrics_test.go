package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.Routers.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(a.Routers))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Routers))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.SetPool(2, 1)
	m.Events.WithLabelValues("router-add", "downlink").Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `wrtd_prefix_pool_entries{state="used"} 2`)
	assert.Contains(t, string(body), `wrtd_cascade_events_total{origin="downlink",type="router-add"} 1`)
}
