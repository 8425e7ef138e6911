package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Connections.Set(3)
	m.FramesSent.WithLabelValues("message:new").Inc()
	m.FramesSent.WithLabelValues("message:new").Inc()
	m.Requests.WithLabelValues("room:join", "OK").Inc()
	m.FramesDropped.Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("message:new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("room:join", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesDropped))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.OnlineUsers.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "chat_online_users 2")
}
