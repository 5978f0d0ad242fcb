package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("account-stream", 0, metrics.NewCollector().Handler(), zap.NewNop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealthAggregatesComponents(t *testing.T) {
	s, ts := newTestServer(t)
	s.RegisterComponent("source:a", true)
	s.RegisterComponent("source:b", false)

	code, body := get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var report Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, "account-stream", report.Service)

	s.UpdateComponentHealth("source:a", true, nil, map[string]int{"connects": 1})
	code, body = get(t, ts.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, StatusDegraded, report.Status)

	s.UpdateComponentHealth("source:b", true, nil, nil)
	require.NoError(t, json.Unmarshal(mustGet(t, ts.URL+"/health"), &report))
	assert.Equal(t, StatusHealthy, report.Status)
}

func mustGet(t *testing.T, url string) []byte {
	_, body := get(t, url)
	return body
}

func TestReadyFollowsCriticalComponents(t *testing.T) {
	s, ts := newTestServer(t)
	s.RegisterComponent("reconciler", true)
	s.RegisterComponent("source:a", false)

	code, _ := get(t, ts.URL+"/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	s.UpdateComponentHealth("reconciler", true, nil, nil)
	code, body := get(t, ts.URL+"/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready\n", string(body))
}

func TestComponentEndpoint(t *testing.T) {
	s, ts := newTestServer(t)
	s.UpdateComponentHealth("sink", false, errors.New("connection refused"), nil)

	code, body := get(t, ts.URL+"/health/sink")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	var c ComponentHealth
	require.NoError(t, json.Unmarshal(body, &c))
	assert.Equal(t, "connection refused", c.LastError)

	code, _ = get(t, ts.URL+"/health/missing")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestWatchRecordsCheckResult(t *testing.T) {
	s, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Watch(ctx, "publisher", time.Millisecond, func() (bool, interface{}, error) {
			return true, 3, nil
		})
	}()

	require.Eventually(t, func() bool { return s.Ready() && s.Report().Status == StatusHealthy }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 3, s.Report().Components["publisher"].Details)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := NewServer("account-stream", 0, nil, zap.NewNop())
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
