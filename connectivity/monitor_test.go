package connectivity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMonitorDefaultsOnline(t *testing.T) {
	m := NewMonitor(config.ConnectivityConfig{}, nil)
	assert.Equal(t, Online, m.Status())

	// No probe configured: Run returns immediately.
	done := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run blocked without a probe URL")
	}
}

func TestMonitorReportsTransitionsOnly(t *testing.T) {
	m := NewMonitor(config.ConnectivityConfig{}, nil)

	var mu sync.Mutex
	var got []Status
	unsubscribe := m.Subscribe(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev.Status)
	})

	m.Report(true)
	m.Report(false)
	m.Report(false)
	m.Report(true)
	assert.Equal(t, []Status{Offline, Online}, got)

	unsubscribe()
	unsubscribe()
	m.Report(false)
	assert.Len(t, got, 2)
	assert.Equal(t, Offline, m.Status())
}

func TestMonitorProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMonitor(config.ConnectivityConfig{ProbeURL: srv.URL, ProbeInterval: 10 * time.Millisecond, ProbeTimeout: time.Second}, nil)
	assert.True(t, m.Probe(context.Background()))
	healthy.Store(false)
	assert.False(t, m.Probe(context.Background()))

	events := make(chan Event, 4)
	defer m.Subscribe(func(ev Event) { events <- ev })()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-events:
		assert.Equal(t, Offline, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no offline transition")
	}

	healthy.Store(true)
	select {
	case ev := <-events:
		assert.Equal(t, Online, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no online transition")
	}

	cancel()
	<-done
	m.client.CloseIdleConnections()
}

func TestMonitorProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	m := NewMonitor(config.ConnectivityConfig{ProbeURL: url, ProbeTimeout: 200 * time.Millisecond}, nil)
	require.False(t, m.Probe(context.Background()))
}
