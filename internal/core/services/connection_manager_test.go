package services

import (
	"sync"
	"testing"
	"time"

	"github.com/netly/fleetwatch/internal/domain"
	"github.com/netly/fleetwatch/pkg/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRetryDelay = time.Second

func newTestManager(t *testing.T, d *fakeDialer, clk *clock.FakeClock, handler EventHandler) *ConnectionManager {
	t.Helper()
	m := NewConnectionManager(ConnectionManagerConfig{
		Dialer:     d,
		Clock:      clk,
		RetryDelay: testRetryDelay,
		Handler:    handler,
	})
	t.Cleanup(func() { m.Close() })
	return m
}

func waitState(t *testing.T, m *ConnectionManager, want ConnState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state never became %s", want)
}

func TestConnectionManager_ReconnectsOncePerCloseAfterDelay(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()
	m := newTestManager(t, d, clk, nil)

	m.Connect()
	first := d.next(t)
	waitState(t, m, ConnOpen)

	first.Close()
	clk.WaitForTimers(1)
	require.Equal(t, ConnClosed, m.State())
	require.Equal(t, 1, d.Dials())

	clk.Advance(testRetryDelay - time.Millisecond)
	require.Equal(t, 1, d.Dials(), "reconnect must wait for the full delay")

	clk.Advance(time.Millisecond)
	d.next(t)
	waitState(t, m, ConnOpen)
	require.Equal(t, 2, d.Dials())
	require.Equal(t, 0, clk.PendingCount())
}

func TestConnectionManager_DialFailureIsTreatedAsClose(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()
	d.failures = 2
	m := newTestManager(t, d, clk, nil)

	m.Connect()
	for i := 1; i <= 2; i++ {
		clk.WaitForTimers(1)
		require.Equal(t, i, d.Dials())
		clk.Advance(testRetryDelay)
	}
	d.next(t)
	waitState(t, m, ConnOpen)
	require.Equal(t, 3, d.Dials())
}

func TestConnectionManager_ConnectIsIdempotent(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()
	m := newTestManager(t, d, clk, nil)

	m.Connect()
	d.next(t)
	waitState(t, m, ConnOpen)
	m.Connect()
	m.Connect()

	require.Equal(t, 1, d.Dials())
}

func TestConnectionManager_SendDroppedUnlessOpen(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()
	m := newTestManager(t, d, clk, nil)

	msg := domain.ControlMessage{Type: domain.ControlSubscribeTask, TaskID: "t1"}
	require.False(t, m.Send(msg))

	m.Connect()
	conn := d.next(t)
	waitState(t, m, ConnOpen)
	require.True(t, m.Send(msg))
	require.Equal(t, []domain.ControlMessage{msg}, conn.Written())

	conn.Close()
	clk.WaitForTimers(1)
	require.False(t, m.Send(msg))
}

func TestConnectionManager_DispatchesInOrderAndSkipsBadFrames(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()

	var mu sync.Mutex
	var got []domain.Event
	m := newTestManager(t, d, clk, func(e domain.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})

	m.Connect()
	conn := d.next(t)
	conn.push(t, domain.FrontendToast{Message: "one"})
	conn.in <- []byte(`{"type":"from_the_future"}`)
	conn.in <- []byte(`{{{`)
	conn.push(t, domain.FrontendToast{Message: "two"})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.FrontendToast{Message: "one"}, got[0])
	assert.Equal(t, domain.FrontendToast{Message: "two"}, got[1])
	assert.Equal(t, ConnOpen, m.State(), "bad frames must not close the channel")
}

func TestConnectionManager_OnOpenRunsOnEveryConnect(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()
	m := newTestManager(t, d, clk, nil)

	opens := make(chan struct{}, 4)
	m.OnOpen(func() { opens <- struct{}{} })

	m.Connect()
	first := d.next(t)
	<-opens

	first.Close()
	clk.WaitForTimers(1)
	clk.Advance(testRetryDelay)
	d.next(t)

	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatal("OnOpen did not run after reconnect")
	}
}

func TestConnectionManager_CloseStopsRetryLoop(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	d := newFakeDialer()
	m := newTestManager(t, d, clk, nil)

	m.Connect()
	conn := d.next(t)
	waitState(t, m, ConnOpen)

	conn.Close()
	clk.WaitForTimers(1)
	require.NoError(t, m.Close())
	require.Equal(t, 0, clk.PendingCount())

	clk.Advance(10 * testRetryDelay)
	m.Connect()
	require.Equal(t, 1, d.Dials())
	require.Equal(t, ConnClosed, m.State())
}
