package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macbridge/work/catalog"
)

type fakeRefresher struct {
	calls atomic.Int64
	block chan struct{} // non-nil makes RefreshPortal wait
	err   error
}

func (f *fakeRefresher) RefreshPortal(ctx context.Context, portalID string) (*catalog.Stats, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.Stats{New: 5}, nil
}

type fakeEPG struct {
	calls       atomic.Int64
	sourceCalls atomic.Int64
}

func (f *fakeEPG) RefreshAll(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

func (f *fakeEPG) RefreshSource(ctx context.Context, sourceID string) error {
	f.sourceCalls.Add(1)
	return nil
}

type fakeDB struct {
	calls atomic.Int64
}

func (f *fakeDB) Maintain() error {
	f.calls.Add(1)
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestQueuePortalRefreshRunsAndReportsStats(t *testing.T) {
	ref := &fakeRefresher{}
	m := NewManager(ref, &fakeEPG{}, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()

	require.True(t, m.QueuePortalRefresh("p1"))
	waitFor(t, func() bool {
		st := m.PortalStatus("p1")
		return st != nil && st.Status == "completed"
	})

	st := m.PortalStatus("p1")
	require.NotNil(t, st.Stats)
	assert.Equal(t, 5, st.Stats.New)
	assert.Equal(t, int64(1), ref.calls.Load())
}

func TestQueuePortalRefreshCoalesces(t *testing.T) {
	ref := &fakeRefresher{block: make(chan struct{})}
	m := NewManager(ref, &fakeEPG{}, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()

	require.True(t, m.QueuePortalRefresh("p1"))
	waitFor(t, func() bool {
		st := m.PortalStatus("p1")
		return st != nil && st.Status == "running"
	})

	// while running, further requests for the same portal are swallowed
	assert.False(t, m.QueuePortalRefresh("p1"))
	assert.False(t, m.QueuePortalRefresh("p1"))
	// a different portal is independent
	assert.True(t, m.QueuePortalRefresh("p2"))

	close(ref.block)
	waitFor(t, func() bool { return m.PortalStatus("p1").Status == "completed" })
	assert.Equal(t, int64(2), ref.calls.Load())

	// once finished it can be queued again
	assert.True(t, m.QueuePortalRefresh("p1"))
}

func TestQueuePortalRefreshReportsError(t *testing.T) {
	ref := &fakeRefresher{err: errors.New("portal exploded")}
	m := NewManager(ref, &fakeEPG{}, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()

	m.QueuePortalRefresh("p1")
	waitFor(t, func() bool {
		st := m.PortalStatus("p1")
		return st != nil && st.Status == "error"
	})
	assert.Contains(t, m.PortalStatus("p1").Error, "portal exploded")
}

func TestEPGRefreshSingleFlight(t *testing.T) {
	epg := &fakeEPG{}
	m := NewManager(&fakeRefresher{}, epg, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()

	assert.True(t, m.QueueEPGRefresh())
	waitFor(t, func() bool { return !m.EPGRunning() })
	assert.Equal(t, int64(1), epg.calls.Load())
}

func TestQueueEPGSourceRefresh(t *testing.T) {
	epg := &fakeEPG{}
	m := NewManager(&fakeRefresher{}, epg, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()

	m.QueueEPGSourceRefresh([]string{"s1", "s2"})
	waitFor(t, func() bool { return epg.sourceCalls.Load() == 2 })
	assert.Equal(t, int64(0), epg.calls.Load())
}

func TestScheduledLoopsFire(t *testing.T) {
	ref := &fakeRefresher{}
	epg := &fakeEPG{}
	m := NewManager(ref, epg, &fakeDB{}, nil, func() []string { return []string{"p1"} })

	m.StartLoops(20*time.Millisecond, 20*time.Millisecond)
	waitFor(t, func() bool { return ref.calls.Load() >= 2 && epg.calls.Load() >= 2 })
	m.Stop()
}

func TestPanicInJobDoesNotCrash(t *testing.T) {
	m := NewManager(&fakeRefresher{}, &fakeEPG{}, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()

	done := make(chan struct{})
	m.submit(func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}
}

func TestUnknownPortalStatusIsNil(t *testing.T) {
	m := NewManager(&fakeRefresher{}, &fakeEPG{}, &fakeDB{}, nil, func() []string { return nil })
	defer m.Stop()
	assert.Nil(t, m.PortalStatus("ghost"))
}
