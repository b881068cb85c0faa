// Package jobs runs the background work: queued portal refreshes with
// per-portal coalescing, the scheduled catalog and EPG loops, and database
// maintenance. All job bodies are panic-safe; a bad portal response must
// never take the process down.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"macbridge/work/catalog"
	"macbridge/work/logger"
	"macbridge/work/metrics"
)

// PortalRefresher re-imports one portal's catalog.
type PortalRefresher interface {
	RefreshPortal(ctx context.Context, portalID string) (*catalog.Stats, error)
}

// EPGRefresher re-ingests EPG sources, all of them or one by id.
type EPGRefresher interface {
	RefreshAll(ctx context.Context) error
	RefreshSource(ctx context.Context, sourceID string) error
}

// Maintainer compacts the catalog database.
type Maintainer interface {
	Maintain() error
}

// RefreshStatus is the reportable state of a portal refresh job.
type RefreshStatus struct {
	Status    string         `json:"status"` // queued, running, completed, error
	Stats     *catalog.Stats `json:"stats,omitempty"`
	Error     string         `json:"error,omitempty"`
	UpdatedAt int64          `json:"updated_at"`
}

// PortalIDLister names the portals eligible for the scheduled refresh loop.
type PortalIDLister func() []string

// Manager owns the background job lifecycle.
type Manager struct {
	refresher PortalRefresher
	epg       EPGRefresher
	db        Maintainer
	pool      *ants.Pool
	portalIDs PortalIDLister

	statuses *xsync.MapOf[string, *RefreshStatus]
	queued   *xsync.MapOf[string, bool]
	epgBusy  *xsync.MapOf[string, bool] // single "epg" key

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// NewManager wires the job manager. pool may be nil; jobs then run on plain
// goroutines.
func NewManager(refresher PortalRefresher, epg EPGRefresher, db Maintainer, pool *ants.Pool, portalIDs PortalIDLister) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		refresher: refresher,
		epg:       epg,
		db:        db,
		pool:      pool,
		portalIDs: portalIDs,
		statuses:  xsync.NewMapOf[string, *RefreshStatus](),
		queued:    xsync.NewMapOf[string, bool](),
		epgBusy:   xsync.NewMapOf[string, bool](),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Stop cancels the loops and waits for running jobs to wind down.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// submit runs fn on the pool when possible, inline goroutine otherwise.
func (m *Manager) submit(fn func()) {
	m.wg.Add(1)
	wrapped := func() {
		defer m.wg.Done()
		defer recoverPanic()
		fn()
	}
	if m.pool != nil {
		if err := m.pool.Submit(wrapped); err == nil {
			return
		}
	}
	go wrapped()
}

func recoverPanic() {
	if r := recover(); r != nil {
		logger.Error("{jobs/jobs - recoverPanic} Background job panicked: %v", r)
	}
}

// QueuePortalRefresh schedules a refresh for one portal. A refresh already
// queued or running for the same portal coalesces: the call reports false and
// nothing new is scheduled.
func (m *Manager) QueuePortalRefresh(portalID string) bool {
	if _, loaded := m.queued.LoadOrStore(portalID, true); loaded {
		return false
	}
	m.setStatus(portalID, &RefreshStatus{Status: "queued"})

	m.submit(func() {
		defer m.queued.Delete(portalID)
		m.setStatus(portalID, &RefreshStatus{Status: "running"})

		started := m.now()
		stats, err := m.refresher.RefreshPortal(m.ctx, portalID)
		metrics.RefreshDuration.WithLabelValues(portalID).Observe(m.now().Sub(started).Seconds())
		if err != nil {
			m.setStatus(portalID, &RefreshStatus{Status: "error", Error: err.Error()})
			return
		}
		m.setStatus(portalID, &RefreshStatus{Status: "completed", Stats: stats})
	})
	return true
}

func (m *Manager) setStatus(portalID string, st *RefreshStatus) {
	st.UpdatedAt = m.now().Unix()
	prev, ok := m.statuses.Load(portalID)
	if ok && st.Stats == nil && st.Status != "completed" {
		// keep the last completed stats visible while a new run progresses
		st.Stats = prev.Stats
	}
	m.statuses.Store(portalID, st)
}

// PortalStatus returns the last known refresh state of a portal, nil when it
// was never refreshed this process lifetime.
func (m *Manager) PortalStatus(portalID string) *RefreshStatus {
	st, ok := m.statuses.Load(portalID)
	if !ok {
		return nil
	}
	return st
}

// QueueEPGRefresh schedules a full EPG refresh. Only one runs at a time.
func (m *Manager) QueueEPGRefresh() bool {
	if _, loaded := m.epgBusy.LoadOrStore("epg", true); loaded {
		return false
	}
	m.submit(func() {
		defer m.epgBusy.Delete("epg")
		if err := m.epg.RefreshAll(m.ctx); err != nil {
			logger.Warn("{jobs/jobs - QueueEPGRefresh} EPG refresh finished with error: %v", err)
		}
	})
	return true
}

// QueueEPGSourceRefresh schedules a refresh of specific sources, bypassing
// the interval but not the per-source single-flight inside the manager.
func (m *Manager) QueueEPGSourceRefresh(sourceIDs []string) {
	for _, id := range sourceIDs {
		id := id
		m.submit(func() {
			if err := m.epg.RefreshSource(m.ctx, id); err != nil {
				logger.Warn("{jobs/jobs - QueueEPGSourceRefresh} Refresh of %s finished with error: %v", id, err)
			}
		})
	}
}

// EPGRunning reports whether a full EPG refresh is in flight.
func (m *Manager) EPGRunning() bool {
	_, running := m.epgBusy.Load("epg")
	return running
}

// StartLoops launches the periodic schedules. channelEvery or epgEvery of 0
// disables the respective loop; maintenance always runs daily.
func (m *Manager) StartLoops(channelEvery, epgEvery time.Duration) {
	if channelEvery > 0 {
		m.loop("catalog", channelEvery, func() {
			for _, id := range m.portalIDs() {
				m.QueuePortalRefresh(id)
			}
		})
	}
	if epgEvery > 0 {
		m.loop("epg", epgEvery, func() {
			m.QueueEPGRefresh()
		})
	}
	m.loop("maintenance", 24*time.Hour, func() {
		if err := m.db.Maintain(); err != nil {
			logger.Warn("{jobs/jobs - StartLoops} Database maintenance failed: %v", err)
		}
	})
}

// loop runs tick on a fixed interval until Stop.
func (m *Manager) loop(name string, every time.Duration, tick func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		logger.Debug("{jobs/jobs - loop} %s loop running every %s", name, every)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				func() {
					defer recoverPanic()
					tick()
				}()
			}
		}
	}()
}
