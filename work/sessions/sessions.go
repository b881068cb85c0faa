// Package sessions is the in-memory accounting of live stream sessions. One
// table exists per process; every reservation and release goes through its
// mutex, so per-MAC slot counts are strictly serializable and a MAC can never
// be oversold no matter how requests interleave.
package sessions

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Session is one live stream: a client pinned to a MAC playing a channel.
type Session struct {
	ID          string
	PortalID    string
	PortalName  string
	ChannelID   string
	ChannelName string
	MAC         string
	Client      string
	StartTime   string

	bytes atomic.Int64
}

// Info is a point-in-time copy of one session for status reporting. Sessions
// themselves carry an atomic byte counter and must not be copied, so
// snapshots hand out this plain value instead.
type Info struct {
	ID          string `json:"-"`
	PortalID    string `json:"-"`
	PortalName  string `json:"portal_name"`
	ChannelID   string `json:"-"`
	ChannelName string `json:"channel_name"`
	MAC         string `json:"mac"`
	Client      string `json:"client"`
	StartTime   string `json:"start_time"`
	Bytes       int64  `json:"bytes"`
}

// AddBytes accumulates relayed byte counts; safe from the piping goroutine.
func (s *Session) AddBytes(n int64) {
	s.bytes.Add(n)
}

// Bytes returns the total bytes relayed so far.
func (s *Session) Bytes() int64 {
	return s.bytes.Load()
}

// Table is the process-wide session table.
type Table struct {
	mu     sync.Mutex
	byID   map[string]*Session
	counts map[string]int // "portal|mac" -> active sessions
	seq    uint64
}

// NewTable creates an empty session table.
func NewTable() *Table {
	return &Table{
		byID:   make(map[string]*Session),
		counts: make(map[string]int),
	}
}

func slotKey(portalID, mac string) string {
	return portalID + "|" + mac
}

// Reserve atomically claims one slot against a MAC. Returns nil when the MAC
// already carries limit active sessions; the caller then moves on to the next
// candidate. limit < 1 is treated as 1.
func (t *Table) Reserve(portalID, portalName, channelID, channelName, mac, client string, limit int) *Session {
	if limit < 1 {
		limit = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	key := slotKey(portalID, mac)
	if t.counts[key] >= limit {
		return nil
	}

	t.seq++
	s := &Session{
		ID:          fmt.Sprintf("s%d", t.seq),
		PortalID:    portalID,
		PortalName:  portalName,
		ChannelID:   channelID,
		ChannelName: channelName,
		MAC:         mac,
		Client:      client,
		StartTime:   time.Now().Format("2006-01-02 15:04:05"),
	}
	t.byID[s.ID] = s
	t.counts[key]++
	return s
}

// Release frees a session's slot. Releasing twice is harmless.
func (t *Table) Release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byID[id]
	if !ok {
		return
	}
	delete(t.byID, id)
	key := slotKey(s.PortalID, s.MAC)
	if t.counts[key] > 1 {
		t.counts[key]--
	} else {
		delete(t.counts, key)
	}
}

// Active returns the number of live sessions pinned to a MAC.
func (t *Table) Active(portalID, mac string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[slotKey(portalID, mac)]
}

// Total returns the number of live sessions across all portals.
func (t *Table) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Snapshot returns the live sessions grouped by portal id, for the streaming
// status endpoint.
func (t *Table) Snapshot() map[string][]Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string][]Info)
	for _, s := range t.byID {
		out[s.PortalID] = append(out[s.PortalID], Info{
			ID:          s.ID,
			PortalID:    s.PortalID,
			PortalName:  s.PortalName,
			ChannelID:   s.ChannelID,
			ChannelName: s.ChannelName,
			MAC:         s.MAC,
			Client:      s.Client,
			StartTime:   s.StartTime,
			Bytes:       s.bytes.Load(),
		})
	}
	return out
}
