package sessions

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveRespectsLimit(t *testing.T) {
	table := NewTable()

	a := table.Reserve("p1", "Portal", "c1", "Chan", "AA:BB", "1.2.3.4", 2)
	require.NotNil(t, a)
	b := table.Reserve("p1", "Portal", "c2", "Chan2", "AA:BB", "1.2.3.5", 2)
	require.NotNil(t, b)

	assert.Nil(t, table.Reserve("p1", "Portal", "c3", "Chan3", "AA:BB", "1.2.3.6", 2))
	assert.Equal(t, 2, table.Active("p1", "AA:BB"))

	table.Release(a.ID)
	assert.Equal(t, 1, table.Active("p1", "AA:BB"))
	assert.NotNil(t, table.Reserve("p1", "Portal", "c3", "Chan3", "AA:BB", "1.2.3.6", 2))
}

func TestZeroLimitActsAsOne(t *testing.T) {
	table := NewTable()
	require.NotNil(t, table.Reserve("p1", "P", "c", "C", "AA", "ip", 0))
	assert.Nil(t, table.Reserve("p1", "P", "c", "C", "AA", "ip", 0))
}

func TestSameMACOnDifferentPortalsIsIndependent(t *testing.T) {
	table := NewTable()
	require.NotNil(t, table.Reserve("p1", "P1", "c", "C", "AA", "ip", 1))
	require.NotNil(t, table.Reserve("p2", "P2", "c", "C", "AA", "ip", 1))
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	table := NewTable()
	s := table.Reserve("p1", "P", "c", "C", "AA", "ip", 1)
	require.NotNil(t, s)
	table.Release(s.ID)
	table.Release(s.ID)
	assert.Equal(t, 0, table.Active("p1", "AA"))
}

// Concurrent reservations must never oversell a MAC, and after an arbitrary
// interleaving of opens and closes the accounting must balance exactly.
func TestNoOverselectionUnderConcurrency(t *testing.T) {
	table := NewTable()
	const limit = 3
	const workers = 32

	var mu sync.Mutex
	var granted []string
	var peak int

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				s := table.Reserve("p1", "P", "c", "C", "MAC-X", "ip", limit)
				if s == nil {
					continue
				}
				mu.Lock()
				granted = append(granted, s.ID)
				if n := table.Active("p1", "MAC-X"); n > peak {
					peak = n
				}
				mu.Unlock()
				if rng.Intn(2) == 0 {
					table.Release(s.ID)
				} else {
					mu.Lock()
					// keep it open for another goroutine's lifetime, then drop
					id := granted[rng.Intn(len(granted))]
					mu.Unlock()
					table.Release(id)
				}
			}
		}(int64(w))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, limit, "session table oversold the MAC")
}

func TestSnapshotAccountingBalances(t *testing.T) {
	table := NewTable()

	var open []string
	for i := 0; i < 10; i++ {
		s := table.Reserve("p1", "P", "c", "C", "MAC-A", "ip", 100)
		require.NotNil(t, s)
		open = append(open, s.ID)
	}
	for _, id := range open[:4] {
		table.Release(id)
	}

	snap := table.Snapshot()
	assert.Len(t, snap["p1"], 6)
	assert.Equal(t, 6, table.Total())
	assert.Equal(t, 6, table.Active("p1", "MAC-A"))
}

func TestSnapshotCarriesByteCounts(t *testing.T) {
	table := NewTable()
	s := table.Reserve("p1", "P", "c", "C", "AA", "ip", 1)
	require.NotNil(t, s)
	s.AddBytes(2048)

	snap := table.Snapshot()
	require.Len(t, snap["p1"], 1)
	assert.Equal(t, int64(2048), snap["p1"][0].Bytes)

	// the snapshot is detached: later traffic does not change it
	s.AddBytes(1)
	assert.Equal(t, int64(2048), snap["p1"][0].Bytes)
}

func TestBytesAccumulate(t *testing.T) {
	table := NewTable()
	s := table.Reserve("p1", "P", "c", "C", "AA", "ip", 1)
	require.NotNil(t, s)
	s.AddBytes(100)
	s.AddBytes(50)
	assert.Equal(t, int64(150), s.Bytes())
}
