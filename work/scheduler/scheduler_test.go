package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macbridge/work/config"
)

type fakeCounter map[string]int

func (f fakeCounter) Active(portalID, mac string) int {
	return f[portalID+"|"+mac]
}

func portalWith(macs map[string]*config.MAC) *config.Portal {
	return &config.Portal{
		Name:          "Test",
		URL:           "http://portal.example/c/",
		Enabled:       true,
		StreamsPerMAC: 2,
		MACs:          macs,
	}
}

func TestRankPrefersIdleMAC(t *testing.T) {
	p := portalWith(map[string]*config.MAC{
		"00:1A:79:00:00:0A": {WatchdogTimeout: 10},
		"00:1A:79:00:00:0B": {WatchdogTimeout: 900},
	})

	order := Rank("p1", p, nil, fakeCounter{}, DefaultWeights(), time.Now())
	require.Len(t, order, 2)
	assert.Equal(t, "00:1A:79:00:00:0B", order[0], "recently active MAC must rank behind the idle one")
	assert.Equal(t, "00:1A:79:00:00:0A", order[1])
}

func TestRankFiltersBusyMAC(t *testing.T) {
	p := portalWith(map[string]*config.MAC{
		"AA": {WatchdogTimeout: 900},
		"BB": {WatchdogTimeout: 900},
	})
	counter := fakeCounter{"p1|AA": 2} // at the 2-slot limit

	order := Rank("p1", p, nil, counter, DefaultWeights(), time.Now())
	assert.Equal(t, []string{"BB"}, order)
}

func TestRankPartiallyBusyMACStillRanks(t *testing.T) {
	p := portalWith(map[string]*config.MAC{
		"AA": {WatchdogTimeout: 900},
		"BB": {WatchdogTimeout: 900},
	})
	counter := fakeCounter{"p1|AA": 1}

	order := Rank("p1", p, nil, counter, DefaultWeights(), time.Now())
	require.Len(t, order, 2)
	assert.Equal(t, "BB", order[0], "the fully free MAC scores higher on slots")
	assert.Equal(t, "AA", order[1])
}

func TestRankDropsExpiredMAC(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := portalWith(map[string]*config.MAC{
		"AA": {WatchdogTimeout: 900, Expiry: "2026-01-15"},
		"BB": {WatchdogTimeout: 900},
	})

	order := Rank("p1", p, nil, nil, DefaultWeights(), now)
	assert.Equal(t, []string{"BB"}, order)
}

func TestRankPenalizesImminentExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := portalWith(map[string]*config.MAC{
		"AA": {WatchdogTimeout: 900, Expiry: "2026-03-03"}, // two days left
		"BB": {WatchdogTimeout: 900, Expiry: "2027-03-01"},
	})

	order := Rank("p1", p, nil, nil, DefaultWeights(), now)
	require.Len(t, order, 2)
	assert.Equal(t, "BB", order[0])
}

func TestRankRestrictsToAvailableMACs(t *testing.T) {
	p := portalWith(map[string]*config.MAC{
		"AA": {WatchdogTimeout: 900},
		"BB": {WatchdogTimeout: 3600},
		"CC": {WatchdogTimeout: 3600},
	})

	order := Rank("p1", p, []string{"AA", "CC"}, nil, DefaultWeights(), time.Now())
	assert.Equal(t, []string{"CC", "AA"}, order)
}

func TestRankTieBreaksByExpiryThenMAC(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// all three score identically: same watchdog, all free, expiries beyond
	// the penalty horizon (or absent)
	p := portalWith(map[string]*config.MAC{
		"CC": {WatchdogTimeout: 900, Expiry: "2027-06-01"},
		"AA": {WatchdogTimeout: 900, Expiry: "2027-01-01"},
		"BB": {WatchdogTimeout: 900},
	})

	order := Rank("p1", p, nil, nil, DefaultWeights(), now)
	// no expiry sorts latest, then later expiry wins
	assert.Equal(t, []string{"BB", "CC", "AA"}, order)
}

func TestRankLexicographicLastResort(t *testing.T) {
	p := portalWith(map[string]*config.MAC{
		"00:1A:79:00:00:02": {WatchdogTimeout: 900},
		"00:1A:79:00:00:01": {WatchdogTimeout: 900},
		"00:1A:79:00:00:03": {WatchdogTimeout: 900},
	})

	order := Rank("p1", p, nil, nil, DefaultWeights(), time.Now())
	assert.Equal(t, []string{"00:1A:79:00:00:01", "00:1A:79:00:00:02", "00:1A:79:00:00:03"}, order)
}

func TestRankIsDeterministic(t *testing.T) {
	now := time.Now()
	p := portalWith(map[string]*config.MAC{
		"AA": {WatchdogTimeout: 45},
		"BB": {WatchdogTimeout: 200},
		"CC": {WatchdogTimeout: 900},
		"DD": {WatchdogTimeout: 3600},
	})

	first := Rank("p1", p, nil, nil, DefaultWeights(), now)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Rank("p1", p, nil, nil, DefaultWeights(), now))
	}
	assert.Equal(t, []string{"DD", "CC", "BB", "AA"}, first)
}

func TestIdleFactorBands(t *testing.T) {
	assert.Equal(t, 0.0, idleFactor(0))
	assert.Equal(t, 0.0, idleFactor(59))
	assert.Equal(t, 0.3, idleFactor(60))
	assert.Equal(t, 0.3, idleFactor(299))
	assert.Equal(t, 0.7, idleFactor(300))
	assert.Equal(t, 0.7, idleFactor(1799))
	assert.Equal(t, 1.0, idleFactor(1800))
	assert.Equal(t, 1.0, idleFactor(86400))
}

func TestWeightsFromSettings(t *testing.T) {
	w := WeightsFrom(&config.Settings{IdleWeight: 2, SlotWeight: 0.5, ExpiryWeight: 0.1})
	assert.Equal(t, Weights{Idle: 2, Slots: 0.5, Expiry: 0.1}, w)

	assert.Equal(t, DefaultWeights(), WeightsFrom(&config.Settings{}))
	assert.Equal(t, DefaultWeights(), WeightsFrom(nil))
}
