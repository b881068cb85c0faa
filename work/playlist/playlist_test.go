package playlist

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"macbridge/work/database"
	"macbridge/work/logger"
)

func newCatalog(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "channels.db"), logger.New("ERROR"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seed(t *testing.T, db *database.DB, rows ...*database.ChannelRow) {
	t.Helper()
	for _, row := range rows {
		require.NoError(t, database.UpsertChannel(db, row))
	}
}

func TestBuildRendersActiveChannels(t *testing.T) {
	db := newCatalog(t)
	seed(t, db,
		&database.ChannelRow{
			PortalID: "p1", ChannelID: "10", Name: "UK: BBC One FHD", AutoName: "BBC One",
			Number: "1", Genre: "UK", Logo: "http://img/bbc.png", Enabled: true, ChannelHash: "a",
			MatchedStationID: "bbc1.uk",
		},
		&database.ChannelRow{
			PortalID: "p1", ChannelID: "11", Name: "ITV", Number: "3", Enabled: true, ChannelHash: "b",
		},
	)

	out, err := Build(db, "http://proxy.local:8001")
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	assert.Contains(t, out, `tvg-id="bbc1.uk"`)
	assert.Contains(t, out, `tvg-name="BBC One"`)
	assert.Contains(t, out, `tvg-logo="http://img/bbc.png"`)
	assert.Contains(t, out, `tvg-chno="1"`)
	assert.Contains(t, out, `group-title="UK"`)
	assert.Contains(t, out, ",BBC One\n")
	assert.Contains(t, out, "http://proxy.local:8001/play/p1/10\n")

	// channel without genre or match falls back to the derived id and the
	// catch-all group
	assert.Contains(t, out, `tvg-id="p1.11"`)
	assert.Contains(t, out, `group-title="Uncategorized"`)
}

func TestBuildIsDeterministic(t *testing.T) {
	db := newCatalog(t)
	seed(t, db,
		&database.ChannelRow{PortalID: "p1", ChannelID: "1", Name: "Zeta", Enabled: true, ChannelHash: "a"},
		&database.ChannelRow{PortalID: "p2", ChannelID: "1", Name: "Alpha", Enabled: true, ChannelHash: "b"},
		&database.ChannelRow{PortalID: "p1", ChannelID: "2", Name: "Alpha", Enabled: true, ChannelHash: "c"},
	)

	first, err := Build(db, "http://h")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Build(db, "http://h")
		require.NoError(t, err)
		assert.Equal(t, first, again, "identical catalog state must render byte-identical output")
	}

	// names sort first, portal id breaks the Alpha tie
	alphaP1 := strings.Index(first, "/play/p1/2")
	alphaP2 := strings.Index(first, "/play/p2/1")
	zeta := strings.Index(first, "/play/p1/1\n")
	assert.Less(t, alphaP1, alphaP2)
	assert.Less(t, alphaP2, zeta)
}

func TestBuildExcludesHiddenChannels(t *testing.T) {
	db := newCatalog(t)
	seed(t, db,
		&database.ChannelRow{PortalID: "p1", ChannelID: "1", Name: "Visible", Enabled: true, ChannelHash: "a"},
		&database.ChannelRow{PortalID: "p1", ChannelID: "2", Name: "### UK ###", Enabled: true, IsHeader: true, ChannelHash: "b"},
		&database.ChannelRow{PortalID: "p1", ChannelID: "3", Name: "Disabled", Enabled: false, ChannelHash: "c"},
	)

	out, err := Build(db, "http://h")
	require.NoError(t, err)
	assert.Contains(t, out, "Visible")
	assert.NotContains(t, out, "###")
	assert.NotContains(t, out, "Disabled")
}

func TestBuildEscapesQuotesInNames(t *testing.T) {
	db := newCatalog(t)
	seed(t, db, &database.ChannelRow{
		PortalID: "p1", ChannelID: "1", Name: `The "Best" Channel`, Enabled: true, ChannelHash: "a",
	})

	out, err := Build(db, "http://h")
	require.NoError(t, err)
	assert.Contains(t, out, `tvg-name="The 'Best' Channel"`)
}

func TestLineupAssignsSequentialNumbers(t *testing.T) {
	db := newCatalog(t)
	seed(t, db,
		&database.ChannelRow{PortalID: "p1", ChannelID: "1", Name: "Alpha", Number: "101", Enabled: true, ChannelHash: "a"},
		&database.ChannelRow{PortalID: "p1", ChannelID: "2", Name: "Beta", Enabled: true, ChannelHash: "b"},
	)

	entries, err := Lineup(db, "http://h")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "101", entries[0].GuideNumber)
	assert.Equal(t, "2", entries[1].GuideNumber, "missing numbers fall back to the list position")
	assert.Equal(t, "http://h/play/p1/2", entries[1].URL)
}

func TestDiscoverDocument(t *testing.T) {
	d := NewDiscover("http://proxy.local:8001")
	assert.Equal(t, "http://proxy.local:8001", d.BaseURL)
	assert.Equal(t, "http://proxy.local:8001/lineup.json", d.LineupURL)
	assert.NotZero(t, d.TunerCount)
}
