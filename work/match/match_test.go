package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDirectory(floor float64) *Directory {
	return NewDirectory([]Station{
		{Name: "BBC One", StationID: "bbc1.uk", CallSign: "BBCONE", Country: "UK"},
		{Name: "BBC Two", StationID: "bbc2.uk", CallSign: "BBCTWO", Country: "UK"},
		{Name: "ESPN", StationID: "espn.us", CallSign: "ESPN", Country: "US"},
		{Name: "Sky Sports Main Event", StationID: "skysports.uk", Country: "UK"},
	}, floor)
}

func TestExactNameMatches(t *testing.T) {
	d := testDirectory(0.65)

	r := d.Match("BBC One", "UK")
	require.NotNil(t, r)
	assert.Equal(t, "bbc1.uk", r.Station.StationID)
	assert.GreaterOrEqual(t, r.Score, 0.99)
}

func TestPunctuationFolds(t *testing.T) {
	d := testDirectory(0.65)

	r := d.Match("B.B.C. One", "")
	require.NotNil(t, r)
	assert.Equal(t, "bbc1.uk", r.Station.StationID)
}

func TestWordOrderTolerated(t *testing.T) {
	d := testDirectory(0.65)

	r := d.Match("Main Event Sky Sports", "UK")
	require.NotNil(t, r)
	assert.Equal(t, "skysports.uk", r.Station.StationID)
}

func TestBelowFloorIsNoMatch(t *testing.T) {
	d := testDirectory(0.65)
	assert.Nil(t, d.Match("Completely Unrelated Channel", ""))
}

func TestCountryBreaksNearTies(t *testing.T) {
	d := NewDirectory([]Station{
		{Name: "Eurosport", StationID: "eurosport.de", Country: "DE"},
		{Name: "Eurosport", StationID: "eurosport.fr", Country: "FR"},
	}, 0.65)

	r := d.Match("Eurosport", "FR")
	require.NotNil(t, r)
	assert.Equal(t, "eurosport.fr", r.Station.StationID)
}

func TestSuggestionsIgnoreFloor(t *testing.T) {
	d := testDirectory(0.99)

	// floor blocks Match but the editor still sees ranked candidates
	assert.Nil(t, d.Match("BBC", ""))
	suggestions := d.Suggestions("BBC", "", 3)
	require.NotEmpty(t, suggestions)
	assert.Contains(t, []string{"bbc1.uk", "bbc2.uk"}, suggestions[0].Station.StationID)
}

func TestEmptyDirectory(t *testing.T) {
	d := NewDirectory(nil, 0.65)
	assert.Nil(t, d.Match("BBC One", "UK"))
	assert.Empty(t, d.Suggestions("BBC One", "UK", 5))
}

func TestCachedLookupsAreStable(t *testing.T) {
	d := testDirectory(0.65)
	a := d.Suggestions("BBC One", "UK", 5)
	b := d.Suggestions("BBC One", "UK", 5)
	assert.Equal(t, a, b)
}
