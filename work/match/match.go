// Package match associates catalog channels with stations from an external
// directory, producing the station id that keys guide data. Matching is a
// pure query over a cached dataset: similarity of normalized names, with
// bonuses for call-sign and country agreement, gated by a configurable floor.
// Manual overrides set through the editor always win; the matcher never
// touches a channel that already carries a custom epg id.
package match

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"
)

// Station is one entry of the external station directory.
type Station struct {
	Name      string `json:"name"`
	StationID string `json:"station_id"`
	CallSign  string `json:"call_sign"`
	Logo      string `json:"logo"`
	Country   string `json:"country"`
}

// Result is one scored candidate.
type Result struct {
	Station Station
	Score   float64
}

// Directory is the in-memory station dataset with a lookup cache in front.
type Directory struct {
	stations []Station
	folded   []string // folded station names, same index as stations
	floor    float64
	cache    *otter.Cache[string, []Result]
}

const (
	callSignBonus = 0.10
	countryBonus  = 0.05
)

// NewDirectory wraps a station list. floor <= 0 falls back to 0.65.
func NewDirectory(stations []Station, floor float64) *Directory {
	if floor <= 0 {
		floor = 0.65
	}
	folded := make([]string, len(stations))
	for i, s := range stations {
		folded[i] = foldName(s.Name)
	}
	return &Directory{
		stations: stations,
		folded:   folded,
		floor:    floor,
		cache: otter.Must(&otter.Options[string, []Result]{
			MaximumSize: 4096,
		}),
	}
}

// LoadDirectory reads a station directory JSON file. A missing file yields an
// empty directory: matching quietly becomes a no-op.
func LoadDirectory(path string, floor float64) (*Directory, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return NewDirectory(nil, floor), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read station directory: %w", err)
	}
	var stations []Station
	if err := json.Unmarshal(data, &stations); err != nil {
		return nil, fmt.Errorf("failed to parse station directory: %w", err)
	}
	return NewDirectory(stations, floor), nil
}

// Len returns the directory size.
func (d *Directory) Len() int {
	return len(d.stations)
}

// Match returns the best station for a channel name, or nil when nothing
// clears the floor.
func (d *Directory) Match(name, country string) *Result {
	results := d.Suggestions(name, country, 1)
	if len(results) == 0 || results[0].Score < d.floor {
		return nil
	}
	r := results[0]
	return &r
}

// Suggestions returns the top n candidates regardless of the floor, for the
// editor's match picker. Sorted by score descending.
func (d *Directory) Suggestions(name, country string, n int) []Result {
	if len(d.stations) == 0 || strings.TrimSpace(name) == "" {
		return nil
	}

	key := foldName(name) + "|" + strings.ToUpper(country)
	if cached, ok := d.cache.GetIfPresent(key); ok {
		return clampResults(cached, n)
	}

	folded := foldName(name)
	results := make([]Result, 0, 16)
	for i, s := range d.stations {
		score := similarity(folded, d.folded[i])
		if s.CallSign != "" && strings.EqualFold(folded, s.CallSign) {
			score += callSignBonus
		}
		if country != "" && strings.EqualFold(s.Country, country) {
			score += countryBonus
		}
		if score > 0.3 {
			results = append(results, Result{Station: s, Score: score})
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Station.StationID < results[j].Station.StationID
	})
	if len(results) > 16 {
		results = results[:16]
	}

	d.cache.Set(key, results)
	return clampResults(results, n)
}

func clampResults(results []Result, n int) []Result {
	if n > 0 && len(results) > n {
		return results[:n]
	}
	return results
}

// foldRe strips everything that is not a letter, digit or space.
var foldRe = regexp.MustCompile(`[^a-z0-9 ]+`)

// foldSpace collapses whitespace runs.
var foldSpace = regexp.MustCompile(`\s+`)

// foldName lowercases a name and strips punctuation so "B.B.C. One" and
// "BBC One" compare equal.
func foldName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = foldRe.ReplaceAllString(s, " ")
	s = foldSpace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// similarity blends token overlap with edit distance: token-set Jaccard
// catches word reordering, normalized Levenshtein catches small typos. Both
// in [0,1]; the max of the two is a forgiving but stable measure.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}
	j := jaccard(strings.Fields(a), strings.Fields(b))
	l := 1 - float64(levenshtein(a, b))/float64(max(len(a), len(b)))
	if j > l {
		return j
	}
	return l
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	seen := make(map[string]bool, len(b))
	for _, t := range b {
		if seen[t] {
			continue
		}
		seen[t] = true
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(min(curr[j-1]+1, prev[j]+1), prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
