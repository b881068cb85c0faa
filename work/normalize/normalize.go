// Package normalize turns raw portal channel names into clean display names
// plus structured tags. It is pure: same name and rule set in, same result
// out, no clock, no IO. The rule set comes from settings; nothing is built in
// except the structural header check.
package normalize

import (
	"strings"

	"github.com/grafana/regexp"
)

// Rule is one compiled extraction rule. Rules run in order against the
// working name; each match records a tag and removes the matched text.
type Rule struct {
	Group   string // resolution, video_codec, country, audio, event, misc, header
	Capture int    // capture group index holding the tag text, 0 = whole match
	re      *regexp.Regexp
}

// Result is the normalizer output for one raw name.
type Result struct {
	AutoName string              // cleaned name, never overwrites the raw name
	Tags     map[string][]string // group -> captured values, in rule order
	IsHeader bool                // decorative section divider, not a channel
	IsRaw    bool                // a RAW token survived extraction
	IsEvent  bool                // an event-group rule matched
}

// Tag returns the values of one group joined with ", ", empty when the group
// never matched.
func (r *Result) Tag(group string) string {
	return strings.Join(r.Tags[group], ", ")
}

// CompileRule builds one rule from its pattern. Patterns are applied
// case-insensitively.
func CompileRule(group, pattern string, capture int) (Rule, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return Rule{}, err
	}
	return Rule{Group: group, Capture: capture, re: re}, nil
}

// headerFrame matches a name framed symmetrically by a run of decorative
// characters, e.g. "#### SPORTS ####".
var headerFrame = regexp.MustCompile(`^\s*([#*✦┃★═~\-=]{2,})\s*(.+?)\s*([#*✦┃★═~\-=]{2,})\s*$`)

// decorChars are the characters counted when checking for heavy decoration on
// both ends of a name.
const decorChars = "#*✦┃★═~-=_|•·:"

// collapseSpace folds runs of whitespace into single spaces and trims.
var collapseSpace = regexp.MustCompile(`\s+`)

// homographs maps the small-caps and superscript lookalikes portals use to
// dodge dedup back to plain ASCII, so token checks like RAW still hit.
var homographs = strings.NewReplacer(
	"ᴿ", "R", "ᴬ", "A", "ᵂ", "W",
	"ᴴ", "H", "ᴰ", "D", "ᵁ", "U",
	"Ｒ", "R", "Ａ", "A", "Ｗ", "W",
	"​", "", "‌", "", "‍", "", "\uFEFF", "",
)

// rawToken detects a standalone RAW marker in the cleaned name.
var rawToken = regexp.MustCompile(`(?i)(?:^|[\s\[\(])RAW(?:$|[\s\]\)])`)

// Extract runs the rule set against one raw channel name.
func Extract(rawName string, rules []Rule) Result {
	res := Result{Tags: make(map[string][]string)}

	name := homographs.Replace(rawName)
	name = collapseSpace.ReplaceAllString(name, " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return res
	}

	// headers short-circuit: a divider row carries no tags and keeps the raw
	// framing as its name so the editor can still show it
	if isHeader(name, rules) {
		res.IsHeader = true
		res.AutoName = name
		return res
	}

	working := name
	for _, rule := range rules {
		if rule.Group == "header" {
			continue
		}
		for {
			loc := rule.re.FindStringSubmatchIndex(working)
			if loc == nil || loc[1] == loc[0] {
				break
			}
			capIdx := rule.Capture * 2
			if capIdx+1 >= len(loc) || loc[capIdx] < 0 {
				capIdx = 0
			}
			value := strings.TrimSpace(working[loc[capIdx]:loc[capIdx+1]])
			if value != "" {
				res.Tags[rule.Group] = append(res.Tags[rule.Group], value)
			}
			// remove the whole matched span, not just the capture
			working = working[:loc[0]] + " " + working[loc[1]:]
			working = collapseSpace.ReplaceAllString(working, " ")
			working = strings.TrimSpace(working)
			if working == "" {
				break
			}
		}
	}

	working = strings.Trim(working, " -|:·[]()")
	working = collapseSpace.ReplaceAllString(working, " ")

	if rawToken.MatchString(working) {
		res.IsRaw = true
		working = strings.TrimSpace(rawToken.ReplaceAllString(working, " "))
		working = collapseSpace.ReplaceAllString(working, " ")
	}
	if len(res.Tags["event"]) > 0 {
		res.IsEvent = true
	}

	if working == "" {
		working = name
	}
	res.AutoName = working
	return res
}

// isHeader applies the structural framing check plus any header-group rules
// from the rule set.
func isHeader(name string, rules []Rule) bool {
	if m := headerFrame.FindStringSubmatch(name); m != nil && len(m[1]) >= 2 && len(m[3]) >= 2 {
		return true
	}
	if heavyDecoration(name) {
		return true
	}
	for _, rule := range rules {
		if rule.Group == "header" && rule.re.MatchString(name) {
			return true
		}
	}
	return false
}

// heavyDecoration reports names with at least 6 decorative characters on both
// ends, another common divider style.
func heavyDecoration(name string) bool {
	runes := []rune(name)
	count := func(rs []rune) int {
		n := 0
		for _, r := range rs {
			if strings.ContainsRune(decorChars, r) {
				n++
			} else if r != ' ' {
				break
			}
		}
		return n
	}
	reversed := make([]rune, len(runes))
	for i, r := range runes {
		reversed[len(runes)-1-i] = r
	}
	return count(runes) >= 6 && count(reversed) >= 6
}
