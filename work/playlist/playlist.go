// Package playlist renders the active catalog as an M3U document and as the
// HDHomeRun-style JSON lineup some players use for discovery. Output is a
// pure function of the catalog: identical state renders byte-identical
// documents, so responses can be cached until a refresh invalidates them.
package playlist

import (
	"fmt"
	"strings"

	"macbridge/work/database"
)

// Build renders the M3U playlist. baseURL is scheme://host[:port] without a
// trailing slash; every channel's stream URL points back at the proxy.
func Build(q database.Queryer, baseURL string) (string, error) {
	channels, err := database.ListActiveChannels(q, nil)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range channels {
		writeEntry(&b, ch, baseURL)
	}
	return b.String(), nil
}

func writeEntry(b *strings.Builder, ch *database.ChannelRow, baseURL string) {
	name := ch.EffectiveDisplayName()
	logo := ch.MatchedLogo
	if logo == "" {
		logo = ch.Logo
	}
	group := ch.EffectiveGroup()
	if group == "" {
		group = "Uncategorized"
	}

	b.WriteString(`#EXTINF:-1 tvg-id="` + escapeAttr(ch.EffectiveEPGID()) + `"`)
	b.WriteString(` tvg-name="` + escapeAttr(name) + `"`)
	if logo != "" {
		b.WriteString(` tvg-logo="` + escapeAttr(logo) + `"`)
	}
	if n := ch.EffectiveNumber(); n != "" {
		b.WriteString(` tvg-chno="` + escapeAttr(n) + `"`)
	}
	b.WriteString(` group-title="` + escapeAttr(group) + `"`)
	b.WriteString("," + name + "\n")
	fmt.Fprintf(b, "%s/play/%s/%s\n", baseURL, ch.PortalID, ch.ChannelID)
}

// escapeAttr keeps channel names from breaking the quoted M3U attributes.
func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, `"`, "'")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}

// LineupEntry is one channel in the HDHomeRun lineup document.
type LineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// Lineup renders the lineup.json channel list.
func Lineup(q database.Queryer, baseURL string) ([]LineupEntry, error) {
	channels, err := database.ListActiveChannels(q, nil)
	if err != nil {
		return nil, err
	}

	entries := make([]LineupEntry, 0, len(channels))
	for i, ch := range channels {
		number := ch.EffectiveNumber()
		if number == "" {
			number = fmt.Sprintf("%d", i+1)
		}
		entries = append(entries, LineupEntry{
			GuideNumber: number,
			GuideName:   ch.EffectiveDisplayName(),
			URL:         fmt.Sprintf("%s/play/%s/%s", baseURL, ch.PortalID, ch.ChannelID),
		})
	}
	return entries, nil
}

// Discover is the discover.json device description. Players treat the proxy
// as a network tuner with a generous tuner count.
type Discover struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	TunerCount      int    `json:"TunerCount"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

// NewDiscover builds the device description for a base URL.
func NewDiscover(baseURL string) Discover {
	return Discover{
		FriendlyName:    "macbridge",
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDTC-2US",
		FirmwareName:    "hdhomeruntc_atsc",
		TunerCount:      6,
		FirmwareVersion: "20170930",
		DeviceID:        "12345678",
		DeviceAuth:      "macbridge",
		BaseURL:         baseURL,
		LineupURL:       baseURL + "/lineup.json",
	}
}

// LineupStatus is the static lineup_status.json document.
type LineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// NewLineupStatus reports an idle, scannable tuner.
func NewLineupStatus() LineupStatus {
	return LineupStatus{ScanPossible: 1, Source: "Cable", SourceList: []string{"Cable"}}
}
