package portal

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Portals are wildly inconsistent about JSON types: numbers arrive as strings,
// strings arrive as numbers, and absent fields arrive as false. The loose
// types below absorb that at the boundary so the rest of the code sees plain
// Go values.

// looseInt decodes from a JSON number, a numeric string, or null/false (as 0).
type looseInt int

func (n *looseInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("false")) {
		*n = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		// some portals send "1.0" style limits
		if i := strings.IndexByte(s, '.'); i >= 0 {
			s = s[:i]
		}
		v, err := strconv.Atoi(s)
		if err != nil {
			*n = 0
			return nil
		}
		*n = looseInt(v)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*n = looseInt(f)
	return nil
}

// looseString decodes from a JSON string, number, or null/false (as "").
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte("false")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	var f json.Number
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*s = looseString(f.String())
	return nil
}

// envelope is the outer {"js": ...} wrapper every portal response carries.
type envelope struct {
	Js json.RawMessage `json:"js"`
}

// handshakePayload is the js body of a handshake response.
type handshakePayload struct {
	Token looseString `json:"token"`
}

// profilePayload is the js body of a get_profile response.
type profilePayload struct {
	WatchdogTimeout looseInt    `json:"watchdog_timeout"`
	PlaybackLimit   looseInt    `json:"playback_limit"`
	Status          looseInt    `json:"status"`
	BlockMsg        looseString `json:"block_msg"`
}

// mainInfoPayload is the js body of a get_main_info response.
type mainInfoPayload struct {
	EndDate looseString `json:"end_date"`
	Phone   looseString `json:"phone"`
}

// rawChannelPayload is one channel as the portal sends it.
type rawChannelPayload struct {
	ID      looseString `json:"id"`
	Name    looseString `json:"name"`
	Number  looseString `json:"number"`
	GenreID looseString `json:"tv_genre_id"`
	Logo    looseString `json:"logo"`
	Cmd     looseString `json:"cmd"`
}

// channelListPayload is the js body of a get_all_channels / get_ordered_list
// response. Servers disagree on the key holding the channel array.
type channelListPayload struct {
	Data       []rawChannelPayload `json:"data"`
	Channels   []rawChannelPayload `json:"channels"`
	TotalItems looseInt            `json:"total_items"`
}

func (p *channelListPayload) items() []rawChannelPayload {
	if len(p.Data) > 0 {
		return p.Data
	}
	return p.Channels
}

// genrePayload is one genre entry from get_genres.
type genrePayload struct {
	ID    looseString `json:"id"`
	Title looseString `json:"title"`
}

// linkPayload is the js body of a create_link response.
type linkPayload struct {
	Cmd looseString `json:"cmd"`
}

// epgProgrammePayload is one programme entry from get_epg_info.
type epgProgrammePayload struct {
	Name      looseString `json:"name"`
	Descr     looseString `json:"descr"`
	StartTime looseInt    `json:"start_timestamp"`
	StopTime  looseInt    `json:"stop_timestamp"`
	Category  looseString `json:"category"`
}

// epgPayload is the js body of a get_epg_info response: channel id to
// programme list.
type epgPayload struct {
	Data map[string][]epgProgrammePayload `json:"data"`
}
