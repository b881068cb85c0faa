package epg

import (
	"bufio"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"macbridge/work/logger"
)

// Channel is one channel definition from an XMLTV document.
type Channel struct {
	ID           string
	DisplayNames []string
	Icon         string
	LCN          string
}

type xmlIcon struct {
	Src string `xml:"src,attr"`
}

type xmlChannel struct {
	ID           string    `xml:"id,attr"`
	DisplayNames []string  `xml:"display-name"`
	Icons        []xmlIcon `xml:"icon"`
	LCN          string    `xml:"lcn"`
}

type xmlEpisodeNum struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

type xmlRating struct {
	System string `xml:"system,attr"`
	Value  string `xml:"value"`
}

// xmlExtra catches the child elements the model has no column for, so they
// survive ingest as a JSON blob instead of being dropped.
type xmlExtra struct {
	XMLName xml.Name
	Text    string `xml:",chardata"`
}

type xmlProgramme struct {
	Start      string          `xml:"start,attr"`
	Stop       string          `xml:"stop,attr"`
	Channel    string          `xml:"channel,attr"`
	Titles     []string        `xml:"title"`
	SubTitles  []string        `xml:"sub-title"`
	Descs      []string        `xml:"desc"`
	Categories []string        `xml:"category"`
	Episodes   []xmlEpisodeNum `xml:"episode-num"`
	Ratings    []xmlRating     `xml:"rating"`
	Icons      []xmlIcon       `xml:"icon"`
	Extra      []xmlExtra      `xml:",any"`
}

// xmltvLayouts covers the timestamp shapes seen in the wild. The spec form
// carries an offset; plenty of feeds drop it and mean UTC.
var xmltvLayouts = []string{
	"20060102150405 -0700",
	"20060102150405",
	"200601021504 -0700",
	"200601021504",
	"2006010215",
}

func parseXMLTVTime(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	for _, layout := range xmltvLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, fmt.Errorf("unparseable timestamp %q", s)
}

// newXMLTVDecoder builds a decoder with the lenient charset handling feeds
// need. Passing an io.ByteReader keeps the decoder from buffering ahead of
// what it actually parsed, which is what makes mid-document recovery possible.
func newXMLTVDecoder(r io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(r)
	// some feeds declare legacy charsets
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	return dec
}

// resumedReader replays a synthetic prefix before handing the decoder back to
// the shared buffered stream. It implements io.ByteReader so the fresh
// decoder stays unbuffered too and the stream position survives further
// recoveries.
type resumedReader struct {
	prefix []byte
	br     *bufio.Reader
}

func (r *resumedReader) ReadByte() (byte, error) {
	if len(r.prefix) > 0 {
		c := r.prefix[0]
		r.prefix = r.prefix[1:]
		return c, nil
	}
	return r.br.ReadByte()
}

func (r *resumedReader) Read(p []byte) (int, error) {
	if len(r.prefix) > 0 {
		n := copy(p, r.prefix)
		r.prefix = r.prefix[n:]
		return n, nil
	}
	return r.br.Read(p)
}

// isRecoveryPoint reports whether the bytes after a '<' open one of the
// elements parsing can safely resume at.
func isRecoveryPoint(head []byte) bool {
	s := string(head)
	for _, name := range []string{"programme", "channel", "/tv"} {
		if !strings.HasPrefix(s, name) {
			continue
		}
		rest := s[len(name):]
		if rest == "" {
			return true
		}
		switch rest[0] {
		case ' ', '\t', '\r', '\n', '>', '/':
			return true
		}
	}
	return false
}

// resyncDecoder recovers from a malformed element. A decoder that hit a
// syntax error keeps returning it forever, so the only way forward is to scan
// the raw stream for the next channel or programme boundary and start a fresh
// decoder there, re-opened inside a synthetic root so the document's closing
// tag still balances. Returns false when the stream ends first; the caller
// then treats the document frame itself as broken.
func resyncDecoder(br *bufio.Reader) (*xml.Decoder, bool) {
	for {
		if _, err := br.ReadBytes('<'); err != nil {
			return nil, false
		}
		head, _ := br.Peek(10)
		if isRecoveryPoint(head) {
			return newXMLTVDecoder(&resumedReader{prefix: []byte("<tv><"), br: br}), true
		}
	}
}

// Parse streams an XMLTV document, invoking the callbacks per element. The
// document is never held in memory whole; feeds routinely run to hundreds of
// megabytes. A malformed channel or programme element is skipped with a
// warning and parsing continues at the next element boundary; programmes with
// broken timestamps are dropped silently. Only a broken document frame, a
// truncated feed included, aborts with an error.
func Parse(r io.Reader, onChannel func(Channel) error, onProgramme func(Programme) error) error {
	br := bufio.NewReaderSize(r, 32*1024)
	dec := newXMLTVDecoder(br)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("malformed xmltv document: %w", err)
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "channel":
			var xc xmlChannel
			if err := dec.DecodeElement(&xc, &start); err != nil {
				next, recovered := resyncDecoder(br)
				if !recovered {
					return fmt.Errorf("malformed xmltv document: %w", err)
				}
				logger.Warn("{epg/xmltv - Parse} Skipping malformed channel element: %v", err)
				dec = next
				continue
			}
			if xc.ID == "" {
				continue
			}
			ch := Channel{ID: xc.ID, DisplayNames: xc.DisplayNames, LCN: strings.TrimSpace(xc.LCN)}
			if len(xc.Icons) > 0 {
				ch.Icon = xc.Icons[0].Src
			}
			if onChannel != nil {
				if err := onChannel(ch); err != nil {
					return err
				}
			}
		case "programme":
			var xp xmlProgramme
			if err := dec.DecodeElement(&xp, &start); err != nil {
				next, recovered := resyncDecoder(br)
				if !recovered {
					return fmt.Errorf("malformed xmltv document: %w", err)
				}
				logger.Warn("{epg/xmltv - Parse} Skipping malformed programme element: %v", err)
				dec = next
				continue
			}
			startTS, err1 := parseXMLTVTime(xp.Start)
			stopTS, err2 := parseXMLTVTime(xp.Stop)
			if err1 != nil || err2 != nil || xp.Channel == "" {
				continue
			}
			p := Programme{
				ChannelID:  xp.Channel,
				Start:      startTS,
				Stop:       stopTS,
				Categories: xp.Categories,
				Extra:      extraJSON(xp.Extra),
			}
			if len(xp.Titles) > 0 {
				p.Title = xp.Titles[0]
			}
			if len(xp.SubTitles) > 0 {
				p.SubTitle = xp.SubTitles[0]
			}
			if len(xp.Descs) > 0 {
				p.Description = xp.Descs[0]
			}
			if len(xp.Episodes) > 0 {
				p.EpisodeNum = strings.TrimSpace(xp.Episodes[0].Value)
				p.EpisodeSystem = xp.Episodes[0].System
			}
			if len(xp.Ratings) > 0 {
				p.Rating = strings.TrimSpace(xp.Ratings[0].Value)
				p.RatingSystem = xp.Ratings[0].System
			}
			if len(xp.Icons) > 0 {
				p.Icon = xp.Icons[0].Src
			}
			if onProgramme != nil {
				if err := onProgramme(p); err != nil {
					return err
				}
			}
		}
	}
}

// extraJSON folds unhandled child elements into a JSON object keyed by
// element name. Empty when there is nothing to keep.
func extraJSON(extras []xmlExtra) string {
	if len(extras) == 0 {
		return ""
	}
	m := make(map[string]string, len(extras))
	for _, e := range extras {
		if text := strings.TrimSpace(e.Text); text != "" {
			m[e.XMLName.Local] = text
		}
	}
	if len(m) == 0 {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// outTimeLayout is the timestamp format of emitted documents.
const outTimeLayout = "20060102150405 -0700"

// GuideWriter streams a merged XMLTV document: all channel elements first,
// then programmes, matching how downstream players expect the file laid out.
type GuideWriter struct {
	w   io.Writer
	err error
}

// NewGuideWriter writes the document header and returns the writer.
func NewGuideWriter(w io.Writer) *GuideWriter {
	gw := &GuideWriter{w: w}
	gw.printf("%s\n", xml.Header+`<tv generator-info-name="macbridge">`)
	return gw
}

func (gw *GuideWriter) printf(format string, args ...interface{}) {
	if gw.err != nil {
		return
	}
	_, gw.err = fmt.Fprintf(gw.w, format, args...)
}

func esc(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

// WriteChannel emits one channel element.
func (gw *GuideWriter) WriteChannel(id, displayName, icon, lcn string) {
	gw.printf("  <channel id=\"%s\">\n", esc(id))
	gw.printf("    <display-name>%s</display-name>\n", esc(displayName))
	if icon != "" {
		gw.printf("    <icon src=\"%s\"/>\n", esc(icon))
	}
	if lcn != "" {
		gw.printf("    <lcn>%s</lcn>\n", esc(lcn))
	}
	gw.printf("  </channel>\n")
}

// WriteProgramme emits one programme element with the given minute offset
// applied to its times.
func (gw *GuideWriter) WriteProgramme(channelID string, p Programme, offsetMinutes int) {
	shift := time.Duration(offsetMinutes) * time.Minute
	start := time.Unix(p.Start, 0).UTC().Add(shift)
	stop := time.Unix(p.Stop, 0).UTC().Add(shift)

	gw.printf("  <programme start=\"%s\" stop=\"%s\" channel=\"%s\">\n",
		start.Format(outTimeLayout), stop.Format(outTimeLayout), esc(channelID))
	gw.printf("    <title>%s</title>\n", esc(p.Title))
	if p.SubTitle != "" {
		gw.printf("    <sub-title>%s</sub-title>\n", esc(p.SubTitle))
	}
	if p.Description != "" {
		gw.printf("    <desc>%s</desc>\n", esc(p.Description))
	}
	for _, cat := range p.Categories {
		gw.printf("    <category>%s</category>\n", esc(cat))
	}
	if p.EpisodeNum != "" {
		if p.EpisodeSystem != "" {
			gw.printf("    <episode-num system=\"%s\">%s</episode-num>\n", esc(p.EpisodeSystem), esc(p.EpisodeNum))
		} else {
			gw.printf("    <episode-num>%s</episode-num>\n", esc(p.EpisodeNum))
		}
	}
	if p.Rating != "" {
		if p.RatingSystem != "" {
			gw.printf("    <rating system=\"%s\"><value>%s</value></rating>\n", esc(p.RatingSystem), esc(p.Rating))
		} else {
			gw.printf("    <rating><value>%s</value></rating>\n", esc(p.Rating))
		}
	}
	if p.Icon != "" {
		gw.printf("    <icon src=\"%s\"/>\n", esc(p.Icon))
	}
	gw.printf("  </programme>\n")
}

// Close terminates the document and reports the first write error.
func (gw *GuideWriter) Close() error {
	gw.printf("</tv>\n")
	return gw.err
}
