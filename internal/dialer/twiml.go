package dialer

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// Minimal TwiML builder for the native outbound path. It intentionally
// avoids any provider SDK dependency; only the primitives the dialer needs
// at the adapter boundary are included.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

// RenderSayTwiML wraps a rendered script into a speak-then-hangup document.
func RenderSayTwiML(script string) (string, error) {
	if strings.TrimSpace(script) == "" {
		return "", errors.New("dialer: script required for native call")
	}

	r := twimlResponse{
		Verbs: []any{
			twimlSay{Voice: "alice", Text: script},
			twimlHangup{},
		},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
