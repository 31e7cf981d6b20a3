// Package wire defines the Message exchanged between cerebrates and its
// encodings: length-prefixed frames on TCP and bare JSON on UDP.
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// Transport-level header tags, checked before command dispatch.
const (
	TagCloseConnection = "close connection"
	TagFileTransfer    = "filetransfer"
)

// Message is the unit of exchange. Sender fields are stamped by Identity and
// never supplied by the caller.
type Message struct {
	SenderID      string          `json:"sender_id"`
	SenderAddress string          `json:"sender_address"`
	SenderControl string          `json:"sender_control,omitempty"`
	Header        []string        `json:"header"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Identity is what a node stamps on every message it builds.
type Identity struct {
	ID      string
	Address string // TCP host:port
	Control string // UDP host:port
}

// NewMessage builds a message from this identity. data is JSON-encoded unless
// it is already a json.RawMessage. Empty header tags are dropped.
func (id Identity) NewMessage(data any, headers ...string) (Message, error) {
	m := Message{
		SenderID:      id.ID,
		SenderAddress: id.Address,
		SenderControl: id.Control,
		Header:        make([]string, 0, len(headers)),
	}
	for _, h := range headers {
		if h != "" {
			m.Header = append(m.Header, h)
		}
	}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		m.Data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return Message{}, fmt.Errorf("wire: encode data: %w", err)
		}
		m.Data = b
	}
	return m, nil
}

// Tagged reports whether any header tag normalizes to the same form as tag.
func (m Message) Tagged(tag string) bool {
	want := Normalize(tag)
	return slices.ContainsFunc(m.Header, func(h string) bool { return Normalize(h) == want })
}

// TagValue returns the suffix of the first header tag of the form prefix:value.
func (m Message) TagValue(prefix string) (string, bool) {
	for _, h := range m.Header {
		if v, ok := strings.CutPrefix(h, prefix+":"); ok {
			return v, true
		}
	}
	return "", false
}

// Decode unmarshals the data payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return ErrNoData
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("wire: decode data: %w", err)
	}
	return nil
}

// Text returns the payload as a string when it is a JSON string.
func (m Message) Text() (string, bool) {
	var s string
	if len(m.Data) == 0 || json.Unmarshal(m.Data, &s) != nil {
		return "", false
	}
	return s, true
}

func (m Message) Clone() Message {
	c := m
	c.Header = slices.Clone(m.Header)
	if m.Data != nil {
		c.Data = slices.Clone(m.Data)
	}
	return c
}

// Normalize maps a header tag to its command key form: lower case, with
// periods and commas treated as spaces and spaces replaced by underscores.
func Normalize(header string) string {
	h := strings.ToLower(header)
	h = strings.NewReplacer(".", " ", ",", " ").Replace(h)
	return strings.ReplaceAll(h, " ", "_")
}

// Distill moves the first occurrence of sediment out of a text payload and
// into the header. A message whose payload is not text or does not contain
// sediment (case-insensitively) is returned unchanged. msg is not modified.
func Distill(msg Message, sediment string) Message {
	out := msg.Clone()
	text, ok := msg.Text()
	if !ok || sediment == "" {
		return out
	}
	loc := regexp.MustCompile("(?i)" + regexp.QuoteMeta(sediment)).FindStringIndex(text)
	if loc == nil {
		return out
	}
	out.Header = append(out.Header, strings.ToLower(sediment))
	rest := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	b, _ := json.Marshal(rest)
	out.Data = b
	return out
}
