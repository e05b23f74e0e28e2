package chatstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MessageType classifies a message payload.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeVideo MessageType = "video"
	TypeAudio MessageType = "audio"
	TypeFile  MessageType = "file"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile:
		return true
	default:
		return false
	}
}

// MessageFormat says how the Content of a text message is displayed.
type MessageFormat string

const (
	// FormatMarkdown content is stored as typed and rendered on delivery.
	FormatMarkdown MessageFormat = ""
	// FormatHTML content was rendered to HTML before it was stored. History
	// files written by the previous server hold text messages in this form.
	FormatHTML MessageFormat = "html"
)

// Message is one persisted chat message.
//
// The JSON field names match the legacy per-conversation history files so
// those files decode without a translation layer.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId,omitempty"`
	SenderID       string      `json:"sender"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileName       string      `json:"fileName,omitempty"`
	FileSize       int64       `json:"fileSize,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Seq            int64       `json:"seq,omitempty"`
	// Format is always written, so a record without it is a legacy record.
	Format MessageFormat `json:"format"`
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as offset-less ISO strings,
// which are read as UTC.
func (m *Message) UnmarshalJSON(b []byte) error {
	type alias Message
	var raw struct {
		alias
		Timestamp string          `json:"timestamp"`
		FileSize  json.RawMessage `json:"fileSize,omitempty"`
		Format    *MessageFormat  `json:"format"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := Message(raw.alias)

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("message %q: %w", out.ID, err)
	}
	out.Timestamp = ts

	// Older uploads stored the size as a string or null.
	if len(raw.FileSize) > 0 && string(raw.FileSize) != "null" {
		var n json.Number
		if err := json.Unmarshal(raw.FileSize, &n); err != nil {
			var s string
			if err := json.Unmarshal(raw.FileSize, &s); err != nil {
				return fmt.Errorf("message %q: invalid fileSize", out.ID)
			}
			n = json.Number(strings.TrimSpace(s))
		}
		if v, err := n.Int64(); err == nil {
			out.FileSize = v
		}
	}
	if out.Type == "" {
		out.Type = TypeText
	}
	switch {
	case raw.Format != nil:
		out.Format = *raw.Format
	case out.Type == TypeText:
		out.Format = FormatHTML
	}

	*m = out
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
}

// Before reports whether m sorts strictly before o in conversation order.
func (m Message) Before(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	return m.Seq < o.Seq
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// newestN returns the last n messages of an oldest-first slice.
func newestN(msgs []Message, n int) []Message {
	if n <= 0 || len(msgs) == 0 {
		return []Message{}
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return cloneMessages(msgs)
}

// assignLegacySeq numbers messages that were written without a Seq by their file position.
func assignLegacySeq(msgs []Message) {
	var maxSeq int64
	for _, m := range msgs {
		if m.Seq > maxSeq {
			maxSeq = m.Seq
		}
	}
	for i := range msgs {
		if msgs[i].Seq == 0 {
			maxSeq++
			msgs[i].Seq = maxSeq
		}
	}
}
