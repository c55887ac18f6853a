package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FlexibleString can unmarshal both string and numeric JSON values.
// Any other shape decodes to "" without failing the enclosing record.
type FlexibleString string

func (f *FlexibleString) UnmarshalJSON(data []byte) error {
	*f = ""

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexibleString(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*f = FlexibleString(n.String())
	}
	return nil
}

func (f FlexibleString) String() string {
	return string(f)
}

// LenientString holds a text field. A value of any other JSON type decodes to ""
// so one bad field leaves the rest of the record intact.
type LenientString string

func (l *LenientString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		s = ""
	}
	*l = LenientString(s)
	return nil
}

func (l LenientString) String() string {
	return string(l)
}

// FlexibleTime accepts RFC 3339 strings, "YYYY-MM-DD HH:MM:SS" strings and unix
// seconds or milliseconds given either as a number or a numeric string.
// Anything else decodes to the zero time without failing the enclosing record.
type FlexibleTime struct {
	time.Time
}

var flexibleTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// unix values above this are treated as milliseconds
const millisThreshold = 1e11

func (f *FlexibleTime) UnmarshalJSON(data []byte) error {
	f.Time = time.Time{}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.Time = parseTimeString(s)
		return nil
	}

	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		f.Time = fromUnix(n)
	}
	return nil
}

func (f FlexibleTime) MarshalJSON() ([]byte, error) {
	if f.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.UTC().Format(time.RFC3339Nano))
}

func parseTimeString(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range flexibleTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnix(n)
	}
	return time.Time{}
}

func fromUnix(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n >= millisThreshold {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.Unix(int64(n), 0).UTC()
}

// Attachment describes an uploaded file referenced by a message
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Message is the common shape shared by history records and live pushes.
// A nil Attachments slice means the attachments are absent or could not be parsed.
type Message struct {
	ID             string       `json:"id"`
	SenderID       string       `json:"senderId"`
	RecipientID    string       `json:"recipientId"`
	SenderName     string       `json:"senderName,omitempty"`
	Text           string       `json:"text"`
	TranslatedText string       `json:"translatedText,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// DisplayText is the content shown to the viewer for this message
func (m Message) DisplayText(viewer string) string {
	if m.SenderID != viewer && m.TranslatedText != "" {
		return m.TranslatedText
	}
	return m.Text
}

// RawMessage is a chat record as the backend returns it from history or pushes it live
type RawMessage struct {
	ID          FlexibleString  `json:"id"`
	SenderID    FlexibleString  `json:"senderId"`
	RecipientID FlexibleString  `json:"recipientId"`
	SenderName  LenientString   `json:"senderName,omitempty"`
	Text        LenientString   `json:"text"`
	Translated  LenientString   `json:"translated,omitempty"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
	CreatedAt   FlexibleTime    `json:"created_at"`
}

// Normalize converts a raw record into a Message from the viewer's point of view.
// The viewer's own messages keep their original text; everyone else's prefer the
// translated rendering when one is present.
func (r RawMessage) Normalize(viewer string) Message {
	msg := Message{
		ID:          r.ID.String(),
		SenderID:    r.SenderID.String(),
		RecipientID: r.RecipientID.String(),
		SenderName:  r.SenderName.String(),
		Text:        r.Text.String(),
		Attachments: ParseAttachments(r.Attachments),
		CreatedAt:   r.CreatedAt.Time,
	}
	if msg.SenderID != viewer {
		msg.TranslatedText = r.Translated.String()
	}
	return msg
}

// ParseAttachments decodes an attachments field that may be a JSON array or a JSON
// string holding an array. Any other shape yields nil.
func ParseAttachments(data json.RawMessage) []Attachment {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil
		}
		return ParseAttachments(json.RawMessage(inner))
	}

	var attachments []Attachment
	if err := json.Unmarshal(data, &attachments); err != nil {
		return nil
	}
	if len(attachments) == 0 {
		return nil
	}
	return attachments
}

// HistoryResponse is the body returned by the history endpoint
type HistoryResponse struct {
	OK       bool         `json:"ok"`
	Messages []RawMessage `json:"messages"`
}

// SendMessageRequest is the body posted to the send endpoint, once per recipient.
// ClientID carries the id of the optimistic local echo.
type SendMessageRequest struct {
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName"`
	RecipientID string       `json:"recipientId"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ClientID    string       `json:"clientId,omitempty"`
}

// UploadResponse is the body returned by the upload endpoint
type UploadResponse struct {
	OK    bool         `json:"ok"`
	Files []Attachment `json:"files"`
}

// TypingStatus is the value carried by typing signals
type TypingStatus string

const (
	TypingStart TypingStatus = "start"
	TypingStop  TypingStatus = "stop"
)

// UnmarshalJSON decodes a non-string status as empty, which is not Valid
func (s *TypingStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		v = ""
	}
	*s = TypingStatus(v)
	return nil
}

// Valid reports whether the status is one of start or stop
func (s TypingStatus) Valid() bool {
	return s == TypingStart || s == TypingStop
}

// TypingRequest is the body posted to the typing endpoint
type TypingRequest struct {
	SenderID    string       `json:"senderId"`
	RecipientID string       `json:"recipientId"`
	Status      TypingStatus `json:"status"`
}

// Live event type discriminators
const (
	EventTypeMessage = "message"
	EventTypeReplied = "replied"
	EventTypeTyping  = "typing"
)

// LiveEvent is one payload pushed over the live channel. Chat messages leave Type
// empty (or "message") and fill the RawMessage fields; reply notifications use
// Target and Replier*; typing signals use SenderID and Status.
type LiveEvent struct {
	Type string `json:"type,omitempty"`
	RawMessage
	Target      FlexibleString `json:"target,omitempty"`
	ReplierID   FlexibleString `json:"replierId,omitempty"`
	ReplierName LenientString  `json:"replierName,omitempty"`
	Status      TypingStatus   `json:"status,omitempty"`
}

// TypingState is the peer presence shown in the active conversation
type TypingState struct {
	IsTyping  bool   `json:"isTyping"`
	PeerLabel string `json:"peerLabel,omitempty"`
}

// ReplyNotification is a transient "X replied" banner
type ReplyNotification struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	ExpiresAt time.Time `json:"expiresAt"`
}
