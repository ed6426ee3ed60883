package proto

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageNamespace is the UUID v5 namespace for message unique ids.
var MessageNamespace = uuid.MustParse("1bc43a13-70f6-49c3-bea7-26f4fcc5b6c8")

// TypeMessage is the only message type in the current protocol.
const TypeMessage = "message"

// Time is a calendar timestamp split into date and clock parts. On the
// wire it travels as a JSON string holding its own JSON object, which is
// what existing clients produce and expect.
type Time struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

// Now returns the current local time split into wire parts. The clock
// part keeps six fractional digits.
func Now() Time {
	t := time.Now()
	return Time{
		Date: t.Format("2006-01-02"),
		Time: t.Format("15:04:05.000000"),
	}
}

// String renders the clock part truncated to seconds.
func (t Time) String() string {
	if len(t.Time) < 8 {
		return t.Time
	}
	return t.Time[:8]
}

// Message is one text message exchanged between two users. Its canonical
// serialization is the input to encryption and to the unique id.
type Message struct {
	Type         string
	Content      string
	SendingTime  Time
	UserID       string
	TargetUserID string
}

// NewMessage stamps a message with the current time.
func NewMessage(content, userID, targetUserID string) *Message {
	return &Message{
		Type:         TypeMessage,
		Content:      content,
		SendingTime:  Now(),
		UserID:       userID,
		TargetUserID: targetUserID,
	}
}

type wireMessage struct {
	Type         string `json:"type"`
	Content      string `json:"content"`
	SendingTime  string `json:"sending_time"`
	UserID       string `json:"user_id"`
	TargetUserID string `json:"target_user_id"`
}

// MarshalJSON embeds the sending time as a nested JSON string, matching
// the canonical form.
func (m *Message) MarshalJSON() ([]byte, error) {
	ts, err := json.Marshal(m.SendingTime)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{
		Type:         m.Type,
		Content:      m.Content,
		SendingTime:  string(ts),
		UserID:       m.UserID,
		TargetUserID: m.TargetUserID,
	})
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: message: %v", ErrSchemaViolation, err)
	}
	var ts Time
	if err := json.Unmarshal([]byte(w.SendingTime), &ts); err != nil {
		return fmt.Errorf("%w: sending_time: %v", ErrSchemaViolation, err)
	}
	m.Type = w.Type
	m.Content = w.Content
	m.SendingTime = ts
	m.UserID = w.UserID
	m.TargetUserID = w.TargetUserID
	return nil
}

// ParseMessage decodes one canonical message.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// UniqueID derives the message's UUID v5. The composed string keeps a
// literal newline after the date; changing it breaks ids already stored
// by deployed clients.
func (m *Message) UniqueID() string {
	info := fmt.Sprintf("%s|%s\n|%s|%s|%s",
		m.Content, m.SendingTime.Date, m.SendingTime.Time, m.UserID, m.TargetUserID)
	return uuid.NewSHA1(MessageNamespace, []byte(info)).String()
}

func (m *Message) String() string {
	return fmt.Sprintf("User %s (%s): %s", m.UserID, m.SendingTime, m.Content)
}
