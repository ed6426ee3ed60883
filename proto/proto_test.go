package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMessageUniqueID(t *testing.T) {
	cases := []struct {
		content, date, time, user, target string
		want                              string
	}{
		// Known-good id produced by a deployed client.
		{"hello", "2025-04-14", "22:34:41.991804", "111", "222",
			"920c7324-0dfc-53a3-8830-4692f861a00c"},
	}
	for i, c := range cases {
		m := &Message{
			Type:         TypeMessage,
			Content:      c.content,
			SendingTime:  Time{Date: c.date, Time: c.time},
			UserID:       c.user,
			TargetUserID: c.target,
		}
		if got := m.UniqueID(); got != c.want {
			t.Errorf("testcase %v got %v want %v", i, got, c.want)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	m := NewMessage("hi there", "alice", "bob")
	buf, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}

	// The sending time must travel as a nested JSON string.
	var raw map[string]any
	if err := json.Unmarshal(buf, &raw); err != nil {
		t.Fatal(err)
	}
	ts, ok := raw["sending_time"].(string)
	if !ok {
		t.Fatalf("sending_time is %T, want string", raw["sending_time"])
	}
	if !strings.Contains(ts, `"date"`) {
		t.Errorf("sending_time %q does not embed a time object", ts)
	}

	got, err := ParseMessage(buf)
	if err != nil {
		t.Fatal(err)
	}
	if *got != *m {
		t.Errorf("round trip got %+v want %+v", got, m)
	}
}

func TestTimeFormat(t *testing.T) {
	now := Now()
	if len(now.Date) != 10 || now.Date[4] != '-' {
		t.Errorf("bad date %q", now.Date)
	}
	if len(now.Time) != 15 || now.Time[2] != ':' {
		t.Errorf("bad time %q, want HH:MM:SS.ffffff", now.Time)
	}
	if got, want := (Time{Time: "22:34:41.991804"}).String(), "22:34:41"; got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestRequestEnvelope(t *testing.T) {
	req, err := NewRequest(TypeRegister, "alice", RegisterContent{
		TargetUserID: "bob",
		PublicKey:    "a2V5",
	})
	if err != nil {
		t.Fatal(err)
	}
	buf, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseRequest(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != TypeRegister || got.UserID != "alice" {
		t.Errorf("got %q/%q", got.Type, got.UserID)
	}
	var c RegisterContent
	if err := got.Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.TargetUserID != "bob" || c.PublicKey != "a2V5" {
		t.Errorf("content %+v", c)
	}
}

func TestServerRequestNullUserID(t *testing.T) {
	req, err := NewRequest(TypeCreatedChats, "", CreatedChatsContent{CreatedChats: []string{}})
	if err != nil {
		t.Fatal(err)
	}
	buf, err := req.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(buf), `"user_id":null`) {
		t.Errorf("server request %s should carry a null user_id", buf)
	}
	if _, err := ParseRequest(buf); err != nil {
		t.Fatal(err)
	}
}

func TestParseRequestErrors(t *testing.T) {
	cases := []string{
		`not json`,
		`{"user_id":"x","content":{}}`, // no type
	}
	for i, c := range cases {
		if _, err := ParseRequest([]byte(c)); !errors.Is(err, ErrSchemaViolation) {
			t.Errorf("testcase %v got %v want schema violation", i, err)
		}
	}
}
