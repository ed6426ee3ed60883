package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerline.io/proto"
)

type fakeAppStore struct {
	chats    []string
	messages []StoredMessage
	saved    []*proto.Message
}

func (f *fakeAppStore) AddChat(_ context.Context, target string) error {
	f.chats = append(f.chats, target)
	return nil
}

func (f *fakeAppStore) Chats(context.Context) ([]string, error) { return f.chats, nil }

func (f *fakeAppStore) RemoveChat(context.Context, string) error { return nil }

func (f *fakeAppStore) SaveMessage(_ context.Context, m *proto.Message, _ bool) error {
	f.saved = append(f.saved, m)
	return nil
}

func (f *fakeAppStore) Messages(context.Context, string, string, int) ([]StoredMessage, error) {
	return f.messages, nil
}

func (f *fakeAppStore) MessagesSince(context.Context, string, string, time.Time) ([]StoredMessage, error) {
	return f.messages, nil
}

func (f *fakeAppStore) Close() {}

func loggedInApp(store Store) *App {
	a := New(Config{})
	a.userID = "alice"
	a.store = store
	return a
}

func doRequest(t *testing.T, a *App, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUserMismatchIsForbidden(t *testing.T) {
	a := loggedInApp(&fakeAppStore{})
	cases := []struct {
		method, path, body string
	}{
		{"GET", "/api/get_chats/mallory", ""},
		{"GET", "/api/get_messages/mallory/bob", ""},
		{"GET", "/api/get_new_messages/mallory/bob/2025-04-14T00:00:00Z", ""},
		{"POST", "/api/add_chat", `{"user_id":"mallory","target_user_id":"bob"}`},
		{"POST", "/api/send_message", `{"user_id":"mallory","target_user_id":"bob","text":"x"}`},
	}
	for i, c := range cases {
		rec := doRequest(t, a, c.method, c.path, c.body)
		assert.Equal(t, http.StatusForbidden, rec.Code, "testcase %v (%v)", i, c.path)
	}
}

func TestGetMessages(t *testing.T) {
	store := &fakeAppStore{messages: []StoredMessage{
		{ID: "1", Sender: "me", Text: "hi", Timestamp: "2025-04-14T22:34:41Z"},
		{ID: "2", Sender: "them", Text: "hello", Timestamp: "2025-04-14T22:35:00Z"},
	}}
	a := loggedInApp(store)

	rec := doRequest(t, a, "GET", "/api/get_messages/alice/bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []StoredMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, store.messages, got)
}

func TestGetNewMessagesRejectsBadTimestamp(t *testing.T) {
	a := loggedInApp(&fakeAppStore{})
	rec := doRequest(t, a, "GET", "/api/get_new_messages/alice/bob/yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewChatsDrains(t *testing.T) {
	a := loggedInApp(&fakeAppStore{})
	a.newChats = []string{"bob", "carol"}

	rec := doRequest(t, a, "GET", "/api/new_chats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, []string{"bob", "carol"}, got["new_chats"])

	rec = doRequest(t, a, "GET", "/api/new_chats", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Empty(t, got["new_chats"], "the list must drain on read")
}

func TestChatsLoaded(t *testing.T) {
	a := loggedInApp(&fakeAppStore{})
	rec := doRequest(t, a, "GET", "/api/chats_loaded", "")
	var got map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got["loaded"])

	a.chatsLoaded = true
	rec = doRequest(t, a, "GET", "/api/chats_loaded", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got["loaded"])
}

func TestLoginValidation(t *testing.T) {
	a := New(Config{})

	rec := doRequest(t, a, "POST", "/api/login", `{"user_id":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, a, "POST", "/api/login", `{"user_id":"alice","password":"pw"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case creds := <-a.loginc:
		assert.Equal(t, "alice", creds.userID)
		assert.Equal(t, "pw", creds.password)
	default:
		t.Fatal("login did not hand credentials to the app")
	}
}
