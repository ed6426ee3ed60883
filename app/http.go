package app

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"

	"peerline.io/proto"
)

// Handler returns the control plane. Run serves it on Config.HTTPAddr,
// which defaults to loopback; the user-facing UI talks to these endpoints.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", a.handleLogin)
	mux.HandleFunc("GET /api/chats_loaded", a.handleChatsLoaded)
	mux.HandleFunc("GET /api/get_chats/{user}", a.handleGetChats)
	mux.HandleFunc("POST /api/add_chat", a.handleAddChat)
	mux.HandleFunc("GET /api/new_chats", a.handleNewChats)
	mux.HandleFunc("GET /api/get_messages/{user}/{target}", a.handleGetMessages)
	mux.HandleFunc("GET /api/get_new_messages/{user}/{target}/{since}", a.handleGetNewMessages)
	mux.HandleFunc("POST /api/send_message", a.handleSendMessage)
	return gziphandler.GzipHandler(mux)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("control plane: write response: %v", err)
	}
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}

// authorize rejects requests for any user other than the logged-in one.
func (a *App) authorize(w http.ResponseWriter, user string) bool {
	a.mu.Lock()
	current := a.userID
	a.mu.Unlock()
	if user == "" || user != current {
		writeDetail(w, http.StatusForbidden, "Unauthorized access")
		return false
	}
	return true
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID   string `json:"user_id"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UserID == "" || body.Password == "" {
		writeDetail(w, http.StatusBadRequest, "Missing user_id or password")
		return
	}

	delivered := false
	a.loginOnce.Do(func() {
		a.loginc <- credentials{userID: body.UserID, password: body.Password}
		delivered = true
	})
	if !delivered {
		a.mu.Lock()
		current := a.userID
		a.mu.Unlock()
		if current != "" && current != body.UserID {
			writeDetail(w, http.StatusForbidden, "Already logged in as another user")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "user_id": body.UserID})
}

func (a *App) handleChatsLoaded(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	loaded := a.chatsLoaded
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"loaded": loaded})
}

func (a *App) handleGetChats(w http.ResponseWriter, r *http.Request) {
	if !a.authorize(w, r.PathValue("user")) {
		return
	}
	a.mu.Lock()
	out := make([]string, 0, len(a.chats))
	for target := range a.chats {
		out = append(out, target)
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleAddChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string `json:"user_id"`
		TargetUserID string `json:"target_user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetUserID == "" {
		writeDetail(w, http.StatusBadRequest, "Missing target_user_id")
		return
	}
	if !a.authorize(w, body.UserID) {
		return
	}

	a.mu.Lock()
	self := a.userID
	a.mu.Unlock()
	if body.TargetUserID == self {
		writeJSON(w, http.StatusOK, map[string]string{"status": "invalid_user_id"})
		return
	}
	exists, err := a.checkUserExists(r.Context(), body.TargetUserID)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !exists {
		writeJSON(w, http.StatusOK, map[string]string{"status": "invalid_user_id"})
		return
	}

	if err := a.createChat(r.Context(), body.TargetUserID); err != nil {
		if errors.Is(err, proto.ErrUserNotRegistered) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "invalid_user_id"})
			return
		}
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "chat added"})
}

func (a *App) handleNewChats(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	out := a.newChats
	a.newChats = nil
	a.mu.Unlock()
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"new_chats": out})
}

func (a *App) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	user, target := r.PathValue("user"), r.PathValue("target")
	if !a.authorize(w, user) {
		return
	}
	msgs, err := a.store.Messages(r.Context(), user, target, 100)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []StoredMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *App) handleGetNewMessages(w http.ResponseWriter, r *http.Request) {
	user, target := r.PathValue("user"), r.PathValue("target")
	if !a.authorize(w, user) {
		return
	}
	since, err := time.Parse(time.RFC3339, r.PathValue("since"))
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "bad timestamp")
		return
	}
	msgs, err := a.store.MessagesSince(r.Context(), user, target, since)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []StoredMessage{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *App) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID       string `json:"user_id"`
		TargetUserID string `json:"target_user_id"`
		Text         string `json:"text"`
		Timestamp    string `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.TargetUserID == "" {
		writeDetail(w, http.StatusBadRequest, "Missing target_user_id")
		return
	}
	if !a.authorize(w, body.UserID) {
		return
	}

	a.mu.Lock()
	ch, ok := a.chats[body.TargetUserID]
	a.mu.Unlock()
	if !ok {
		// First message to a fresh peer creates the chat on the fly.
		if err := a.createChat(r.Context(), body.TargetUserID); err != nil {
			writeDetail(w, http.StatusNotFound, err.Error())
			return
		}
		a.mu.Lock()
		ch = a.chats[body.TargetUserID]
		a.mu.Unlock()
	}
	if ch == nil {
		writeDetail(w, http.StatusNotFound, "chat not found")
		return
	}
	if err := ch.Send(body.Text); err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
