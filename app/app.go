// Package app is the client's application shell: it unlocks the key
// vault on login, keeps the local encrypted store of chats and history,
// owns the main WebSocket for presence and chat-creation pushes, and
// runs one chat orchestrator per peer behind a local HTTP control plane.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"peerline.io/chat"
	"peerline.io/proto"
	"peerline.io/vault"
)

// Config is the client deployment configuration.
type Config struct {
	// ServerURL is the rendezvous server's WebSocket URL.
	ServerURL string
	// HTTPAddr is the local control plane address.
	HTTPAddr string
	// DatabaseURL is the client's local store.
	DatabaseURL string
	// DataDir holds the keys/ directory.
	DataDir string
}

type credentials struct {
	userID   string
	password string
}

// App wires the shell together.
type App struct {
	cfg Config

	mu          sync.Mutex
	userID      string
	keys        *vault.KeyPair
	store       Store
	chats       map[string]*chat.Chat
	newChats    []string
	chatsLoaded bool
	ws          *websocket.Conn
	wsWriteMu   sync.Mutex
	pending     map[string]chan *proto.Request

	loginc    chan credentials
	loginOnce sync.Once
}

// New builds the shell. Nothing connects until Run.
func New(cfg Config) *App {
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = "127.0.0.1:8000"
	}
	return &App{
		cfg:     cfg,
		chats:   make(map[string]*chat.Chat),
		pending: make(map[string]chan *proto.Request),
		loginc:  make(chan credentials, 1),
	}
}

// Run serves the control plane, waits for a login, then brings the
// messenger up: vault, store, main socket, and one chat per known peer.
// It blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  20 * time.Second,
		Addr:         a.cfg.HTTPAddr,
		Handler:      a.Handler(),
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	defer srv.Close()
	log.Printf("control plane on http://%s", a.cfg.HTTPAddr)

	var creds credentials
	select {
	case creds = <-a.loginc:
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
	log.Printf("user %s logged in", creds.userID)

	sb := vault.NewSecretBox(creds.password)
	keys, err := vault.LoadLongTermKeys(a.cfg.DataDir, sb)
	if err != nil {
		return fmt.Errorf("unlock key vault: %w", err)
	}
	store, err := OpenStore(ctx, a.cfg.DatabaseURL, sb)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	a.mu.Lock()
	a.userID = creds.userID
	a.keys = keys
	a.store = store
	a.mu.Unlock()

	if err := a.connect(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		a.close()
		return err
	}
	a.close()
	return ctx.Err()
}

// connect opens the main socket, logs in, persists chats created for us
// while offline, and opens every known chat.
func (a *App) connect(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, a.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial signalling server: %w", err)
	}
	ws.SetReadLimit(1 << 20)
	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	go a.receiveLoop(ctx, ws)

	login, err := proto.NewRequest(proto.TypeLogin, a.userID, proto.LoginContent{
		LongTermPublicKey: a.keys.PublicBase64(),
	})
	if err != nil {
		return err
	}
	resp, err := a.request(ctx, login, proto.TypeCreatedChats)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	var cc proto.CreatedChatsContent
	if err := resp.Decode(&cc); err != nil {
		return err
	}
	for _, target := range cc.CreatedChats {
		if err := a.store.AddChat(ctx, target); err != nil {
			return err
		}
	}

	targets, err := a.store.Chats(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	for _, target := range targets {
		if target == a.userID {
			continue
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			if err := a.openChat(ctx, target); err != nil {
				log.Printf("open chat with %s: %v", target, err)
			}
		}(target)
	}
	wg.Wait()

	a.mu.Lock()
	a.chatsLoaded = true
	a.mu.Unlock()
	log.Printf("all chats loaded")
	return nil
}

// openChat starts the orchestrator for one peer if it is not running.
func (a *App) openChat(ctx context.Context, target string) error {
	a.mu.Lock()
	if _, ok := a.chats[target]; ok {
		a.mu.Unlock()
		return nil
	}
	keys, store := a.keys, a.store
	a.mu.Unlock()

	ch, err := chat.New(a.userID, target, a.cfg.ServerURL, keys, a.onMessage, store.SaveMessage)
	if err != nil {
		return err
	}
	if err := ch.Open(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.chats[target] = ch
	a.mu.Unlock()
	return nil
}

func (a *App) onMessage(m *proto.Message, peerID string) {
	log.Printf("message from %s at %s", peerID, m.SendingTime)
}

// request sends one frame on the main socket and waits for the response
// type.
func (a *App) request(ctx context.Context, req *proto.Request, responseType string) (*proto.Request, error) {
	ch := make(chan *proto.Request, 1)
	a.mu.Lock()
	if _, ok := a.pending[responseType]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: duplicate waiter for %s", proto.ErrIncorrectRequestType, responseType)
	}
	a.pending[responseType] = ch
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return nil, errors.New("not connected")
	}

	buf, err := req.Encode()
	if err != nil {
		return nil, err
	}
	a.wsWriteMu.Lock()
	err = ws.Write(ctx, websocket.MessageText, buf)
	a.wsWriteMu.Unlock()
	if err != nil {
		a.forget(responseType)
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		a.forget(responseType)
		return nil, ctx.Err()
	}
}

func (a *App) forget(responseType string) {
	a.mu.Lock()
	delete(a.pending, responseType)
	a.mu.Unlock()
}

// receiveLoop demultiplexes the main socket: solicited responses and
// chat-creation pushes.
func (a *App) receiveLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, buf, err := ws.Read(ctx)
		if err != nil {
			log.Printf("main websocket lost: %v", err)
			return
		}
		req, err := proto.ParseRequest(buf)
		if err != nil {
			log.Printf("main websocket: dropping frame: %v", err)
			continue
		}

		a.mu.Lock()
		ch, ok := a.pending[req.Type]
		if ok {
			delete(a.pending, req.Type)
		}
		a.mu.Unlock()
		if ok {
			ch <- req
			continue
		}

		if req.Type != proto.TypeCreateChat {
			log.Printf("main websocket: incorrect request type %q", req.Type)
			continue
		}
		var cc proto.CreateChatContent
		if err := req.Decode(&cc); err != nil {
			log.Printf("main websocket: %v", err)
			continue
		}
		go a.onChatCreated(ctx, cc.TargetUserID)
	}
}

// onChatCreated handles a push that a peer opened a chat with us.
func (a *App) onChatCreated(ctx context.Context, creator string) {
	if err := a.store.AddChat(ctx, creator); err != nil {
		log.Printf("persist created chat with %s: %v", creator, err)
		return
	}
	if err := a.openChat(ctx, creator); err != nil {
		log.Printf("open created chat with %s: %v", creator, err)
		return
	}
	a.mu.Lock()
	a.newChats = append(a.newChats, creator)
	a.mu.Unlock()
}

// checkUserExists gates chat creation on the server's user directory.
func (a *App) checkUserExists(ctx context.Context, target string) (bool, error) {
	req, err := proto.NewRequest(proto.TypeCheckUser, a.userID, proto.CheckUserContent{
		TargetUserID: target,
	})
	if err != nil {
		return false, err
	}
	tctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	resp, err := a.request(tctx, req, proto.TypeCheckUser)
	if err != nil {
		return false, err
	}
	var rc proto.CheckUserResultContent
	if err := resp.Decode(&rc); err != nil {
		return false, err
	}
	return rc.UserExistance, nil
}

// createChat tells the server so the peer gets notified, persists the
// chat, and opens it.
func (a *App) createChat(ctx context.Context, target string) error {
	req, err := proto.NewRequest(proto.TypeCreateChat, a.userID, proto.CreateChatContent{
		TargetUserID: target,
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	ws := a.ws
	a.mu.Unlock()
	if ws == nil {
		return errors.New("not connected")
	}
	buf, err := req.Encode()
	if err != nil {
		return err
	}
	a.wsWriteMu.Lock()
	err = ws.Write(ctx, websocket.MessageText, buf)
	a.wsWriteMu.Unlock()
	if err != nil {
		return err
	}

	if err := a.store.AddChat(ctx, target); err != nil {
		return err
	}
	return a.openChat(ctx, target)
}

// close fans out close to every chat and waits for them.
func (a *App) close() {
	a.mu.Lock()
	chats := make([]*chat.Chat, 0, len(a.chats))
	for _, ch := range a.chats {
		chats = append(chats, ch)
	}
	ws := a.ws
	store := a.store
	a.mu.Unlock()

	for _, ch := range chats {
		ch.Close()
	}
	for _, ch := range chats {
		<-ch.Closed()
	}
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "shutting down")
	}
	if store != nil {
		store.Close()
	}
	log.Printf("application closed")
}
