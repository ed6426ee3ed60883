// Package chat implements the client core of the messenger: Conn, the
// per-chat signalling session and WebRTC handshake state machine, and
// Chat, the per-peer orchestrator that picks an encryption envelope and
// transport for every message.
//
// One Conn owns one WebSocket to the rendezvous server and at most one
// peer connection with a single data channel. The WebRTC engine's
// callbacks never run protocol logic; they only signal channels consumed
// by the state machine or, for a data-channel close, start a Conn
// goroutine, so all mutable state stays with the Conn's own goroutines.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"nhooyr.io/websocket"

	"peerline.io/proto"
)

// ErrConnectionTimeout reports a handshake that did not reach an open
// data channel within the timeout. The next send is sealed under the
// long-term envelope.
var ErrConnectionTimeout = errors.New("connection timeout")

// responseTimeout bounds every awaited response except register_response,
// which may legitimately block while the server drives an establishment.
const responseTimeout = 10 * time.Second

const dataChannelLabel = "channel"

// The client tries all of these in parallel.
var iceServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
}

// State is the p2p connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Presence is the last-known online state of the peer.
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceOffline
	PresenceOnline
)

// Envelope says which box an inbound ciphertext was sealed with.
type Envelope string

const (
	// EnvelopeLongTerm marks items drained from the offline spool.
	EnvelopeLongTerm Envelope = "long_term_public_key"
	// EnvelopeEphemeral marks server-relayed items from an online peer.
	EnvelopeEphemeral Envelope = "public_key"
	// EnvelopeNone marks plaintext that arrived over the data channel.
	EnvelopeNone Envelope = "none"
)

// Inbound is one received item, before decryption. PublicKey, when set,
// is the sender's current ephemeral public key.
type Inbound struct {
	Ciphertext string
	Envelope   Envelope
	PublicKey  string
}

// Conn is the signalling session for one chat.
type Conn struct {
	userID       string
	targetUserID string
	serverURL    string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // serialises frames onto the websocket
	regMu   sync.Mutex // one register_request in flight at a time

	mu          sync.Mutex
	ws          *websocket.Conn
	registered  bool
	pending     map[string]chan *proto.Request
	stash       map[string]*proto.Request
	role        string
	state       State
	presence    Presence
	p2pFailed   bool
	localClose  bool
	peerPubKey  string
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	inboxClosed bool
	lastErr     error

	inbox chan Inbound
}

// NewConn makes a disconnected session for the chat with targetUserID.
func NewConn(userID, targetUserID, serverURL string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		userID:       userID,
		targetUserID: targetUserID,
		serverURL:    serverURL,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string]chan *proto.Request),
		stash:        make(map[string]*proto.Request),
		state:        StateDisconnected,
		inbox:        make(chan Inbound, 256),
	}
}

// Inbox is the stream of received items for the orchestrator. It closes
// when the session is torn down.
func (c *Conn) Inbox() <-chan Inbound { return c.inbox }

// State returns the p2p state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TargetOnline returns the last-known presence of the peer.
func (c *Conn) TargetOnline() Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

// Failed reports whether the last handshake attempt timed out or broke.
// The flag is sticky until the next handshake attempt claims the state
// machine; Connect does not clear it.
func (c *Conn) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p2pFailed
}

// PeerPublicKey returns the peer's most recently learned ephemeral key.
func (c *Conn) PeerPublicKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerPubKey
}

// Dial opens the WebSocket if it is not open and starts the receive loop.
func (c *Conn) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	ws, _, err := websocket.Dial(ctx, c.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial signalling server: %w", err)
	}
	ws.SetReadLimit(1 << 22) // SDPs and relayed ciphertexts can get large

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.receiveLoop(ws)
	return nil
}

// Send writes one request frame to the server.
func (c *Conn) Send(ctx context.Context, req *proto.Request) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return errors.New("websocket not connected")
	}
	buf, err := req.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.Write(ctx, websocket.MessageText, buf)
}

// await registers interest in a response type. At most one waiter per
// type may be outstanding. If a matching request arrived before the
// waiter registered, it is returned immediately from the stash.
func (c *Conn) await(responseType string) (<-chan *proto.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan *proto.Request, 1)
	if stashed, ok := c.stash[responseType]; ok {
		delete(c.stash, responseType)
		ch <- stashed
		return ch, nil
	}
	if _, ok := c.pending[responseType]; ok {
		return nil, fmt.Errorf("%w: duplicate waiter for %s", proto.ErrIncorrectRequestType, responseType)
	}
	c.pending[responseType] = ch
	return ch, nil
}

func (c *Conn) forget(responseType string) {
	c.mu.Lock()
	delete(c.pending, responseType)
	c.mu.Unlock()
}

// request sends req and waits for the response type, bounded by ctx.
func (c *Conn) request(ctx context.Context, req *proto.Request, responseType string) (*proto.Request, error) {
	ch, err := c.await(responseType)
	if err != nil {
		return nil, err
	}
	if err := c.Send(ctx, req); err != nil {
		c.forget(responseType)
		return nil, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(responseType)
		return nil, ctx.Err()
	case <-c.ctx.Done():
		c.forget(responseType)
		return nil, c.ctx.Err()
	}
}

// receiveLoop is the single reader of the websocket. Every frame either
// completes a registered waiter or is dispatched by kind.
func (c *Conn) receiveLoop(ws *websocket.Conn) {
	for {
		_, buf, err := ws.Read(c.ctx)
		if err != nil {
			c.transportLost(err)
			return
		}
		req, err := proto.ParseRequest(buf)
		if err != nil {
			log.Printf("chat %s: dropping frame: %v", c.targetUserID, err)
			continue
		}
		c.dispatch(req)
	}
}

func (c *Conn) dispatch(req *proto.Request) {
	c.mu.Lock()
	if ch, ok := c.pending[req.Type]; ok {
		delete(c.pending, req.Type)
		c.mu.Unlock()
		ch <- req
		return
	}
	c.mu.Unlock()

	switch req.Type {
	case proto.TypeRelayMessage:
		var rc proto.RelayContent
		if err := req.Decode(&rc); err != nil {
			log.Printf("chat %s: %v", c.targetUserID, err)
			return
		}
		c.deliver(Inbound{Ciphertext: rc.Message, Envelope: EnvelopeEphemeral, PublicKey: rc.PublicKey})

	case proto.TypeSendStoredMessages:
		var sc proto.StoredMessagesContent
		if err := req.Decode(&sc); err != nil {
			log.Printf("chat %s: %v", c.targetUserID, err)
			return
		}
		for _, m := range sc.Message {
			c.deliver(Inbound{Ciphertext: m, Envelope: EnvelopeLongTerm})
		}

	case proto.TypeEstablishment:
		// Peer-initiated handshake.
		var ec proto.EstablishmentContent
		if err := req.Decode(&ec); err != nil {
			log.Printf("chat %s: %v", c.targetUserID, err)
			return
		}
		c.startEstablishment(ec.Role, ec.PublicKey)

	case proto.TypeShareOffer, proto.TypeShareAnswer:
		// The role handler may not have registered its waiter yet.
		c.mu.Lock()
		c.stash[req.Type] = req
		c.mu.Unlock()

	default:
		log.Printf("chat %s: incorrect request type %q", c.targetUserID, req.Type)
	}
}

func (c *Conn) deliver(item Inbound) {
	c.mu.Lock()
	closed := c.inboxClosed
	c.mu.Unlock()
	if closed {
		return
	}
	select {
	case c.inbox <- item:
	default:
		log.Printf("chat %s: inbox full, dropping message", c.targetUserID)
	}
}

// ConnectToServer sends register_request and processes the response. The
// server answers send_stored_messages first (routed to the inbox by the
// receive loop) and then register_response, which is awaited unbounded
// because the server may be mid-establishment with the peer.
func (c *Conn) ConnectToServer(ctx context.Context, ephemeralPublicKey string) error {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	c.mu.Lock()
	if c.registered {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.Dial(ctx); err != nil {
		return err
	}
	req, err := proto.NewRequest(proto.TypeRegister, c.userID, proto.RegisterContent{
		TargetUserID: c.targetUserID,
		PublicKey:    ephemeralPublicKey,
	})
	if err != nil {
		return err
	}
	resp, err := c.request(c.ctx, req, proto.TypeRegisterResponse)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()

	var rc proto.RegisterResponseContent
	if err := resp.Decode(&rc); err != nil {
		return err
	}
	switch rc.RegisterResponseType {
	case proto.RespEstablishment:
		c.setPresence(PresenceOnline)
		c.startEstablishment(rc.Role, rc.PublicKey)
		return nil
	case proto.RespTargetOnline:
		c.setPresence(PresenceOnline)
		return nil
	case proto.RespTargetOffline:
		c.setPresence(PresenceOffline)
		return nil
	default:
		return fmt.Errorf("%w: register response %q", proto.ErrIncorrectRequestType, rc.RegisterResponseType)
	}
}

// ConnectToPeer asks the server to pair us with the peer right now.
func (c *Conn) ConnectToPeer(ctx context.Context) (string, error) {
	req, err := proto.NewRequest(proto.TypeConnection, c.userID, proto.ConnectionContent{
		TargetUserID: c.targetUserID,
	})
	if err != nil {
		return "", err
	}
	tctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()
	resp, err := c.request(tctx, req, proto.TypeConnectionResponse)
	if err != nil {
		return "", err
	}
	var cc proto.ConnectionResponseContent
	if err := resp.Decode(&cc); err != nil {
		return "", err
	}
	switch cc.ConnectionResponseType {
	case proto.RespUserNotRegistered:
		return "", proto.ErrUserNotRegistered
	case proto.RespTargetOffline:
		c.setPresence(PresenceOffline)
		return "", nil
	case proto.RespEstablishment:
		c.setPresence(PresenceOnline)
		c.setPeerKey(cc.PublicKey)
		err := c.establish(cc.Role)
		return cc.PublicKey, err
	default:
		return "", fmt.Errorf("%w: connection response %q", proto.ErrIncorrectRequestType, cc.ConnectionResponseType)
	}
}

// UpdateTargetStatus polls the server for the peer's presence. When the
// peer is online the response carries its current ephemeral public key.
func (c *Conn) UpdateTargetStatus(ctx context.Context) (string, error) {
	req, err := proto.NewRequest(proto.TypeGetTargetStatus, c.userID, proto.TargetStatusContent{
		TargetUserID: c.targetUserID,
	})
	if err != nil {
		return "", err
	}
	tctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()
	resp, err := c.request(tctx, req, proto.TypeTargetStatus)
	if err != nil {
		return "", err
	}
	var sc proto.TargetStatusResponseContent
	if err := resp.Decode(&sc); err != nil {
		return "", err
	}
	if sc.TargetUserStatus {
		c.setPresence(PresenceOnline)
	} else {
		c.setPresence(PresenceOffline)
	}
	c.setPeerKey(sc.PublicKey)
	return sc.PublicKey, nil
}

// Connect is the orchestrator's entry point before every send: make sure
// we are registered, refresh the peer's presence, and return its current
// ephemeral public key (empty if unknown).
func (c *Conn) Connect(ctx context.Context, ephemeralPublicKey string) (string, error) {
	if err := c.ConnectToServer(ctx, ephemeralPublicKey); err != nil {
		return "", err
	}
	key, err := c.UpdateTargetStatus(ctx)
	if err != nil {
		c.setPresence(PresenceUnknown)
		return "", err
	}
	return key, nil
}

func (c *Conn) setPresence(p Presence) {
	c.mu.Lock()
	c.presence = p
	c.mu.Unlock()
}

func (c *Conn) setPeerKey(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.peerPubKey = key
	c.mu.Unlock()
}

// startEstablishment claims the handshake for a server-initiated
// establishment and runs the role handler on its own goroutine. The
// claim happens synchronously so State reflects the handshake before
// the caller reads another frame; an offer racing ahead of the answer
// role's waiter lands in the stash.
func (c *Conn) startEstablishment(role, peerKey string) {
	c.setPeerKey(peerKey)
	if !c.claimHandshake(role) {
		return
	}
	go func() {
		if err := c.runHandshake(role); err != nil {
			log.Printf("chat %s: establishment as %s: %v", c.targetUserID, role, err)
		}
	}()
}

// Disconnect tears the whole session down: pending waiters are cancelled,
// the inbox is closed, and both the websocket and the peer connection go
// away. The Conn is not reusable afterwards.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.localClose {
		c.mu.Unlock()
		return
	}
	c.localClose = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.cancel()
	c.teardownP2P()
	c.closeInbox()
	if ws != nil {
		ws.Close(websocket.StatusNormalClosure, "chat closed")
	}
}

// CloseCode returns the close status of a lost websocket, or -1.
func (c *Conn) CloseCode() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.CloseStatus(c.lastErr)
}

// transportLost handles a websocket failure that we did not initiate.
func (c *Conn) transportLost(err error) {
	c.mu.Lock()
	local := c.localClose
	c.ws = nil
	c.registered = false
	c.lastErr = err
	c.mu.Unlock()
	if local {
		return
	}
	log.Printf("chat %s: websocket lost: %v", c.targetUserID, err)
	c.cancel()
	c.teardownP2P()
	c.closeInbox()
}

func (c *Conn) closeInbox() {
	c.mu.Lock()
	if !c.inboxClosed {
		c.inboxClosed = true
		close(c.inbox)
	}
	c.mu.Unlock()
}

// onDataChannelClosed runs when the channel closes underneath us. The
// ephemeral p2p state is dropped; unless the close was local, the
// websocket stays up and the peer's presence becomes unknown again.
func (c *Conn) onDataChannelClosed() {
	c.mu.Lock()
	local := c.localClose
	c.mu.Unlock()
	c.teardownP2P()
	if !local {
		c.mu.Lock()
		c.presence = PresenceUnknown
		c.mu.Unlock()
	}
}

func (c *Conn) teardownP2P() {
	c.mu.Lock()
	pc := c.pc
	c.pc = nil
	c.dc = nil
	c.role = ""
	c.state = StateDisconnected
	c.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}
