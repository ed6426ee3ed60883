package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"peerline.io/proto"
	"peerline.io/vault"
)

// MessageCallback is invoked for every decrypted inbound message.
type MessageCallback func(m *proto.Message, peerID string)

// SaveFunc persists one message to the local store.
type SaveFunc func(ctx context.Context, m *proto.Message, outgoing bool) error

// Chat is the per-peer orchestrator. It owns one Conn, one ephemeral key
// pair, and the outgoing queue, and decides the encryption envelope for
// every message it sends.
type Chat struct {
	userID       string
	targetUserID string

	conn     *Conn
	eph      *vault.Box
	longTerm *vault.Box

	onMessage MessageCallback
	save      SaveFunc

	outbox chan *proto.Message

	ctx    context.Context
	cancel context.CancelFunc

	openOnce  sync.Once
	opened    chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

// New prepares a chat with targetUserID. A fresh ephemeral pair is
// generated for the life of this value; the long-term pair is copied so
// chats never share mutable key state.
func New(userID, targetUserID, serverURL string, longTermKeys *vault.KeyPair, onMessage MessageCallback, save SaveFunc) (*Chat, error) {
	ephKeys, err := vault.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keys: %w", err)
	}
	lt := *longTermKeys
	ctx, cancel := context.WithCancel(context.Background())
	return &Chat{
		userID:       userID,
		targetUserID: targetUserID,
		conn:         NewConn(userID, targetUserID, serverURL),
		eph:          vault.NewBox(ephKeys),
		longTerm:     vault.NewBox(&lt),
		onMessage:    onMessage,
		save:         save,
		outbox:       make(chan *proto.Message, 64),
		ctx:          ctx,
		cancel:       cancel,
		opened:       make(chan struct{}),
		closed:       make(chan struct{}),
	}, nil
}

// TargetUserID names the peer.
func (c *Chat) TargetUserID() string { return c.targetUserID }

// Opened closes once the chat's loops are running.
func (c *Chat) Opened() <-chan struct{} { return c.opened }

// Closed closes once the chat has fully shut down.
func (c *Chat) Closed() <-chan struct{} { return c.closed }

// Open fetches the peer's long-term public key, starts the send and
// receive loops, and registers with the server. It returns
// proto.ErrUserNotRegistered if the peer has no published key.
func (c *Chat) Open(ctx context.Context) error {
	if err := c.conn.Dial(ctx); err != nil {
		return err
	}

	req, err := proto.NewRequest(proto.TypeGetLongTermKey, c.userID, proto.GetLongTermKeyContent{
		TargetUserID: c.targetUserID,
	})
	if err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(ctx, responseTimeout)
	defer cancel()
	resp, err := c.conn.request(tctx, req, proto.TypeLongTermKeyResponse)
	if err != nil {
		if c.conn.CloseCode() == websocket.StatusCode(proto.CloseUserNotRegistered) {
			return fmt.Errorf("%w: %s", proto.ErrUserNotRegistered, c.targetUserID)
		}
		return fmt.Errorf("fetch long-term key: %w", err)
	}
	var kc proto.LongTermKeyResponseContent
	if err := resp.Decode(&kc); err != nil {
		return err
	}
	if err := c.longTerm.SetPeer(kc.LongTermPublicKey); err != nil {
		return fmt.Errorf("peer long-term key: %w", err)
	}

	go c.sendLoop()
	go c.receiveLoop()
	go func() {
		if err := c.conn.ConnectToServer(c.ctx, c.eph.PublicBase64()); err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Printf("chat %s: register: %v", c.targetUserID, err)
			}
			return
		}
		// The register response may already have claimed a handshake.
		// Otherwise ask the server to pair us now; an offline peer parks
		// us as pending until it reconnects.
		if c.conn.State() != StateDisconnected {
			return
		}
		if _, err := c.conn.ConnectToPeer(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("chat %s: pair: %v", c.targetUserID, err)
		}
	}()

	c.openOnce.Do(func() { close(c.opened) })
	return nil
}

// Send queues one outgoing text message. The message is persisted to the
// local store immediately; delivery happens on the send loop.
func (c *Chat) Send(content string) error {
	m := proto.NewMessage(content, c.userID, c.targetUserID)
	if c.save != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.save(ctx, m, true); err != nil {
			log.Printf("chat %s: save outgoing: %v", c.targetUserID, err)
		}
	}
	select {
	case c.outbox <- m:
		return nil
	case <-c.ctx.Done():
		return errors.New("chat is closed")
	}
}

func (c *Chat) sendLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.outbox:
			if err := c.sendToPeer(m); err != nil {
				log.Printf("chat %s: send: %v", c.targetUserID, err)
			}
		}
	}
}

// sendToPeer makes the envelope decision for one message: refresh the
// peer's presence (driving a handshake if the server demands one), then
// relay under the ephemeral box when the peer is online and under the
// long-term box otherwise.
func (c *Chat) sendToPeer(m *proto.Message) error {
	peerKey, err := c.conn.Connect(c.ctx, c.eph.PublicBase64())
	if err != nil {
		// The relay path below still works while the websocket is up;
		// with presence unknown the long-term envelope is chosen.
		log.Printf("chat %s: connect: %v", c.targetUserID, err)
	}
	if peerKey != "" {
		if err := c.eph.SetPeer(peerKey); err != nil {
			return fmt.Errorf("peer ephemeral key: %w", err)
		}
	}

	body, err := json.Marshal(m)
	if err != nil {
		return err
	}

	// A failed handshake downgrades to the long-term envelope until the
	// next establishment attempt clears the flag.
	var ciphertext string
	if c.conn.TargetOnline() == PresenceOnline && !c.conn.Failed() && c.eph.HasPeer() {
		ciphertext, err = c.eph.Encrypt(string(body))
	} else {
		ciphertext, err = c.longTerm.Encrypt(string(body))
	}
	if err != nil {
		return fmt.Errorf("seal message: %w", err)
	}

	req, err := proto.NewRequest(proto.TypeRelayMessage, c.userID, proto.RelayContent{
		Message:    ciphertext,
		TargetUser: c.targetUserID,
		PublicKey:  c.eph.PublicBase64(),
	})
	if err != nil {
		return err
	}
	return c.conn.Send(c.ctx, req)
}

// receiveLoop demultiplexes inbound items by envelope kind, rotating the
// peer's ephemeral key when one rides along. Undecryptable items are
// dropped and logged; they never take the chat down.
func (c *Chat) receiveLoop() {
	for item := range c.conn.Inbox() {
		if item.PublicKey != "" {
			if err := c.eph.SetPeer(item.PublicKey); err != nil {
				log.Printf("chat %s: peer key rotate: %v", c.targetUserID, err)
			}
		}

		var plain string
		var err error
		switch item.Envelope {
		case EnvelopeLongTerm:
			plain, err = c.longTerm.Decrypt(item.Ciphertext)
		case EnvelopeEphemeral:
			plain, err = c.eph.Decrypt(item.Ciphertext)
			if err != nil {
				// A sender whose handshake failed downgrades to the
				// long-term envelope without signalling it.
				plain, err = c.longTerm.Decrypt(item.Ciphertext)
			}
		case EnvelopeNone:
			plain = item.Ciphertext
		}
		if err != nil {
			log.Printf("chat %s: dropping message: %v", c.targetUserID, err)
			continue
		}

		m, err := proto.ParseMessage([]byte(plain))
		if err != nil {
			log.Printf("chat %s: dropping message: %v", c.targetUserID, err)
			continue
		}
		if c.save != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.save(ctx, m, false); err != nil {
				log.Printf("chat %s: save inbound: %v", c.targetUserID, err)
			}
			cancel()
		}
		if c.onMessage != nil {
			c.onMessage(m, c.targetUserID)
		}
	}
	// The inbox only closes when the transport is gone.
	c.Close()
}

// Close shuts the chat down: loops stop, queued sends are dropped, the
// connection is torn down, and Closed is signalled.
func (c *Chat) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		for {
			select {
			case <-c.outbox:
				continue
			default:
			}
			break
		}
		c.conn.Disconnect()
		close(c.closed)
	})
}
