package chat

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"peerline.io/proto"
	"peerline.io/server"
	"peerline.io/vault"
)

// fakeStore is an in-memory server.Store so the whole client core can be
// exercised against a real rendezvous server in one process.
type fakeStore struct {
	mu    sync.Mutex
	users map[string]bool
	keys  map[string]string
	spool []fakeSpooled
}

type fakeSpooled struct {
	from, to, message string
}

func newFakeStore(users ...string) *fakeStore {
	s := &fakeStore{users: make(map[string]bool), keys: make(map[string]string)}
	for _, u := range users {
		s.users[u] = true
	}
	return s
}

func (s *fakeStore) AddUser(_ context.Context, userID, _, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users[userID] {
		return false, nil
	}
	s.users[userID] = true
	return true, nil
}

func (s *fakeStore) Authenticate(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

func (s *fakeStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID], nil
}

func (s *fakeStore) UpsertPublicKey(_ context.Context, userID, publicKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[userID] = publicKey
	return nil
}

func (s *fakeStore) PublicKey(_ context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[userID]
	return k, ok, nil
}

func (s *fakeStore) SpoolMessage(_ context.Context, userID, targetUserID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spool = append(s.spool, fakeSpooled{from: userID, to: targetUserID, message: message})
	return nil
}

func (s *fakeStore) DrainSpool(_ context.Context, userID, targetUserID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	var keep []fakeSpooled
	for _, m := range s.spool {
		if m.from == userID && m.to == targetUserID {
			out = append(out, m.message)
		} else {
			keep = append(keep, m)
		}
	}
	s.spool = keep
	return out, nil
}

func (s *fakeStore) Close() {}

func (s *fakeStore) spoolLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spool)
}

// rawClient drives one websocket against the rendezvous server directly,
// standing in for a peer's connection machinery.
type rawClient struct {
	t    *testing.T
	conn *websocket.Conn
	ctx  context.Context
}

func dialRaw(t *testing.T, url string) *rawClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return &rawClient{t: t, conn: conn, ctx: ctx}
}

func (c *rawClient) send(reqType, userID string, content any) {
	c.t.Helper()
	req, err := proto.NewRequest(reqType, userID, content)
	require.NoError(c.t, err)
	buf, err := req.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Write(c.ctx, websocket.MessageText, buf))
}

// readUntil skips frames until one of the wanted type arrives.
func (c *rawClient) readUntil(reqType string) *proto.Request {
	c.t.Helper()
	for {
		_, buf, err := c.conn.Read(c.ctx)
		require.NoError(c.t, err)
		req, err := proto.ParseRequest(buf)
		require.NoError(c.t, err)
		if req.Type == reqType {
			return req
		}
	}
}

func startRendezvous(t *testing.T, store server.Store) (string, *server.Server) {
	t.Helper()
	srv := server.New(store, nil)
	hs := httptest.NewServer(srv)
	t.Cleanup(hs.Close)
	return "ws" + strings.TrimPrefix(hs.URL, "http"), srv
}

func collector() (MessageCallback, chan *proto.Message) {
	ch := make(chan *proto.Message, 16)
	return func(m *proto.Message, _ string) { ch <- m }, ch
}

func waitMessage(t *testing.T, ch chan *proto.Message) *proto.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestOfflineSpoolDelivery(t *testing.T) {
	store := newFakeStore("alice", "bob")
	url, _ := startRendezvous(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aliceKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	bobKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	store.UpsertPublicKey(ctx, "alice", aliceKeys.PublicBase64())
	store.UpsertPublicKey(ctx, "bob", bobKeys.PublicBase64())

	aliceCB, _ := collector()
	alice, err := New("alice", "bob", url, aliceKeys, aliceCB, nil)
	require.NoError(t, err)
	require.NoError(t, alice.Open(ctx))
	defer alice.Close()

	// bob is offline: the send is spooled under the long-term envelope.
	require.NoError(t, alice.Send("see you"))
	require.Eventually(t, func() bool { return store.spoolLen() == 1 }, 10*time.Second, 20*time.Millisecond)

	store.mu.Lock()
	ciphertext := store.spool[0].message
	store.mu.Unlock()
	bobLT := vault.NewBox(bobKeys)
	require.NoError(t, bobLT.SetPeer(aliceKeys.PublicBase64()))
	plain, err := bobLT.Decrypt(ciphertext)
	require.NoError(t, err, "spooled ciphertext must open under the long-term box")
	spooled, err := proto.ParseMessage([]byte(plain))
	require.NoError(t, err)
	assert.Equal(t, "see you", spooled.Content)

	// bob reconnects and gets the stored message end to end.
	bobCB, bobMsgs := collector()
	bob, err := New("bob", "alice", url, bobKeys, bobCB, nil)
	require.NoError(t, err)
	require.NoError(t, bob.Open(ctx))
	defer bob.Close()

	got := waitMessage(t, bobMsgs)
	assert.Equal(t, "see you", got.Content)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "bob", got.TargetUserID)
	assert.Equal(t, 0, store.spoolLen(), "delivered messages must leave the spool")
}

func TestOnlineRelayDelivery(t *testing.T) {
	store := newFakeStore("alice", "bob")
	url, srv := startRendezvous(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aliceKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	bobKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	store.UpsertPublicKey(ctx, "alice", aliceKeys.PublicBase64())
	store.UpsertPublicKey(ctx, "bob", bobKeys.PublicBase64())

	aliceCB, aliceMsgs := collector()
	alice, err := New("alice", "bob", url, aliceKeys, aliceCB, nil)
	require.NoError(t, err)
	require.NoError(t, alice.Open(ctx))
	defer alice.Close()

	bobCB, bobMsgs := collector()
	bob, err := New("bob", "alice", url, bobKeys, bobCB, nil)
	require.NoError(t, err)
	require.NoError(t, bob.Open(ctx))
	defer bob.Close()

	// Wait for both chat sockets to be registered so presence is stable.
	require.Eventually(t, func() bool {
		return srv.Registry().OnlineForChat("alice", "bob") &&
			srv.Registry().OnlineForChat("bob", "alice")
	}, 10*time.Second, 20*time.Millisecond)

	require.NoError(t, alice.Send("hi"))
	got := waitMessage(t, bobMsgs)
	assert.Equal(t, "hi", got.Content)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, 0, store.spoolLen(), "online sends must not touch the spool")

	// And the other direction, now with rotated ephemeral keys.
	require.NoError(t, bob.Send("hello back"))
	got = waitMessage(t, aliceMsgs)
	assert.Equal(t, "hello back", got.Content)
	assert.Equal(t, "bob", got.UserID)
}

func TestOpenUnknownPeer(t *testing.T) {
	store := newFakeStore("alice")
	url, _ := startRendezvous(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	aliceKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	store.UpsertPublicKey(ctx, "alice", aliceKeys.PublicBase64())

	cb, _ := collector()
	c, err := New("alice", "mallory", url, aliceKeys, cb, nil)
	require.NoError(t, err)
	err = c.Open(ctx)
	require.ErrorIs(t, err, proto.ErrUserNotRegistered)
}

func TestEstablishFailureSetsSticky(t *testing.T) {
	c := NewConn("alice", "bob", "ws://unused")

	// With no websocket the offer cannot leave, so the handshake must
	// fail and leave the sticky flag behind.
	err := c.establish(proto.RoleOffer)
	require.Error(t, err)
	assert.True(t, c.Failed())
	assert.Equal(t, StateDisconnected, c.State())

	// The next attempt reclaims the state machine and fails the same way.
	err = c.establish(proto.RoleOffer)
	require.Error(t, err)
	assert.True(t, c.Failed())
}

func TestHandshakeTimeoutFallsBackToLongTerm(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the handshake timeout")
	}
	store := newFakeStore("alice", "bob")
	url, _ := startRendezvous(t, store)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	aliceKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	bobKeys, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	bobEph, err := vault.GenerateKeyPair()
	require.NoError(t, err)
	store.UpsertPublicKey(ctx, "alice", aliceKeys.PublicBase64())
	store.UpsertPublicKey(ctx, "bob", bobKeys.PublicBase64())

	// A bare socket registers bob's side of the chat but never answers
	// the offer it is about to be sent.
	bob := dialRaw(t, url)
	bob.send(proto.TypeRegister, "bob", proto.RegisterContent{
		TargetUserID: "alice", PublicKey: bobEph.PublicBase64(),
	})
	bob.readUntil(proto.TypeRegisterResponse)

	cb, _ := collector()
	alice, err := New("alice", "bob", url, aliceKeys, cb, nil)
	require.NoError(t, err)
	require.NoError(t, alice.Open(ctx))
	defer alice.Close()

	// Open-time pairing assigns alice the offer role; with no answer
	// coming back the attempt times out and the failure sticks.
	require.Eventually(t, func() bool { return alice.conn.Failed() }, 30*time.Second, 50*time.Millisecond)
	assert.Equal(t, StateDisconnected, alice.conn.State())

	require.NoError(t, alice.Send("see you"))
	relayed := bob.readUntil(proto.TypeRelayMessage)
	var rc proto.RelayContent
	require.NoError(t, relayed.Decode(&rc))

	lt := vault.NewBox(bobKeys)
	require.NoError(t, lt.SetPeer(aliceKeys.PublicBase64()))
	plain, err := lt.Decrypt(rc.Message)
	require.NoError(t, err, "a failed handshake must downgrade to the long-term envelope")
	m, err := proto.ParseMessage([]byte(plain))
	require.NoError(t, err)
	assert.Equal(t, "see you", m.Content)

	eph := vault.NewBox(bobEph)
	require.NoError(t, eph.SetPeer(rc.PublicKey))
	_, err = eph.Decrypt(rc.Message)
	assert.Error(t, err, "the downgraded envelope must not open under the ephemeral box")
}

func TestEarlySDPFrameIsStashed(t *testing.T) {
	c := NewConn("alice", "bob", "ws://unused")

	offer, err := proto.NewRequest(proto.TypeShareOffer, "", proto.ShareOfferContent{
		UserID: "bob",
		Offer:  proto.SDP{Type: "offer", SDP: "v=0..."},
	})
	require.NoError(t, err)

	// The frame lands before the role handler registers its waiter.
	c.dispatch(offer)

	ch, err := c.await(proto.TypeShareOffer)
	require.NoError(t, err)
	select {
	case got := <-ch:
		assert.Equal(t, proto.TypeShareOffer, got.Type)
	default:
		t.Fatal("stashed frame was not handed to the waiter")
	}
}

func TestAwaitRejectsDuplicateWaiter(t *testing.T) {
	c := NewConn("alice", "bob", "ws://unused")
	_, err := c.await(proto.TypeShareAnswer)
	require.NoError(t, err)
	_, err = c.await(proto.TypeShareAnswer)
	assert.ErrorIs(t, err, proto.ErrIncorrectRequestType)
}
