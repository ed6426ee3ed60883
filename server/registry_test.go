package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingPeerSymmetry(t *testing.T) {
	r := NewRegistry()
	r.AddPending("alice", "bob")

	assert.ElementsMatch(t, []string{"alice"}, r.PendingPeers("bob"))
	assert.ElementsMatch(t, []string{"bob"}, r.PendedPeers("alice"))

	// bob registers for the chat with alice and consumes the mark.
	require.True(t, r.TakePending("bob", "alice"))
	assert.Empty(t, r.PendingPeers("bob"))
	assert.Empty(t, r.PendedPeers("alice"))

	// A second take is a no-op.
	assert.False(t, r.TakePending("bob", "alice"))
}

func TestRegisterChatAndPresence(t *testing.T) {
	r := NewRegistry()
	s := &sock{}
	r.RegisterChat("alice", "bob", s, "alice-key")

	assert.True(t, r.OnlineForChat("alice", "bob"))
	assert.False(t, r.OnlineForChat("bob", "alice"))

	key, ok := r.ChatKey("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, "alice-key", key)

	got, ok := r.ChatSock("alice", "bob")
	require.True(t, ok)
	assert.Same(t, s, got)

	// Duplicate registration refreshes in place.
	s2 := &sock{}
	r.RegisterChat("alice", "bob", s2, "alice-key-2")
	got, _ = r.ChatSock("alice", "bob")
	assert.Same(t, s2, got)
	key, _ = r.ChatKey("alice", "bob")
	assert.Equal(t, "alice-key-2", key)
}

func TestDetachClearsPendingPointers(t *testing.T) {
	r := NewRegistry()
	s := &sock{}
	r.RegisterChat("alice", "bob", s, "k")
	r.AddPending("alice", "bob")

	r.Detach("alice", s)

	assert.False(t, r.OnlineForChat("alice", "bob"))
	assert.Empty(t, r.PendingPeers("bob"), "pending pointer must not survive the waiter's disconnect")
	assert.Empty(t, r.PendedPeers("alice"))
}

func TestDetachLeavesOtherSockets(t *testing.T) {
	r := NewRegistry()
	main, chatSock := &sock{}, &sock{}
	r.Login("alice", main, "lt-key")
	r.RegisterChat("alice", "bob", chatSock, "k")

	r.Detach("alice", chatSock)

	_, ok := r.MainSock("alice")
	assert.True(t, ok, "closing a chat socket must not take down the main socket")
	assert.False(t, r.OnlineForChat("alice", "bob"))
}

func TestLoginDrainsPendingChats(t *testing.T) {
	r := NewRegistry()
	r.AddPendingChat("bob", "alice")
	r.AddPendingChat("bob", "carol")

	created := r.Login("bob", &sock{}, "lt-key")
	assert.Equal(t, []string{"alice", "carol"}, created)

	assert.Empty(t, r.Login("bob", &sock{}, "lt-key"))
}

func TestBeginEstablishRejectsRace(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.BeginEstablish("alice", "bob"))
	// The same pair in either order is one establishment.
	assert.False(t, r.BeginEstablish("bob", "alice"))

	r.EndEstablish("alice", "bob")
	assert.True(t, r.BeginEstablish("bob", "alice"))
}
