// Package vault holds the client's key material: the symmetric key derived
// from the user's password, the wrapped long-term Curve25519 pair on disk,
// and the per-chat ephemeral pairs.
//
// All authenticated encryption is NaCl (XSalsa20-Poly1305); the 24-byte
// nonce is generated fresh per message and prepended to the ciphertext,
// and the whole blob travels base64-encoded.
package vault

import (
	crand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrDecryptionFailure reports an authentication tag mismatch or corrupt
// ciphertext. Callers drop the message; it must not take the chat down.
var ErrDecryptionFailure = errors.New("decryption failure")

// ErrNoPeerKey reports a box used before its peer key was set.
var ErrNoPeerKey = errors.New("peer public key not set")

// kdfSalt is the fixed Argon2id salt. The key is reproducible from the
// password alone, so no per-user salt file needs to exist before login —
// at the cost that equal passwords derive equal keys.
var kdfSalt = [16]byte{
	0x3b, 0xa1, 0xa0, 0xcf, 0x5b, 0x89, 0x05, 0xb6,
	0x06, 0x8f, 0x89, 0x4a, 0xc8, 0x8d, 0x85, 0x6d,
}

// Argon2id at libsodium's interactive level.
const (
	kdfTime    = 2
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 1
	keySize    = 32
	nonceSize  = 24
)

// SecretBox is the password-derived symmetric cipher used for everything
// persisted locally: the wrapped long-term keys and the text columns of
// the local store.
type SecretBox struct {
	key [keySize]byte
}

// NewSecretBox derives the symmetric key from the password.
func NewSecretBox(password string) *SecretBox {
	sb := &SecretBox{}
	k := argon2.IDKey([]byte(password), kdfSalt[:], kdfTime, kdfMemory, kdfThreads, keySize)
	copy(sb.key[:], k)
	return sb
}

// Encrypt seals data and returns base64(nonce || ciphertext).
func (s *SecretBox) Encrypt(data string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(crand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(data), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (s *SecretBox) Decrypt(encrypted string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: short ciphertext", ErrDecryptionFailure)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &s.key)
	if !ok {
		return "", ErrDecryptionFailure
	}
	return string(plain), nil
}

// KeyPair is a Curve25519 key pair. Long-term pairs are persisted wrapped;
// ephemeral pairs live only in memory for the life of one chat.
type KeyPair struct {
	Public  [keySize]byte
	Private [keySize]byte
}

// GenerateKeyPair makes a fresh Curve25519 pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// PublicBase64 renders the public half in the wire encoding.
func (k *KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public[:])
}

// PrivateBase64 renders the private half for wrapping on disk.
func (k *KeyPair) PrivateBase64() string {
	return base64.StdEncoding.EncodeToString(k.Private[:])
}

func decodeKey(b64 string) ([keySize]byte, error) {
	var key [keySize]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != keySize {
		return key, fmt.Errorf("decode key: got %d bytes, want %d", len(raw), keySize)
	}
	copy(key[:], raw)
	return key, nil
}

// KeyPairFromBase64 reassembles a pair from its wire-encoded halves.
func KeyPairFromBase64(private, public string) (*KeyPair, error) {
	priv, err := decodeKey(private)
	if err != nil {
		return nil, err
	}
	pub, err := decodeKey(public)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// Box is authenticated public-key encryption parameterised by our private
// key and the peer's public key. The peer key may be set or rotated after
// construction as it is learned from the handshake or an inbound relay.
type Box struct {
	keys *KeyPair
	peer *[keySize]byte
}

// NewBox wraps a key pair with no peer set yet.
func NewBox(keys *KeyPair) *Box {
	return &Box{keys: keys}
}

// SetPeer sets or rotates the peer's public key.
func (b *Box) SetPeer(publicKey string) error {
	key, err := decodeKey(publicKey)
	if err != nil {
		return err
	}
	b.peer = &key
	return nil
}

// HasPeer reports whether a peer key is set.
func (b *Box) HasPeer() bool { return b.peer != nil }

// PublicBase64 is the wire encoding of our public half.
func (b *Box) PublicBase64() string { return b.keys.PublicBase64() }

// Encrypt seals data for the peer, returning base64(nonce || ciphertext).
func (b *Box) Encrypt(data string) (string, error) {
	if b.peer == nil {
		return "", ErrNoPeerKey
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(crand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := box.Seal(nonce[:], []byte(data), &nonce, b.peer, &b.keys.Private)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a peer-sealed blob.
func (b *Box) Decrypt(encrypted string) (string, error) {
	if b.peer == nil {
		return "", ErrNoPeerKey
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	if len(raw) < nonceSize+box.Overhead {
		return "", fmt.Errorf("%w: short ciphertext", ErrDecryptionFailure)
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := box.Open(nil, raw[nonceSize:], &nonce, b.peer, &b.keys.Private)
	if !ok {
		return "", ErrDecryptionFailure
	}
	return string(plain), nil
}
