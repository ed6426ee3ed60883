// Package proto defines the wire protocol spoken between clients and the
// rendezvous server, and between peers once a chat is running.
//
// Every WebSocket text frame is exactly one JSON request envelope:
//
//	{"type": "...", "user_id": "..."|null, "content": {...}}
//
// Requests flow in both directions on the same socket. The content schema
// is fixed by the type; see the Content structs below. The user_id names
// the sender and is null on server-originated requests.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Request types sent by clients.
const (
	TypeAddUser         = "add_user_to_data_base"
	TypeGetUserInfo     = "get_user_info_from_data_base"
	TypeLogin           = "login_request"
	TypeCheckUser       = "check_user_existance_request"
	TypeRegister        = "register_request"
	TypeGetTargetStatus = "get_target_user_status_request"
	TypeConnection      = "connection_request"
	TypeShareOffer      = "share_offer_request"
	TypeShareAnswer     = "share_answer_request"
	TypeRelayMessage    = "relay_message_request"
	TypeCreateChat      = "create_chat_request"
	TypeGetLongTermKey  = "get_long_term_public_key_request"
	TypeSendLongTermKey = "send_long_term_public_key_request"
)

// Request types sent by the server.
const (
	TypeAddUserResponse     = "add_user_to_data_base_response"
	TypeGetUserInfoResponse = "get_user_info_from_data_base_response"
	TypeCreatedChats        = "created_chats"
	TypeRegisterResponse    = "register_response"
	TypeTargetStatus        = "target_user_status_response"
	TypeConnectionResponse  = "connection_response"
	TypeSendStoredMessages  = "send_stored_messages"
	TypeEstablishment       = "connection_establishment_request"
	TypeLongTermKeyResponse = "get_long_term_public_key_response"
)

// Handshake roles assigned by the server.
const (
	RoleOffer  = "offer"
	RoleAnswer = "answer"
)

// register_response and connection_response discriminators.
const (
	RespEstablishment     = "connection_establishment_request"
	RespTargetOnline      = "target_user_online"
	RespTargetOffline     = "target_user_offline"
	RespUserNotRegistered = "user_not_registered_error"
)

// WebSocket close statuses the server uses when it terminates a socket
// deliberately.
const (
	// CloseInvalidRequest is sent for malformed frames and unknown or
	// out-of-place request types.
	CloseInvalidRequest = 4000 + iota
	// CloseUserNotRegistered is sent when a request names a user absent
	// from the key directory.
	CloseUserNotRegistered
)

var (
	// ErrIncorrectRequestType reports a request whose type is unknown or
	// not valid in the current state. The offending socket is closed.
	ErrIncorrectRequestType = errors.New("incorrect request type")
	// ErrUserNotRegistered reports a target absent from the key directory.
	ErrUserNotRegistered = errors.New("user not registered")
	// ErrSchemaViolation reports a request whose content does not match
	// the schema fixed by its type.
	ErrSchemaViolation = errors.New("schema violation")
)

// Request is the envelope for every frame on the signalling socket.
type Request struct {
	Type    string          `json:"type"`
	UserID  string          `json:"user_id"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON emits user_id as null for server-originated requests, which
// keeps the envelope canonical across implementations.
func (r *Request) MarshalJSON() ([]byte, error) {
	var uid any
	if r.UserID != "" {
		uid = r.UserID
	}
	content := r.Content
	if content == nil {
		content = json.RawMessage("{}")
	}
	return json.Marshal(struct {
		Type    string          `json:"type"`
		UserID  any             `json:"user_id"`
		Content json.RawMessage `json:"content"`
	}{r.Type, uid, content})
}

// NewRequest builds a request envelope with the given content payload.
func NewRequest(reqType, userID string, content any) (*Request, error) {
	buf, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal %s content: %w", reqType, err)
	}
	return &Request{Type: reqType, UserID: userID, Content: buf}, nil
}

// ParseRequest decodes one frame. Malformed JSON or a missing type is a
// schema violation.
func ParseRequest(frame []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if r.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrSchemaViolation)
	}
	return &r, nil
}

// Decode unmarshals the content payload into v.
func (r *Request) Decode(v any) error {
	if err := json.Unmarshal(r.Content, v); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrSchemaViolation, r.Type, err)
	}
	return nil
}

// Encode renders the request as one wire frame.
func (r *Request) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// SDP is a session description shuttled between peers. The text is opaque
// to the protocol.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Content payloads, one per request type.

type AddUserContent struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AddUserResponseContent struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type GetUserInfoContent struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type GetUserInfoResponseContent struct {
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
	UserExists bool   `json:"user_exists,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}

type LoginContent struct {
	LongTermPublicKey string `json:"long_term_public_key"`
}

type CreatedChatsContent struct {
	CreatedChats []string `json:"created_chats"`
}

type CheckUserContent struct {
	TargetUserID string `json:"target_user_id"`
}

type CheckUserResultContent struct {
	TargetUserID  string `json:"target_user_id"`
	UserExistance bool   `json:"user_existance"`
}

type RegisterContent struct {
	TargetUserID string `json:"target_user_id"`
	PublicKey    string `json:"public_key"`
}

type RegisterResponseContent struct {
	RegisterResponseType string `json:"register_response_type"`
	UserID               string `json:"user_id,omitempty"`
	Role                 string `json:"role,omitempty"`
	PublicKey            string `json:"public_key,omitempty"`
}

type TargetStatusContent struct {
	TargetUserID string `json:"target_user_id"`
}

type TargetStatusResponseContent struct {
	TargetUserStatus bool   `json:"target_user_status"`
	PublicKey        string `json:"public_key,omitempty"`
}

type ConnectionContent struct {
	TargetUserID string `json:"target_user_id"`
}

type ConnectionResponseContent struct {
	ConnectionResponseType string `json:"connection_response_type"`
	Role                   string `json:"role,omitempty"`
	PublicKey              string `json:"public_key,omitempty"`
}

// EstablishmentContent tells a peer to start a handshake with the given
// role. UserID names the other side; PublicKey is its ephemeral key.
type EstablishmentContent struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	PublicKey string `json:"public_key,omitempty"`
}

type ShareOfferContent struct {
	TargetUserID string `json:"target_user_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Offer        SDP    `json:"offer"`
}

type ShareAnswerContent struct {
	TargetUserID string `json:"target_user_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	Answer       SDP    `json:"answer"`
}

// RelayContent carries one encrypted message. TargetUser is set on the
// client-to-server leg only; PublicKey is the sender's current ephemeral
// public key.
type RelayContent struct {
	Message    string `json:"message"`
	TargetUser string `json:"target_user,omitempty"`
	PublicKey  string `json:"public_key"`
}

type StoredMessagesContent struct {
	Message []string `json:"message"`
}

type CreateChatContent struct {
	TargetUserID string `json:"target_user_id"`
}

type GetLongTermKeyContent struct {
	TargetUserID string `json:"target_user_id"`
}

type LongTermKeyResponseContent struct {
	LongTermPublicKey string `json:"long_term_public_key"`
}

type SendLongTermKeyContent struct {
	LongTermPublicKey string `json:"long_term_public_key"`
}
