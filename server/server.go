// Package server implements the rendezvous server: it accepts WebSocket
// connections, routes signalling between peers, spools messages for
// offline recipients, and publishes long-term public keys.
//
// A socket serves exactly one chat, or becomes the user's main socket if
// its first request is login_request. Dispatch is by request type, never
// by socket role, so one process may hold a main socket plus one socket
// per open chat for the same user.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"nhooyr.io/websocket"

	"peerline.io/proto"
)

var stats = struct {
	connections prometheus.Counter
	rendezvous  prometheus.Counter
	relayed     prometheus.Counter
	spooled     prometheus.Counter
	drained     prometheus.Counter
	badRequests prometheus.Counter
}{
	connections: promauto.NewCounter(prometheus.CounterOpts{Name: "peerline_connections_total", Help: "Accepted websocket connections."}),
	rendezvous:  promauto.NewCounter(prometheus.CounterOpts{Name: "peerline_rendezvous_total", Help: "Handshakes brokered between peers."}),
	relayed:     promauto.NewCounter(prometheus.CounterOpts{Name: "peerline_relayed_total", Help: "Messages relayed to online recipients."}),
	spooled:     promauto.NewCounter(prometheus.CounterOpts{Name: "peerline_spooled_total", Help: "Messages stored for offline recipients."}),
	drained:     promauto.NewCounter(prometheus.CounterOpts{Name: "peerline_drained_total", Help: "Spooled messages delivered on reconnect."}),
	badRequests: promauto.NewCounter(prometheus.CounterOpts{Name: "peerline_bad_requests_total", Help: "Malformed or unknown requests."}),
}

// sock wraps one accepted connection with a write lock, since handler
// goroutines for different sockets push frames to the same peer.
type sock struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *sock) write(ctx context.Context, req *proto.Request) error {
	buf, err := req.Encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, buf)
}

// mustRequestValue builds a request whose content is a known-marshalable
// struct.
func mustRequestValue(reqType, userID string, content any) *proto.Request {
	req, err := proto.NewRequest(reqType, userID, content)
	if err != nil {
		panic(err)
	}
	return req
}

func (s *sock) close(code websocket.StatusCode, reason string) {
	s.conn.Close(code, reason)
}

// Server routes signalling between users and owns the presence registry.
type Server struct {
	store Store
	reg   *Registry
	logf  func(format string, v ...any)
}

// New builds a server over the given store. logf may be nil.
func New(store Store, logf func(format string, v ...any)) *Server {
	if logf == nil {
		logf = log.Printf
	}
	return &Server{store: store, reg: NewRegistry(), logf: logf}
}

// Registry exposes the presence registry, mainly for tests.
func (s *Server) Registry() *Registry { return s.reg }

// ServeHTTP upgrades to WebSocket and runs the connection until it
// closes or violates the protocol.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// There is no cookie-authenticated state to forge, so checking
		// the origin buys nothing here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logf("accept: %v", err)
		return
	}
	conn.SetReadLimit(1 << 22)
	stats.connections.Inc()
	s.handle(r.Context(), &sock{conn: conn})
}

func (s *Server) handle(ctx context.Context, sk *sock) {
	var userID string
	defer func() {
		if userID != "" {
			s.reg.Detach(userID, sk)
			s.logf("user %s socket detached", userID)
		}
		sk.close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, buf, err := sk.conn.Read(ctx)
		if err != nil {
			return
		}
		req, err := proto.ParseRequest(buf)
		if err != nil {
			stats.badRequests.Inc()
			sk.close(websocket.StatusCode(proto.CloseInvalidRequest), "bad request")
			return
		}
		if req.UserID != "" {
			userID = req.UserID
		}
		if err := s.dispatch(ctx, sk, req); err != nil {
			switch {
			case errors.Is(err, proto.ErrUserNotRegistered):
				sk.close(websocket.StatusCode(proto.CloseUserNotRegistered), "user not registered")
			case errors.Is(err, proto.ErrIncorrectRequestType), errors.Is(err, proto.ErrSchemaViolation):
				stats.badRequests.Inc()
				sk.close(websocket.StatusCode(proto.CloseInvalidRequest), "bad request")
			default:
				s.logf("request %s from %s: %v", req.Type, req.UserID, err)
				sk.close(websocket.StatusInternalError, "internal error")
			}
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, sk *sock, req *proto.Request) error {
	switch req.Type {
	case proto.TypeRegister:
		return s.handleRegister(ctx, sk, req)
	case proto.TypeConnection:
		return s.handleConnection(ctx, sk, req)
	case proto.TypeShareOffer:
		return s.handleShareOffer(ctx, req)
	case proto.TypeShareAnswer:
		return s.handleShareAnswer(ctx, req)
	case proto.TypeRelayMessage:
		return s.handleRelayMessage(ctx, req)
	case proto.TypeGetTargetStatus:
		return s.handleTargetStatus(ctx, sk, req)
	case proto.TypeLogin:
		return s.handleLogin(ctx, sk, req)
	case proto.TypeCreateChat:
		return s.handleCreateChat(ctx, req)
	case proto.TypeSendLongTermKey:
		return s.handleSendLongTermKey(ctx, req)
	case proto.TypeGetLongTermKey:
		return s.handleGetLongTermKey(ctx, sk, req)
	case proto.TypeAddUser:
		return s.handleAddUser(ctx, sk, req)
	case proto.TypeGetUserInfo:
		return s.handleGetUserInfo(ctx, sk, req)
	case proto.TypeCheckUser:
		return s.handleCheckUser(ctx, sk, req)
	default:
		return fmt.Errorf("%w: %q", proto.ErrIncorrectRequestType, req.Type)
	}
}

func respond(ctx context.Context, sk *sock, reqType string, content any) error {
	req, err := proto.NewRequest(reqType, "", content)
	if err != nil {
		return err
	}
	return sk.write(ctx, req)
}

// handleRegister binds the chat socket, flushes the offline spool, and
// answers with either an establishment (the target was waiting for us),
// the target's presence, or its absence.
func (s *Server) handleRegister(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.RegisterContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	userID, target := req.UserID, c.TargetUserID
	s.reg.RegisterChat(userID, target, sk, c.PublicKey)

	stored, err := s.store.DrainSpool(ctx, target, userID)
	if err != nil {
		return err
	}
	if stored == nil {
		stored = []string{}
	}
	stats.drained.Add(float64(len(stored)))
	if err := respond(ctx, sk, proto.TypeSendStoredMessages, proto.StoredMessagesContent{Message: stored}); err != nil {
		return err
	}

	if s.reg.TakePending(userID, target) {
		ts, ok := s.reg.ChatSock(target, userID)
		if ok {
			targetKey, _ := s.reg.ChatKey(target, userID)
			if err := respond(ctx, sk, proto.TypeRegisterResponse, proto.RegisterResponseContent{
				RegisterResponseType: proto.RespEstablishment,
				UserID:               target,
				Role:                 proto.RoleAnswer,
				PublicKey:            targetKey,
			}); err != nil {
				return err
			}
			s.reg.BeginEstablish(userID, target)
			stats.rendezvous.Inc()
			return ts.write(ctx, mustRequestValue(proto.TypeEstablishment, "", proto.EstablishmentContent{
				UserID:    userID,
				Role:      proto.RoleOffer,
				PublicKey: c.PublicKey,
			}))
		}
		// The waiter vanished between marking and registering.
	}

	respType := proto.RespTargetOffline
	if s.reg.OnlineForChat(target, userID) {
		respType = proto.RespTargetOnline
	}
	return respond(ctx, sk, proto.TypeRegisterResponse, proto.RegisterResponseContent{
		RegisterResponseType: respType,
	})
}

// handleConnection assigns roles for an immediate handshake, or parks
// the caller as a pending peer when the target's chat socket is absent.
func (s *Server) handleConnection(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.ConnectionContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	userID, target := req.UserID, c.TargetUserID

	exists, err := s.store.UserExists(ctx, target)
	if err != nil {
		return err
	}
	if !exists {
		return respond(ctx, sk, proto.TypeConnectionResponse, proto.ConnectionResponseContent{
			ConnectionResponseType: proto.RespUserNotRegistered,
		})
	}

	if !s.reg.OnlineForChat(target, userID) {
		s.reg.AddPending(userID, target)
		return respond(ctx, sk, proto.TypeConnectionResponse, proto.ConnectionResponseContent{
			ConnectionResponseType: proto.RespTargetOffline,
		})
	}

	// Both online. One establishment per pair at a time; the loser of a
	// simultaneous race is turned away.
	if !s.reg.BeginEstablish(userID, target) {
		return respond(ctx, sk, proto.TypeConnectionResponse, proto.ConnectionResponseContent{
			ConnectionResponseType: proto.RespUserNotRegistered,
		})
	}

	ts, ok := s.reg.ChatSock(target, userID)
	if !ok {
		s.reg.EndEstablish(userID, target)
		s.reg.AddPending(userID, target)
		return respond(ctx, sk, proto.TypeConnectionResponse, proto.ConnectionResponseContent{
			ConnectionResponseType: proto.RespTargetOffline,
		})
	}

	callerKey, _ := s.reg.ChatKey(userID, target)
	targetKey, _ := s.reg.ChatKey(target, userID)
	if err := ts.write(ctx, mustRequestValue(proto.TypeEstablishment, "", proto.EstablishmentContent{
		UserID:    userID,
		Role:      proto.RoleAnswer,
		PublicKey: callerKey,
	})); err != nil {
		return err
	}
	stats.rendezvous.Inc()
	return respond(ctx, sk, proto.TypeConnectionResponse, proto.ConnectionResponseContent{
		ConnectionResponseType: proto.RespEstablishment,
		Role:                   proto.RoleOffer,
		PublicKey:              targetKey,
	})
}

func (s *Server) handleShareOffer(ctx context.Context, req *proto.Request) error {
	var c proto.ShareOfferContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	ts, ok := s.reg.ChatSock(c.TargetUserID, req.UserID)
	if !ok {
		return fmt.Errorf("%w: no socket for peer %s", proto.ErrIncorrectRequestType, c.TargetUserID)
	}
	return ts.write(ctx, mustRequestValue(proto.TypeShareOffer, "", proto.ShareOfferContent{
		UserID: req.UserID,
		Offer:  c.Offer,
	}))
}

func (s *Server) handleShareAnswer(ctx context.Context, req *proto.Request) error {
	var c proto.ShareAnswerContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	ts, ok := s.reg.ChatSock(c.TargetUserID, req.UserID)
	if !ok {
		return fmt.Errorf("%w: no socket for peer %s", proto.ErrIncorrectRequestType, c.TargetUserID)
	}
	s.reg.EndEstablish(req.UserID, c.TargetUserID)
	return ts.write(ctx, mustRequestValue(proto.TypeShareAnswer, "", proto.ShareAnswerContent{
		UserID: req.UserID,
		Answer: c.Answer,
	}))
}

// handleRelayMessage forwards to the online recipient or spools the
// opaque ciphertext for later.
func (s *Server) handleRelayMessage(ctx context.Context, req *proto.Request) error {
	var c proto.RelayContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	if ts, ok := s.reg.ChatSock(c.TargetUser, req.UserID); ok {
		stats.relayed.Inc()
		return ts.write(ctx, mustRequestValue(proto.TypeRelayMessage, "", proto.RelayContent{
			Message:   c.Message,
			PublicKey: c.PublicKey,
		}))
	}
	if err := s.store.SpoolMessage(ctx, req.UserID, c.TargetUser, c.Message); err != nil {
		return err
	}
	stats.spooled.Inc()
	s.logf("message from %s to %s spooled", req.UserID, c.TargetUser)
	return nil
}

func (s *Server) handleTargetStatus(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.TargetStatusContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	online := s.reg.OnlineForChat(c.TargetUserID, req.UserID)
	var key string
	if online {
		key, _ = s.reg.ChatKey(c.TargetUserID, req.UserID)
	}
	return respond(ctx, sk, proto.TypeTargetStatus, proto.TargetStatusResponseContent{
		TargetUserStatus: online,
		PublicKey:        key,
	})
}

// handleLogin binds the main socket, publishes the long-term key, and
// flushes chats created while the user was away.
func (s *Server) handleLogin(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.LoginContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	if err := s.store.UpsertPublicKey(ctx, req.UserID, c.LongTermPublicKey); err != nil {
		return err
	}
	created := s.reg.Login(req.UserID, sk, c.LongTermPublicKey)
	if created == nil {
		created = []string{}
	}
	s.logf("user %s logged in", req.UserID)
	return respond(ctx, sk, proto.TypeCreatedChats, proto.CreatedChatsContent{CreatedChats: created})
}

func (s *Server) handleCreateChat(ctx context.Context, req *proto.Request) error {
	var c proto.CreateChatContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	if ms, ok := s.reg.MainSock(c.TargetUserID); ok {
		return ms.write(ctx, mustRequestValue(proto.TypeCreateChat, "", proto.CreateChatContent{
			TargetUserID: req.UserID,
		}))
	}
	s.reg.AddPendingChat(c.TargetUserID, req.UserID)
	return nil
}

func (s *Server) handleSendLongTermKey(ctx context.Context, req *proto.Request) error {
	var c proto.SendLongTermKeyContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	return s.store.UpsertPublicKey(ctx, req.UserID, c.LongTermPublicKey)
}

func (s *Server) handleGetLongTermKey(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.GetLongTermKeyContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	key, ok, err := s.store.PublicKey(ctx, c.TargetUserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", proto.ErrUserNotRegistered, c.TargetUserID)
	}
	return respond(ctx, sk, proto.TypeLongTermKeyResponse, proto.LongTermKeyResponseContent{
		LongTermPublicKey: key,
	})
}

func (s *Server) handleAddUser(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.AddUserContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	if c.UserID == "" || c.Email == "" || c.Password == "" {
		return respond(ctx, sk, proto.TypeAddUserResponse, proto.AddUserResponseContent{
			Status: "error", Message: "Missing username, email, or password.",
		})
	}
	added, err := s.store.AddUser(ctx, c.UserID, c.Email, c.Password)
	if err != nil {
		return err
	}
	if !added {
		return respond(ctx, sk, proto.TypeAddUserResponse, proto.AddUserResponseContent{
			Status: "error", Message: "Username or email already exists.",
		})
	}
	return respond(ctx, sk, proto.TypeAddUserResponse, proto.AddUserResponseContent{
		Status: "success", Message: "User successfully added.",
	})
}

func (s *Server) handleGetUserInfo(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.GetUserInfoContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	if c.Email == "" || c.Password == "" {
		return respond(ctx, sk, proto.TypeGetUserInfoResponse, proto.GetUserInfoResponseContent{
			Status: "error", Message: "Missing email or password.",
		})
	}
	userID, ok, err := s.store.Authenticate(ctx, c.Email, c.Password)
	if err != nil {
		return err
	}
	if !ok {
		return respond(ctx, sk, proto.TypeGetUserInfoResponse, proto.GetUserInfoResponseContent{
			Status: "error", Message: "Invalid email or password.",
		})
	}
	return respond(ctx, sk, proto.TypeGetUserInfoResponse, proto.GetUserInfoResponseContent{
		Status: "success", UserExists: true, UserID: userID,
	})
}

func (s *Server) handleCheckUser(ctx context.Context, sk *sock, req *proto.Request) error {
	var c proto.CheckUserContent
	if err := req.Decode(&c); err != nil {
		return err
	}
	exists, err := s.store.UserExists(ctx, c.TargetUserID)
	if err != nil {
		return err
	}
	return respond(ctx, sk, proto.TypeCheckUser, proto.CheckUserResultContent{
		TargetUserID:  c.TargetUserID,
		UserExistance: exists,
	})
}
