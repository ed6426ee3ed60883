package chat

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v3"

	"peerline.io/proto"
)

// establish drives one SDP handshake in the assigned role and waits for
// the data channel to open. On failure the sticky p2pFailed flag is set
// and the state returns to disconnected; the websocket stays up.
func (c *Conn) establish(role string) error {
	if !c.claimHandshake(role) {
		return nil
	}
	return c.runHandshake(role)
}

// claimHandshake moves disconnected to connecting and clears the sticky
// failure flag. It reports false when a handshake already owns the
// state machine.
func (c *Conn) claimHandshake(role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateDisconnected {
		return false
	}
	c.state = StateConnecting
	c.role = role
	c.p2pFailed = false
	return true
}

func (c *Conn) runHandshake(role string) error {
	var err error
	switch role {
	case proto.RoleOffer:
		err = c.connectOffer()
	case proto.RoleAnswer:
		err = c.connectAnswer()
	default:
		err = fmt.Errorf("%w: role %q", proto.ErrIncorrectRequestType, role)
	}

	if err != nil {
		c.mu.Lock()
		c.p2pFailed = true
		c.mu.Unlock()
		c.teardownP2P()
		return err
	}

	c.mu.Lock()
	c.state = StateConnected
	c.presence = PresenceOnline
	c.mu.Unlock()
	return nil
}

// newPeerConnection sets up the peer connection with the static STUN
// list. The returned channel closes when the data channel opens; open is
// the idempotent trigger for it.
func (c *Conn) newPeerConnection() (*webrtc.PeerConnection, chan struct{}, func(), error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("new peer connection: %w", err)
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("chat %s: connection state %s", c.targetUserID, s)
	})
	opened := make(chan struct{})
	var once sync.Once
	open := func() { once.Do(func() { close(opened) }) }
	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	return pc, opened, open, nil
}

// wireDataChannel hooks the channel's events. Callbacks only enqueue or
// signal; the state machine reacts on its own goroutines.
func (c *Conn) wireDataChannel(dc *webrtc.DataChannel, open func()) {
	dc.OnOpen(open)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.deliver(Inbound{Ciphertext: string(msg.Data), Envelope: EnvelopeNone})
	})
	dc.OnClose(func() {
		go c.onDataChannelClosed()
	})
	dc.OnError(func(err error) {
		log.Printf("chat %s: data channel: %v", c.targetUserID, err)
	})
}

// connectOffer runs the offer role: create the channel, publish a
// complete (non-trickle) offer, apply the peer's answer, wait for open.
func (c *Conn) connectOffer() error {
	pc, opened, open, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	c.wireDataChannel(dc, open)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := c.waitSignal(gathered); err != nil {
		return err
	}
	local := pc.LocalDescription()

	answerc, err := c.await(proto.TypeShareAnswer)
	if err != nil {
		return err
	}
	req, err := proto.NewRequest(proto.TypeShareOffer, c.userID, proto.ShareOfferContent{
		TargetUserID: c.targetUserID,
		Offer:        proto.SDP{Type: local.Type.String(), SDP: local.SDP},
	})
	if err != nil {
		return err
	}
	if err := c.Send(c.ctx, req); err != nil {
		c.forget(proto.TypeShareAnswer)
		return err
	}

	resp, err := c.waitResponse(answerc, proto.TypeShareAnswer)
	if err != nil {
		return err
	}
	var ac proto.ShareAnswerContent
	if err := resp.Decode(&ac); err != nil {
		return err
	}
	answer := webrtc.SessionDescription{Type: webrtc.NewSDPType(ac.Answer.Type), SDP: ac.Answer.SDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	if err := c.waitSignal(opened); err != nil {
		return err
	}
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()
	return nil
}

// connectAnswer runs the answer role: wait for the peer's offer, reply
// with a complete answer, capture the incoming channel, wait for open.
func (c *Conn) connectAnswer() error {
	pc, opened, open, err := c.newPeerConnection()
	if err != nil {
		return err
	}
	channelc := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.wireDataChannel(dc, open)
		if dc.ReadyState() == webrtc.DataChannelStateOpen {
			open()
		}
		channelc <- dc
	})

	offerc, err := c.await(proto.TypeShareOffer)
	if err != nil {
		return err
	}
	resp, err := c.waitResponse(offerc, proto.TypeShareOffer)
	if err != nil {
		return err
	}
	var oc proto.ShareOfferContent
	if err := resp.Decode(&oc); err != nil {
		return err
	}
	offer := webrtc.SessionDescription{Type: webrtc.NewSDPType(oc.Offer.Type), SDP: oc.Offer.SDP}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := c.waitSignal(gathered); err != nil {
		return err
	}
	local := pc.LocalDescription()

	req, err := proto.NewRequest(proto.TypeShareAnswer, c.userID, proto.ShareAnswerContent{
		TargetUserID: c.targetUserID,
		Answer:       proto.SDP{Type: local.Type.String(), SDP: local.SDP},
	})
	if err != nil {
		return err
	}
	if err := c.Send(c.ctx, req); err != nil {
		return err
	}

	if err := c.waitSignal(opened); err != nil {
		return err
	}
	select {
	case dc := <-channelc:
		c.mu.Lock()
		c.dc = dc
		c.mu.Unlock()
	default:
	}
	return nil
}

// waitSignal waits for a handshake milestone with the 10 second budget.
func (c *Conn) waitSignal(ch <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(c.ctx, responseTimeout)
	defer cancel()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrConnectionTimeout
		}
		return ctx.Err()
	}
}

// waitResponse waits for an awaited SDP frame with the 10 second budget.
func (c *Conn) waitResponse(ch <-chan *proto.Request, responseType string) (*proto.Request, error) {
	ctx, cancel := context.WithTimeout(c.ctx, responseTimeout)
	defer cancel()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		c.forget(responseType)
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrConnectionTimeout
		}
		return nil, ctx.Err()
	}
}
