// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package signalling is the external collaborator spec.md §1 carves out of
// the media-session core: it terminates SIP, negotiates SDP, allocates RTP
// ports, and owns the UDP sockets that carry RTP wire bytes in and out of
// call.Manager. The core never sees a socket or a SIP header.
package signalling

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/rapidaai/voxrelay/internal/call"
	"github.com/rapidaai/voxrelay/pkg/commons"
)

// Config configures the SIP adapter's network-facing behavior.
type Config struct {
	ListenAddr string // e.g. "0.0.0.0:5060"
	Transport  string // "udp", "tcp", or "tls"
	LocalIP    string // advertised in SDP c=/o= lines
	PTimeMs    int
}

// Adapter terminates SIP (via sipgo) and bridges accepted calls into a
// call.Manager, allocating one UDP socket per call for the RTP media plane.
type Adapter struct {
	cfg     Config
	ua      *sipgo.UserAgent
	srv     *sipgo.Server
	calls   *call.Manager
	ports   *RTPPortAllocator
	logger  commons.Logger
	mu      sync.Mutex
	legs    map[string]*rtpLeg // keyed by SIP Call-ID
	cancel  context.CancelFunc
}

// rtpLeg is the UDP transport and bookkeeping for one call's media plane.
type rtpLeg struct {
	conn       *net.UDPConn
	remoteAddr *net.UDPAddr
	localPort  int
	voxCallID  string
}

// NewAdapter builds a SIP adapter over sipgo, backed by the given call
// manager and a Redis-distributed RTP port allocator.
func NewAdapter(cfg Config, calls *call.Manager, ports *RTPPortAllocator, logger commons.Logger) (*Adapter, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent("voxrelay"))
	if err != nil {
		return nil, fmt.Errorf("signalling: creating SIP user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("signalling: creating SIP server: %w", err)
	}

	a := &Adapter{
		cfg:    cfg,
		ua:     ua,
		srv:    srv,
		calls:  calls,
		ports:  ports,
		logger: logger.With("component", "signalling"),
		legs:   make(map[string]*rtpLeg),
	}

	srv.OnInvite(a.handleInvite)
	srv.OnAck(a.handleAck)
	srv.OnBye(a.handleBye)
	srv.OnCancel(a.handleCancel)

	return a, nil
}

// Start begins listening for SIP traffic. It blocks until ctx is cancelled
// or the listener fails.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	transport := a.cfg.Transport
	if transport == "" {
		transport = "udp"
	}
	a.logger.Infow("sip listener starting", "addr", a.cfg.ListenAddr, "transport", transport)
	return a.srv.ListenAndServe(ctx, transport, a.cfg.ListenAddr)
}

// Close tears down the UA and releases any RTP ports still held.
func (a *Adapter) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	legs := make([]*rtpLeg, 0, len(a.legs))
	for _, leg := range a.legs {
		legs = append(legs, leg)
	}
	a.mu.Unlock()
	for _, leg := range legs {
		a.closeLeg(leg)
	}
	a.ua.Close()
}

func (a *Adapter) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	ctx := context.Background()
	sipCallID := callIDOf(req)

	offer, err := ParseOffer(req.Body())
	if err != nil {
		a.respondError(req, tx, 400, "Bad Request")
		return
	}

	negotiated := NegotiateCodec(offer.PayloadTypes)

	localPort, err := a.ports.Allocate(ctx)
	if err != nil {
		a.logger.Errorw("rtp port allocation failed", "call_id", sipCallID, "error", err)
		a.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		a.ports.Release(ctx, localPort)
		a.logger.Errorw("failed to bind rtp socket", "call_id", sipCallID, "port", localPort, "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	remoteAddr := &net.UDPAddr{IP: net.ParseIP(offer.ConnectionIP), Port: offer.AudioPort}
	leg := &rtpLeg{conn: conn, remoteAddr: remoteAddr, localPort: localPort, voxCallID: sipCallID}

	a.mu.Lock()
	a.legs[sipCallID] = leg
	a.mu.Unlock()

	sendRTP := func(wire []byte) error {
		_, err := conn.WriteToUDP(wire, remoteAddr)
		return err
	}

	sdp := call.NegotiatedSDP{
		CodecName:   negotiated.Name,
		PayloadType: negotiated.PayloadType,
		PTimeMs:     a.cfg.PTimeMs,
		SSRC:        uuid.New().ID(),
	}

	if _, err := a.calls.Accept(ctx, sipCallID, sdp, sendRTP); err != nil {
		a.closeLeg(leg)
		a.logger.Errorw("call manager rejected invite", "call_id", sipCallID, "error", err)
		a.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	go a.pumpInboundRTP(sipCallID, leg)

	answerBody := RenderAnswer(AnswerConfig{
		LocalIP: a.cfg.LocalIP,
		RTPPort: localPort,
		Codec:   negotiated,
		PTimeMs: a.cfg.PTimeMs,
	})

	res := sip.NewResponseFromRequest(req, 200, "OK", []byte(answerBody))
	res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	if err := tx.Respond(res); err != nil {
		a.logger.Errorw("failed to respond to invite", "call_id", sipCallID, "error", err)
	}
}

// pumpInboundRTP reads wire packets off the call's UDP socket and hands
// them to the call controller until the socket is closed.
func (a *Adapter) pumpInboundRTP(voxCallID string, leg *rtpLeg) {
	buf := make([]byte, 1500)
	for {
		n, _, err := leg.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])

		c, ok := a.calls.Get(voxCallID)
		if !ok {
			return
		}
		if err := c.ReceiveRTP(wire); err != nil {
			a.logger.Warnw("inbound rtp processing failed", "call_id", voxCallID, "error", err)
		}
	}
}

func (a *Adapter) handleAck(req *sip.Request, tx sip.ServerTransaction) {
	a.logger.Debugw("sip ack received", "call_id", callIDOf(req))
}

func (a *Adapter) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDOf(req)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Errorw("failed to respond to bye", "call_id", sipCallID, "error", err)
	}

	if err := a.calls.Hangup(context.Background(), sipCallID, "peer_bye"); err != nil {
		a.logger.Warnw("hangup on bye failed", "call_id", sipCallID, "error", err)
	}

	a.mu.Lock()
	leg, ok := a.legs[sipCallID]
	delete(a.legs, sipCallID)
	a.mu.Unlock()
	if ok {
		a.closeLeg(leg)
	}
}

func (a *Adapter) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipCallID := callIDOf(req)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Errorw("failed to respond to cancel", "call_id", sipCallID, "error", err)
	}
	if err := a.calls.Hangup(context.Background(), sipCallID, "caller_cancel"); err != nil {
		a.logger.Debugw("cancel for unestablished or unknown call", "call_id", sipCallID)
	}
}

func (a *Adapter) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Errorw("failed to send error response", "code", code, "error", err)
	}
}

func (a *Adapter) closeLeg(leg *rtpLeg) {
	leg.conn.Close()
	a.ports.Release(context.Background(), leg.localPort)
}

func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
