package p2p

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/Legatia/Tai/internal/cryptographic/box"
	"github.com/Legatia/Tai/internal/media"
	"github.com/Legatia/Tai/internal/protocol/framecipher"
	"github.com/Legatia/Tai/internal/protocol/signaling"
	"github.com/Legatia/Tai/internal/utils/log"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const chatLabel = "chat"

var (
	errPeerLeft = errors.New("peer left the room")
	errReplaced = errors.New("peer joined again")
	errBye      = errors.New("peer said bye")
)

// inbox messages
type (
	startOffer         struct{}
	localCandidate     struct{ init webrtc.ICECandidateInit }
	stateChange        struct{ state webrtc.PeerConnectionState }
	remoteTrack        struct{ track *webrtc.TrackRemote }
	dcMessage          struct{ data []byte }
	negotiationTimeout struct{}
	closeRequest       struct {
		bye    bool
		reason error
	}
)

// peer is the negotiation state for one remote participant. Everything but
// phase and dc is owned by the run goroutine.
type peer struct {
	id      string
	key     box.PublicKey
	offerer bool
	c       *Client

	phase atomic.Int32
	dc    atomic.Pointer[webrtc.DataChannel]

	pc            *webrtc.PeerConnection
	addICE        func(webrtc.ICECandidateInit) error
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
	opener        *framecipher.Opener
	remote        []*media.RemoteTrack
	keySent       bool

	inbox *inbox
	timer *time.Timer
	done  chan struct{}
}

func newPeer(c *Client, id string, key box.PublicKey) *peer {
	p := &peer{
		id:      id,
		key:     key,
		offerer: IsOfferer(c.cfg.PeerID, id),
		c:       c,
		inbox:   newInbox(),
		done:    make(chan struct{}),
	}
	p.timer = time.AfterFunc(c.cfg.NegotiationTimeout, func() {
		p.inbox.push(negotiationTimeout{})
	})
	return p
}

func (p *peer) getPhase() Phase { return Phase(p.phase.Load()) }

func (p *peer) setPhase(ph Phase) {
	old := Phase(p.phase.Swap(int32(ph)))
	if old != ph {
		log.Debug("peer phase", zap.String("peer", p.id), zap.Stringer("from", old), zap.Stringer("to", ph))
	}
}

func (p *peer) run() {
	defer close(p.done)
	for {
		select {
		case <-p.inbox.ready:
		case <-p.c.ctx.Done():
			p.teardown(PhaseClosed, nil, false)
			return
		}
		for _, m := range p.inbox.drain() {
			if p.handle(m) {
				return
			}
		}
	}
}

// handle applies one message and reports whether the peer is finished.
func (p *peer) handle(m any) bool {
	switch m := m.(type) {
	case startOffer:
		return p.startOffer()
	case signaling.Offer:
		return p.onOffer(m)
	case signaling.Answer:
		return p.onAnswer(m)
	case signaling.Candidate:
		p.onRemoteCandidate(m)
	case signaling.MediaKey:
		p.onMediaKey(m)
	case signaling.Bye:
		return p.teardown(PhaseClosed, errBye, false)
	case localCandidate:
		c := m.init
		if err := p.send(signaling.Candidate{
			Candidate:        c.Candidate,
			SDPMid:           c.SDPMid,
			SDPMLineIndex:    c.SDPMLineIndex,
			UsernameFragment: c.UsernameFragment,
		}); err != nil {
			log.Warn("send candidate failed", zap.String("peer", p.id), zap.Error(err))
		}
	case stateChange:
		return p.onStateChange(m.state)
	case remoteTrack:
		p.onRemoteTrack(m.track)
	case dcMessage:
		p.onChat(m.data)
	case negotiationTimeout:
		if p.getPhase() != PhaseConnected {
			return p.fail(ErrNegotiationTimeout)
		}
	case closeRequest:
		return p.teardown(PhaseClosed, m.reason, m.bye)
	}
	return false
}

func (p *peer) ensurePC() error {
	if p.pc != nil {
		return nil
	}
	pc, err := p.c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         p.c.cfg.ICEServers,
		ICETransportPolicy: p.c.cfg.ICETransportPolicy,
	})
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			p.inbox.push(localCandidate{init: cand.ToJSON()})
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.inbox.push(stateChange{state: s})
	})
	pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.inbox.push(remoteTrack{track: t})
	})
	// OnMessage must be set before this callback returns or early messages
	// are lost.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() == chatLabel {
			p.attachChannel(dc)
		}
	})

	for _, t := range p.c.tracks {
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			pc.Close()
			return err
		}
		go drainRTCP(sender)
	}

	p.pc = pc
	p.addICE = pc.AddICECandidate
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *peer) startOffer() bool {
	if p.getPhase() != PhaseIdle {
		return false
	}
	if err := p.ensurePC(); err != nil {
		return p.fail(err)
	}

	dc, err := p.pc.CreateDataChannel(chatLabel, nil)
	if err != nil {
		return p.fail(err)
	}
	p.attachChannel(dc)

	p.setPhase(PhaseOfferPending)
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return p.fail(err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return p.fail(err)
	}
	if err := p.send(signaling.Offer{SDP: offer.SDP}); err != nil {
		return p.fail(err)
	}
	p.setPhase(PhaseOffered)
	return false
}

func (p *peer) onOffer(o signaling.Offer) bool {
	if p.offerer {
		log.Info("offer from glare loser ignored", zap.String("peer", p.id))
		return false
	}
	if p.getPhase() != PhaseIdle {
		return p.fail(ErrUnexpectedDescription)
	}
	if err := p.ensurePC(); err != nil {
		return p.fail(err)
	}

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}); err != nil {
		return p.fail(err)
	}
	p.remoteDescSet = true
	p.setPhase(PhaseOfferReceived)
	p.flushCandidates()

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return p.fail(err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return p.fail(err)
	}
	if err := p.send(signaling.Answer{SDP: answer.SDP}); err != nil {
		return p.fail(err)
	}
	p.setPhase(PhaseAnswered)
	p.sendMediaKey()
	return false
}

func (p *peer) onAnswer(a signaling.Answer) bool {
	if p.getPhase() != PhaseOffered {
		return p.fail(ErrUnexpectedDescription)
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}); err != nil {
		return p.fail(err)
	}
	p.remoteDescSet = true
	p.setPhase(PhaseAnswered)
	p.flushCandidates()
	p.sendMediaKey()
	return false
}

func (p *peer) onRemoteCandidate(c signaling.Candidate) {
	if c.Candidate == "" {
		return
	}
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if !p.remoteDescSet {
		p.pending = append(p.pending, init)
		return
	}
	p.addCandidate(init)
}

func (p *peer) flushCandidates() {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		p.addCandidate(c)
	}
}

func (p *peer) addCandidate(c webrtc.ICECandidateInit) {
	if err := p.addICE(c); err != nil {
		log.Warn("AddICECandidate failed", zap.String("peer", p.id), zap.Error(err))
	}
}

func (p *peer) onStateChange(s webrtc.PeerConnectionState) bool {
	log.Debug("peer connection state", zap.String("peer", p.id), zap.String("state", s.String()))
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if p.getPhase() == PhaseConnected {
			return false
		}
		p.timer.Stop()
		p.setPhase(PhaseConnected)
		log.Info("peer connected", zap.String("peer", p.id))
		emit(p.c, p.c.connCh, p.id)
	case webrtc.PeerConnectionStateFailed:
		return p.fail(ErrConnectivityFailed)
	}
	return false
}

func (p *peer) onRemoteTrack(t *webrtc.TrackRemote) {
	rt := media.NewRemoteTrack(p.id, t, p.c.cfg.PrivacyMode)
	if p.opener != nil {
		rt.SetOpener(p.opener)
	}
	p.remote = append(p.remote, rt)
	go rt.Run(p.c.ctx)

	log.Info("remote track", zap.String("peer", p.id), zap.String("kind", t.Kind().String()))
	emit(p.c, p.c.tracksCh, TrackEvent{PeerID: p.id, Track: rt})
}

func (p *peer) onMediaKey(m signaling.MediaKey) {
	key, err := framecipher.DeriveKey(m.Key)
	if err != nil {
		log.Warn("bad media key", zap.String("peer", p.id), zap.Error(err))
		return
	}
	opener, err := framecipher.NewOpener(key)
	if err != nil {
		log.Warn("bad media key", zap.String("peer", p.id), zap.Error(err))
		return
	}
	p.opener = opener
	for _, rt := range p.remote {
		rt.SetOpener(opener)
	}
}

func (p *peer) sendMediaKey() {
	if p.c.frameSecret == nil || p.keySent {
		return
	}
	if err := p.send(signaling.MediaKey{Key: p.c.frameSecret}); err != nil {
		log.Warn("send media key failed", zap.String("peer", p.id), zap.Error(err))
		return
	}
	p.keySent = true
}

func (p *peer) send(payload signaling.Payload) error {
	var key *box.PublicKey
	if !p.key.IsZero() {
		key = &p.key
	}
	return p.c.sig.SendSignal(p.id, payload, key)
}

func (p *peer) fail(err error) bool {
	log.Warn("negotiation failed", zap.String("peer", p.id), zap.Stringer("phase", p.getPhase()), zap.Error(err))
	return p.teardown(PhaseFailed, err, false)
}

func (p *peer) teardown(final Phase, reason error, bye bool) bool {
	p.timer.Stop()
	p.inbox.close()

	if bye && p.pc != nil {
		if err := p.send(signaling.Bye{}); err != nil {
			log.Debug("bye not sent", zap.String("peer", p.id), zap.Error(err))
		}
	}
	if p.pc != nil {
		if err := p.pc.Close(); err != nil {
			log.Debug("close peer connection", zap.String("peer", p.id), zap.Error(err))
		}
	}

	p.dc.Store(nil)
	p.setPhase(final)
	p.c.removePeer(p, final)
	emit(p.c, p.c.discCh, Disconnect{PeerID: p.id, Phase: final, Err: reason})
	return true
}
