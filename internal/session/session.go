// Package session drives one side of the manual-signaling handshake: it
// sequences description creation with candidate gathering, emits the local
// bundle once gathering completes, and applies the counterpart's bundle.
//
// A Session is single-use. It owns its transport and candidate list
// exclusively; retrying negotiation means discarding the session and
// starting a fresh one — candidate lists never merge across attempts.
package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pastecall/pastecall/internal/bundle"
	"github.com/pastecall/pastecall/internal/gather"
	"github.com/pastecall/pastecall/internal/media"
	"github.com/pastecall/pastecall/internal/transport"
	"github.com/pastecall/pastecall/internal/util"
)

// Phase is a session's position in the negotiation lifecycle. The phase is
// the authoritative state; transport callbacks only feed it.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseNegotiating
	PhaseGatheringCandidates
	PhaseBundleReady
	PhaseRemoteApplied
	PhaseConnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseNegotiating:
		return "Negotiating"
	case PhaseGatheringCandidates:
		return "GatheringCandidates"
	case PhaseBundleReady:
		return "BundleReady"
	case PhaseRemoteApplied:
		return "RemoteApplied"
	case PhaseConnected:
		return "Connected"
	case PhaseFailed:
		return "Failed"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Session is one role's negotiation attempt over one exclusively owned peer
// connection.
type Session struct {
	role      bundle.Role
	peer      transport.Peer
	collector *gather.Collector
	emit      func(token string)

	mu        sync.Mutex
	phase     Phase
	localDesc string
	local     *bundle.Bundle

	readyCh   chan struct{}
	readyOnce sync.Once
}

// New wires a session onto peer. emit is invoked once, with the encoded
// local bundle, when candidate gathering completes. Handlers are installed
// here, before any description exists, so no transport event can be missed.
func New(role bundle.Role, peer transport.Peer, emit func(token string)) *Session {
	s := &Session{
		role:    role,
		peer:    peer,
		emit:    emit,
		readyCh: make(chan struct{}),
	}
	s.collector = gather.New(s.finishGathering)

	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		util.Stats.AddCandidate()
		s.collector.Add(c)
	})
	peer.OnGatheringComplete(s.collector.Complete)
	peer.OnConnectionStateChange(s.handleConnectionState)

	return s
}

// Role returns the session's handshake role.
func (s *Session) Role() bundle.Role { return s.role }

// Peer returns the session's transport handle.
func (s *Session) Peer() transport.Peer { return s.peer }

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LocalBundle returns the emitted bundle, nil before BundleReady.
func (s *Session) LocalBundle() *bundle.Bundle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

// Ready is closed once the transport reports the connection established.
func (s *Session) Ready() <-chan struct{} {
	return s.readyCh
}

// Discard abandons the session and releases its transport. It is the only
// cancellation primitive: in-flight transport operations are not aborted,
// their session simply no longer matters.
func (s *Session) Discard() {
	if err := s.peer.Close(); err != nil {
		util.LogDebug("close discarded %s transport: %v", s.role, err)
	}
}

// ---------------------------------------------------------------------------
// Offering flow
// ---------------------------------------------------------------------------

// Start begins the offering flow: attach local media, create the offer,
// install it, and enter candidate gathering. The offer bundle is emitted
// asynchronously once gathering completes.
func (s *Session) Start(tracks []webrtc.TrackLocal, videoBitrate uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != bundle.RoleOffer {
		return &PreconditionError{Msg: "only the offering session can start negotiation"}
	}
	if s.phase != PhaseIdle {
		return &PreconditionError{Msg: fmt.Sprintf("cannot start from phase %s", s.phase)}
	}
	if len(tracks) == 0 {
		return &PreconditionError{Msg: "no local media tracks"}
	}

	s.phase = PhaseNegotiating

	if err := media.AttachOutbound(s.peer, tracks, videoBitrate); err != nil {
		s.phase = PhaseFailed
		return &NegotiationError{Op: "attach local media", Err: err}
	}

	// The offer is send-only: both inbound-media directions stay disabled
	// because every track was attached sendonly.
	offer, err := s.peer.CreateOffer()
	if err != nil {
		s.phase = PhaseFailed
		return &NegotiationError{Op: "create offer", Err: err}
	}
	if err := s.peer.SetLocalDescription(offer); err != nil {
		s.phase = PhaseFailed
		return &NegotiationError{Op: "install local offer", Err: err}
	}

	s.localDesc = offer.SDP
	s.phase = PhaseGatheringCandidates
	return nil
}

// ApplyRemote consumes the counterpart's answer bundle: remote description
// first, then every candidate in discovery order. A decode failure (wrong
// artifact pasted, mangled token) leaves the session untouched in
// BundleReady; a transport rejection fails the session.
func (s *Session) ApplyRemote(token string) error {
	b, err := bundle.Decode(token, s.role.Counterpart())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseBundleReady {
		return &PreconditionError{Msg: fmt.Sprintf("cannot apply %s bundle from phase %s", b.Role, s.phase)}
	}
	if err := s.applyBundleLocked(b); err != nil {
		return err
	}
	s.phase = PhaseRemoteApplied
	return nil
}

// ---------------------------------------------------------------------------
// Answering flow
// ---------------------------------------------------------------------------

// Accept consumes an offer bundle and produces the answering side's local
// description, entering candidate gathering. The answer bundle is emitted
// asynchronously once gathering completes. A decode failure leaves the
// session untouched in Idle, so the user can paste a corrected token.
func (s *Session) Accept(token string) error {
	b, err := bundle.Decode(token, bundle.RoleOffer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != bundle.RoleAnswer {
		return &PreconditionError{Msg: "only the answering session accepts offers"}
	}
	if s.phase != PhaseIdle {
		return &PreconditionError{Msg: fmt.Sprintf("cannot accept an offer from phase %s", s.phase)}
	}

	if err := s.applyBundleLocked(b); err != nil {
		return err
	}
	s.phase = PhaseRemoteApplied

	answer, err := s.peer.CreateAnswer()
	if err != nil {
		s.phase = PhaseFailed
		return &NegotiationError{Op: "create answer", Err: err}
	}
	s.phase = PhaseNegotiating

	if err := s.peer.SetLocalDescription(answer); err != nil {
		s.phase = PhaseFailed
		return &NegotiationError{Op: "install local answer", Err: err}
	}

	s.localDesc = answer.SDP
	s.phase = PhaseGatheringCandidates
	return nil
}

// ---------------------------------------------------------------------------
// Shared internals
// ---------------------------------------------------------------------------

// applyBundleLocked installs the remote description and replays its
// candidates in sequence order. Order matters: later candidates may depend
// on state established by earlier ones in some transports, so a failure
// fails the whole session rather than continuing with a partial set.
func (s *Session) applyBundleLocked(b *bundle.Bundle) error {
	sdpType := webrtc.SDPTypeAnswer
	if b.Role == bundle.RoleOffer {
		sdpType = webrtc.SDPTypeOffer
	}

	if sum, err := transport.DescribeSDP(b.Description); err == nil {
		util.LogInfo("remote %s describes: %s", b.Role, sum)
	}

	err := s.peer.SetRemoteDescription(webrtc.SessionDescription{
		Type: sdpType,
		SDP:  b.Description,
	})
	if err != nil {
		s.phase = PhaseFailed
		return &NegotiationError{Op: "install remote description", Err: err}
	}

	for i, c := range b.Candidates {
		if err := s.peer.AddICECandidate(c); err != nil {
			s.phase = PhaseFailed
			return &NegotiationError{
				Op:  fmt.Sprintf("apply candidate %d of %d", i+1, len(b.Candidates)),
				Err: err,
			}
		}
	}
	return nil
}

// finishGathering runs once, when the collector freezes, and turns the
// frozen sequence into the emitted bundle.
func (s *Session) finishGathering(seq []webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.phase != PhaseGatheringCandidates {
		s.mu.Unlock()
		return
	}

	b := &bundle.Bundle{
		Role:        s.role,
		Description: s.localDesc,
		Candidates:  seq,
	}
	token, err := bundle.Encode(b)
	if err != nil {
		s.phase = PhaseFailed
		s.mu.Unlock()
		util.LogError("encode %s bundle: %v", s.role, err)
		return
	}

	s.local = b
	s.phase = PhaseBundleReady
	emit := s.emit
	s.mu.Unlock()

	util.LogInfo("%s bundle ready with %d candidates", s.role, len(seq))
	if emit != nil {
		emit(token)
	}
}

func (s *Session) handleConnectionState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		if s.phase == PhaseBundleReady || s.phase == PhaseRemoteApplied {
			s.phase = PhaseConnected
		}
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.readyCh) })
		util.LogInfo("%s session connected", s.role)

	case webrtc.PeerConnectionStateFailed:
		s.mu.Lock()
		s.phase = PhaseFailed
		s.mu.Unlock()
		util.LogWarning("%s session failed", s.role)
	}
}
