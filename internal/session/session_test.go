package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/pastecall/pastecall/internal/bundle"
	"github.com/pastecall/pastecall/internal/transport"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *fakeTrack) ID() string                { return t.id }
func (t *fakeTrack) RID() string               { return "" }
func (t *fakeTrack) StreamID() string          { return "fake" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

func videoTrack() webrtc.TrackLocal {
	return &fakeTrack{id: "video", kind: webrtc.RTPCodecTypeVideo}
}

func audioTrack() webrtc.TrackLocal {
	return &fakeTrack{id: "audio", kind: webrtc.RTPCodecTypeAudio}
}

type fakeHandle struct {
	max uint64
}

func (h *fakeHandle) SetMaxBitrate(bps uint64) error {
	if bps == 0 {
		return &transport.ConstraintError{Reason: "ceiling must be positive"}
	}
	h.max = bps
	return nil
}

func (h *fakeHandle) MaxBitrate() uint64 { return h.max }

// fakePeer records every call the session makes and lets tests drive the
// transport's event callbacks by hand.
type fakePeer struct {
	mu sync.Mutex

	attached  []webrtc.TrackLocal
	handles   map[string]*fakeHandle
	localSet  []webrtc.SessionDescription
	remoteSet []webrtc.SessionDescription
	added     []webrtc.ICECandidateInit
	closed    bool

	remoteErr   error
	addErrAfter int // fail AddICECandidate once this many have succeeded; -1 = never
	onCandidate func(webrtc.ICECandidateInit)
	onGathered  func()
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func newFakePeer() *fakePeer {
	return &fakePeer{handles: map[string]*fakeHandle{}, addErrAfter: -1}
}

func (p *fakePeer) AttachTrack(track webrtc.TrackLocal) (transport.TrackHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attached = append(p.attached, track)
	h := &fakeHandle{}
	p.handles[track.ID()] = h
	return h, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\ns=fake-offer\r\n"}, nil
}

func (p *fakePeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\ns=fake-answer\r\n"}, nil
}

func (p *fakePeer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localSet = append(p.localSet, sdp)
	return nil
}

func (p *fakePeer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remoteErr != nil {
		return p.remoteErr
	}
	p.remoteSet = append(p.remoteSet, sdp)
	return nil
}

func (p *fakePeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addErrAfter >= 0 && len(p.added) >= p.addErrAfter {
		return errors.New("transport rejected candidate")
	}
	p.added = append(p.added, c)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(webrtc.ICECandidateInit)) { p.onCandidate = fn }

func (p *fakePeer) OnGatheringComplete(fn func()) { p.onGathered = fn }

func (p *fakePeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { p.onState = fn }

func (p *fakePeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { p.onTrack = fn }

func (p *fakePeer) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) fireCandidate(i int) {
	p.onCandidate(webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", i, i),
	})
}

// ---------------------------------------------------------------------------
// Offering flow
// ---------------------------------------------------------------------------

// TestOfferFlowEmitsBundle walks the full offering flow: two tracks, a
// 2 Mb/s quality selection, two discovered candidates, and a (repeated)
// completion signal must produce exactly one offer bundle with both
// candidates in discovery order.
func TestOfferFlowEmitsBundle(t *testing.T) {
	p := newFakePeer()
	var tokens []string
	s := New(bundle.RoleOffer, p, func(token string) { tokens = append(tokens, token) })

	err := s.Start([]webrtc.TrackLocal{videoTrack(), audioTrack()}, 2_000_000)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := s.Phase(); got != PhaseGatheringCandidates {
		t.Fatalf("expected GatheringCandidates after Start, got %s", got)
	}
	if len(p.attached) != 2 {
		t.Fatalf("expected 2 attached tracks, got %d", len(p.attached))
	}
	if got := p.handles["video"].MaxBitrate(); got != 2_000_000 {
		t.Errorf("video bitrate ceiling: got %d, want 2000000", got)
	}
	if got := p.handles["audio"].MaxBitrate(); got != 0 {
		t.Errorf("audio track should carry no bitrate ceiling, got %d", got)
	}

	p.fireCandidate(1)
	p.fireCandidate(2)
	p.onGathered()
	p.onGathered() // misbehaving transport signals twice

	if len(tokens) != 1 {
		t.Fatalf("expected exactly one emitted bundle, got %d", len(tokens))
	}
	if got := s.Phase(); got != PhaseBundleReady {
		t.Errorf("expected BundleReady, got %s", got)
	}

	b, err := bundle.Decode(tokens[0], bundle.RoleOffer)
	if err != nil {
		t.Fatalf("emitted token failed to decode: %v", err)
	}
	if b.Description == "" {
		t.Error("emitted bundle has empty description")
	}
	if len(b.Candidates) != 2 {
		t.Fatalf("expected 2 candidates in bundle, got %d", len(b.Candidates))
	}
	for i, want := range []string{"10.0.0.1", "10.0.0.2"} {
		if !strings.Contains(b.Candidates[i].Candidate, want) {
			t.Errorf("candidate %d out of order: %q", i, b.Candidates[i].Candidate)
		}
	}
}

// TestOfferRequiresLocalMedia verifies the non-empty source precondition.
func TestOfferRequiresLocalMedia(t *testing.T) {
	s := New(bundle.RoleOffer, newFakePeer(), nil)

	err := s.Start(nil, 0)
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Errorf("failed precondition must leave session in Idle, got %s", got)
	}
}

// TestApplyAnswerCandidateOrder verifies that a received bundle's candidates
// reach the transport in exactly their sequence order.
func TestApplyAnswerCandidateOrder(t *testing.T) {
	p := newFakePeer()
	s := offeringAtBundleReady(t, p)

	answer := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleAnswer,
		Description: "v=0\r\ns=remote\r\n",
		Candidates: []webrtc.ICECandidateInit{
			{Candidate: "candidate:c1"},
			{Candidate: "candidate:c2"},
			{Candidate: "candidate:c3"},
		},
	})

	if err := s.ApplyRemote(answer); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}
	if got := s.Phase(); got != PhaseRemoteApplied {
		t.Errorf("expected RemoteApplied, got %s", got)
	}

	if len(p.added) != 3 {
		t.Fatalf("expected 3 applied candidates, got %d", len(p.added))
	}
	for i, want := range []string{"candidate:c1", "candidate:c2", "candidate:c3"} {
		if p.added[i].Candidate != want {
			t.Errorf("apply order broken at %d: got %q, want %q", i, p.added[i].Candidate, want)
		}
	}
}

// TestApplyAnswerRoleMismatch verifies that pasting an offer token into the
// answer slot fails with a DecodeError and leaves the phase at BundleReady.
func TestApplyAnswerRoleMismatch(t *testing.T) {
	p := newFakePeer()
	s := offeringAtBundleReady(t, p)

	wrong := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleOffer,
		Description: "v=0\r\ns=remote\r\n",
	})

	err := s.ApplyRemote(wrong)
	var de *bundle.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if got := s.Phase(); got != PhaseBundleReady {
		t.Errorf("phase must stay BundleReady, got %s", got)
	}
	if len(p.remoteSet) != 0 {
		t.Error("no remote description may be installed on a role mismatch")
	}
}

// TestApplyAnswerCandidateFailureFailsSession verifies the fail-atomic rule:
// one rejected candidate fails the whole session.
func TestApplyAnswerCandidateFailureFailsSession(t *testing.T) {
	p := newFakePeer()
	p.addErrAfter = 1
	s := offeringAtBundleReady(t, p)

	answer := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleAnswer,
		Description: "v=0\r\ns=remote\r\n",
		Candidates: []webrtc.ICECandidateInit{
			{Candidate: "candidate:ok"},
			{Candidate: "candidate:rejected"},
			{Candidate: "candidate:never-reached"},
		},
	})

	err := s.ApplyRemote(answer)
	var ne *NegotiationError
	if !errors.As(err, &ne) {
		t.Fatalf("expected NegotiationError, got %v", err)
	}
	if got := s.Phase(); got != PhaseFailed {
		t.Errorf("expected Failed, got %s", got)
	}
	if len(p.added) != 1 {
		t.Errorf("expected exactly 1 candidate applied before the failure, got %d", len(p.added))
	}
}

// TestDecodeFailureLeavesStateUntouched verifies that a garbage token never
// reaches the transport or moves the phase.
func TestDecodeFailureLeavesStateUntouched(t *testing.T) {
	p := newFakePeer()
	s := offeringAtBundleReady(t, p)

	err := s.ApplyRemote("definitely !!! not a token")
	var de *bundle.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if got := s.Phase(); got != PhaseBundleReady {
		t.Errorf("phase must be untouched, got %s", got)
	}
	if len(p.remoteSet) != 0 || len(p.added) != 0 {
		t.Error("transport must not be touched by a failed decode")
	}
}

// ---------------------------------------------------------------------------
// Answering flow
// ---------------------------------------------------------------------------

// TestAnswerFlowEmptyCandidates verifies that an offer with zero candidates
// is legal and the flow proceeds to local answer creation.
func TestAnswerFlowEmptyCandidates(t *testing.T) {
	p := newFakePeer()
	var tokens []string
	s := New(bundle.RoleAnswer, p, func(token string) { tokens = append(tokens, token) })

	offer := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleOffer,
		Description: "v=0\r\ns=remote-offer\r\n",
		Candidates:  []webrtc.ICECandidateInit{},
	})

	if err := s.Accept(offer); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if got := s.Phase(); got != PhaseGatheringCandidates {
		t.Fatalf("expected GatheringCandidates, got %s", got)
	}
	if len(p.remoteSet) != 1 || len(p.localSet) != 1 {
		t.Fatalf("expected one remote and one local description, got %d/%d", len(p.remoteSet), len(p.localSet))
	}
	if p.remoteSet[0].Type != webrtc.SDPTypeOffer {
		t.Errorf("remote description type: got %s, want offer", p.remoteSet[0].Type)
	}

	p.fireCandidate(1)
	p.onGathered()

	if len(tokens) != 1 {
		t.Fatalf("expected one answer bundle, got %d", len(tokens))
	}
	b, err := bundle.Decode(tokens[0], bundle.RoleAnswer)
	if err != nil {
		t.Fatalf("answer token failed to decode: %v", err)
	}
	if len(b.Candidates) != 1 {
		t.Errorf("expected 1 candidate in answer bundle, got %d", len(b.Candidates))
	}
}

// TestAnswerRejectsAnswerToken verifies the role guard on the accept side.
func TestAnswerRejectsAnswerToken(t *testing.T) {
	p := newFakePeer()
	s := New(bundle.RoleAnswer, p, nil)

	wrong := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleAnswer,
		Description: "v=0\r\n",
	})

	err := s.Accept(wrong)
	var de *bundle.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if got := s.Phase(); got != PhaseIdle {
		t.Errorf("phase must stay Idle for a retry, got %s", got)
	}
}

// TestConnectedTransition verifies the asynchronous Connected transition
// driven by the transport's state event.
func TestConnectedTransition(t *testing.T) {
	p := newFakePeer()
	s := offeringAtBundleReady(t, p)

	answer := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleAnswer,
		Description: "v=0\r\ns=remote\r\n",
	})
	if err := s.ApplyRemote(answer); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	p.onState(webrtc.PeerConnectionStateConnected)

	if got := s.Phase(); got != PhaseConnected {
		t.Errorf("expected Connected, got %s", got)
	}
	select {
	case <-s.Ready():
	default:
		t.Error("Ready channel should be closed once connected")
	}
}

// TestFailedStateIsTerminal verifies that a transport failure parks the
// session in Failed.
func TestFailedStateIsTerminal(t *testing.T) {
	p := newFakePeer()
	s := offeringAtBundleReady(t, p)

	p.onState(webrtc.PeerConnectionStateFailed)

	if got := s.Phase(); got != PhaseFailed {
		t.Errorf("expected Failed, got %s", got)
	}
}

// ---------------------------------------------------------------------------
// Controller
// ---------------------------------------------------------------------------

// TestControllerSessionIsolation verifies that regenerating an offer
// discards the prior attempt entirely: the new bundle carries only the new
// session's candidates, and the old transport is closed.
func TestControllerSessionIsolation(t *testing.T) {
	var peers []*fakePeer
	c := NewController(func() (transport.Peer, error) {
		p := newFakePeer()
		peers = append(peers, p)
		return p, nil
	})

	var tokens []string
	emit := func(token string) { tokens = append(tokens, token) }
	tracks := []webrtc.TrackLocal{videoTrack()}

	if _, err := c.StartOffer(tracks, 0, emit); err != nil {
		t.Fatalf("first StartOffer failed: %v", err)
	}
	first := peers[0]
	first.fireCandidate(1)
	first.fireCandidate(2)
	first.onGathered()

	// Regenerate: the prior session's transport and candidates are gone.
	if _, err := c.StartOffer(tracks, 0, emit); err != nil {
		t.Fatalf("second StartOffer failed: %v", err)
	}
	if !first.closed {
		t.Error("regenerating an offer must close the prior transport")
	}

	second := peers[1]
	second.fireCandidate(9)
	second.onGathered()

	if len(tokens) != 2 {
		t.Fatalf("expected 2 emitted bundles, got %d", len(tokens))
	}
	b, err := bundle.Decode(tokens[1], bundle.RoleOffer)
	if err != nil {
		t.Fatalf("second token failed to decode: %v", err)
	}
	if len(b.Candidates) != 1 {
		t.Fatalf("second bundle must carry only its own candidate, got %d", len(b.Candidates))
	}
	if !strings.Contains(b.Candidates[0].Candidate, "10.0.0.9") {
		t.Errorf("unexpected candidate in second bundle: %q", b.Candidates[0].Candidate)
	}
}

// TestControllerApplyAnswerWithoutOffer verifies the missing-session
// precondition.
func TestControllerApplyAnswerWithoutOffer(t *testing.T) {
	c := NewController(func() (transport.Peer, error) { return newFakePeer(), nil })

	err := c.ApplyAnswer("anything")
	var pe *PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
}

// TestControllerReusesIdleAnsweringSession verifies that a decode failure
// keeps the answering session alive for the next paste.
func TestControllerReusesIdleAnsweringSession(t *testing.T) {
	c := NewController(func() (transport.Peer, error) { return newFakePeer(), nil })

	s1, err := c.AcceptOffer("garbage", nil)
	var de *bundle.DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}

	offer := encodeBundle(t, &bundle.Bundle{
		Role:        bundle.RoleOffer,
		Description: "v=0\r\n",
	})
	s2, err := c.AcceptOffer(offer, nil)
	if err != nil {
		t.Fatalf("retry AcceptOffer failed: %v", err)
	}
	if s1 != s2 {
		t.Error("an Idle answering session should be reused across paste retries")
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// offeringAtBundleReady builds an offering session and drives it to
// BundleReady with two gathered candidates.
func offeringAtBundleReady(t *testing.T, p *fakePeer) *Session {
	t.Helper()
	s := New(bundle.RoleOffer, p, nil)
	if err := s.Start([]webrtc.TrackLocal{videoTrack()}, 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	p.fireCandidate(1)
	p.fireCandidate(2)
	p.onGathered()
	if got := s.Phase(); got != PhaseBundleReady {
		t.Fatalf("setup: expected BundleReady, got %s", got)
	}
	return s
}

func encodeBundle(t *testing.T, b *bundle.Bundle) string {
	t.Helper()
	token, err := bundle.Encode(b)
	if err != nil {
		t.Fatalf("encode test bundle: %v", err)
	}
	return token
}
