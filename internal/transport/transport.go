// Package transport wraps a pion PeerConnection behind the narrow Peer
// contract the negotiation layer drives. Everything event-shaped (candidate
// discovery, end of gathering, connection state, inbound tracks) surfaces as
// an explicit typed callback; nothing upstream ever sees pion's nil-candidate
// end-of-gathering sentinel.
package transport

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/pastecall/pastecall/internal/util"
)

// STUN servers for ICE candidate gathering. No TURN — the tool is designed
// for direct P2P connectivity with zero infrastructure cost.
var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Peer is the capability contract of one peer-connection instance. Each
// negotiation session exclusively owns one Peer; the two roles never share.
type Peer interface {
	// AttachTrack adds an outbound (send-only) media track and returns a
	// handle that accepts an encoding-rate ceiling.
	AttachTrack(track webrtc.TrackLocal) (TrackHandle, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sdp webrtc.SessionDescription) error
	SetRemoteDescription(sdp webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// OnICECandidate fires once per discovered candidate, never with a
	// sentinel; OnGatheringComplete is the explicit terminal event.
	OnICECandidate(fn func(webrtc.ICECandidateInit))
	OnGatheringComplete(fn func())
	OnConnectionStateChange(fn func(webrtc.PeerConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver))

	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

// Transport is the pion-backed Peer implementation.
type Transport struct {
	pc *webrtc.PeerConnection

	gatherOnce sync.Once

	mu          sync.RWMutex
	pcState     webrtc.PeerConnectionState
	onCandidate func(webrtc.ICECandidateInit)
	onGathered  func()
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

// New creates a Transport backed by a new PeerConnection configured with
// Google STUN servers. Handler registration must happen before the local
// description is installed — gathering does not start until then, so no
// events can be missed.
func New() (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stunServers},
		},
	})
	if err != nil {
		return nil, err
	}

	t := &Transport{
		pc:      pc,
		pcState: webrtc.PeerConnectionStateNew,
	}

	// pion signals the end of gathering with a nil candidate. Translate it
	// into the explicit completion event here so it never leaks upstream.
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			t.fireGatheringComplete()
			return
		}
		t.mu.RLock()
		fn := t.onCandidate
		t.mu.RUnlock()
		if fn != nil {
			fn(c.ToJSON())
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("peer connection state: %s", state.String())
		t.mu.Lock()
		t.pcState = state
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(state)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		util.LogDebug("ICE connection state: %s", state.String())
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		t.mu.RLock()
		fn := t.onTrack
		t.mu.RUnlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	return t, nil
}

func (t *Transport) fireGatheringComplete() {
	t.gatherOnce.Do(func() {
		t.mu.RLock()
		fn := t.onGathered
		t.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AttachTrack adds a send-only transceiver for the given track. Send-only is
// what makes the eventual offer carry disabled inbound-media flags: this
// side only transmits.
func (t *Transport) AttachTrack(track webrtc.TrackLocal) (TrackHandle, error) {
	trans, err := t.pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	})
	if err != nil {
		return nil, err
	}
	return newRateHandle(trans.Sender()), nil
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate carried inside a bundle.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (t *Transport) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *Transport) OnGatheringComplete(fn func()) {
	t.mu.Lock()
	t.onGathered = fn
	t.mu.Unlock()
}

func (t *Transport) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *Transport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// WriteRTCP sends RTCP feedback (keyframe requests and the like) to the peer.
func (t *Transport) WriteRTCP(pkts []rtcp.Packet) error {
	return t.pc.WriteRTCP(pkts)
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// Close shuts down the PeerConnection.
func (t *Transport) Close() error {
	return t.pc.Close()
}
