package session

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/pastecall/pastecall/internal/bundle"
	"github.com/pastecall/pastecall/internal/transport"
)

// PeerFactory creates a fresh transport for each negotiation attempt.
type PeerFactory func() (transport.Peer, error)

// Controller hosts the two independent role flows. The offering and
// answering sessions share nothing — each owns its transport and candidate
// sequence — so one process can run both halves at once (handy for loopback
// testing).
type Controller struct {
	newPeer PeerFactory

	mu        sync.Mutex
	offering  *Session
	answering *Session
}

// NewController creates a Controller building transports with newPeer.
func NewController(newPeer PeerFactory) *Controller {
	return &Controller{newPeer: newPeer}
}

// Offering returns the current offering session, nil before StartOffer.
func (c *Controller) Offering() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offering
}

// Answering returns the current answering session, nil before AcceptOffer.
func (c *Controller) Answering() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answering
}

// StartOffer begins a new offering attempt. Any prior offering session is
// discarded wholesale — its transport and candidate list go with it, and
// nothing from it can leak into the new attempt's bundle.
func (c *Controller) StartOffer(tracks []webrtc.TrackLocal, videoBitrate uint64, emit func(token string)) (*Session, error) {
	if len(tracks) == 0 {
		return nil, &PreconditionError{Msg: "no local media tracks"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	peer, err := c.newPeer()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	if c.offering != nil {
		c.offering.Discard()
	}

	s := New(bundle.RoleOffer, peer, emit)
	c.offering = s
	if err := s.Start(tracks, videoBitrate); err != nil {
		return s, err
	}
	return s, nil
}

// ApplyAnswer routes the pasted answer token to the offering session.
func (c *Controller) ApplyAnswer(token string) error {
	c.mu.Lock()
	s := c.offering
	c.mu.Unlock()

	if s == nil {
		return &PreconditionError{Msg: "no offering session to apply an answer to"}
	}
	return s.ApplyRemote(token)
}

// AcceptOffer feeds the pasted offer token to the answering session,
// creating one (or replacing a failed one) as needed. On a decode error the
// session is left in Idle and reused for the next paste.
func (c *Controller) AcceptOffer(token string, emit func(token string)) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.answering == nil || c.answering.Phase() != PhaseIdle {
		if c.answering != nil {
			c.answering.Discard()
		}
		peer, err := c.newPeer()
		if err != nil {
			return nil, fmt.Errorf("create transport: %w", err)
		}
		c.answering = New(bundle.RoleAnswer, peer, emit)
	}

	s := c.answering
	if err := s.Accept(token); err != nil {
		return s, err
	}
	return s, nil
}
