// Package bundle defines the negotiation bundle and its copy/paste-safe codec.
//
// A bundle is the only artifact that crosses between the two peers: one side
// produces it after candidate gathering completes, relays it out-of-band
// (chat, e-mail, clipboard), and the other side pastes it back in. There is
// no signaling channel, so the bundle must carry everything negotiation
// needs: the role, the session description, and the full candidate list.
package bundle

import (
	"github.com/pion/webrtc/v4"
)

// Role tags which half of the two-message handshake a bundle represents.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAnswer Role = "answer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleOffer || r == RoleAnswer
}

// Counterpart returns the role expected from the other side.
func (r Role) Counterpart() Role {
	if r == RoleOffer {
		return RoleAnswer
	}
	return RoleOffer
}

// Bundle is one side's complete negotiation artifact. It is immutable after
// creation; a retry produces a fresh bundle rather than mutating this one.
type Bundle struct {
	Role        Role                      `json:"role"`
	Description string                    `json:"description"`
	Candidates  []webrtc.ICECandidateInit `json:"candidates"`
}
