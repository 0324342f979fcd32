// Package gather accumulates ICE candidates for a single negotiation attempt.
package gather

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Collector records discovered candidates in arrival order until the
// transport signals that gathering is done. One Collector serves exactly one
// session; a fresh attempt gets a fresh Collector, never a reused one.
//
// Candidates are kept verbatim and never deduplicated — a transport may
// legitimately surface equivalent-looking candidates from different network
// paths, and identity comparison is not this layer's business.
type Collector struct {
	mu         sync.Mutex
	seq        []webrtc.ICECandidateInit
	done       bool
	onComplete func([]webrtc.ICECandidateInit)
}

// New creates a Collector. onComplete fires exactly once, with the frozen
// candidate sequence, when Complete is first called.
func New(onComplete func([]webrtc.ICECandidateInit)) *Collector {
	return &Collector{onComplete: onComplete}
}

// Add appends a discovered candidate. Candidates arriving after completion
// belong to no bundle and are dropped.
func (c *Collector) Add(cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.seq = append(c.seq, cand)
}

// Complete freezes the sequence and fires the completion hook. Calling it
// again is a no-op, which guards against transports that report the end of
// gathering through more than one event.
func (c *Collector) Complete() {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	seq := make([]webrtc.ICECandidateInit, len(c.seq))
	copy(seq, c.seq)
	fn := c.onComplete
	c.mu.Unlock()

	if fn != nil {
		fn(seq)
	}
}

// Sequence returns a copy of the candidates collected so far.
func (c *Collector) Sequence() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := make([]webrtc.ICECandidateInit, len(c.seq))
	copy(seq, c.seq)
	return seq
}

// Done reports whether gathering has completed.
func (c *Collector) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
