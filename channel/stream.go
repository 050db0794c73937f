package channel

import (
	"sort"
	"time"

	"github.com/cyberinferno/go-replicon/protocol"
)

type inflight struct {
	seq       uint32
	payload   []byte
	sent      bool
	attempts  int
	firstSent time.Duration
	nextSend  time.Duration
}

type sender struct {
	spec     protocol.ChannelSpec
	next     uint32
	inflight []*inflight
}

func (s *sender) nextSequence() uint32 {
	seq := s.next
	if s.spec.Policy.Sequenced() {
		s.next++
	}
	return seq
}

func (s *sender) ack(seq uint32) {
	for i, in := range s.inflight {
		if in.seq == seq {
			s.inflight = append(s.inflight[:i], s.inflight[i+1:]...)
			return
		}
	}
}

type deliverFunc func(ch protocol.ChannelID, payload []byte)

// receiver holds the inbound state of one channel.
type receiver struct {
	spec protocol.ChannelSpec

	// ordered channels
	next     uint32
	buffer   map[uint32][]byte
	gapOpen  bool
	gapSince time.Duration

	// reliable unordered channels
	seen map[uint32]time.Duration
}

func newReceiver(spec protocol.ChannelSpec) *receiver {
	r := &receiver{spec: spec}
	switch {
	case spec.Policy.Ordering == protocol.Ordered:
		r.buffer = make(map[uint32][]byte)
	case spec.Policy.Reliability == protocol.Reliable:
		r.seen = make(map[uint32]time.Duration)
	}
	return r
}

// before reports whether a precedes b in wrapping sequence space.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

// accept applies one inbound frame. It reports whether the frame must be
// acked and whether it landed beyond the reorder window.
func (r *receiver) accept(f protocol.Frame, now time.Duration, cfg Config, deliver deliverFunc) (ack, overflow bool) {
	reliable := r.spec.Policy.Reliability == protocol.Reliable

	if r.spec.Policy.Ordering == protocol.Unordered {
		if !reliable {
			deliver(f.Channel, f.Payload)
			return false, false
		}

		if _, dup := r.seen[f.Sequence]; !dup {
			r.seen[f.Sequence] = now
			deliver(f.Channel, f.Payload)
		}
		return true, false
	}

	// Already delivered or skipped. Re-ack: our first ack may have been lost.
	if before(f.Sequence, r.next) {
		return reliable, false
	}

	if f.Sequence-r.next >= cfg.ReorderWindow {
		if reliable {
			// Not acked, so the sender retransmits once the window moves.
			return false, true
		}
		r.skipTo(f.Sequence-cfg.ReorderWindow+1, deliver)
		overflow = true
	}

	if _, dup := r.buffer[f.Sequence]; !dup {
		r.buffer[f.Sequence] = f.Payload
		r.drain(now, deliver)
	}

	return reliable, overflow
}

// drain delivers the contiguous run starting at next and tracks how long
// the head of line has been missing.
func (r *receiver) drain(now time.Duration, deliver deliverFunc) {
	advanced := false
	for {
		p, ok := r.buffer[r.next]
		if !ok {
			break
		}
		delete(r.buffer, r.next)
		deliver(r.spec.ID, p)
		r.next++
		advanced = true
	}

	if len(r.buffer) == 0 {
		r.gapOpen = false
		return
	}

	if !r.gapOpen || advanced {
		r.gapOpen = true
		r.gapSince = now
	}
}

// skipTo gives up on every missing sequence before target, delivering the
// buffered frames in that range in order.
func (r *receiver) skipTo(target uint32, deliver deliverFunc) {
	var skipped []uint32
	for seq := range r.buffer {
		if before(seq, target) {
			skipped = append(skipped, seq)
		}
	}

	base := r.next
	sort.Slice(skipped, func(i, j int) bool { return skipped[i]-base < skipped[j]-base })
	for _, seq := range skipped {
		deliver(r.spec.ID, r.buffer[seq])
		delete(r.buffer, seq)
	}

	r.next = target
}

// expire applies time-based policy: skip-on-timeout for unreliable ordered
// channels and pruning of the duplicate filter for reliable unordered ones.
func (r *receiver) expire(now time.Duration, cfg Config, deliver deliverFunc) {
	switch {
	case r.spec.Policy.Ordering == protocol.Ordered && r.spec.Policy.Reliability == protocol.Unreliable:
		if !r.gapOpen || now-r.gapSince < cfg.ReorderTimeout {
			return
		}

		oldest, found := uint32(0), false
		for seq := range r.buffer {
			if !found || seq-r.next < oldest-r.next {
				oldest, found = seq, true
			}
		}
		if found {
			r.skipTo(oldest, deliver)
			r.gapOpen = false
			r.drain(now, deliver)
		}
	case r.seen != nil:
		for seq, at := range r.seen {
			if now-at > 2*cfg.RetransmitTimeout {
				delete(r.seen, seq)
			}
		}
	}
}
