package lan

import (
	"time"

	"github.com/ryuto-alt/melonDS-net/transport"
)

// nextHeader builds an MP header for an outbound packet of type t. The
// caller supplies timestamp from its own tick domain (the emulator's
// frame counter); the session only threads it through.
func (s *Session) nextHeader(t uint32, body []byte, timestamp uint64) mpHeader {
	return mpHeader{
		Magic:     mpMagic,
		SenderID:  uint32(s.localID),
		Type:      t,
		Length:    uint32(len(body)),
		Timestamp: timestamp,
	}
}

// SendPacket broadcasts a Normal MP packet, reliable.
func (s *Session) SendPacket(body []byte, timestamp uint64) error {
	s.tr.Broadcast(encodeMPHeader(s.nextHeader(TypeNormal, body, timestamp), body), transport.ChanPayload, true)
	return nil
}

// SendCmd broadcasts a Command MP packet, reliable.
func (s *Session) SendCmd(body []byte, timestamp uint64) error {
	s.tr.Broadcast(encodeMPHeader(s.nextHeader(TypeCmd, body, timestamp), body), transport.ChanPayload, true)
	return nil
}

// SendReply unicasts a Reply MP packet to the last known host peer if
// known, otherwise broadcasts. lastHostPeer is written by onData on the
// network thread, so it's read here under rxMu rather than bare.
func (s *Session) SendReply(aid uint8, body []byte, timestamp uint64) error {
	pkt := encodeMPHeader(s.nextHeader(replyType(aid), body, timestamp), body)
	s.rxMu.Lock()
	hostPeer := s.lastHostPeer
	s.rxMu.Unlock()
	if hostPeer >= 0 {
		return s.tr.SendTo(hostPeer, pkt, transport.ChanPayload, true)
	}
	s.tr.Broadcast(pkt, transport.ChanPayload, true)
	return nil
}

// SendAck broadcasts an Ack MP packet, reliable.
func (s *Session) SendAck(body []byte, timestamp uint64) error {
	s.tr.Broadcast(encodeMPHeader(s.nextHeader(TypeAck, body, timestamp), body), transport.ChanPayload, true)
	return nil
}

// discardStaleLocked drops packets at the queue head whose rewritten receive
// tick is in the future (clock skew) or older than staleAfter. Must be
// called with rxMu held.
func (s *Session) discardStaleLocked() {
	now := time.Now()
	for len(s.rxQueue) > 0 {
		age := now.Sub(s.rxQueue[0].RecvTick)
		if s.rxQueue[0].RecvTick.After(now) || age >= staleAfter {
			s.rxQueue = s.rxQueue[1:]
			continue
		}
		break
	}
}

// RecvPacket dequeues the next Normal MP packet without blocking. If the
// packet at the head of the queue is not Normal, it is left in place and
// ok is false.
func (s *Session) RecvPacket() (body []byte, senderID int, ok bool) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	s.discardStaleLocked()
	if len(s.rxQueue) == 0 {
		return nil, 0, false
	}
	head := s.rxQueue[0]
	if baseType(head.Header.Type) != TypeNormal {
		return nil, 0, false
	}
	s.rxQueue = s.rxQueue[1:]
	return head.Body, int(head.Header.SenderID), true
}

// RecvHostPacket dequeues and returns the packet at the head of the queue,
// whatever its type. If the queue is empty it sleeps 2ms once and returns
// ok=false; the caller's own loop is expected to call this repeatedly, so
// the emulator thread stays responsive.
func (s *Session) RecvHostPacket() (body []byte, senderID int, ok bool) {
	s.rxMu.Lock()
	s.discardStaleLocked()
	if len(s.rxQueue) == 0 {
		s.rxMu.Unlock()
		time.Sleep(2 * time.Millisecond)
		return nil, 0, false
	}
	head := s.rxQueue[0]
	s.rxQueue = s.rxQueue[1:]
	s.rxMu.Unlock()
	return head.Body, int(head.Header.SenderID), true
}

// RecvReplies is the host's specialized reply collector. It drains reply
// packets whose timestamp is not more than 2^20 behind timestamp
// (tolerating wraparound via explicit modular arithmetic), storing each
// body, truncated to 1024 bytes, in packets keyed by aid. It terminates early once every
// connected non-local player has replied or every bit of aidMask is set,
// otherwise it keeps draining with 1ms sleeps up to recvTimeout.
func (s *Session) RecvReplies(timestamp uint64, aidMask uint16) (collected uint16, packets map[uint8][]byte) {
	packets = make(map[uint8][]byte)
	connMask := s.ConnectedBitmask()
	localBit := uint16(1) << uint(s.localID)
	expectedMask := connMask &^ localBit
	if expectedMask == 0 {
		return 0, packets
	}

	deadline := time.Now().Add(s.recvTimeout)
	for {
		s.drainReadyReplies(timestamp, &collected, packets)
		if collected&expectedMask == expectedMask {
			return collected, packets
		}
		if collected&aidMask == aidMask {
			return collected, packets
		}
		if time.Now().After(deadline) {
			return collected, packets
		}
		time.Sleep(1 * time.Millisecond)
	}
}

func (s *Session) drainReadyReplies(timestamp uint64, collected *uint16, packets map[uint8][]byte) {
	s.rxMu.Lock()
	defer s.rxMu.Unlock()
	s.discardStaleLocked()

	kept := make([]rxEntry, 0, len(s.rxQueue))
	for _, e := range s.rxQueue {
		if baseType(e.Header.Type) == TypeReply && timestampValid(e.Header.Timestamp, timestamp) {
			aid := replyAID(e.Header.Type)
			body := make([]byte, len(e.Body))
			copy(body, e.Body)
			if len(body) > 1024 {
				body = body[:1024]
			}
			packets[aid] = body
			*collected |= uint16(1) << uint(aid)
			continue
		}
		kept = append(kept, e)
	}
	s.rxQueue = kept
}

// timestampValid implements packet.timestamp >= expected - 2^20 as
// explicit signed modular arithmetic so it behaves correctly across u64
// wraparound, rather than relying on raw unsigned subtraction.
func timestampValid(packetTS, expectedTS uint64) bool {
	delta := int64(packetTS - expectedTS)
	return delta >= -(1 << 20)
}
