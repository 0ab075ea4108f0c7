package rudp

import (
	"github.com/google/uuid"

	"github.com/ortclib/transport/pkg/rtcerr"
)

// HandlePacket ingests a wire packet (spec.md §4.2:
// "handle_packet(packet, raw_bytes, ecn_marked)"). raw_bytes/ecn_marked are
// folded into Packet.Flags/Payload by the caller's demux layer (raw socket
// I/O is out of scope, spec.md §1), so this takes the parsed Packet plus
// the ECN bit observed on the wire.
func (s *Stream) HandlePacket(pkt *Packet, ecnMarked bool) {
	s.post(func(s *Stream) { s.handlePacketLocked(pkt, ecnMarked) })
}

func (s *Stream) handlePacketLocked(pkt *Packet, ecnMarked bool) {
	if s.shutdownReceive {
		return
	}
	if ecnMarked {
		s.ecnReceived = true
	}

	seq := s.extendSeq(pkt.Seq, s.gsnr)

	if seq <= s.gsnfr {
		s.duplicateReceived = true // I7 dup; T9: reported, non-fatal
		return
	}
	if seq > s.gsnr+receiveWindowSlack {
		return // I7 too-far; T10
	}
	if seq > s.gsnfr+receiveWindowSlack && !s.windowExpansionAllowed() {
		return // I8
	}

	if _, dup := s.receivedPackets[seq]; !dup {
		s.receivedPackets[seq] = &bufferedRecvPacket{seq: seq, receivedAt: s.clock.Now(), header: pkt, bytes: pkt.Payload}
	}

	if seq > s.gsnr {
		s.gsnr = seq
		s.gsnrParity = !s.gsnrParity
	}

	s.drainContiguous()

	// Process any ACK fields piggybacked on this packet against our send
	// window before deciding whether we owe an immediate ACK back.
	s.applyPiggybackedAck(pkt)

	if pkt.Flags.Has(FlagAR) && !s.willPiggybackAck() {
		if s.ackRequester != nil {
			_ = s.ackRequester.RequestAckNow(uuid.Nil, s.gsnr)
		}
	}
}

// extendSeq implements the wire's 48-bit-to-local extension (spec.md §6):
// reconstruct the full monotone sequence closest to the current high-water
// mark. With a 48-bit field this only matters once the space wraps, which
// the reference deployment never reaches in a single session's lifetime;
// the extension is still implemented so the window math stays correct at
// the boundary.
func (s *Stream) extendSeq(wire uint64, reference uint64) uint64 {
	wire &= seqMask
	base := reference &^ seqMask
	candidate := base + wire
	if candidate+seqMask/2 < reference {
		candidate += seqMask + 1
	}
	return candidate
}

// windowExpansionAllowed implements I8: expansion beyond GSNFR+256 is only
// permitted when the last application read happened within 3*RTT, capped
// at 10s.
func (s *Stream) windowExpansionAllowed() bool {
	if s.lastDeliveredRead.IsZero() {
		return true // no read has happened yet; nothing to gate on
	}
	grace := s.calculatedRTT * 3
	if grace > windowExpansionGraceCap {
		grace = windowExpansionGraceCap
	}
	return s.clock.Now().Sub(s.lastDeliveredRead) <= grace
}

// drainContiguous implements spec.md §4.2's receive-side drain: while the
// lowest buffered packet is GSNFR+1, deliver it and advance GSNFR,
// XOR-folding its parity into xor_parity_to_gsnfr.
func (s *Stream) drainContiguous() {
	for {
		p, ok := s.receivedPackets[s.gsnfr+1]
		if !ok {
			return
		}
		if !s.shutdownReceive && s.receiveWriter != nil {
			if _, err := s.receiveWriter.Write(p.bytes); err != nil {
				s.fail(&rtcerr.DelegateGoneError{Err: err})
				return
			}
			s.lastDeliveredRead = s.clock.Now()
		}
		s.gsnfr++
		s.xorParityToGSNFR = s.xorParityToGSNFR != parityBit(s.gsnfr)
		delete(s.receivedPackets, s.gsnfr)
	}
}

func parityBit(seq uint64) bool { return seq&1 == 1 }

// willPiggybackAck reports whether the next outbound packet already
// carries fresh ACK fields, so an inbound AR request doesn't need a
// separate immediate ACK (spec.md §4.2).
func (s *Stream) willPiggybackAck() bool {
	return len(s.sendingPackets) > 0 || (s.sendReader != nil && !s.sendReaderEmpty())
}
