package rudp

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// applyPiggybackedAck processes the ACK fields every inbound wire packet
// carries about our own sends (gsnr/gsnfr/vector/flags, spec.md §6), using
// the same acknowledgement logic as an out-of-band HandleExternalAck.
func (s *Stream) applyPiggybackedAck(pkt *Packet) {
	s.processAck(pkt.GSNR, pkt.GSNFR, pkt.Vector, pkt.Flags)
}

// HandleExternalAck implements spec.md §4.2's handle_external_ack: an
// out-of-band ACK delivered outside the normal packet stream, used by the
// forced-ACK protocol.
func (s *Stream) HandleExternalAck(ack ExternalAck) {
	s.post(func(s *Stream) {
		s.processAck(ack.GSNR, ack.GSNFR, ack.Vector, ack.Flags)
		if ack.RequestID != nil && s.forceAckRequestID != nil && *ack.RequestID == *s.forceAckRequestID {
			s.flushForcedAck()
		}
	})
}

// flushForcedAck implements "When the matching ACK returns, every unacked
// packet up to that seq is flagged for resend and its baton released"
// (spec.md §4.2).
func (s *Stream) flushForcedAck() {
	for seq, p := range s.sendingPackets {
		if seq > s.forceAckUpToSeq {
			continue
		}
		p.flagResendNextBurst = true
		if p.holdsBaton {
			p.holdsBaton = false
			s.availableBatons++ // T4: baton returns to the pool, not destroyed
		}
	}
	s.forceAckRequestID = nil
}

// processAck implements the sender-side half of the ACK handling: packets
// up to gsnfr are fully acked (RTT sample, baton release, removal); packets
// between gsnfr and gsnr are checked against the vector for loss.
func (s *Stream) processAck(peerGSNR, peerGSNFR uint64, vector []byte, flags Flags) {
	states := DecodeVector(vector)

	for seq, p := range s.sendingPackets {
		switch {
		case seq <= peerGSNFR:
			s.onPacketAcked(seq, p)
		case seq < peerGSNR:
			offset := int(seq - peerGSNFR - 1)
			if StateAt(states, offset) == StateNotReceived {
				s.onLossObserved(seq, p)
			}
		}
	}

	if s.draining && s.drainComplete() {
		s.finishShutdown(nil)
	}
}

func (s *Stream) onPacketAcked(seq uint64, p *bufferedSendPacket) {
	if p.ackRequired && !p.flaggedFailedToRecv {
		sample := s.clock.Now().Sub(p.sentAt)
		s.calculatedRTT = s.calculatedRTT + (sample-s.calculatedRTT)/2
		if s.calculatedRTT < s.minRTT {
			s.calculatedRTT = s.minRTT
		}
		if s.calculatedRTT > s.addBatonDuration {
			s.addBatonDuration = 2 * s.calculatedRTT
			s.rearmAddBatonTimer()
		}
	}
	if p.holdsBaton {
		p.holdsBaton = false
		s.availableBatons++
	}
	delete(s.sendingPackets, seq)
	delete(s.reportedLossSeqs, seq)
}

// onLossObserved implements "On loss (detected via ACK vector reporting a
// gap not previously reported)" (spec.md §4.2).
func (s *Stream) onLossObserved(seq uint64, p *bufferedSendPacket) {
	if s.reportedLossSeqs[seq] {
		return
	}
	s.reportedLossSeqs[seq] = true
	p.flagResendNextBurst = true
	// Spec.md §9 open question (a): flagged-for-resend and failed are
	// independent bits; a newly loss-detected packet has mFailed cleared,
	// not set, as observed in the source.
	p.flaggedFailedToRecv = false
	s.onLossDetected()
}

// onLossDetected implements the congestion-backoff half of spec.md §4.2's
// baton algorithm.
func (s *Stream) onLossDetected() {
	s.bandwidthIncreaseFrozen = true
	s.totalSendingPeriodWithoutIssues = 0
	s.addBatonDuration *= 2
	s.rearmAddBatonTimer()

	switch {
	case s.packetsPerBurst > 1:
		s.packetsPerBurst /= 2
		if s.packetsPerBurst < 1 {
			s.packetsPerBurst = 1
		}
	case s.availableBatons > 1:
		s.availableBatons--
	default:
		s.destroyOneInUseBaton()
	}
}

func (s *Stream) destroyOneInUseBaton() {
	for _, p := range s.sendingPackets {
		if p.holdsBaton {
			p.holdsBaton = false // T4: destroyed, not returned to the pool
			return
		}
	}
}

func (s *Stream) rearmAddBatonTimer() {
	if s.addBatonTimer != nil {
		s.addBatonTimer.Stop()
	}
	s.addBatonTimer = s.clock.AfterFunc(s.addBatonDuration, s.onAddBatonTimer)
}

// onAddBatonTimer implements "randomly either increment available_batons or
// packets_per_burst (50/50), only when not frozen and there is send backlog
// or write-available data" (spec.md §4.2).
func (s *Stream) onAddBatonTimer() {
	s.post(func(s *Stream) {
		if !s.finished {
			if !s.bandwidthIncreaseFrozen && s.hasBacklog() {
				if rand.Intn(2) == 0 {
					s.availableBatons++
				} else {
					s.packetsPerBurst++
				}
			}
			s.checkUnfreeze()
			s.addBatonTimer = s.clock.AfterFunc(s.addBatonDuration, s.onAddBatonTimer)
		}
	})
}

// checkUnfreeze implements "Unfreeze when total_sending_period_without_issues
// > 10s: clear freeze, halve add_baton_duration (floor at RTT), drop the
// add-baton timer so it restarts at new duration" (spec.md §4.2).
func (s *Stream) checkUnfreeze() {
	if !s.bandwidthIncreaseFrozen {
		return
	}
	if s.totalSendingPeriodWithoutIssues <= 10*time.Second {
		return
	}
	s.bandwidthIncreaseFrozen = false
	s.addBatonDuration /= 2
	if s.addBatonDuration < s.calculatedRTT {
		s.addBatonDuration = s.calculatedRTT
	}
	s.rearmAddBatonTimer()
}

func (s *Stream) hasBacklog() bool {
	if len(s.sendingPackets) > 0 {
		return true
	}
	return s.sendReader != nil && !s.sendReaderEmpty()
}

// onBurstTimer implements the burst timer: fires every
// calculated_rtt/available_batons (min 20ms) and sends up to
// packets_per_burst packets, preferring resend-flagged packets; the last
// packet in the burst seizes the baton.
func (s *Stream) onBurstTimer() {
	s.post(func(s *Stream) {
		if s.finished {
			return
		}
		elapsed := s.burstInterval()
		s.totalSendingPeriodWithoutIssues += elapsed
		s.checkUnfreeze()
		s.fireBurst()
		s.burstTimer = s.clock.AfterFunc(s.burstInterval(), s.onBurstTimer)
	})
}

func (s *Stream) fireBurst() {
	if s.shutdownSend || s.finished {
		return
	}
	sent := 0
	last := (*bufferedSendPacket)(nil)

	// Resend-flagged packets first.
	for seq, p := range s.sendingPackets {
		if sent >= int(s.packetsPerBurst) {
			break
		}
		if !p.flagResendNextBurst {
			continue
		}
		p.flagResendNextBurst = false
		s.transmit(p)
		last = p
		sent++
		_ = seq
	}

	for sent < int(s.packetsPerBurst) {
		if s.waitToSendUntilRecvSeq != 0 && s.gsnr < s.waitToSendUntilRecvSeq {
			break
		}
		payload, ok := s.nextPayloadFromSendReader()
		if !ok {
			break
		}
		p := s.newSendPacket(payload)
		s.sendingPackets[p.seq] = p
		s.transmit(p)
		last = p
		sent++
	}

	if last != nil {
		if s.availableBatons > 0 {
			s.availableBatons--
			last.holdsBaton = true
		} else {
			s.armEnsureDeliveryTimer()
		}
	}

	s.maybeForceAck()
}

func (s *Stream) nextPayloadFromSendReader() ([]byte, bool) {
	if len(s.pendingSendChunk) > 0 {
		chunk := s.pendingSendChunk
		s.pendingSendChunk = nil
		return chunk, true
	}
	if s.sendReader == nil {
		return nil, false
	}
	buf := make([]byte, 1200)
	n, err := s.sendReader.Read(buf)
	if n == 0 || err != nil {
		return nil, false
	}
	return buf[:n], true
}

func (s *Stream) newSendPacket(payload []byte) *bufferedSendPacket {
	seq := s.nextSendSeq
	s.nextSendSeq++
	return &bufferedSendPacket{seq: seq, sentAt: s.clock.Now(), ackRequired: true, bytes: payload}
}

func (s *Stream) transmit(p *bufferedSendPacket) {
	if s.sender == nil {
		return
	}
	vector, flags := s.buildAckVectorAndFlags()
	flags |= FlagAR
	pkt := &Packet{
		SendChannel: s.sendChannel,
		RecvChannel: s.recvChannel,
		Seq:         p.seq,
		GSNR:        s.gsnr,
		GSNFR:       s.gsnfr,
		Flags:       flags,
		Vector:      vector,
		Payload:     p.bytes,
	}
	_ = s.sender.SendPacket(pkt)
}

// armEnsureDeliveryTimer implements "When all batons are in use and there is
// un-acked data, start a one-shot timer at 1.5*calculated_rtt that sets
// force_ack_next_time_possible on fire" (spec.md §4.2).
func (s *Stream) armEnsureDeliveryTimer() {
	if s.ensureDeliveryTimer != nil {
		return
	}
	s.ensureDeliveryTimer = s.clock.AfterFunc(s.calculatedRTT*3/2, func() {
		s.post(func(s *Stream) {
			s.forceAckNextTimePossible = true
			s.ensureDeliveryTimer = nil
		})
	})
}

// maybeForceAck implements "If send backlog exists and either no baton is
// free or force_ack_next_time_possible is set, allocate a
// force_ack_request_id ... and emit an external ACK-now request" (spec.md
// §4.2).
func (s *Stream) maybeForceAck() {
	if s.forceAckRequestID != nil {
		return
	}
	if !s.hasBacklog() {
		return
	}
	if s.availableBatons > 0 && !s.forceAckNextTimePossible {
		return
	}
	id := uuid.New()
	s.forceAckRequestID = &id
	if s.nextSendSeq > 0 {
		s.forceAckUpToSeq = s.nextSendSeq - 1
	}
	s.forceAckNextTimePossible = false
	if s.ackRequester != nil {
		_ = s.ackRequester.RequestAckNow(id, s.forceAckUpToSeq)
	}
}
