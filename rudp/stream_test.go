package rudp

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct{ sent []*Packet }

func (c *captureSender) SendPacket(p *Packet) error {
	c.sent = append(c.sent, p)
	return nil
}

type noopAcker struct{}

func (noopAcker) RequestAckNow(uuid.UUID, uint64) error { return nil }

func newTestStream(t *testing.T) (*Stream, *bytes.Buffer) {
	t.Helper()
	out := &bytes.Buffer{}
	s := NewStream(Config{SendChannel: 1, RecvChannel: 1, MinRTT: 10 * time.Millisecond, Sender: &captureSender{}, AckRequester: noopAcker{}})
	s.BindStreams(out, nil)
	return s, out
}

func TestDuplicateSeqRejected(t *testing.T) {
	s, _ := newTestStream(t)
	defer s.Shutdown(false)

	done := make(chan struct{})
	s.post(func(s *Stream) {
		defer close(done)
		s.gsnfr = 5
		s.gsnr = 5
		s.handlePacketLocked(&Packet{Seq: 5, Payload: []byte("x")}, false)
		assert.True(t, s.duplicateReceived)
	})
	<-done
}

func TestOutOfWindowRejected(t *testing.T) {
	s, _ := newTestStream(t)
	defer s.Shutdown(false)

	done := make(chan struct{})
	s.post(func(s *Stream) {
		defer close(done)
		s.gsnfr = 0
		s.gsnr = 0
		s.handlePacketLocked(&Packet{Seq: 257, Payload: []byte("x")}, false)
		_, ok := s.receivedPackets[257]
		assert.False(t, ok, "seq == GSNR+257 must be rejected as out-of-window")
	})
	<-done
}

func TestReorderThenDrainInOrder(t *testing.T) {
	s, out := newTestStream(t)
	defer s.Shutdown(false)

	done := make(chan struct{})
	s.post(func(s *Stream) {
		defer close(done)
		s.gsnfr, s.gsnr = 0, 0
		s.handlePacketLocked(&Packet{Seq: 2, Payload: []byte("b")}, false)
		s.handlePacketLocked(&Packet{Seq: 1, Payload: []byte("a")}, false)
		s.handlePacketLocked(&Packet{Seq: 3, Payload: []byte("c")}, false)
	})
	<-done

	assert.Equal(t, "abc", out.String())
	assert.Equal(t, uint64(3), s.gsnfr)
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	states := []ReceiveState{StateReceived, StateReceived, StateNotReceived, StateReceivedECN, StateReceivedECN, StateReceivedECN}
	enc := EncodeVector(states, 100)
	dec := DecodeVector(enc)
	require.Equal(t, states, dec)
}

func TestCongestionBackoffOnLoss(t *testing.T) {
	s, _ := newTestStream(t)
	defer s.Shutdown(false)

	done := make(chan struct{})
	s.post(func(s *Stream) {
		defer close(done)
		s.availableBatons = 4
		s.packetsPerBurst = 3
		s.addBatonDuration = 400 * time.Millisecond
		s.sendingPackets[3] = &bufferedSendPacket{seq: 3, sentAt: s.clock.Now(), ackRequired: true}

		s.processAck(10, 2, EncodeVector([]ReceiveState{StateNotReceived}, 10), 0)

		assert.True(t, s.bandwidthIncreaseFrozen)
		assert.Equal(t, uint32(1), s.packetsPerBurst)
		assert.Equal(t, 800*time.Millisecond, s.addBatonDuration)
		assert.Equal(t, time.Duration(0), s.totalSendingPeriodWithoutIssues)
		assert.True(t, s.sendingPackets[3].flagResendNextBurst)
	})
	<-done
}

func TestBatonAccountingConstantAcrossAck(t *testing.T) {
	s, _ := newTestStream(t)
	defer s.Shutdown(false)

	done := make(chan struct{})
	s.post(func(s *Stream) {
		defer close(done)
		s.availableBatons = 2
		p := &bufferedSendPacket{seq: 1, sentAt: s.clock.Now(), ackRequired: true, holdsBaton: true}
		s.sendingPackets[1] = p
		before := s.availableBatons + 1 // +1 for the in-flight baton

		s.processAck(5, 1, nil, 0) // acks seq 1

		after := s.availableBatons
		assert.Equal(t, before, after, "T4: total baton budget unchanged by an ack-release")
	})
	<-done
}

func TestShutdownIdempotent(t *testing.T) {
	s, _ := newTestStream(t)
	s.Shutdown(false)
	assert.NotPanics(t, func() { s.Shutdown(false) })
}

// TestSendReaderEmptyDoesNotDropBytes is a regression test for a bug where
// sendReaderEmpty's emptiness probe read bytes off sendReader and discarded
// them, silently dropping application data (T1: contiguous-prefix delivery).
// newTestStream binds a nil sendReader, which never exercised the bug, so
// this test binds a real one.
func TestSendReaderEmptyDoesNotDropBytes(t *testing.T) {
	s := NewStream(Config{SendChannel: 1, RecvChannel: 1, MinRTT: 10 * time.Millisecond, Sender: &captureSender{}, AckRequester: noopAcker{}})
	defer s.Shutdown(false)

	send := bytes.NewBufferString("hello world")
	s.BindStreams(&bytes.Buffer{}, send)

	done := make(chan struct{})
	s.post(func(s *Stream) {
		defer close(done)
		assert.False(t, s.sendReaderEmpty(), "a populated sendReader must not report empty")
		payload, ok := s.nextPayloadFromSendReader()
		require.True(t, ok)
		assert.Equal(t, "hello world", string(payload), "bytes peeked by sendReaderEmpty must still be delivered, not discarded")
	})
	<-done
}

func TestPacketEncodeDecodeRoundTrip(t *testing.T) {
	p := &Packet{SendChannel: 7, RecvChannel: 9, Seq: 123456789012, GSNR: 5, GSNFR: 3, Flags: FlagAR | FlagVP, Vector: []byte{0x01, 0x02}, Payload: []byte("payload")}
	raw := p.Encode()
	got, err := DecodePacket(raw)
	require.NoError(t, err)
	assert.Equal(t, p.SendChannel, got.SendChannel)
	assert.Equal(t, p.Seq, got.Seq)
	assert.Equal(t, p.GSNR, got.GSNR)
	assert.Equal(t, p.Flags, got.Flags)
	assert.Equal(t, p.Payload, got.Payload)
}
