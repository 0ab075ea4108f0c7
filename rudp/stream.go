package rudp

import (
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/ortclib/transport/internal/clock"
)

// receiveWindowSlack is the "too far" margin of I7: the receive window
// never accepts seq > GSNR+256.
const receiveWindowSlack = 256

// windowExpansionGraceCap is the I8 cap: expansion beyond GSNFR+256 is only
// allowed if the last application read happened within 3*RTT, capped at
// this value.
const windowExpansionGraceCap = 10 * time.Second

// PacketSender is the external collaborator that puts a Packet on the wire
// (raw UDP socket I/O is out of scope, spec.md §1).
type PacketSender interface {
	SendPacket(pkt *Packet) error
}

// AckRequester delivers the "external ACK-now request" of spec.md §4.2's
// forced-ACK protocol, and carries inbound out-of-band ACK fields in the
// other direction via HandleExternalAck.
type AckRequester interface {
	RequestAckNow(requestID uuid.UUID, upToSeq uint64) error
}

type bufferedSendPacket struct {
	seq                 uint64
	sentAt              time.Time
	ackRequired         bool
	xoredParityToNow    bool
	holdsBaton          bool
	flaggedFailedToRecv bool
	flagResendNextBurst bool
	bytes               []byte
}

type bufferedRecvPacket struct {
	seq        uint64
	receivedAt time.Time
	header     *Packet
	bytes      []byte
}

// ExternalAck carries the out-of-band ACK fields of spec.md §4.2's
// handle_external_ack.
type ExternalAck struct {
	RequestID *uuid.UUID
	NextSeq   uint64
	GSNR      uint64
	GSNFR     uint64
	Vector    []byte
	Flags     Flags
}

// Stream implements RudpStream (spec.md §4.2): a single-threaded actor
// (spec.md §5) owning one StreamState (spec.md §3.2).
type Stream struct {
	log   logging.LeveledLogger
	clock clock.Clock

	sender       PacketSender
	ackRequester AckRequester

	cmd  chan func(*Stream)
	done chan struct{}
	once sync.Once

	sendChannel uint16
	recvChannel uint16
	minRTT      time.Duration
	calculatedRTT time.Duration

	nextSendSeq uint64
	gsnr        uint64
	gsnfr       uint64
	gsnrParity      bool
	xorParityToGSNFR bool
	xorParityToNow   bool

	waitToSendUntilRecvSeq uint64

	sendingPackets  map[uint64]*bufferedSendPacket
	receivedPackets map[uint64]*bufferedRecvPacket

	availableBatons          uint32
	packetsPerBurst          uint32
	addBatonDuration         time.Duration
	bandwidthIncreaseFrozen  bool
	totalSendingPeriodWithoutIssues time.Duration
	reportedLossSeqs         map[uint64]bool

	forceAckRequestID        *uuid.UUID
	forceAckUpToSeq          uint64
	forceAckNextTimePossible bool

	duplicateReceived bool
	ecnReceived       bool

	lastDeliveredRead time.Time

	receiveWriter io.Writer
	sendReader    io.Reader

	// pendingSendChunk holds bytes already pulled off sendReader by an
	// emptiness check (sendReaderEmpty) that have not yet been consumed by
	// nextPayloadFromSendReader, so no byte read off the application's
	// send stream is ever discarded (T1: contiguous-prefix delivery).
	pendingSendChunk []byte

	shutdownSend    bool
	shutdownReceive bool
	draining        bool
	finished        bool

	burstTimer          clock.Timer
	addBatonTimer       clock.Timer
	ensureDeliveryTimer clock.Timer

	firstFatal  error
	subscribers []func(error)
}

// Config carries the constructor arguments of spec.md §4.2's create().
type Config struct {
	NextSendSeq         uint64
	NextExpectedRecvSeq uint64
	SendChannel         uint16
	RecvChannel         uint16
	MinRTT              time.Duration
	Sender              PacketSender
	AckRequester        AckRequester
	LoggerFactory       logging.LoggerFactory
	Clock               clock.Clock
}

// NewStream creates a RudpStream and starts its actor loop.
func NewStream(cfg Config) *Stream {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.MinRTT <= 0 {
		cfg.MinRTT = 20 * time.Millisecond
	}

	s := &Stream{
		log:             cfg.LoggerFactory.NewLogger("rudp"),
		clock:           cfg.Clock,
		sender:          cfg.Sender,
		ackRequester:    cfg.AckRequester,
		cmd:             make(chan func(*Stream), 64),
		done:            make(chan struct{}),
		sendChannel:     cfg.SendChannel,
		recvChannel:     cfg.RecvChannel,
		minRTT:          cfg.MinRTT,
		calculatedRTT:   cfg.MinRTT,
		nextSendSeq:     cfg.NextSendSeq,
		gsnfr:           cfg.NextExpectedRecvSeq,
		gsnr:            cfg.NextExpectedRecvSeq,
		sendingPackets:  make(map[uint64]*bufferedSendPacket),
		receivedPackets: make(map[uint64]*bufferedRecvPacket),
		availableBatons: 1,
		packetsPerBurst: 3,
		reportedLossSeqs: make(map[uint64]bool),
	}
	s.addBatonDuration = maxDuration(s.calculatedRTT*2, 200*time.Millisecond)

	go s.run()
	return s
}

func (s *Stream) post(f func(*Stream)) {
	select {
	case s.cmd <- f:
	case <-s.done:
	}
}

func (s *Stream) run() {
	s.burstTimer = s.clock.AfterFunc(s.burstInterval(), s.onBurstTimer)
	s.addBatonTimer = s.clock.AfterFunc(s.addBatonDuration, s.onAddBatonTimer)
	for {
		select {
		case f := <-s.cmd:
			f(s)
		case <-s.done:
			return
		}
	}
}

func (s *Stream) burstInterval() time.Duration {
	d := s.calculatedRTT / time.Duration(maxU32(s.availableBatons, 1))
	return maxDuration(d, 20*time.Millisecond)
}

// BindStreams attaches the decoded-receive and plain-send byte pipes
// (spec.md §4.2: "bind_streams(receive_writer, send_reader)").
func (s *Stream) BindStreams(receiveWriter io.Writer, sendReader io.Reader) {
	s.post(func(s *Stream) {
		s.receiveWriter = receiveWriter
		s.sendReader = sendReader
	})
}

// HoldSendingUntilRecvSeq implements spec.md §4.2's
// hold_sending_until_recv_seq(seq).
func (s *Stream) HoldSendingUntilRecvSeq(seq uint64) {
	s.post(func(s *Stream) { s.waitToSendUntilRecvSeq = seq })
}

// NotifySocketWriteReady implements the back-pressure release of spec.md
// §4.2.
func (s *Stream) NotifySocketWriteReady() {
	s.post(func(s *Stream) { s.fireBurst() })
}

// GetState produces the ACK fields for out-of-band delivery (spec.md §4.2:
// "get_state() → (next_seq, gsnr, gsnfr, vector_bytes[, flags])").
func (s *Stream) GetState() (nextSeq, gsnr, gsnfr uint64, vector []byte, flags Flags) {
	result := make(chan struct {
		nextSeq, gsnr, gsnfr uint64
		vector               []byte
		flags                Flags
	}, 1)
	s.post(func(s *Stream) {
		v, f := s.buildAckVectorAndFlags()
		result <- struct {
			nextSeq, gsnr, gsnfr uint64
			vector               []byte
			flags                Flags
		}{s.nextSendSeq, s.gsnr, s.gsnfr, v, f}
	})
	r := <-result
	return r.nextSeq, r.gsnr, r.gsnfr, r.vector, r.flags
}

func (s *Stream) buildAckVectorAndFlags() ([]byte, Flags) {
	var states []ReceiveState
	for seq := s.gsnfr + 1; seq < s.gsnr; seq++ {
		if p, ok := s.receivedPackets[seq]; ok {
			if p.header.Flags.Has(FlagEC) {
				states = append(states, StateReceivedECN)
			} else {
				states = append(states, StateReceived)
			}
		} else {
			states = append(states, StateNotReceived)
		}
	}
	vector := EncodeVector(states, 1200)

	var flags Flags
	if s.gsnrParity {
		flags |= FlagPG
	}
	if s.xorParityToGSNFR {
		flags |= FlagXP
	}
	if s.duplicateReceived {
		flags |= FlagDP
	}
	if s.ecnReceived {
		flags |= FlagEC
	}
	flags |= FlagVP
	return vector, flags
}

// Shutdown terminates the stream. With drain=true, closes the receive
// direction and defers the Shutdown transition until the send buffer and
// sending-packet set empty (spec.md §4.2 "Termination").
func (s *Stream) Shutdown(drain bool) {
	s.once.Do(func() {
		done := make(chan struct{})
		s.post(func(s *Stream) {
			defer close(done)
			s.shutdownReceive = true
			if drain {
				s.draining = true
				if s.drainComplete() {
					s.finishShutdown(nil)
				}
				return
			}
			s.finishShutdown(nil)
		})
		<-done
	})
}

// ShutdownDirection implements shutdown_direction(Send|Receive).
func (s *Stream) ShutdownDirection(dir Direction) {
	s.post(func(s *Stream) {
		switch dir {
		case DirectionSend:
			s.shutdownSend = true
		case DirectionReceive:
			s.shutdownReceive = true
		}
	})
}

func (s *Stream) drainComplete() bool {
	return len(s.sendingPackets) == 0 && s.sendReaderEmpty()
}

func (s *Stream) sendReaderEmpty() bool {
	if len(s.pendingSendChunk) > 0 {
		return false
	}
	if s.sendReader == nil {
		return true
	}
	// A byte-pipe abstraction signals emptiness via a zero-length,
	// non-blocking Read returning io.EOF; treated as empty for drain
	// purposes (the pipe implementation itself is an external
	// collaborator, spec.md §1). Any bytes pulled off here are cached in
	// pendingSendChunk rather than discarded, so nextPayloadFromSendReader
	// still delivers them later.
	buf := make([]byte, 1200)
	n, err := s.sendReader.Read(buf)
	if n > 0 {
		s.pendingSendChunk = buf[:n]
	}
	return n == 0 && err != nil
}

func (s *Stream) finishShutdown(err error) {
	if s.finished {
		return
	}
	if err != nil && s.firstFatal == nil {
		s.firstFatal = err
	}
	s.finished = true
	if s.burstTimer != nil {
		s.burstTimer.Stop()
	}
	if s.addBatonTimer != nil {
		s.addBatonTimer.Stop()
	}
	if s.ensureDeliveryTimer != nil {
		s.ensureDeliveryTimer.Stop()
	}
	for _, sub := range s.subscribers {
		sub(s.firstFatal)
	}
}

// OnShutdown registers a callback invoked once the stream finishes
// shutting down.
func (s *Stream) OnShutdown(f func(error)) {
	s.post(func(s *Stream) { s.subscribers = append(s.subscribers, f) })
}

func (s *Stream) fail(err error) {
	s.log.Errorf("rudp: fatal: %v", err)
	s.finishShutdown(err)
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
