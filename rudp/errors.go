package rudp

import "errors"

// Direction selects which half of the stream shutdown_direction applies to
// (spec.md §4.2: "shutdown_direction(Send|Receive)").
type Direction int

const (
	DirectionSend Direction = iota
	DirectionReceive
)

var (
	// ErrDuplicateSeq names the rejection of an inbound packet whose seq is
	// ≤ GSNFR (spec.md I7/T9). HandlePacket does not return it: it drops the
	// packet and sets the duplicate flag reported in the next ACK.
	ErrDuplicateSeq = errors.New("rudp: duplicate sequence number")
	// ErrOutOfWindow names the rejection of an inbound packet whose seq
	// exceeds GSNR+256 (spec.md I7/T10); HandlePacket drops such packets
	// silently.
	ErrOutOfWindow = errors.New("rudp: sequence number outside receive window")
	// ErrWindowNotExpandable names the rejection of a window-expansion
	// packet that arrives after the last application read exceeded 3*RTT
	// (capped at 10s) ago (spec.md I8); HandlePacket drops such packets
	// silently.
	ErrWindowNotExpandable = errors.New("rudp: receive window expansion not currently permitted")
)
