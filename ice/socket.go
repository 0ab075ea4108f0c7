package ice

import "net"

// IceSocket is the external collaborator spec.md §2 describes: local
// candidate enumeration and raw packet send. Raw UDP socket I/O itself is
// out of scope (spec.md §1); a concrete default is provided by
// github.com/ortclib/transport/icegather on top of
// github.com/pion/transport/v4's Net abstraction.
type IceSocket interface {
	// LocalCandidates returns the socket's current set of local candidates.
	// IceSession calls this once at creation; later changes are pushed by
	// the application through UpdateLocalCandidates.
	LocalCandidates() []Candidate

	// SendTo writes an application data packet to addr once a pair has
	// been nominated.
	SendTo(addr net.Addr, data []byte) error
}
