package ice

import "net"

// CandidateKind enumerates the four candidate origins from spec.md §3.1.
// Values and the String form follow the teacher's own CandidateType enum
// (internal/ice/candidatetype.go in the pack), generalized to the four ICE
// candidate kinds this spec names.
type CandidateKind byte

const (
	// CandidateLocal is a host candidate: a transport address directly
	// bound on a local interface.
	CandidateLocal CandidateKind = iota + 1
	// CandidateServerReflexive is a candidate learned from a STUN Binding
	// response (the mapped address as seen by a server).
	CandidateServerReflexive
	// CandidatePeerReflexive is a candidate synthesized from the source
	// address of an inbound connectivity-check request (§4.1 step 5).
	CandidatePeerReflexive
	// CandidateRelayed is a candidate allocated on a TURN relay.
	CandidateRelayed
)

// String renders the candidate kind using the RFC 8445 short names.
func (k CandidateKind) String() string {
	switch k {
	case CandidateLocal:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference is the RECOMMENDED type preference for a candidate kind
// (RFC 8445 §5.1.2.1), used by newCandidate for every candidate built via
// NewCandidate or NewPeerReflexiveCandidate.
func (k CandidateKind) typePreference() uint32 {
	switch k {
	case CandidateLocal:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelayed:
		return 0
	default:
		return 0
	}
}

// Candidate is immutable after creation, per spec.md §3.1 (I: "Immutable
// after creation").
type Candidate struct {
	Kind           CandidateKind
	IPAddress      net.IP
	Port           uint16
	RelatedIP      net.IP
	RelatedPort    uint16
	Priority       uint64
	LocalPreference uint32
	Foundation     string
}

// viaLocalIP is the address a pair's traffic actually egresses from: the
// related (base) address for srflx/prflx/relay candidates, otherwise the
// candidate's own address. Used by the pruning rule in §4.1 step 3(c).
func (c Candidate) viaLocalIP() string {
	switch c.Kind {
	case CandidateServerReflexive, CandidatePeerReflexive, CandidateRelayed:
		if c.RelatedIP != nil {
			return c.RelatedIP.String()
		}
	}
	return c.IPAddress.String()
}

// NewPeerReflexiveCandidate synthesizes a remote candidate from the source
// address of an inbound request that matched no known pair (§4.1 step 5).
//
// The "+ (256 - 0)" term is preserved from the source library as observed
// (spec.md §9, open question (b)) rather than simplified: component id is
// always 1 in this spec's single-component model, so the term is a constant
// offset on top of the standard RFC 8445 priority formula.
func NewPeerReflexiveCandidate(ip net.IP, port uint16, localPreference uint32) Candidate {
	return newCandidate(CandidatePeerReflexive, ip, port, localPreference, "")
}

// NewCandidate builds a candidate of any kind using the same priority
// formula as NewPeerReflexiveCandidate, for external collaborators (icegather) that
// gather candidates outside of the connectivity-check state machine.
func NewCandidate(kind CandidateKind, ip net.IP, port uint16, localPreference uint32, relatedIP net.IP, relatedPort uint16, foundation string) Candidate {
	c := newCandidate(kind, ip, port, localPreference, foundation)
	c.RelatedIP = relatedIP
	c.RelatedPort = relatedPort
	return c
}

func newCandidate(kind CandidateKind, ip net.IP, port uint16, localPreference uint32, foundation string) Candidate {
	priority := (uint64(kind.typePreference()) << 24) + (uint64(localPreference) << 8) + uint64(256-0)
	return Candidate{
		Kind:            kind,
		IPAddress:       ip,
		Port:            port,
		Priority:        priority,
		LocalPreference: localPreference,
		Foundation:      foundation,
	}
}
