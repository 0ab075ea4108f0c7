package ice

import (
	"github.com/pion/stun/v3"
)

// ICE-specific STUN attributes (RFC 8445 §16.1). pion/stun/v3 only knows the
// generic attribute registry, so the three ICE attributes this protocol uses
// are declared here rather than pulled from github.com/pion/ice — wiring the
// full pion/ice agent would replace the very engine this spec requires the
// module to implement (see DESIGN.md).
const (
	attrPriority       stun.AttrType = 0x0024
	attrUseCandidate   stun.AttrType = 0x0025
	attrIceControlled  stun.AttrType = 0x8029
	attrIceControlling stun.AttrType = 0x802A
)

// errorCodeRoleConflict is RFC 8445's 487 (Role Conflict); it has no entry
// in pion/stun's generic error-code table because it is ICE-specific.
const errorCodeRoleConflict stun.ErrorCode = 487

// StunRequester is the external collaborator spec.md §2/§6 describes:
// ordered request/response delivery with retry and timeout, over whatever
// socket the application chose. IceSession never touches the wire itself.
type StunRequester interface {
	// Do sends req to the given pair's remote address and blocks for the
	// matching response (or returns an error on retry exhaustion/timeout).
	// At most one Do call may be outstanding per pair at a time.
	Do(pair *CandidatePair, req *stun.Message) (*stun.Message, error)

	// Respond sends a prebuilt response/error/indication with no reply
	// expected.
	Respond(pair *CandidatePair, resp *stun.Message) error
}

func shortTermCredential(username, password string) stun.Setter {
	return stun.NewShortTermIntegrity(password)
}

// buildBindingRequest constructs the connectivity-check request of spec.md
// §4.1 step 4: short-term credential = "remote_ufrag:local_ufrag" with the
// remote password, plus Priority and the role's ICE-Controlling/Controlled
// attribute carrying conflict_resolver.
func buildBindingRequest(username, password string, priority uint64, role Role, tieBreaker uint64, useCandidate bool) (*stun.Message, error) {
	setters := []stun.Setter{
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassRequest),
		stun.NewUsername(username),
		attrSetter{typ: attrPriority, value: be32(uint32(priority))},
		roleAttribute(role, tieBreaker),
	}
	if useCandidate {
		setters = append(setters, attrSetter{typ: attrUseCandidate, value: nil})
	}
	setters = append(setters, shortTermCredential(username, password), stun.Fingerprint)
	return stun.Build(setters...)
}

func buildBindingSuccess(tx [stun.TransactionIDSize]byte, username, password string, mapped stun.XORMappedAddress) (*stun.Message, error) {
	return stun.Build(
		&stun.Message{TransactionID: tx},
		stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse),
		&mapped,
		shortTermCredential(username, password),
		stun.Fingerprint,
	)
}

func buildBindingError(tx [stun.TransactionIDSize]byte, code stun.ErrorCode, reason string) (*stun.Message, error) {
	return stun.Build(
		&stun.Message{TransactionID: tx},
		stun.NewType(stun.MethodBinding, stun.ClassErrorResponse),
		&stun.ErrorCodeAttribute{Code: code, Reason: []byte(reason)},
		stun.Fingerprint,
	)
}

func buildBindingIndication() (*stun.Message, error) {
	return stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassIndication),
		stun.Fingerprint,
	)
}

func roleAttribute(role Role, tieBreaker uint64) stun.Setter {
	typ := attrIceControlled
	if role == RoleControlling {
		typ = attrIceControlling
	}
	return attrSetter{typ: typ, value: be64(tieBreaker)}
}

func verifyShortTermIntegrity(m *stun.Message, password string) bool {
	return stun.NewShortTermIntegrity(password).Check(m) == nil
}

// peerRole reports the role the peer asserted in an inbound request, and
// the conflict_resolver it carried, by inspecting whichever of
// ICE-CONTROLLING/ICE-CONTROLLED is present.
func peerRole(m *stun.Message) (role Role, tieBreaker uint64, ok bool) {
	if a, found := m.Attributes.Get(attrIceControlling); found {
		return RoleControlling, beToU64(a.Value), true
	}
	if a, found := m.Attributes.Get(attrIceControlled); found {
		return RoleControlled, beToU64(a.Value), true
	}
	return 0, 0, false
}

// isRoleConflict reports whether an error response carries RFC 8445's 487
// (Role Conflict) error code. A 487 response carries no ICE-CONTROLLING/
// ICE-CONTROLLED attribute (buildBindingError adds none), so this must be
// read off the STUN ERROR-CODE attribute rather than peerRole.
func isRoleConflict(m *stun.Message) bool {
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(m); err != nil {
		return false
	}
	return ec.Code == errorCodeRoleConflict
}

func hasUseCandidate(m *stun.Message) bool {
	_, found := m.Attributes.Get(attrUseCandidate)
	return found
}

func priorityAttr(m *stun.Message) (uint64, bool) {
	a, found := m.Attributes.Get(attrPriority)
	if !found {
		return 0, false
	}
	return uint64(beToU32(a.Value)), true
}

// attrSetter is a minimal stun.Setter for the raw ICE attributes pion/stun
// doesn't model natively.
type attrSetter struct {
	typ   stun.AttrType
	value []byte
}

func (a attrSetter) AddTo(m *stun.Message) error {
	m.Add(a.typ, a.value)
	return nil
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func be64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v >> (8 * i))
	}
	return b
}

func beToU32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beToU64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
