package mls

import "errors"

// KeyingType enumerates the material a direction can be keyed with
// (spec.md §3.3: receive_keying_type/send_keying_type).
type KeyingType int

const (
	KeyingUnknown KeyingType = iota
	KeyingPassphrase
	KeyingPublicKey
	KeyingAgreement
)

func (t KeyingType) String() string {
	switch t {
	case KeyingPassphrase:
		return "passphrase"
	case KeyingPublicKey:
		return "pki"
	case KeyingAgreement:
		return "agreement"
	default:
		return "unknown"
	}
}

// State is the MlsChannel state machine (spec.md §4.3 "State machine").
type State int

const (
	StatePending State = iota
	StateWaitingForNeededInformation
	StateConnected
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateWaitingForNeededInformation:
		return "waiting-for-needed-information"
	case StateConnected:
		return "connected"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

var (
	ErrMissingKeyInfo    = errors.New("mls: no key info for algorithm index")
	ErrUnknownKeyingType = errors.New("mls: keying type not set")
	ErrMalformedFrame    = errors.New("mls: malformed frame")
	ErrNoSigningKey      = errors.New("mls: no signing key available")
	ErrSequenceMismatch  = errors.New("mls: keying sequence does not match next_recv_seq")
	ErrBundleExpired     = errors.New("mls: keying bundle has expired")
	ErrNonceReplayed     = errors.New("mls: keying nonce already seen")
	ErrIntegrityMismatch = errors.New("mls: data frame integrity mismatch")
)
