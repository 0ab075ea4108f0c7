// Package rtcerr implements the fatal error kinds shared by the ICE, RUDP
// and MLS engines. Each kind wraps an underlying error so callers can use
// errors.As to match the kind and errors.Is to match the wrapped cause.
package rtcerr

import "fmt"

// DelegateGoneError indicates the owning application/delegate has
// disappeared (e.g. the socket facade or byte-stream owner was dropped).
type DelegateGoneError struct{ Err error }

func (e *DelegateGoneError) Error() string { return fmt.Sprintf("DelegateGone: %v", e.Err) }
func (e *DelegateGoneError) Unwrap() error { return e.Err }

// IllegalStreamStateError indicates an RUDP ACK or sequence contradiction
// that cannot be reconciled against the current stream state.
type IllegalStreamStateError struct{ Err error }

func (e *IllegalStreamStateError) Error() string {
	return fmt.Sprintf("IllegalStreamState: %v", e.Err)
}
func (e *IllegalStreamStateError) Unwrap() error { return e.Err }

// UnauthorizedError indicates an MLS integrity failure or an ICE request
// that used the wrong short-term credential.
type UnauthorizedError struct{ Err error }

func (e *UnauthorizedError) Error() string { return fmt.Sprintf("Unauthorized: %v", e.Err) }
func (e *UnauthorizedError) Unwrap() error { return e.Err }

// CandidateSearchFailedError indicates every ICE candidate pair has failed
// after the remote candidate list was declared final.
type CandidateSearchFailedError struct{ Err error }

func (e *CandidateSearchFailedError) Error() string {
	return fmt.Sprintf("CandidateSearchFailed: %v", e.Err)
}
func (e *CandidateSearchFailedError) Unwrap() error { return e.Err }

// BackgroundingTimeoutError indicates an ICE session saw no activity within
// its configured backgrounding timeout.
type BackgroundingTimeoutError struct{ Err error }

func (e *BackgroundingTimeoutError) Error() string {
	return fmt.Sprintf("BackgroundingTimeout: %v", e.Err)
}
func (e *BackgroundingTimeoutError) Unwrap() error { return e.Err }

// PreconditionFailedError indicates a required transport (stream, socket)
// was never attached.
type PreconditionFailedError struct{ Err error }

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("PreconditionFailed: %v", e.Err)
}
func (e *PreconditionFailedError) Unwrap() error { return e.Err }

// ExpectationFailedError indicates an MLS keying bundle advertised an
// algorithm or proof the receiver does not recognize or cannot verify.
type ExpectationFailedError struct{ Err error }

func (e *ExpectationFailedError) Error() string {
	return fmt.Sprintf("ExpectationFailed: %v", e.Err)
}
func (e *ExpectationFailedError) Unwrap() error { return e.Err }

// CertError indicates a wrong fingerprint or an unusable Diffie-Hellman
// public key.
type CertError struct{ Err error }

func (e *CertError) Error() string { return fmt.Sprintf("CertError: %v", e.Err) }
func (e *CertError) Unwrap() error { return e.Err }

// RequestTimeoutError indicates a sequence mismatch or an expired bundle
// (MLS) or a STUN request that exhausted its retries (ICE).
type RequestTimeoutError struct{ Err error }

func (e *RequestTimeoutError) Error() string { return fmt.Sprintf("RequestTimeout: %v", e.Err) }
func (e *RequestTimeoutError) Unwrap() error { return e.Err }
