package mls

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"time"

	"github.com/ortclib/transport/pkg/rtcerr"
)

func marshalBundle(b keyingBundleWire) ([]byte, error) { return json.Marshal(b) }
func b64(b []byte) string                              { return base64.StdEncoding.EncodeToString(b) }

// currentKeyingMaterial gathers whichever collaborator the active send
// keying type needs (spec.md §4.3's per-type setters).
func (c *Channel) currentKeyingMaterial() keyingMaterial {
	switch c.sendKeyingType {
	case KeyingPassphrase:
		return keyingMaterial{Passphrase: c.sendPassphrase}
	case KeyingPublicKey:
		return keyingMaterial{RemoteRSAPub: c.sendRemotePub}
	case KeyingAgreement:
		return keyingMaterial{DHLocalPriv: c.dhLocal.Priv, DHRemotePub: c.dhRemotePub}
	default:
		return keyingMaterial{}
	}
}

// maybeEmitSendKeying implements the send pipeline's keying half (spec.md
// §4.3): "if send_keys is empty and all prerequisites are present,
// construct a fresh keying bundle and either auto-sign ... or hand it out
// for external signing."
func (c *Channel) maybeEmitSendKeying() {
	if len(c.sendKeys) > 0 && !c.changeKeyPending {
		return
	}
	if c.sendKeyingNeedingSignature != nil {
		return // already waiting on an external signer
	}
	if !c.sendPrerequisitesPresent() {
		return
	}

	if c.sendKeyingType == KeyingAgreement && c.changeKeyPending {
		c.rotateEphemeralDH()
	}
	c.changeKeyPending = false

	bundle, keys, err := buildKeyingBundle(c.sendKeyingType, c.localContextID, c.currentKeyingMaterial())
	if err != nil {
		c.fail(&rtcerr.ExpectationFailedError{Err: err})
		return
	}
	bundle.Keying.Sequence = c.nextSendSeq

	if c.sendSigningPriv != nil {
		doc, _ := marshalBundle(bundle)
		sig, err := rsaSign(c.sendSigningPriv, doc)
		if err != nil {
			c.fail(&rtcerr.CertError{Err: err})
			return
		}
		bundle.Signature = b64(sig)
		c.emitKeyingBundle(bundle)
		c.installSendKeys(keys)
	} else {
		c.sendKeyingNeedingSignature = &bundle
		c.sendKeyingPendingKeys = keys
	}
}

func (c *Channel) sendPrerequisitesPresent() bool {
	switch c.sendKeyingType {
	case KeyingPassphrase:
		return len(c.sendPassphrase) > 0
	case KeyingPublicKey:
		return c.sendRemotePub != nil
	case KeyingAgreement:
		return c.dhLocalSet && c.dhRemotePub != nil
	default:
		return false
	}
}

// rotateEphemeralDH implements "derive a new ephemeral (retaining the
// static), move the prior (priv,pub) onto dh_previous_local_keys, and emit
// a new bundle" (spec.md §4.3 "Rekey").
func (c *Channel) rotateEphemeralDH() {
	c.dhPreviousLocalKeys = append(c.dhPreviousLocalKeys, c.dhLocal)
	fresh, err := NewDHKeyPair()
	if err != nil {
		c.fail(&rtcerr.CertError{Err: err})
		return
	}
	c.dhLocal = fresh
	c.changeKeyPending = false
}

func (c *Channel) installSendKeys(keys []KeyInfo) {
	m := make(map[uint32]KeyInfo, len(keys))
	for _, k := range keys {
		m[k.Index] = k
	}
	c.sendKeys = m
	c.nextSendSeq++
	c.maybeAdvanceState()
}

func (c *Channel) emitKeyingBundle(bundle keyingBundleWire) {
	doc, err := marshalBundle(bundle)
	if err != nil {
		c.fail(&rtcerr.ExpectationFailedError{Err: err})
		return
	}
	frame := encodeFrame(0, nil, doc)
	c.writeEncoded(frame)
}

func (c *Channel) writeEncoded(frame []byte) {
	if c.sendEncoded == nil {
		return
	}
	if _, err := c.sendEncoded.Write(frame); err != nil {
		c.fail(&rtcerr.DelegateGoneError{Err: err})
	}
}

// SendPlaintext implements the data half of the send pipeline: "For each
// plaintext buffer from the decoded send stream, pick a random index in
// 1..N, encrypt under its KeyInfo, compute and prepend integrity, emit
// index:u32 ‖ integrity ‖ ct, then advance next_iv" (spec.md §4.3).
func (c *Channel) SendPlaintext(plaintext []byte) error {
	result := make(chan error, 1)
	c.post(func(c *Channel) { result <- c.sendPlaintextLocked(plaintext) })
	return <-result
}

func (c *Channel) sendPlaintextLocked(plaintext []byte) error {
	if len(c.sendKeys) == 0 {
		return errNotYetConnected
	}
	idx, err := randomIndex(numKeys)
	if err != nil {
		return err
	}
	frame, err := c.encryptForIndex(idx, plaintext)
	if err != nil {
		return err
	}
	c.writeEncoded(frame)
	return nil
}

// encryptForIndex encrypts plaintext under sendKeys[idx], builds the data
// frame, and advances that index's own IV chain in place (T5: the chain
// lives inside the selected KeyInfo, not on a channel-wide field).
func (c *Channel) encryptForIndex(idx uint32, plaintext []byte) ([]byte, error) {
	ki, ok := c.sendKeys[idx]
	if !ok {
		return nil, ErrMissingKeyInfo
	}

	iv := ki.IV
	ct, err := aesCFBEncrypt(ki.Secret, iv, plaintext)
	if err != nil {
		return nil, err
	}
	integrity := dataIntegrity(ki.HMACKey, plaintext, iv)
	frame := encodeFrame(idx, integrity, ct)
	ki.IV = nextIV(iv, integrity)
	c.sendKeys[idx] = ki
	return frame, nil
}

func randomIndex(n int) (uint32, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return uint32(v.Int64()) + 1, nil
}

// handleInboundFrame implements the receive pipeline of spec.md §4.3.
func (c *Channel) handleInboundFrame(raw []byte) {
	index, integrity, payload, ok := decodeFrame(raw)
	if !ok {
		c.fail(&rtcerr.ExpectationFailedError{Err: ErrMalformedFrame})
		return
	}
	if index == 0 {
		c.handleInboundKeying(payload)
		return
	}
	c.handleInboundData(index, integrity, payload)
}

func (c *Channel) handleInboundKeying(doc []byte) {
	var bundle keyingBundleWire
	if err := json.Unmarshal(doc, &bundle); err != nil {
		c.fail(&rtcerr.ExpectationFailedError{Err: err})
		return
	}
	kind := parseKeyingType(bundle.Keying.Encoding.Type)
	if kind == KeyingUnknown {
		c.fail(&rtcerr.ExpectationFailedError{Err: ErrUnknownKeyingType})
		return
	}

	if c.receiveSigningPub != nil {
		if bundle.Signature == "" {
			c.fail(&rtcerr.UnauthorizedError{Err: ErrMalformedFrame})
			return
		}
		sig, err := base64.StdEncoding.DecodeString(bundle.Signature)
		if err != nil {
			c.fail(&rtcerr.UnauthorizedError{Err: err})
			return
		}
		unsigned := bundle
		unsigned.Signature = ""
		unsignedDoc, _ := marshalBundle(unsigned)
		if err := rsaVerify(c.receiveSigningPub, unsignedDoc, sig); err != nil {
			c.fail(&rtcerr.UnauthorizedError{Err: err})
			return
		}
	}

	// (T11): sequence must match next_recv_seq exactly.
	if bundle.Keying.Sequence != c.nextRecvSeq {
		c.fail(&rtcerr.RequestTimeoutError{Err: ErrSequenceMismatch})
		return
	}
	// (T12): reject expired bundles.
	if c.clock.Now().Unix() >= bundle.Keying.Expires {
		c.fail(&rtcerr.RequestTimeoutError{Err: ErrBundleExpired})
		return
	}
	// (I9)/(T2): reject previously-seen nonces.
	if !c.nonces.CheckAndStore(bundle.Keying.Nonce, time.Unix(bundle.Keying.Expires, 0)) {
		c.fail(&rtcerr.RequestTimeoutError{Err: ErrNonceReplayed})
		return
	}

	secret, rsaPriv, ok := c.receiveDecodingMaterial(kind, bundle)
	if !ok {
		c.state = StateWaitingForNeededInformation
		return
	}

	keys, err := parseKeyInfos(kind, secret, rsaPriv, bundle.Keying.Nonce, bundle.Keying.Keys)
	if err != nil {
		c.fail(&rtcerr.UnauthorizedError{Err: err})
		return
	}

	c.receiveKeyingType = kind
	c.receiveKeys = keys // "Reset receive_keys every rekey" (spec.md §4.3)
	c.remoteContextID = bundle.Keying.Context
	c.nextRecvSeq++
	c.maybeAdvanceState()
}

// receiveDecodingMaterial gathers the collaborator needed to decrypt an
// inbound bundle's keys[], handling the agreement type's rolling-rekey
// case: "if presented a known-by-fingerprint prior public key, decrypts
// with the matching stored private key" (spec.md §4.3 "Rekey").
func (c *Channel) receiveDecodingMaterial(kind KeyingType, bundle keyingBundleWire) (secret []byte, rsaPriv *rsa.PrivateKey, ok bool) {
	switch kind {
	case KeyingPassphrase:
		if len(c.receivePassphrase) == 0 {
			return nil, nil, false
		}
		return c.receivePassphrase, nil, true
	case KeyingPublicKey:
		if c.receiveLocalPriv == nil {
			return nil, nil, false
		}
		return nil, c.receiveLocalPriv, true
	case KeyingAgreement:
		if !c.dhLocalSet || c.dhRemotePub == nil {
			return nil, nil, false
		}
		priv := c.dhLocal.Priv
		fp := bundle.Keying.Encoding.Fingerprint
		if fp != "" && fp != Fingerprint(c.dhRemotePub) {
			for _, prior := range c.dhPreviousLocalKeys {
				if Fingerprint(prior.Pub) == fp {
					priv = prior.Priv
					break
				}
			}
		}
		return SharedSecret(priv, c.dhRemotePub), nil, true
	default:
		return nil, nil, false
	}
}

func (c *Channel) handleInboundData(index uint32, integrity, ct []byte) {
	ki, ok := c.receiveKeys[index]
	if !ok {
		c.fail(&rtcerr.UnauthorizedError{Err: ErrMissingKeyInfo})
		return
	}
	iv := ki.IV
	plain, err := aesCFBDecrypt(ki.Secret, iv, ct)
	if err != nil {
		c.fail(&rtcerr.UnauthorizedError{Err: err})
		return
	}
	expected := dataIntegrity(ki.HMACKey, plain, iv)
	if !hmacEqual(expected, integrity) {
		c.fail(&rtcerr.UnauthorizedError{Err: ErrIntegrityMismatch})
		return
	}
	ki.IV = nextIV(iv, integrity)
	c.receiveKeys[index] = ki
	if c.receiveDecoded != nil {
		if _, err := c.receiveDecoded.Write(plain); err != nil {
			c.fail(&rtcerr.DelegateGoneError{Err: err})
		}
	}
}

// onRekeyTimer implements "A periodic timer ... sets change_key = true and
// clears send_keys" (spec.md §4.3 "Rekey").
func (c *Channel) onRekeyTimer() {
	c.post(func(c *Channel) {
		if c.finished {
			return
		}
		c.changeKeyPending = true
		c.sendKeys = make(map[uint32]KeyInfo)
		c.maybeEmitSendKeying()
		c.rekeyTimer = c.clock.AfterFunc(c.rekeyInterval, c.onRekeyTimer)
	})
}
