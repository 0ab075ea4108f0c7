package mls

import (
	"crypto/rsa"
	"errors"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/ortclib/transport/internal/clock"
	"github.com/ortclib/transport/pkg/rtcerr"
)

// defaultRekeyInterval is the "configurable, default ~1h" rekey period
// (spec.md §4.3 "Rekey").
const defaultRekeyInterval = time.Hour

// Channel implements MlsChannel (spec.md §4.3): a single-threaded actor
// (spec.md §5) filtering an application byte stream through an encrypted,
// authenticated, keyed transport-stream frame codec.
type Channel struct {
	log   logging.LeveledLogger
	clock clock.Clock

	cmd  chan func(*Channel)
	done chan struct{}
	once sync.Once

	localContextID  string
	remoteContextID string

	receiveKeyingType KeyingType
	sendKeyingType    KeyingType

	receivePassphrase []byte
	sendPassphrase    []byte

	receiveLocalPriv *rsa.PrivateKey
	receiveLocalPub  *rsa.PublicKey
	sendRemotePub    *rsa.PublicKey

	sendSigningPriv *rsa.PrivateKey
	sendSigningPub  *rsa.PublicKey

	receiveSigningPub *rsa.PublicKey

	dhLocal                      DHKeyPair
	dhLocalSet                   bool
	dhRemotePub                  *big.Int
	dhOriginalRemotePub          *big.Int
	dhPreviousLocalKeys          []DHKeyPair
	dhRemoteSideKnowsLocalPublic bool
	dhSentRemoteSideLocalPublic  bool

	nextRecvSeq uint64
	nextSendSeq uint64

	// receiveKeys/sendKeys hold one KeyInfo per algorithm index; each
	// KeyInfo's IV is advanced and stored back into the map after every
	// frame on that index, so the chain (T5) is per-index rather than
	// shared channel-wide (spec.md §3.3 models next_iv inside KeyInfo).
	receiveKeys map[uint32]KeyInfo
	sendKeys    map[uint32]KeyInfo

	sendKeyingNeedingSignature *keyingBundleWire
	sendKeyingPendingKeys      []KeyInfo
	changeKeyPending           bool

	state State

	receiveEncoded io.Reader
	receiveDecoded io.Writer
	sendDecoded    io.Reader
	sendEncoded    io.Writer

	nonces *nonceCache

	rekeyTimer    clock.Timer
	rekeyInterval time.Duration

	readLoopDone chan struct{}

	firstFatal  error
	finished    bool
	subscribers []func(error)
}

// Config carries the constructor arguments of spec.md §4.3's
// create(receive_encoded, receive_decoded, send_decoded, send_encoded,
// local_context_id?).
type Config struct {
	ReceiveEncoded io.Reader
	ReceiveDecoded io.Writer
	SendDecoded    io.Reader
	SendEncoded    io.Writer
	LocalContextID string
	RekeyInterval  time.Duration
	LoggerFactory  logging.LoggerFactory
	Clock          clock.Clock
}

// NewChannel creates an MlsChannel and starts its actor loop.
func NewChannel(cfg Config) *Channel {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.RekeyInterval <= 0 {
		cfg.RekeyInterval = defaultRekeyInterval
	}
	localContextID := cfg.LocalContextID
	if localContextID == "" {
		localContextID = uuid.NewString()
	}

	c := &Channel{
		log:            cfg.LoggerFactory.NewLogger("mls"),
		clock:          cfg.Clock,
		cmd:            make(chan func(*Channel), 64),
		done:           make(chan struct{}),
		localContextID: localContextID,
		receiveKeys:    make(map[uint32]KeyInfo),
		sendKeys:       make(map[uint32]KeyInfo),
		state:          StatePending,
		receiveEncoded: cfg.ReceiveEncoded,
		receiveDecoded: cfg.ReceiveDecoded,
		sendDecoded:    cfg.SendDecoded,
		sendEncoded:    cfg.SendEncoded,
		nonces:         newNonceCache(cfg.Clock),
		rekeyInterval:  cfg.RekeyInterval,
		readLoopDone:   make(chan struct{}),
	}

	go c.run()
	if c.receiveEncoded != nil {
		go c.receiveLoop()
	}
	return c
}

func (c *Channel) post(f func(*Channel)) {
	select {
	case c.cmd <- f:
	case <-c.done:
	}
}

func (c *Channel) run() {
	c.rekeyTimer = c.clock.AfterFunc(c.rekeyInterval, c.onRekeyTimer)
	for {
		select {
		case f := <-c.cmd:
			f(c)
		case <-c.done:
			return
		}
	}
}

// receiveLoop reads frames off the encoded stream and
// dispatches them onto the actor's queue. Framing of the underlying
// transport stream into discrete buffers is an external collaborator
// (spec.md §1's "arbitrary transport streams"); here each Read call is
// treated as yielding one frame, a message-oriented byte-stream contract.
func (c *Channel) receiveLoop() {
	defer close(c.readLoopDone)
	buf := make([]byte, 64*1024)
	for {
		n, err := c.receiveEncoded.Read(buf)
		if n > 0 {
			frame := append([]byte(nil), buf[:n]...)
			c.post(func(c *Channel) { c.handleInboundFrame(frame) })
		}
		if err != nil {
			c.post(func(c *Channel) { c.fail(&rtcerr.DelegateGoneError{Err: err}) })
			return
		}
	}
}

// --- Setters (spec.md §4.3 "Public contract") ---

func (c *Channel) SetReceivePassphrase(p string) {
	c.post(func(c *Channel) {
		c.receivePassphrase = []byte(p)
		c.receiveKeyingType = KeyingPassphrase
		c.maybeAdvanceState()
	})
}

func (c *Channel) SetSendPassphrase(p string) {
	c.post(func(c *Channel) {
		c.sendPassphrase = []byte(p)
		c.sendKeyingType = KeyingPassphrase
		c.maybeAdvanceState()
	})
}

func (c *Channel) SetReceiveRSAKeyPair(priv *rsa.PrivateKey, pub *rsa.PublicKey) {
	c.post(func(c *Channel) {
		c.receiveLocalPriv = priv
		c.receiveLocalPub = pub
		c.receiveKeyingType = KeyingPublicKey
		c.maybeAdvanceState()
	})
}

func (c *Channel) SetSendRSAPublicKey(pub *rsa.PublicKey) {
	c.post(func(c *Channel) {
		c.sendRemotePub = pub
		c.sendKeyingType = KeyingPublicKey
		c.maybeAdvanceState()
	})
}

func (c *Channel) SetReceiveSigningPublicKey(pub *rsa.PublicKey) {
	c.post(func(c *Channel) {
		c.receiveSigningPub = pub
		c.maybeAdvanceState()
	})
}

// SetLocalDHKeyAgreement sets the local key-agreement pair (spec.md §4.3:
// "local DH key agreement pair (with remote_side_knows_local_public:bool)").
func (c *Channel) SetLocalDHKeyAgreement(kp DHKeyPair, remoteSideKnowsLocalPublic bool) {
	c.post(func(c *Channel) {
		c.dhLocal = kp
		c.dhLocalSet = true
		c.dhRemoteSideKnowsLocalPublic = remoteSideKnowsLocalPublic
		c.receiveKeyingType = KeyingAgreement
		c.sendKeyingType = KeyingAgreement
		c.maybeAdvanceState()
	})
}

func (c *Channel) SetRemoteDHPublicKey(pub *big.Int) {
	c.post(func(c *Channel) {
		c.dhRemotePub = pub
		if c.dhOriginalRemotePub == nil {
			c.dhOriginalRemotePub = pub
		}
		c.maybeAdvanceState()
	})
}

// GetSendKeyingNeedingSignature implements
// get_send_keying_needing_signature() → (doc, element).
func (c *Channel) GetSendKeyingNeedingSignature() (doc []byte, haveDoc bool) {
	result := make(chan []byte, 1)
	c.post(func(c *Channel) {
		if c.sendKeyingNeedingSignature == nil {
			result <- nil
			return
		}
		b, _ := marshalBundle(*c.sendKeyingNeedingSignature)
		result <- b
	})
	b := <-result
	return b, b != nil
}

// NotifySendKeyingSigned implements notify_send_keying_signed(signing_priv,
// signing_pub): the external signer returns the signature for the pending
// document, which is then emitted as a single index==0 frame.
func (c *Channel) NotifySendKeyingSigned(signingPriv *rsa.PrivateKey, signingPub *rsa.PublicKey) {
	c.post(func(c *Channel) {
		if c.sendKeyingNeedingSignature == nil {
			return
		}
		doc, _ := marshalBundle(*c.sendKeyingNeedingSignature)
		sig, err := rsaSign(signingPriv, doc)
		if err != nil {
			c.fail(&rtcerr.CertError{Err: err})
			return
		}
		c.sendKeyingNeedingSignature.Signature = b64(sig)
		c.emitKeyingBundle(*c.sendKeyingNeedingSignature)
		c.installSendKeys(c.sendKeyingPendingKeys)
		c.sendKeyingNeedingSignature = nil
		c.sendKeyingPendingKeys = nil
		c.sendSigningPriv = signingPriv
		c.sendSigningPub = signingPub
		c.maybeAdvanceState()
	})
}

// --- Observers ---

func (c *Channel) NeedsReceiveKeying() bool {
	return c.snapshotBool(func(c *Channel) bool { return c.receiveKeyingType == KeyingUnknown })
}

func (c *Channel) NeedsSendKeying() bool {
	return c.snapshotBool(func(c *Channel) bool { return c.sendKeyingType == KeyingUnknown })
}

func (c *Channel) NeedsReceiveKeyingSigningPublicKey() bool {
	return c.snapshotBool(func(c *Channel) bool { return c.receiveSigningPub == nil })
}

func (c *Channel) NeedsSendKeyingToBeSigned() bool {
	return c.snapshotBool(func(c *Channel) bool { return c.sendKeyingNeedingSignature != nil })
}

func (c *Channel) GetState() State {
	result := make(chan State, 1)
	c.post(func(c *Channel) { result <- c.state })
	return <-result
}

// GetOriginalRemoteKeyAgreement returns the first DH public key ever
// accepted, for binding checks (spec.md §4.3).
func (c *Channel) GetOriginalRemoteKeyAgreement() *big.Int {
	result := make(chan *big.Int, 1)
	c.post(func(c *Channel) { result <- c.dhOriginalRemotePub })
	return <-result
}

func (c *Channel) snapshotBool(f func(*Channel) bool) bool {
	result := make(chan bool, 1)
	c.post(func(c *Channel) { result <- f(c) })
	return <-result
}

// OnShutdown registers a callback invoked once the channel stops.
func (c *Channel) OnShutdown(f func(error)) {
	c.post(func(c *Channel) { c.subscribers = append(c.subscribers, f) })
}

// Shutdown stops the channel's actor loop (idempotent).
func (c *Channel) Shutdown() {
	c.once.Do(func() {
		c.post(func(c *Channel) { c.finishShutdown(nil) })
		close(c.done)
	})
}

func (c *Channel) finishShutdown(err error) {
	if c.finished {
		return
	}
	if err != nil && c.firstFatal == nil {
		c.firstFatal = err
	}
	c.finished = true
	c.state = StateShutdown
	if c.rekeyTimer != nil {
		c.rekeyTimer.Stop()
	}
	for _, sub := range c.subscribers {
		sub(c.firstFatal)
	}
}

func (c *Channel) fail(err error) {
	c.log.Errorf("mls: fatal: %v", err)
	c.finishShutdown(err)
}

// maybeAdvanceState recomputes the Pending/WaitingForNeededInformation/
// Connected transitions (spec.md §4.3 "State machine": "Connected requires
// both send_keys and receive_keys non-empty") and, independently, attempts
// to emit fresh send keying whenever its own prerequisites are satisfied —
// the two pipelines progress independently of one another.
func (c *Channel) maybeAdvanceState() {
	if c.state == StateShutdown {
		return
	}
	c.maybeEmitSendKeying()

	switch {
	case len(c.sendKeys) > 0 && len(c.receiveKeys) > 0:
		c.state = StateConnected
	case (c.sendKeyingType != KeyingUnknown && !c.sendPrerequisitesPresent()) ||
		(c.receiveKeyingType != KeyingUnknown && !c.receivePrerequisitesPresent()):
		c.state = StateWaitingForNeededInformation
	default:
		c.state = StatePending
	}
}

// receivePrerequisitesPresent reports whether the material needed to
// decode the configured receive keying type has been supplied.
func (c *Channel) receivePrerequisitesPresent() bool {
	switch c.receiveKeyingType {
	case KeyingPassphrase:
		return len(c.receivePassphrase) > 0
	case KeyingPublicKey:
		return c.receiveLocalPriv != nil
	case KeyingAgreement:
		return c.dhLocalSet
	default:
		return false
	}
}

var errNotYetConnected = errors.New("mls: channel not connected")
