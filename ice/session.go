// Package ice implements IceSession: candidate-pair discovery, the
// connectivity-check state machine, nomination, keep-alive, and
// role-conflict resolution described in spec.md §4.1.
package ice

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/stun/v3"

	"github.com/ortclib/transport/internal/clock"
	"github.com/ortclib/transport/internal/util"
	"github.com/ortclib/transport/pkg/rtcerr"
)

const activateInterval = 20 * time.Millisecond

// Config carries the constructor arguments of spec.md §4.1's create().
type Config struct {
	Role                 Role
	RemoteUfrag          string
	RemotePassword       string
	Foundation           *Session // Option<&IceSession>: shares freezing state across components
	Socket               IceSocket
	Requester            StunRequester
	LoggerFactory        logging.LoggerFactory
	Clock                clock.Clock
	SendKeepalive        time.Duration
	ExpectDataWithin     time.Duration
	KeepaliveStunTimeout time.Duration
	BackgroundingTimeout time.Duration
}

// Session is the IceSession engine. All mutable state is owned by a single
// actor goroutine (run); public methods post closures onto cmd and never
// touch session fields directly, per spec.md §5/§9.
type Session struct {
	log       logging.LeveledLogger
	clock     clock.Clock
	socket    IceSocket
	requester StunRequester

	cmd  chan func(*Session)
	done chan struct{}
	once sync.Once

	snapMu sync.RWMutex // guards the read-only snapshot fields below
	snapState     SessionState
	snapNominated *CandidatePair

	subscribers []Subscriber

	role             Role
	conflictResolver uint64
	localUfrag       string
	localPassword    string
	remoteUfrag      string
	remotePassword   string

	localCandidates       []Candidate
	remoteCandidates      []Candidate
	remoteCandidatesFinal bool

	pairs               []*CandidatePair
	nextPairID          pairID
	nominated           *CandidatePair
	pendingNomination   *CandidatePair
	previouslyNominated *CandidatePair

	state      SessionState
	foundation *Session

	sendKeepalive        time.Duration
	expectDataWithin     time.Duration
	keepaliveStunTimeout time.Duration
	backgroundingTimeout time.Duration

	lastSent               time.Time
	lastActivity           time.Time
	lastReceivedDataOrStun time.Time

	firstFatal error

	activateTimer   clock.Timer
	keepaliveTimer  clock.Timer
	expectTimer     clock.Timer
	backgroundTimer clock.Timer
}

// NewSession creates an IceSession and starts its actor loop. The local
// username fragment and password are generated via the teacher's RandSeq
// idiom (internal/util); conflict_resolver is a CSPRNG value from
// github.com/pion/randutil, matching how the pack sources ICE entropy.
func NewSession(cfg Config) *Session {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}

	tieBreaker, _ := randutil.CryptoUint64()

	s := &Session{
		log:                  cfg.LoggerFactory.NewLogger("ice"),
		clock:                cfg.Clock,
		socket:               cfg.Socket,
		requester:            cfg.Requester,
		cmd:                  make(chan func(*Session), 32),
		done:                 make(chan struct{}),
		role:                 cfg.Role,
		conflictResolver:     tieBreaker,
		localUfrag:           util.RandSeq(8),
		localPassword:        util.RandSeq(24),
		remoteUfrag:          cfg.RemoteUfrag,
		remotePassword:       cfg.RemotePassword,
		foundation:           cfg.Foundation,
		sendKeepalive:        cfg.SendKeepalive,
		expectDataWithin:     cfg.ExpectDataWithin,
		keepaliveStunTimeout: cfg.KeepaliveStunTimeout,
		backgroundingTimeout: cfg.BackgroundingTimeout,
		state:                StatePending,
	}
	s.snapState = StatePending

	if cfg.Socket != nil {
		s.localCandidates = cfg.Socket.LocalCandidates()
	}

	go s.run()
	s.post(func(s *Session) { s.transitionAfterCandidateChange() })
	return s
}

func (s *Session) post(f func(*Session)) {
	select {
	case s.cmd <- f:
	case <-s.done:
	}
}

func (s *Session) run() {
	s.activateTimer = s.clock.AfterFunc(activateInterval, s.onActivateTick)
	for {
		select {
		case f := <-s.cmd:
			f(s)
			s.publishSnapshot()
		case <-s.done:
			return
		}
	}
}

func (s *Session) publishSnapshot() {
	s.snapMu.Lock()
	s.snapState = s.state
	s.snapNominated = s.nominated
	if s.snapNominated == nil {
		s.snapNominated = s.previouslyNominated
	}
	s.snapMu.Unlock()
}

func (s *Session) onActivateTick() {
	s.post(func(s *Session) {
		if s.state == StateShutdown {
			return
		}
		s.activateOnePair()
		s.checkLiveness()
		s.activateTimer = s.clock.AfterFunc(activateInterval, s.onActivateTick)
	})
}

// --- public API --------------------------------------------------------

// UpdateRemoteCandidates idempotently replaces the remote candidate set and
// recomputes pairs (spec.md §4.1: "update_remote_candidates(list)").
func (s *Session) UpdateRemoteCandidates(list []Candidate) {
	done := make(chan struct{})
	s.post(func(s *Session) {
		defer close(done)
		if sameCandidateSet(s.remoteCandidates, list) {
			return // T7: idempotent no-op when unchanged
		}
		s.remoteCandidates = append([]Candidate(nil), list...)
		s.rebuildPairs()
		s.transitionAfterCandidateChange()
	})
	<-done
}

// EndOfRemoteCandidates declares the remote candidate list final, enabling
// the all-failed terminal transition (spec.md §4.1).
func (s *Session) EndOfRemoteCandidates() {
	s.post(func(s *Session) {
		s.remoteCandidatesFinal = true
		s.checkAllFailed()
	})
}

// UpdateLocalCandidates re-pairs against a refreshed local candidate set
// (the socket facade is expected to push changes through this method rather
// than IceSession polling it).
func (s *Session) UpdateLocalCandidates(list []Candidate) {
	s.post(func(s *Session) {
		s.localCandidates = append([]Candidate(nil), list...)
		s.rebuildPairs()
		s.transitionAfterCandidateChange()
	})
}

// SendPacket sends application data over the nominated pair, per spec.md
// §4.1: "Only succeeds after nomination."
func (s *Session) SendPacket(data []byte) SendResult {
	result := make(chan SendResult, 1)
	s.post(func(s *Session) {
		switch {
		case s.state == StateShutdown:
			result <- SendShutdown
		case s.nominated == nil:
			result <- SendNotNominated
		default:
			addr := remoteAddr(s.nominated.Remote)
			if err := s.socket.SendTo(addr, data); err != nil {
				result <- SendNotNominated
				return
			}
			s.lastSent = s.clock.Now()
			result <- SendOK
		}
	})
	return <-result
}

// GetNominated returns the current nominated pair, or the previously
// nominated pair if none is currently active (spec.md §4.1).
func (s *Session) GetNominated() (local, remote Candidate, ok bool) {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.snapNominated == nil {
		return Candidate{}, Candidate{}, false
	}
	return s.snapNominated.Local, s.snapNominated.Remote, true
}

// State returns the session's current state.
func (s *Session) State() SessionState {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapState
}

// SetKeepaliveProperties configures liveness timing (spec.md §4.1).
func (s *Session) SetKeepaliveProperties(sendKeepalive, expectDataWithin, keepaliveStunTimeout, backgroundingTimeout time.Duration) {
	s.post(func(s *Session) {
		s.sendKeepalive = sendKeepalive
		s.expectDataWithin = expectDataWithin
		s.keepaliveStunTimeout = keepaliveStunTimeout
		s.backgroundingTimeout = backgroundingTimeout
	})
}

// Subscribe registers a Subscriber for state/writability/nomination/packet
// events, delivered on the session's own actor goroutine.
func (s *Session) Subscribe(sub Subscriber) {
	s.post(func(s *Session) { s.subscribers = append(s.subscribers, sub) })
}

// Shutdown terminates the session (idempotent, T8).
func (s *Session) Shutdown(err error) {
	s.once.Do(func() {
		s.post(func(s *Session) { s.shutdownLocked(err) })
		close(s.done)
	})
}

func (s *Session) shutdownLocked(err error) {
	if s.state == StateShutdown {
		return
	}
	if err != nil && s.firstFatal == nil {
		s.firstFatal = err
	}
	s.state = StateShutdown
	if s.activateTimer != nil {
		s.activateTimer.Stop()
	}
	if s.keepaliveTimer != nil {
		s.keepaliveTimer.Stop()
	}
	if s.expectTimer != nil {
		s.expectTimer.Stop()
	}
	if s.backgroundTimer != nil {
		s.backgroundTimer.Stop()
	}
	s.notify(Event{Kind: EventShutdown, State: StateShutdown, Err: s.firstFatal})
}

// --- inbound STUN handling ---------------------------------------------

// HandleStunMessage dispatches an inbound STUN message received on the
// socket. Raw I/O and demuxing remain the application's job (spec.md §1);
// IceSession only interprets already-framed *stun.Message values.
func (s *Session) HandleStunMessage(from net.Addr, m *stun.Message) {
	s.post(func(s *Session) {
		if s.state == StateShutdown {
			return
		}
		s.lastReceivedDataOrStun = s.clock.Now()
		s.lastActivity = s.lastReceivedDataOrStun
		switch m.Type.Class {
		case stun.ClassRequest:
			s.handleInboundRequest(from, m)
		case stun.ClassIndication:
			// liveness only; no further action required.
		}
	})
}

// handleInboundRequest implements spec.md §4.1 step 5.
func (s *Session) handleInboundRequest(from net.Addr, m *stun.Message) {
	if !verifyShortTermIntegrity(m, s.localPassword) {
		resp, _ := buildBindingError(m.TransactionID, stun.CodeUnauthorized, "Unauthorized")
		pair := s.findPairByRemoteAddr(from)
		_ = s.requester.Respond(pair, resp)
		return
	}

	if peerRoleVal, tieBreaker, ok := peerRole(m); ok {
		if peerRoleVal == s.role {
			if s.resolveRoleConflict(tieBreaker) {
				// we won: keep current role, reply 487
				resp, _ := buildBindingError(m.TransactionID, errorCodeRoleConflict, "Role Conflict")
				pair := s.findPairByRemoteAddr(from)
				_ = s.requester.Respond(pair, resp)
				return
			}
			// we lose: switch role and reset, then fall through to ack this request
			s.switchRole()
		}
	}

	pair := s.findPairByRemoteAddr(from)
	if pair == nil {
		priority, _ := priorityAttr(m)
		localPref := priority >> 24
		remote := NewPeerReflexiveCandidate(addrIP(from), addrPort(from), uint32(localPref))
		pair = s.addPairForRemote(remote)
	}
	pair.ReceivedRequest = true

	if hasUseCandidate(m) && s.role == RoleControlled {
		s.setNominated(pair)
	}

	mapped := stun.XORMappedAddress{IP: addrIP(from), Port: int(addrPort(from))}
	resp, _ := buildBindingSuccess(m.TransactionID, s.localUfrag, s.localPassword, mapped)
	_ = s.requester.Respond(pair, resp)
}

// resolveRoleConflict implements the tie-break of spec.md §4.1 step 5:
// lower-valued conflict_resolver yields. Returns true if the local side
// wins (keeps its role).
func (s *Session) resolveRoleConflict(peerTieBreaker uint64) bool {
	return s.conflictResolver >= peerTieBreaker
}

func (s *Session) switchRole() {
	if s.role == RoleControlling {
		s.role = RoleControlled
	} else {
		s.role = RoleControlling
	}
	for _, p := range s.pairs {
		p.ReceivedRequest = false
		p.ReceivedResponse = false
		p.Failed = false
		p.searching = false
	}
	s.nominated = nil
	s.pendingNomination = nil
	s.resortPairs()
	s.log.Infof("ice: role conflict, switched to %s", s.role)
}

// --- pair / candidate management ----------------------------------------

func (s *Session) rebuildPairs() {
	existing := make(map[string]*CandidatePair, len(s.pairs))
	for _, p := range s.pairs {
		existing[pairKey(p.Local, p.Remote)] = p
	}

	var fresh []*CandidatePair
	for _, local := range s.localCandidates {
		for _, remote := range s.remoteCandidates {
			key := pairKey(local, remote)
			if p, ok := existing[key]; ok {
				fresh = append(fresh, p)
				continue
			}
			s.nextPairID++
			fresh = append(fresh, newPair(s.nextPairID, local, remote, s.role))
		}
	}
	s.pairs = fresh
	s.resortPairs()
}

func (s *Session) resortPairs() {
	for _, p := range s.pairs {
		var controlling, controlled uint64
		if s.role == RoleControlling {
			controlling, controlled = p.Local.Priority, p.Remote.Priority
		} else {
			controlling, controlled = p.Remote.Priority, p.Local.Priority
		}
		p.Priority = pairPriority(controlling, controlled)
	}
	s.pairs = sortAndPrune(s.pairs)
}

func (s *Session) addPairForRemote(remote Candidate) *CandidatePair {
	s.remoteCandidates = append(s.remoteCandidates, remote)
	var added *CandidatePair
	for _, local := range s.localCandidates {
		s.nextPairID++
		p := newPair(s.nextPairID, local, remote, s.role)
		s.pairs = append(s.pairs, p)
		if added == nil {
			added = p
		}
	}
	s.resortPairs()
	if added == nil {
		// no local candidates yet; synthesize a placeholder local so the
		// peer-reflexive pair always exists for step 5's caller.
		s.nextPairID++
		added = newPair(s.nextPairID, Candidate{Kind: CandidateLocal}, remote, s.role)
		s.pairs = append(s.pairs, added)
		s.resortPairs()
	}
	for _, p := range s.pairs {
		if p.Remote.IPAddress.Equal(remote.IPAddress) && p.Remote.Port == remote.Port {
			return p
		}
	}
	return added
}

func (s *Session) findPairByRemoteAddr(addr net.Addr) *CandidatePair {
	ip, port := addrIP(addr), addrPort(addr)
	for _, p := range s.pairs {
		if p.Remote.IPAddress.Equal(ip) && p.Remote.Port == port {
			return p
		}
	}
	return nil
}

// activateOnePair implements spec.md §4.1 step 4: dequeue one un-searched,
// non-failed, unfrozen pair and launch a connectivity check.
func (s *Session) activateOnePair() {
	if s.state == StateShutdown {
		return
	}
	for _, p := range s.pairs {
		if p.searching || p.Failed || p.ReceivedResponse {
			continue
		}
		if !checkable(s.pairs, p) {
			continue // frozen (I4)
		}
		s.sendCheck(p, false)
		return
	}
	s.maybeNominate()
}

func (s *Session) sendCheck(p *CandidatePair, useCandidate bool) {
	p.searching = true
	req, err := buildBindingRequest(s.remoteUfrag+":"+s.localUfrag, s.remotePassword, p.Local.Priority, s.role, s.conflictResolver, useCandidate)
	if err != nil {
		p.Failed = true
		p.searching = false
		return
	}
	go func() {
		resp, err := s.requester.Do(p, req)
		s.post(func(s *Session) {
			p.searching = false
			if err != nil {
				p.Failed = true
				s.checkAllFailed()
				return
			}
			s.handleCheckResponse(p, resp, useCandidate)
		})
	}()
}

// handleCheckResponse implements spec.md §4.1 step 6 and the nomination
// completion half of step 8.
func (s *Session) handleCheckResponse(p *CandidatePair, resp *stun.Message, wasNomination bool) {
	if resp.Type.Class == stun.ClassErrorResponse {
		if isRoleConflict(resp) {
			// 487 Role Conflict on our outgoing request: accept peer's role
			// and retry later via re-check.
			s.switchRole()
			return
		}
		p.Failed = true
		s.checkAllFailed()
		return
	}

	p.ReceivedResponse = true
	p.Failed = false
	if s.remotePassword == "" {
		p.ReceivedRequest = true // server-mode bypass (spec.md §9 open question (c))
	}
	s.lastReceivedDataOrStun = s.clock.Now()
	s.lastActivity = s.lastReceivedDataOrStun

	if wasNomination {
		s.setNominated(p)
		s.pendingNomination = nil
	} else if s.remotePassword == "" && s.role == RoleControlling {
		// server mode: nominate immediately on first successful response.
		s.setNominated(p)
	}
	s.transitionAfterCandidateChange()
}

// maybeNominate implements spec.md §4.1 step 8 (controlling role only).
func (s *Session) maybeNominate() {
	if s.role != RoleControlling || s.nominated != nil || s.pendingNomination != nil {
		return
	}
	for _, p := range s.pairs {
		if p.ReceivedRequest && p.ReceivedResponse && !p.Failed {
			s.pendingNomination = p
			s.sendCheck(p, true)
			return
		}
	}
}

func (s *Session) setNominated(p *CandidatePair) {
	if s.nominated == p {
		return
	}
	s.nominated = p
	s.notify(Event{Kind: EventNominationChanged, Pair: p})
	s.transitionAfterCandidateChange()
}

// checkAllFailed implements the session-fatal CandidateSearchFailed
// transition: end_of_remote_candidates() ∧ all-pairs-failed (spec.md §4.1
// Failure semantics).
func (s *Session) checkAllFailed() {
	if !s.remoteCandidatesFinal || len(s.pairs) == 0 {
		return
	}
	for _, p := range s.pairs {
		if !p.Failed {
			return
		}
	}
	if s.nominated != nil {
		return
	}
	s.shutdownLocked(&rtcerr.CandidateSearchFailedError{Err: fmt.Errorf("all %d candidate pairs failed", len(s.pairs))})
}

// checkLiveness implements spec.md §4.1 step 9 (keep-alive / expect-data)
// and step 10 (backgrounding).
func (s *Session) checkLiveness() {
	if s.state == StateShutdown {
		return
	}
	now := s.clock.Now()

	if s.backgroundingTimeout > 0 && !s.lastActivity.IsZero() && now.Sub(s.lastActivity) > s.backgroundingTimeout {
		s.shutdownLocked(&rtcerr.BackgroundingTimeoutError{Err: fmt.Errorf("no activity for %s", s.backgroundingTimeout)})
		return
	}

	if s.nominated == nil {
		return
	}

	if s.sendKeepalive > 0 && !s.lastSent.IsZero() && now.Sub(s.lastSent) > s.sendKeepalive {
		if ind, err := buildBindingIndication(); err == nil {
			_ = s.requester.Respond(s.nominated, ind)
			s.lastSent = now
		}
	}

	if s.expectDataWithin > 0 && !s.lastReceivedDataOrStun.IsZero() && now.Sub(s.lastReceivedDataOrStun) > s.expectDataWithin {
		s.probeLiveness()
	}
}

func (s *Session) probeLiveness() {
	p := s.nominated
	req, err := buildBindingRequest(s.remoteUfrag+":"+s.localUfrag, s.remotePassword, p.Local.Priority, s.role, s.conflictResolver, false)
	if err != nil {
		return
	}
	go func() {
		_, err := s.requester.Do(p, req)
		s.post(func(s *Session) {
			if err != nil {
				s.previouslyNominated = s.nominated
				s.nominated = nil
				for _, pp := range s.pairs {
					if !pp.Failed {
						pp.ReceivedRequest, pp.ReceivedResponse, pp.searching = false, false, false
					}
				}
				s.state = StateSearching
			}
		})
	}()
}

// transitionAfterCandidateChange implements the state machine of spec.md
// §4.1: "Pending → Prepared (no candidates) → Searching → {Nominating →
// Nominated → Completed} ∪ {Haulted ...} ∪ {Shutdown}".
func (s *Session) transitionAfterCandidateChange() {
	if s.state == StateShutdown {
		return
	}
	switch {
	case s.nominated != nil:
		if s.allHigherPriorityResolved() {
			s.setState(StateCompleted)
		} else {
			s.setState(StateNominated)
		}
	case s.pendingNomination != nil:
		s.setState(StateNominating)
	case len(s.pairs) == 0:
		if len(s.localCandidates) == 0 {
			s.setState(StatePrepared)
		} else if s.remoteCandidatesFinal {
			s.setState(StateHaulted)
		}
	default:
		if s.allPairsTerminal() && !s.hasNominationCandidate() {
			s.setState(StateHaulted)
		} else {
			s.setState(StateSearching)
		}
	}
}

func (s *Session) allPairsTerminal() bool {
	for _, p := range s.pairs {
		if !p.Failed {
			return false
		}
	}
	return true
}

func (s *Session) hasNominationCandidate() bool {
	for _, p := range s.pairs {
		if p.ReceivedRequest && p.ReceivedResponse && !p.Failed {
			return true
		}
	}
	return false
}

// allHigherPriorityResolved implements "Completed means nominated and no
// higher-priority non-failed candidate remains to consider" (spec.md §4.1).
func (s *Session) allHigherPriorityResolved() bool {
	if s.nominated == nil {
		return false
	}
	for _, p := range s.pairs {
		if p.Priority <= s.nominated.Priority {
			continue
		}
		if !p.Failed && !(p.ReceivedRequest && p.ReceivedResponse) {
			return false
		}
	}
	return true
}

func (s *Session) setState(next SessionState) {
	if s.state == next {
		return
	}
	s.state = next
	s.notify(Event{Kind: EventStateChanged, State: next})
}

func (s *Session) notify(e Event) {
	for _, sub := range s.subscribers {
		sub.Handle(e)
	}
}

// --- helpers -------------------------------------------------------------

func pairKey(local, remote Candidate) string {
	return fmt.Sprintf("%s:%d|%s:%d", local.IPAddress, local.Port, remote.IPAddress, remote.Port)
}

func sameCandidateSet(a, b []Candidate) bool {
	if len(a) != len(b) {
		return false
	}
	am := make(map[string]bool, len(a))
	for _, c := range a {
		am[fmt.Sprintf("%s:%d", c.IPAddress, c.Port)] = true
	}
	for _, c := range b {
		if !am[fmt.Sprintf("%s:%d", c.IPAddress, c.Port)] {
			return false
		}
	}
	return true
}

func remoteAddr(c Candidate) net.Addr {
	return &net.UDPAddr{IP: c.IPAddress, Port: int(c.Port)}
}

func addrIP(a net.Addr) net.IP {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP
	}
	return net.IPv4zero
}

func addrPort(a net.Addr) uint16 {
	if u, ok := a.(*net.UDPAddr); ok {
		return uint16(u.Port)
	}
	return 0
}
