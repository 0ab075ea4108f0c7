package ice

import "sort"

// pairID is an arena index for CandidatePair, replacing the source
// library's weak/shared-pointer pair references (spec.md §9: "Prefer an
// arena of pairs indexed by a small id").
type pairID uint64

const noPair pairID = 0

// CandidatePair tracks checklist progress for one local/remote pair, grounded on
// lanikai-alohartc's internal/ice/checklist.go Waiting/InProgress/Succeeded
// state names, generalized to the request/response booleans spec.md §3.1
// actually asks for (ReceivedRequest/ReceivedResponse/Failed) rather than a
// single enum.
type CandidatePair struct {
	id       pairID
	Local    Candidate
	Remote   Candidate
	Priority uint64

	ReceivedRequest  bool
	ReceivedResponse bool
	Failed           bool

	searching bool // a check has been sent and is outstanding
}

func (p *CandidatePair) foundationKey() string {
	return p.Local.Foundation + "|" + p.Remote.IPAddress.String()
}

// checkable reports whether a pair may activate checks: its foundation
// predecessor (same local.foundation + remote.ip, earlier in priority order)
// has both received request and response, or it has no predecessor
// (spec.md §4.1 step 7 / I4).
func checkable(pairs []*CandidatePair, p *CandidatePair) bool {
	key := p.foundationKey()
	for _, other := range pairs {
		if other == p {
			continue
		}
		if other.foundationKey() != key {
			continue
		}
		// A predecessor is any pair sharing the foundation key that sorts
		// ahead of p in the (already-sorted) pair list.
		if indexOf(pairs, other) < indexOf(pairs, p) {
			if other.ReceivedRequest && other.ReceivedResponse {
				return true
			}
			return false
		}
	}
	return true
}

func indexOf(pairs []*CandidatePair, p *CandidatePair) int {
	for i, q := range pairs {
		if q == p {
			return i
		}
	}
	return -1
}

// pairPriority implements the formula from spec.md §4.1 step 2:
//
//	P = 2^32 * min(pC, pR) + 2*max(pC, pR) + (1 if controlling_priority > controlled_priority else 0)
//
// where pC/pR is whichever of (local, remote) priority plays the
// "controlling" role in the given session role.
func pairPriority(controllingPriority, controlledPriority uint64) uint64 {
	lo, hi := controllingPriority, controlledPriority
	tieBreak := uint64(0)
	if controllingPriority > controlledPriority {
		tieBreak = 1
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return (uint64(1)<<32)*lo + 2*hi + tieBreak
}

func newPair(id pairID, local, remote Candidate, role Role) *CandidatePair {
	var controlling, controlled uint64
	if role == RoleControlling {
		controlling, controlled = local.Priority, remote.Priority
	} else {
		controlling, controlled = remote.Priority, local.Priority
	}
	return &CandidatePair{
		id:       id,
		Local:    local,
		Remote:   remote,
		Priority: pairPriority(controlling, controlled),
	}
}

const maxActivePairs = 100

// sortAndPrune sorts pairs by descending priority and applies the pruning
// rules of spec.md §4.1 step 3: (a) drop server-reflexive locals, (b) cap at
// 100, (c) dedupe by (viaLocalIP, remote.ip) within a local kind, keeping
// the higher-priority pair. Grounded on lanikai's sortAndPrune/isRedundant
// (internal/ice/checklist.go), adapted to this spec's pruning predicate.
func sortAndPrune(pairs []*CandidatePair) []*CandidatePair {
	kept := make([]*CandidatePair, 0, len(pairs))
	for _, p := range pairs {
		if p.Local.Kind == CandidateServerReflexive {
			continue // (a) ServerReflexive cannot be a local send source
		}
		kept = append(kept, p)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Priority > kept[j].Priority
	})

	type dupKey struct {
		kind    CandidateKind
		viaIP   string
		remote  string
	}
	seen := make(map[dupKey]bool, len(kept))
	pruned := kept[:0]
	for _, p := range kept {
		k := dupKey{kind: p.Local.Kind, viaIP: p.Local.viaLocalIP(), remote: p.Remote.IPAddress.String()}
		if seen[k] {
			continue // (c) duplicate within a local kind; higher-priority one already kept
		}
		seen[k] = true
		pruned = append(pruned, p)
	}

	if len(pruned) > maxActivePairs {
		pruned = pruned[:maxActivePairs] // (b) cap at 100 active pairs
	}
	return pruned
}
