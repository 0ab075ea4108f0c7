package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mkCandidate(kind CandidateKind, ip string, port uint16, priority uint64) Candidate {
	return Candidate{Kind: kind, IPAddress: net.ParseIP(ip), Port: port, Priority: priority}
}

func TestPairPriorityFormula(t *testing.T) {
	// P = 2^32*min + 2*max + tiebreak
	p := pairPriority(10, 20)
	assert.Equal(t, uint64(1)<<32*10+2*20+0, p)

	p2 := pairPriority(20, 10)
	assert.Equal(t, uint64(1)<<32*10+2*20+1, p2)
}

func TestSortAndPruneDropsServerReflexiveLocal(t *testing.T) {
	local := mkCandidate(CandidateServerReflexive, "1.2.3.4", 100, 10)
	remote := mkCandidate(CandidateLocal, "5.6.7.8", 200, 20)
	p := newPair(1, local, remote, RoleControlling)

	out := sortAndPrune([]*CandidatePair{p})
	assert.Empty(t, out, "ServerReflexive cannot be a local send source")
}

func TestSortAndPruneDedupesByViaLocalIPAndRemote(t *testing.T) {
	remote := mkCandidate(CandidateLocal, "5.6.7.8", 200, 20)

	low := newPair(1, mkCandidate(CandidateLocal, "1.1.1.1", 1, 5), remote, RoleControlling)
	high := newPair(2, mkCandidate(CandidateLocal, "1.1.1.1", 1, 50), remote, RoleControlling)

	out := sortAndPrune([]*CandidatePair{low, high})
	assert.Len(t, out, 1)
	assert.Equal(t, high.id, out[0].id)
}

func TestSortAndPruneCapsAt100(t *testing.T) {
	var pairs []*CandidatePair
	for i := 0; i < 150; i++ {
		local := mkCandidate(CandidateLocal, "10.0.0.1", uint16(i+1), uint64(i))
		remote := mkCandidate(CandidateLocal, net.IPv4(10, 0, 1, byte(i)).String(), uint16(i+1), uint64(i))
		pairs = append(pairs, newPair(pairID(i), local, remote, RoleControlling))
	}
	out := sortAndPrune(pairs)
	assert.Len(t, out, maxActivePairs)
}

func TestCheckableWithNoPredecessorIsTrue(t *testing.T) {
	local := mkCandidate(CandidateLocal, "1.1.1.1", 1, 10)
	local.Foundation = "f1"
	remote := mkCandidate(CandidateLocal, "2.2.2.2", 1, 10)
	p := newPair(1, local, remote, RoleControlling)

	assert.True(t, checkable([]*CandidatePair{p}, p))
}

func TestCheckableFrozenUntilPredecessorResolved(t *testing.T) {
	remote := mkCandidate(CandidateLocal, "2.2.2.2", 1, 10)

	localHigh := mkCandidate(CandidateLocal, "1.1.1.1", 1, 100)
	localHigh.Foundation = "f1"
	high := newPair(1, localHigh, remote, RoleControlling)
	high.Priority = 100

	localLow := mkCandidate(CandidateLocal, "1.1.1.2", 2, 10)
	localLow.Foundation = "f1"
	low := newPair(2, localLow, remote, RoleControlling)
	low.Priority = 10

	pairs := []*CandidatePair{high, low}

	assert.False(t, checkable(pairs, low), "low must freeze until high resolves")

	high.ReceivedRequest = true
	high.ReceivedResponse = true
	assert.True(t, checkable(pairs, low))
}

func TestNewPeerReflexivePriorityFormula(t *testing.T) {
	c := NewPeerReflexiveCandidate(net.ParseIP("9.9.9.9"), 4000, 65535)
	expected := (uint64(CandidatePeerReflexive.typePreference()) << 24) + (uint64(65535) << 8) + uint64(256)
	assert.Equal(t, expected, c.Priority)
}
