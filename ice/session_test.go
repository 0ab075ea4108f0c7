package ice

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSocket struct{ candidates []Candidate }

func (f *fakeSocket) LocalCandidates() []Candidate { return f.candidates }
func (f *fakeSocket) SendTo(net.Addr, []byte) error { return nil }

// fakeRequester simulates an always-successful peer: every Do() returns a
// Binding success response for the pair's remote address immediately, with
// no real wire round trip. This exercises the session's own state machine
// without needing two linked engines and a real socket.
type fakeRequester struct {
	responded chan *stun.Message
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{responded: make(chan *stun.Message, 16)}
}

func (f *fakeRequester) Do(pair *CandidatePair, req *stun.Message) (*stun.Message, error) {
	mapped := stun.XORMappedAddress{IP: pair.Remote.IPAddress, Port: int(pair.Remote.Port)}
	return buildBindingSuccess(req.TransactionID, "u", "p", mapped)
}

func (f *fakeRequester) Respond(pair *CandidatePair, resp *stun.Message) error {
	select {
	case f.responded <- resp:
	default:
	}
	return nil
}

func waitForState(t *testing.T, s *Session, want SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	require.Equal(t, want, s.State())
}

func TestControllingSessionNominatesAndCompletes(t *testing.T) {
	socket := &fakeSocket{candidates: []Candidate{mkCandidate(CandidateLocal, "192.168.1.5", 5000, 1000)}}
	req := newFakeRequester()

	s := NewSession(Config{
		Role:           RoleControlling,
		RemoteUfrag:    "ru",
		RemotePassword: "", // server-mode bypass: nominate on first success
		Socket:         socket,
		Requester:      req,
	})
	defer s.Shutdown(nil)

	s.UpdateRemoteCandidates([]Candidate{mkCandidate(CandidateLocal, "192.168.1.9", 6000, 2000)})

	waitForState(t, s, StateCompleted, time.Second)

	local, remote, ok := s.GetNominated()
	assert.True(t, ok)
	assert.Equal(t, "192.168.1.5", local.IPAddress.String())
	assert.Equal(t, "192.168.1.9", remote.IPAddress.String())
}

func TestUpdateRemoteCandidatesIdempotent(t *testing.T) {
	socket := &fakeSocket{candidates: []Candidate{mkCandidate(CandidateLocal, "10.0.0.1", 1, 1)}}
	s := NewSession(Config{Role: RoleControlled, RemotePassword: "x", Socket: socket, Requester: newFakeRequester()})
	defer s.Shutdown(nil)

	pairIDs := func() []pairID {
		out := make(chan []pairID, 1)
		s.post(func(s *Session) {
			ids := make([]pairID, 0, len(s.pairs))
			for _, p := range s.pairs {
				ids = append(ids, p.id)
			}
			out <- ids
		})
		return <-out
	}

	list := []Candidate{mkCandidate(CandidateLocal, "10.0.0.2", 2, 2)}
	s.UpdateRemoteCandidates(list)
	time.Sleep(10 * time.Millisecond)
	first := pairIDs()
	s.UpdateRemoteCandidates(list) // T7: no-op when unchanged

	// still exactly the same single pair: a rebuild would have replaced the
	// pair set, and a controlled session without USE-CANDIDATE stays
	// un-nominated.
	assert.Len(t, first, 1)
	assert.Equal(t, first, pairIDs())
	assert.Equal(t, SendNotNominated, s.SendPacket([]byte("x")))
}

func TestSendPacketBeforeNomination(t *testing.T) {
	socket := &fakeSocket{candidates: nil}
	s := NewSession(Config{Role: RoleControlled, RemotePassword: "x", Socket: socket, Requester: newFakeRequester()})
	defer s.Shutdown(nil)

	assert.Equal(t, SendNotNominated, s.SendPacket([]byte("hi")))
}

func TestShutdownIsIdempotent(t *testing.T) {
	s := NewSession(Config{Role: RoleControlling, Socket: &fakeSocket{}, Requester: newFakeRequester()})
	s.Shutdown(nil)
	assert.NotPanics(t, func() { s.Shutdown(nil) })
}

func TestRoleConflictResolution(t *testing.T) {
	s := NewSession(Config{Role: RoleControlling, Socket: &fakeSocket{}, Requester: newFakeRequester()})
	defer s.Shutdown(nil)

	// Peer also claims Controlling with a lower tie-breaker: local wins
	// (spec.md step 5: lower-valued side yields).
	won := s.resolveRoleConflict(0)
	assert.True(t, won)
}
