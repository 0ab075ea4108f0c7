package icegather

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/ortclib/transport/ice"
)

// GatherServerReflexive learns this socket's server-reflexive address by
// sending a STUN Binding request to cfg.STUNServerAddr and reading the
// XOR-MAPPED-ADDRESS out of the response, the same request/response shape
// IceSession's own connectivity checks use (ice/stun.go), but unauthenticated
// and addressed to a STUN server rather than a peer.
func (g *Gatherer) GatherServerReflexive(ctx context.Context) (ice.Candidate, error) {
	if g.cfg.STUNServerAddr == "" {
		return ice.Candidate{}, fmt.Errorf("icegather: no STUN server configured")
	}

	serverAddr, err := net.ResolveUDPAddr("udp4", g.cfg.STUNServerAddr)
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: resolve stun server: %w", err)
	}

	req, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassRequest),
		stun.Fingerprint,
	)
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: build binding request: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		g.conn.SetDeadline(deadline) //nolint:errcheck
	} else {
		g.conn.SetDeadline(time.Now().Add(g.cfg.STUNTimeout)) //nolint:errcheck
	}
	defer g.conn.SetDeadline(time.Time{}) //nolint:errcheck

	if _, err := g.conn.WriteTo(req.Raw, serverAddr); err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: send binding request: %w", err)
	}

	buf := make([]byte, 1500)
	n, _, err := g.conn.ReadFrom(buf)
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: read binding response: %w", err)
	}

	resp := &stun.Message{Raw: buf[:n]}
	if err := resp.Decode(); err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: decode binding response: %w", err)
	}
	if resp.Type.Class != stun.ClassSuccessResponse {
		return ice.Candidate{}, fmt.Errorf("icegather: stun server returned class %v", resp.Type.Class)
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: missing xor-mapped-address: %w", err)
	}

	localAddr, _ := g.conn.LocalAddr().(*net.UDPAddr)
	var relatedIP net.IP
	var relatedPort uint16
	if localAddr != nil {
		relatedIP = localAddr.IP
		relatedPort = uint16(localAddr.Port)
	}

	c := ice.NewCandidate(ice.CandidateServerReflexive, mapped.IP, uint16(mapped.Port), localPreference(mapped.IP),
		relatedIP, relatedPort, foundation(ice.CandidateServerReflexive, mapped.IP))
	g.addCandidate(c)
	return c, nil
}
