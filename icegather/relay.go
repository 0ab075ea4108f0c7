package icegather

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/turn/v4/client"

	"github.com/ortclib/transport/ice"
)

// turnClient is the subset of *client.Client the Gatherer holds on to
// after GatherRelayed, so Close can release the allocation.
type turnClient interface {
	Listen() error
	Allocate() (net.PacketConn, error)
	Close()
}

// GatherRelayed allocates a relayed candidate on cfg.TURNServerAddr. The
// allocation is held open for the lifetime of the Gatherer (released by
// Close) since the relay address is only useful while the relay conn
// backing it keeps relaying.
func (g *Gatherer) GatherRelayed(ctx context.Context) (ice.Candidate, error) {
	if g.cfg.TURNServerAddr == "" {
		return ice.Candidate{}, fmt.Errorf("icegather: no TURN server configured")
	}

	c, err := client.New(client.ClientConfig{
		STUNServerAddr: g.cfg.STUNServerAddr,
		TURNServerAddr: g.cfg.TURNServerAddr,
		Conn:           g.conn,
		Username:       g.cfg.TURNUsername,
		Password:       g.cfg.TURNPassword,
		Realm:          g.cfg.TURNRealm,
		LoggerFactory:  g.cfg.LoggerFactory,
	})
	if err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: new turn client: %w", err)
	}
	if err := c.Listen(); err != nil {
		return ice.Candidate{}, fmt.Errorf("icegather: turn listen: %w", err)
	}

	relayConn, err := c.Allocate()
	if err != nil {
		c.Close()
		return ice.Candidate{}, fmt.Errorf("icegather: turn allocate: %w", err)
	}

	relayAddr, ok := relayConn.LocalAddr().(*net.UDPAddr)
	if !ok {
		relayConn.Close() //nolint:errcheck
		c.Close()
		return ice.Candidate{}, fmt.Errorf("icegather: unexpected relay addr type %T", relayConn.LocalAddr())
	}

	localAddr, _ := g.conn.LocalAddr().(*net.UDPAddr)
	var relatedIP net.IP
	var relatedPort uint16
	if localAddr != nil {
		relatedIP = localAddr.IP
		relatedPort = uint16(localAddr.Port)
	}

	cand := ice.NewCandidate(ice.CandidateRelayed, relayAddr.IP, uint16(relayAddr.Port), localPreference(relayAddr.IP),
		relatedIP, relatedPort, foundation(ice.CandidateRelayed, relayAddr.IP))

	g.relay = relayConn
	g.turnClient = c
	g.addCandidate(cand)
	return cand, nil
}
