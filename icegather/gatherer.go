package icegather

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	transport "github.com/pion/transport/v4"

	"github.com/ortclib/transport/ice"
)

// Config collects the arguments to NewGatherer.
type Config struct {
	// Net abstracts interface enumeration and socket creation (a real
	// transport.Net by default; swap in a vnet.Net-backed one under test).
	Net *transport.Net

	LoggerFactory logging.LoggerFactory

	// Port is the local UDP port to bind the gathering socket to. Zero
	// picks an ephemeral port.
	Port int

	// STUNServerAddr, if set, is used to learn a server-reflexive
	// candidate (host:port, e.g. "stun.l.google.com:19302").
	STUNServerAddr string
	STUNTimeout    time.Duration

	// TURNServerAddr, TURNUsername, TURNPassword, and TURNRealm, if set,
	// are used to allocate a relayed candidate.
	TURNServerAddr string
	TURNUsername   string
	TURNPassword   string
	TURNRealm      string

	// IncludeLoopback includes loopback interfaces when gathering host
	// candidates (normally only useful for same-host testing).
	IncludeLoopback bool
}

// Gatherer is a default ice.IceSocket: it owns one UDP socket, enumerates
// host candidates from the local interfaces, and optionally learns
// server-reflexive and relayed candidates from STUN/TURN servers.
type Gatherer struct {
	log logging.LeveledLogger
	net *transport.Net
	cfg Config

	conn net.PacketConn

	mu         sync.Mutex
	candidates []ice.Candidate

	relay      net.PacketConn // non-nil once a TURN allocation is held
	turnClient turnClient     // see relay.go; nil unless TURN configured
}

// NewGatherer binds the gathering socket and enumerates host candidates.
// It does not block on STUN/TURN; call GatherServerReflexive/GatherRelayed
// afterwards (they need the bound socket this constructor creates).
func NewGatherer(cfg Config) (*Gatherer, error) {
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.Net == nil {
		cfg.Net = transport.NewNet(nil)
	}
	if cfg.STUNTimeout == 0 {
		cfg.STUNTimeout = 5 * time.Second
	}

	conn, err := cfg.Net.ListenPacket("udp4", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("icegather: listen: %w", err)
	}

	g := &Gatherer{
		log:  cfg.LoggerFactory.NewLogger("icegather"),
		net:  cfg.Net,
		cfg:  cfg,
		conn: conn,
	}

	hosts, err := g.gatherHostCandidates()
	if err != nil {
		conn.Close() //nolint:errcheck
		return nil, err
	}
	g.candidates = hosts
	return g, nil
}

// Close releases the gathering socket and any TURN allocation.
func (g *Gatherer) Close() error {
	if g.relay != nil {
		g.relay.Close() //nolint:errcheck
	}
	if g.turnClient != nil {
		g.turnClient.Close()
	}
	return g.conn.Close()
}

// LocalCandidates implements ice.IceSocket.
func (g *Gatherer) LocalCandidates() []ice.Candidate {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]ice.Candidate, len(g.candidates))
	copy(out, g.candidates)
	return out
}

// SendTo implements ice.IceSocket: it always sends from the host socket,
// since relayed traffic only needs the relay conn for the permissions/
// channel-bind handshake a TURN-aware StunRequester drives separately.
func (g *Gatherer) SendTo(addr net.Addr, data []byte) error {
	_, err := g.conn.WriteTo(data, addr)
	return err
}

// Conn exposes the bound host socket so a StunRequester implementation can
// share it for connectivity checks.
func (g *Gatherer) Conn() net.PacketConn { return g.conn }

func (g *Gatherer) addCandidate(c ice.Candidate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.candidates = append(g.candidates, c)
}

// gatherHostCandidates enumerates the local interfaces' addresses as host
// candidates (RFC 8445 §5.1.1.1), using the socket's bound port.
func (g *Gatherer) gatherHostCandidates() ([]ice.Candidate, error) {
	ifaces, err := g.net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("icegather: interfaces: %w", err)
	}

	localAddr, ok := g.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("icegather: unexpected local addr type %T", g.conn.LocalAddr())
	}

	var out []ice.Candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 && !g.cfg.IncludeLoopback {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ip := addrIP(a)
			if ip == nil || ip.IsLinkLocalUnicast() {
				continue
			}
			pref := localPreference(ip)
			out = append(out, ice.NewCandidate(ice.CandidateLocal, ip, uint16(localAddr.Port), pref, nil, 0, foundation(ice.CandidateLocal, ip)))
		}
	}
	return out, nil
}

func addrIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}

// localPreference ranks IPv6 over IPv4 (RFC 8445 §5.1.2.1's recommendation
// when a host has both), and otherwise returns a fixed mid-range value.
func localPreference(ip net.IP) uint32 {
	if ip.To4() == nil {
		return 65535
	}
	return 32768
}

func foundation(kind ice.CandidateKind, ip net.IP) string {
	return fmt.Sprintf("%s-%s", kind, ip.String())
}
