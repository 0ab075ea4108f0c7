package icegather

import (
	"context"
	"fmt"
	"net"

	"github.com/pion/mdns/v2"
	"golang.org/x/net/ipv4"
)

// LocalResolver resolves mDNS ".local" names into addresses, for
// applications that hand IceSession a remote candidate whose host part is
// an mDNS name rather than a literal address (IceSession itself never
// resolves these; spec.md §2 keeps name resolution out of scope).
type LocalResolver struct {
	conn *mdns.Conn
}

// NewLocalResolver opens an mDNS querying connection on all interfaces.
func NewLocalResolver() (*LocalResolver, error) {
	addr, err := net.ResolveUDPAddr("udp4", mdns.DefaultAddress)
	if err != nil {
		return nil, fmt.Errorf("icegather: resolve mdns addr: %w", err)
	}
	pc, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("icegather: listen mdns: %w", err)
	}
	conn, err := mdns.Server(ipv4.NewPacketConn(pc), nil, &mdns.Config{})
	if err != nil {
		pc.Close() //nolint:errcheck
		return nil, fmt.Errorf("icegather: mdns server: %w", err)
	}
	return &LocalResolver{conn: conn}, nil
}

// Resolve queries for name (e.g. "8a2e-....local") and returns its address.
func (r *LocalResolver) Resolve(ctx context.Context, name string) (net.IP, error) {
	_, addr, err := r.conn.Query(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("icegather: mdns query %s: %w", name, err)
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("icegather: unexpected mdns addr type %T", addr)
	}
	return udpAddr.IP, nil
}

// Close shuts the resolver's socket down.
func (r *LocalResolver) Close() error {
	return r.conn.Close()
}
