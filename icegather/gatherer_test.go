package icegather

import (
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXORMappedAddressRoundTrip(t *testing.T) {
	mapped := stun.XORMappedAddress{IP: net.ParseIP("203.0.113.5"), Port: 54321}

	msg, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse),
		&mapped,
		stun.Fingerprint,
	)
	require.NoError(t, err)

	resp := &stun.Message{Raw: msg.Raw}
	require.NoError(t, resp.Decode())
	assert.Equal(t, stun.ClassSuccessResponse, resp.Type.Class)

	var got stun.XORMappedAddress
	require.NoError(t, got.GetFrom(resp))
	assert.True(t, mapped.IP.Equal(got.IP))
	assert.Equal(t, mapped.Port, got.Port)
}

func TestLocalPreferencePrefersIPv6(t *testing.T) {
	v4 := localPreference(net.ParseIP("192.168.1.5"))
	v6 := localPreference(net.ParseIP("2001:db8::1"))
	assert.Greater(t, v6, v4)
}

func TestGatherHostCandidatesExcludesLoopbackByDefault(t *testing.T) {
	g, err := NewGatherer(Config{})
	require.NoError(t, err)
	defer g.Close()

	for _, c := range g.LocalCandidates() {
		assert.False(t, c.IPAddress.IsLoopback(), "loopback candidates must be excluded unless IncludeLoopback is set")
	}
}

func TestGatherHostCandidatesIncludesLoopbackWhenRequested(t *testing.T) {
	g, err := NewGatherer(Config{IncludeLoopback: true})
	require.NoError(t, err)
	defer g.Close()

	var sawLoopback bool
	for _, c := range g.LocalCandidates() {
		if c.IPAddress.IsLoopback() {
			sawLoopback = true
		}
	}
	assert.True(t, sawLoopback, "loopback interface should be present in a typical test environment")
}

func TestSendToUsesHostSocket(t *testing.T) {
	g, err := NewGatherer(Config{IncludeLoopback: true})
	require.NoError(t, err)
	defer g.Close()

	echo, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer echo.Close()

	require.NoError(t, g.SendTo(echo.LocalAddr(), []byte("ping")))

	buf := make([]byte, 16)
	echo.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck
	n, _, err := echo.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}
