package mls

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ortclib/transport/internal/clock"
)

func TestDataFrameRoundTrip(t *testing.T) {
	ki := KeyInfo{Index: 1, Secret: []byte("0123456789abcdef"), IV: []byte("abcdefghijklmnop"), HMACKey: []byte("hmac-key")}

	plaintext := []byte("hello rudp over mls")
	ct, err := aesCFBEncrypt(ki.Secret, ki.IV, plaintext)
	require.NoError(t, err)
	integrity := dataIntegrity(ki.HMACKey, plaintext, ki.IV)
	frame := encodeFrame(ki.Index, integrity, ct)

	index, gotIntegrity, gotCT, ok := decodeFrame(frame)
	require.True(t, ok)
	assert.Equal(t, ki.Index, index)

	decrypted, err := aesCFBDecrypt(ki.Secret, ki.IV, gotCT)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
	assert.True(t, hmacEqual(integrity, gotIntegrity))
}

func TestIVChaining(t *testing.T) {
	ki := KeyInfo{Index: 1, Secret: []byte("0123456789abcdef"), IV: []byte("abcdefghijklmnop"), HMACKey: []byte("hmac-key")}

	p1 := []byte("first")
	ct1, _ := aesCFBEncrypt(ki.Secret, ki.IV, p1)
	integrity1 := dataIntegrity(ki.HMACKey, p1, ki.IV)
	iv2 := nextIV(ki.IV, integrity1)

	p2 := []byte("second")
	ct2, err := aesCFBEncrypt(ki.Secret, iv2, p2)
	require.NoError(t, err)
	integrity2 := dataIntegrity(ki.HMACKey, p2, iv2)

	decrypted2, err := aesCFBDecrypt(ki.Secret, iv2, ct2)
	require.NoError(t, err)
	assert.Equal(t, p2, decrypted2)

	assert.NotEqual(t, ct1, ct2)
	assert.NotEqual(t, integrity1, integrity2)
}

// TestPerIndexIVChainIndependent is a regression test for a bug where the
// IV chain was advanced on one channel-wide field instead of inside each
// algorithm index's own KeyInfo: two consecutive frames on the same index
// interleaved with a frame on a different index must still satisfy
// iv_{n+1} = nextIV(iv_n, integrity_n) for that index specifically (T5),
// and a different index's IV must be untouched by traffic on another index.
func TestPerIndexIVChainIndependent(t *testing.T) {
	c := NewChannel(Config{LocalContextID: "ctx"})
	defer c.Shutdown()

	done := make(chan struct{})
	c.post(func(c *Channel) {
		defer close(done)

		c.sendKeys = map[uint32]KeyInfo{
			1: {Index: 1, Secret: []byte("0123456789abcdef"), IV: []byte("iv-one-sixteen-b"), HMACKey: []byte("hmac-key-1")},
			2: {Index: 2, Secret: []byte("fedcba9876543210"), IV: []byte("iv-two-sixteen-b"), HMACKey: []byte("hmac-key-2")},
		}
		originalIV2 := append([]byte(nil), c.sendKeys[2].IV...)
		ivBeforeFirst := append([]byte(nil), c.sendKeys[1].IV...)

		_, err := c.encryptForIndex(1, []byte("first on index 1"))
		require.NoError(t, err)
		ivAfterFirst := append([]byte(nil), c.sendKeys[1].IV...)
		assert.NotEqual(t, ivBeforeFirst, ivAfterFirst, "index 1's IV must advance after a frame on index 1")

		// An interleaved frame on a different index must not perturb
		// index 1's chain.
		_, err = c.encryptForIndex(2, []byte("interleaved on index 2"))
		require.NoError(t, err)
		assert.Equal(t, ivAfterFirst, c.sendKeys[1].IV, "an index-2 frame must not change index 1's IV")
		assert.NotEqual(t, originalIV2, c.sendKeys[2].IV, "index 2's IV must have advanced")

		expectedIVAfterSecond := nextIV(ivAfterFirst, dataIntegrity(c.sendKeys[1].HMACKey, []byte("second on index 1"), ivAfterFirst))
		_, err = c.encryptForIndex(1, []byte("second on index 1"))
		require.NoError(t, err)
		assert.Equal(t, expectedIVAfterSecond, c.sendKeys[1].IV, "iv_{n+1} = nextIV(iv_n, integrity_n) must hold per index across an interleaved frame")
	})
	<-done
}

func TestNonceReplayRejected(t *testing.T) {
	cache := newNonceCache(clock.System{})
	expires := time.Now().Add(2 * time.Hour)

	assert.True(t, cache.CheckAndStore("nonce-one", expires))
	assert.False(t, cache.CheckAndStore("nonce-one", expires), "T2: a nonce must not be accepted twice")
	assert.True(t, cache.CheckAndStore("nonce-two", expires))
}

func TestSequenceMismatchRejected(t *testing.T) {
	c := NewChannel(Config{LocalContextID: "ctx"})
	defer c.Shutdown()

	c.SetReceivePassphrase("hunter2")

	done := make(chan struct{})
	c.post(func(c *Channel) {
		defer close(done)
		bundle := keyingBundleWire{Keying: keyingWire{
			Sequence: 7, // next_recv_seq starts at 0
			Nonce:    "abc",
			Expires:  time.Now().Add(time.Hour).Unix(),
			Encoding: encodingWire{Type: "passphrase", Proof: deriveProof([]byte("hunter2"), "abc")},
		}}
		doc, _ := marshalBundle(bundle)
		c.handleInboundKeying(doc)
		assert.Equal(t, StateShutdown, c.state)
	})
	<-done
}

func TestExpiredBundleRejected(t *testing.T) {
	c := NewChannel(Config{LocalContextID: "ctx"})
	defer c.Shutdown()

	c.SetReceivePassphrase("hunter2")

	done := make(chan struct{})
	c.post(func(c *Channel) {
		defer close(done)
		bundle := keyingBundleWire{Keying: keyingWire{
			Sequence: 0,
			Nonce:    "abc",
			Expires:  time.Now().Add(-time.Minute).Unix(),
			Encoding: encodingWire{Type: "passphrase", Proof: deriveProof([]byte("hunter2"), "abc")},
		}}
		doc, _ := marshalBundle(bundle)
		c.handleInboundKeying(doc)
		assert.Equal(t, StateShutdown, c.state)
	})
	<-done
}

func TestPassphraseKeyingScenario(t *testing.T) {
	signingPriv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	a := NewChannel(Config{LocalContextID: "a"})
	defer a.Shutdown()
	b := NewChannel(Config{LocalContextID: "b"})
	defer b.Shutdown()

	captured := make(chan []byte, 4)
	a.post(func(c *Channel) {
		c.sendEncoded = writerFunc(func(p []byte) (int, error) {
			captured <- append([]byte(nil), p...)
			return len(p), nil
		})
	})

	b.SetReceiveSigningPublicKey(&signingPriv.PublicKey)
	b.SetReceivePassphrase("hunter2")
	a.SetSendPassphrase("hunter2")

	doc, have := a.GetSendKeyingNeedingSignature()
	require.True(t, have)
	require.NotEmpty(t, doc)
	a.NotifySendKeyingSigned(signingPriv, &signingPriv.PublicKey)

	var keyingFrame []byte
	select {
	case keyingFrame = <-captured:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for keying frame")
	}

	done := make(chan struct{})
	b.post(func(c *Channel) {
		defer close(done)
		c.handleInboundFrame(keyingFrame)
		assert.Len(t, c.receiveKeys, numKeys)
	})
	<-done

	require.NoError(t, a.SendPlaintext([]byte("hello")))
	var dataFrame []byte
	select {
	case dataFrame = <-captured:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for data frame")
	}

	decoded := make(chan []byte, 1)
	b.post(func(c *Channel) {
		c.receiveDecoded = writerFunc(func(p []byte) (int, error) {
			decoded <- append([]byte(nil), p...)
			return len(p), nil
		})
		c.handleInboundFrame(dataFrame)
	})
	select {
	case got := <-decoded:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for decoded plaintext")
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
