package mls

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/big"
)

// hmacKey derives an HMAC key from arbitrary secret material the way the
// keying derivation table's "HMAC-key(pass)" term is used throughout
// spec.md §4.3: the secret is used directly as the HMAC key.
func hmacKey(secret []byte) []byte { return secret }

func hmacSHA1(key, data []byte) []byte {
	m := hmac.New(sha1.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func hmacSHA256(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

func hmaclessSHA1(data []byte) []byte {
	h := sha1.Sum(data)
	return h[:]
}

func hmacEqual(a, b []byte) bool { return hmac.Equal(a, b) }

// nextIV implements "next_iv := SHA1(hex(iv) || ':' || hex(integrity))"
// (spec.md §4.3 receive/send pipelines), chaining every frame's IV into
// the next (T5).
func nextIV(iv, integrity []byte) []byte {
	msg := hex.EncodeToString(iv) + ":" + hex.EncodeToString(integrity)
	sum := sha1.Sum([]byte(msg))
	return sum[:16]
}

// deriveAESKey implements the passphrase/agreement row of the keying
// derivation table: k = HMAC-SHA256(HMAC-key(pass), "keying:"||nonce).
func deriveAESKey(secret []byte, nonce string) []byte {
	return hmacSHA256(hmacKey(secret), []byte("keying:"+nonce))
}

// deriveProof implements the passphrase/agreement proof:
// hex(HMAC-SHA1(HMAC-key(pass), "keying:"||nonce)).
func deriveProof(secret []byte, nonce string) string {
	return hex.EncodeToString(hmacSHA1(hmacKey(secret), []byte("keying:"+nonce)))
}

func aesCFBEncrypt(key, iv, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, errors.New("mls: bad iv length")
	}
	out := make([]byte, len(plain))
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(out, plain)
	return out, nil
}

func aesCFBDecrypt(key, iv, ct []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, errors.New("mls: bad iv length")
	}
	out := make([]byte, len(ct))
	cipher.NewCFBDecrypter(block, iv).XORKeyStream(out, ct)
	return out, nil
}

func randomIV() ([]byte, error) {
	iv := make([]byte, aes.BlockSize)
	_, err := rand.Read(iv)
	return iv, err
}

func cryptoRandRead(buf []byte) (int, error) { return rand.Read(buf) }

func sha256Sum(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func rsaEncrypt(pub *rsa.PublicKey, plain []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, pub, plain)
}

func rsaDecrypt(priv *rsa.PrivateKey, ct []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
}

func rsaSign(priv *rsa.PrivateKey, doc []byte) ([]byte, error) {
	digest := sha256.Sum256(doc)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}

func rsaVerify(pub *rsa.PublicKey, doc, sig []byte) error {
	digest := sha256.Sum256(doc)
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// DH key agreement. spec.md §4.3 calls for a "Diffie-Hellman agreement"
// collaborator consumed as an opaque service (spec.md §1); realized here as
// a finite-field DH over a fixed RFC 3526-style 2048-bit MODP group, the
// form the teacher's own DTLS stack uses (math/big finite-field arithmetic
// rather than a third-party DH/ECDH toolkit).
var dhPrime, dhGenerator = func() (*big.Int, *big.Int) {
	p, _ := new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF",
		16)
	return p, big.NewInt(2)
}()

// DHKeyPair is a local key-agreement key pair (spec.md §3.3: dh_local_priv/pub).
type DHKeyPair struct {
	Priv *big.Int
	Pub  *big.Int
}

func NewDHKeyPair() (DHKeyPair, error) {
	priv, err := rand.Int(rand.Reader, dhPrime)
	if err != nil {
		return DHKeyPair{}, err
	}
	pub := new(big.Int).Exp(dhGenerator, priv, dhPrime)
	return DHKeyPair{Priv: priv, Pub: pub}, nil
}

// SharedSecret computes the DH shared secret used as the passphrase input
// for the "agreement" keying type (spec.md §4.3's derivation table).
func SharedSecret(localPriv, remotePub *big.Int) []byte {
	shared := new(big.Int).Exp(remotePub, localPriv, dhPrime)
	return []byte(hex.EncodeToString(shared.Bytes()))
}

// Fingerprint identifies a DH or RSA public key for binding checks (spec.md
// §4.3: "recipient's DH public-key fingerprint").
func Fingerprint(pub *big.Int) string {
	sum := sha256.Sum256(pub.Bytes())
	return hex.EncodeToString(sum[:])
}
