package mls

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// defaultAlgorithm is the library's default algorithm identifier that
// every keying bundle's algorithms[] must contain (spec.md §4.3).
const defaultAlgorithm = "aes-cfb-128/hmac-sha1"

// numKeys is N in "pick a random index in 1..N" (spec.md §4.3 send pipeline).
const numKeys = 3

// KeyInfo is the decrypted 3-tuple installed into receive_keys/send_keys
// (spec.md §3.3).
type KeyInfo struct {
	Index    uint32
	Secret   []byte
	IV       []byte
	HMACKey  []byte
}

// keyWire is the wire shape of keys[i]: inputs is the already-encrypted
// "secret:iv:hmacIntegrityKey" payload described by spec.md §4.3's
// "keys[{index, algorithm, inputs{secret, iv, hmacIntegrityKey}}]".
type keyWire struct {
	Index     uint32 `json:"index"`
	Algorithm string `json:"algorithm"`
	Inputs    string `json:"inputs"`
}

type encodingWire struct {
	Type        string `json:"type"`
	Algorithm   string `json:"algorithm"`
	Proof       string `json:"proof,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Key         string `json:"key,omitempty"`
}

// keyingWire is the "keying" element inside the signed keyingBundle wrapper
// (spec.md §4.3: "keying bundle fields").
type keyingWire struct {
	Sequence   uint64       `json:"sequence"`
	Nonce      string       `json:"nonce"`
	Context    string       `json:"context"`
	Expires    int64        `json:"expires"`
	Encoding   encodingWire `json:"encoding"`
	Algorithms []string     `json:"algorithms"`
	Keys       []keyWire    `json:"keys"`
}

// keyingBundleWire is the signed envelope transmitted as an index==0 frame.
type keyingBundleWire struct {
	Keying    keyingWire `json:"keying"`
	Signature string     `json:"signature,omitempty"`
}

func randomNonce() (string, error) {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, 32)
	if _, err := cryptoRandRead(buf); err != nil {
		return "", err
	}
	for i := range buf {
		buf[i] = charset[int(buf[i])%len(charset)]
	}
	return string(buf), nil
}

// buildKeyingBundle constructs a fresh bundle for the given keying type and
// material, encrypting each of numKeys KeyInfo 3-tuples per the derivation
// table (spec.md §4.3).
func buildKeyingBundle(kind KeyingType, contextID string, material keyingMaterial) (keyingBundleWire, []KeyInfo, error) {
	nonce, err := randomNonce()
	if err != nil {
		return keyingBundleWire{}, nil, err
	}

	keys := make([]KeyInfo, 0, numKeys)
	wireKeys := make([]keyWire, 0, numKeys)
	for i := 1; i <= numKeys; i++ {
		ki, err := newRandomKeyInfo(uint32(i))
		if err != nil {
			return keyingBundleWire{}, nil, err
		}
		keys = append(keys, ki)

		plain, err := json.Marshal(struct {
			Secret string `json:"secret"`
			IV     string `json:"iv"`
			HMAC   string `json:"hmacIntegrityKey"`
		}{hex.EncodeToString(ki.Secret), hex.EncodeToString(ki.IV), hex.EncodeToString(ki.HMACKey)})
		if err != nil {
			return keyingBundleWire{}, nil, err
		}

		encInputs, err := encryptInputs(kind, material, nonce, plain)
		if err != nil {
			return keyingBundleWire{}, nil, err
		}

		wireKeys = append(wireKeys, keyWire{Index: uint32(i), Algorithm: defaultAlgorithm, Inputs: encInputs})
	}

	enc, err := buildEncoding(kind, material, nonce)
	if err != nil {
		return keyingBundleWire{}, nil, err
	}

	bundle := keyingBundleWire{Keying: keyingWire{
		Nonce:      nonce,
		Context:    contextID,
		Expires:    time.Now().Add(2 * time.Hour).Unix(),
		Encoding:   enc,
		Algorithms: []string{defaultAlgorithm},
		Keys:       wireKeys,
	}}
	return bundle, keys, nil
}

func newRandomKeyInfo(index uint32) (KeyInfo, error) {
	secret := make([]byte, 16)
	iv, err := randomIV()
	if err != nil {
		return KeyInfo{}, err
	}
	if _, err := cryptoRandRead(secret); err != nil {
		return KeyInfo{}, err
	}
	hmacKey := make([]byte, 20)
	if _, err := cryptoRandRead(hmacKey); err != nil {
		return KeyInfo{}, err
	}
	return KeyInfo{Index: index, Secret: secret, IV: iv, HMACKey: hmacKey}, nil
}

// keyingMaterial bundles whichever collaborator a given keying type needs;
// only that type's fields are populated (Passphrase, RemoteRSAPub, or the
// DHLocalPriv/DHRemotePub pair), matching ChannelState's setters
// (spec.md §4.3 "Setters for...").
type keyingMaterial struct {
	Passphrase    []byte
	RemoteRSAPub  *rsa.PublicKey
	DHLocalPriv   *big.Int
	DHRemotePub   *big.Int
}

func encryptInputs(kind KeyingType, m keyingMaterial, nonce string, plain []byte) (string, error) {
	switch kind {
	case KeyingPassphrase, KeyingAgreement:
		secret := m.Passphrase
		if kind == KeyingAgreement {
			secret = SharedSecret(m.DHLocalPriv, m.DHRemotePub)
		}
		key := deriveAESKey(secret, nonce)
		iv, err := randomIV()
		if err != nil {
			return "", err
		}
		ct, err := aesCFBEncrypt(key, iv, plain)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ct), nil
	case KeyingPublicKey:
		if m.RemoteRSAPub == nil {
			return "", errors.New("mls: no remote RSA public key for pki keying")
		}
		ct, err := rsaEncrypt(m.RemoteRSAPub, plain)
		if err != nil {
			return "", err
		}
		return base64.StdEncoding.EncodeToString(ct), nil
	default:
		return "", ErrUnknownKeyingType
	}
}

func decryptInputs(kind KeyingType, secret []byte, rsaPriv *rsa.PrivateKey, nonce, field string) ([]byte, error) {
	switch kind {
	case KeyingPassphrase, KeyingAgreement:
		parts := splitOnce(field, ':')
		if parts == nil {
			return nil, ErrMalformedFrame
		}
		iv, err := hex.DecodeString(parts[0])
		if err != nil {
			return nil, err
		}
		ct, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			return nil, err
		}
		key := deriveAESKey(secret, nonce)
		return aesCFBDecrypt(key, iv, ct)
	case KeyingPublicKey:
		ct, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			return nil, err
		}
		return rsaDecrypt(rsaPriv, ct)
	default:
		return nil, ErrUnknownKeyingType
	}
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}

func buildEncoding(kind KeyingType, m keyingMaterial, nonce string) (encodingWire, error) {
	switch kind {
	case KeyingPassphrase:
		return encodingWire{Type: "passphrase", Algorithm: defaultAlgorithm, Proof: deriveProof(m.Passphrase, nonce)}, nil
	case KeyingPublicKey:
		if m.RemoteRSAPub == nil {
			return encodingWire{}, errors.New("mls: no remote RSA public key")
		}
		return encodingWire{Type: "pki", Algorithm: defaultAlgorithm, Fingerprint: rsaFingerprint(m.RemoteRSAPub)}, nil
	case KeyingAgreement:
		secret := SharedSecret(m.DHLocalPriv, m.DHRemotePub)
		return encodingWire{Type: "agreement", Algorithm: defaultAlgorithm, Proof: deriveProof(secret, nonce), Fingerprint: Fingerprint(m.DHRemotePub)}, nil
	default:
		return encodingWire{}, ErrUnknownKeyingType
	}
}

func rsaFingerprint(pub *rsa.PublicKey) string {
	return fmt.Sprintf("%x", sha256Sum(pub.N.Bytes()))
}

// parseKeyInfos decrypts every keys[i].inputs field into a KeyInfo, the
// receive-pipeline half of spec.md §4.3's "Decrypt each key[i] into a
// KeyInfo and install into receive_keys."
func parseKeyInfos(kind KeyingType, secret []byte, rsaPriv *rsa.PrivateKey, nonce string, keys []keyWire) (map[uint32]KeyInfo, error) {
	out := make(map[uint32]KeyInfo, len(keys))
	for _, k := range keys {
		plain, err := decryptInputs(kind, secret, rsaPriv, nonce, k.Inputs)
		if err != nil {
			return nil, err
		}
		var fields struct {
			Secret string `json:"secret"`
			IV     string `json:"iv"`
			HMAC   string `json:"hmacIntegrityKey"`
		}
		if err := json.Unmarshal(plain, &fields); err != nil {
			return nil, err
		}
		secretBytes, err := hex.DecodeString(fields.Secret)
		if err != nil {
			return nil, err
		}
		ivBytes, err := hex.DecodeString(fields.IV)
		if err != nil {
			return nil, err
		}
		hmacBytes, err := hex.DecodeString(fields.HMAC)
		if err != nil {
			return nil, err
		}
		out[k.Index] = KeyInfo{Index: k.Index, Secret: secretBytes, IV: ivBytes, HMACKey: hmacBytes}
	}
	return out, nil
}

func parseKeyingType(s string) KeyingType {
	switch s {
	case "passphrase":
		return KeyingPassphrase
	case "pki":
		return KeyingPublicKey
	case "agreement":
		return KeyingAgreement
	default:
		return KeyingUnknown
	}
}
