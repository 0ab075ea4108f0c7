package mls

import (
	"encoding/binary"
	"encoding/hex"
)

// integrityLen is the fixed HMAC-SHA1 length prepended to data frames
// (spec.md §4.3 "Frame format").
const integrityLen = sha1Size

const sha1Size = 20

// encodeFrame implements "algorithm_index:u32_be ‖ integrity:20B_if_data ‖
// ciphertext" (spec.md §4.3). index == 0 frames (keying) carry no integrity
// prefix; the payload itself is the signed JSON document.
func encodeFrame(index uint32, integrity []byte, payload []byte) []byte {
	out := make([]byte, 4+len(integrity)+len(payload))
	binary.BigEndian.PutUint32(out[:4], index)
	n := copy(out[4:], integrity)
	copy(out[4+n:], payload)
	return out
}

// decodeFrame splits a wire buffer back into its fields.
func decodeFrame(raw []byte) (index uint32, integrity, payload []byte, ok bool) {
	if len(raw) < 4 {
		return 0, nil, nil, false
	}
	index = binary.BigEndian.Uint32(raw[:4])
	rest := raw[4:]
	if index == 0 {
		return index, nil, rest, true
	}
	if len(rest) < integrityLen {
		return 0, nil, nil, false
	}
	return index, rest[:integrityLen], rest[integrityLen:], true
}

// dataIntegrity implements the data-frame authentication tag: HMAC-SHA1
// over "integrity:" || hex(sha1(plaintext)) || ":" || hex(iv) (spec.md
// §4.3 "Frame format").
func dataIntegrity(key []byte, plaintext, iv []byte) []byte {
	digest := sha1Sum(plaintext)
	msg := "integrity:" + hex.EncodeToString(digest) + ":" + hex.EncodeToString(iv)
	return hmacSHA1(key, []byte(msg))
}

func sha1Sum(b []byte) []byte {
	return hmaclessSHA1(b)
}
