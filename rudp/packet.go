// Package rudp implements RudpStream: a sequenced, loss-recovering reliable
// stream layered over a possibly unreliable datagram carrier (spec.md §4.2).
package rudp

import (
	"encoding/binary"
	"errors"
)

// Flags are exactly the bits named in spec.md §6 ("Wire — RUDP packet"):
// PS parity-sending, PG parity-GSNR, XP XORed-parity-to-GSNFR, DP
// duplicate, EC ECN, AR ACK-required, VP vector-parity.
type Flags uint8

const (
	FlagPS Flags = 1 << iota
	FlagPG
	FlagXP
	FlagDP
	FlagEC
	FlagAR
	FlagVP
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// seqMask keeps sequence numbers within the wire's 48-bit field (spec.md §6:
// "sequence numbers are 48-bit on the wire with implicit extension against
// local next_send_seq or GSNR for ordering").
const seqMask = (uint64(1) << 48) - 1

// Packet is the wire frame of spec.md §4.2 "Framing":
// (send_channel, recv_channel, seq(48-bit), gsnr, gsnfr, flags, vector, payload).
type Packet struct {
	SendChannel uint16
	RecvChannel uint16
	Seq         uint64 // low 48 bits significant
	GSNR        uint64
	GSNFR       uint64
	Flags       Flags
	Vector      []byte
	Payload     []byte
}

var errShortPacket = errors.New("rudp: packet shorter than fixed header")

const fixedHeaderLen = 2 + 2 + 6 + 6 + 6 + 1 + 2 // channels + 3 seq fields + flags + vector length

// Encode serializes a Packet to its wire form.
func (p *Packet) Encode() []byte {
	buf := make([]byte, fixedHeaderLen+len(p.Vector)+len(p.Payload))
	binary.BigEndian.PutUint16(buf[0:2], p.SendChannel)
	binary.BigEndian.PutUint16(buf[2:4], p.RecvChannel)
	putUint48(buf[4:10], p.Seq&seqMask)
	putUint48(buf[10:16], p.GSNR&seqMask)
	putUint48(buf[16:22], p.GSNFR&seqMask)
	buf[22] = byte(p.Flags)
	binary.BigEndian.PutUint16(buf[23:25], uint16(len(p.Vector)))
	n := copy(buf[25:], p.Vector)
	copy(buf[25+n:], p.Payload)
	return buf
}

// DecodePacket parses a wire frame produced by Encode.
func DecodePacket(raw []byte) (*Packet, error) {
	if len(raw) < fixedHeaderLen {
		return nil, errShortPacket
	}
	p := &Packet{
		SendChannel: binary.BigEndian.Uint16(raw[0:2]),
		RecvChannel: binary.BigEndian.Uint16(raw[2:4]),
		Seq:         getUint48(raw[4:10]),
		GSNR:        getUint48(raw[10:16]),
		GSNFR:       getUint48(raw[16:22]),
		Flags:       Flags(raw[22]),
	}
	vlen := int(binary.BigEndian.Uint16(raw[23:25]))
	rest := raw[25:]
	if vlen > len(rest) {
		return nil, errShortPacket
	}
	p.Vector = append([]byte(nil), rest[:vlen]...)
	p.Payload = append([]byte(nil), rest[vlen:]...)
	return p, nil
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func getUint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
