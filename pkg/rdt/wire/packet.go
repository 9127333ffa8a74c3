// Package wire implements the fixed-header packet codec described in spec
// §3/§4.1: a 16-byte header followed by up to 1024 payload bytes. The codec
// is stateless and pure — Encode and Decode are the only exported surface a
// Session or ARQ engine needs.
package wire

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Flag bits, combinable (e.g. FlagSYN|FlagACK).
const (
	FlagSYN  uint16 = 0x01
	FlagACK  uint16 = 0x02
	FlagFIN  uint16 = 0x04
	FlagDATA uint16 = 0x08
	FlagERR  uint16 = 0x10
)

const (
	HeaderLen  = 16
	MaxPayload = 1024
)

var (
	ErrTooShort     = errors.New("wire: packet shorter than header")
	ErrBadChecksum  = errors.New("wire: checksum mismatch")
	ErrBadLength    = errors.New("wire: declared payload_length disagrees with datagram size")
	ErrUnknownFlags = errors.New("wire: impossible flag combination")
)

// Header is the packet's 16-byte fixed framing, all fields big-endian.
type Header struct {
	Sequence      uint32
	Ack           uint32
	Flags         uint16
	Checksum      uint32
	PayloadLength uint16
}

// Packet pairs a decoded Header with its payload bytes.
type Packet struct {
	Header  Header
	Payload []byte
}

// HasFlag reports whether every bit in f is set in the packet's flags.
func (p Packet) HasFlag(f uint16) bool { return p.Header.Flags&f == f }

// carriesPayload reports whether flags names one of the three kinds of
// packet the spec allows to carry a non-empty payload: a DATA segment, a
// SYN negotiation, or an ERR reason string.
func carriesPayload(flags uint16) bool {
	return flags&FlagDATA != 0 || flags&FlagSYN != 0 || flags&FlagERR != 0
}

// validFlags rejects combinations that can never arise from this protocol's
// state machine, per spec §4.1 ("UnknownFlagCombination (e.g., SYN|FIN)").
func validFlags(flags uint16) bool {
	if flags&FlagSYN != 0 && flags&FlagFIN != 0 {
		return false
	}
	if flags&FlagERR != 0 && flags&(FlagSYN|FlagFIN|FlagDATA) != 0 {
		return false
	}
	if flags&FlagDATA != 0 && flags&(FlagSYN|FlagFIN) != 0 {
		return false
	}
	return true
}

// Encode serializes h and payload into a wire datagram. The checksum field
// of h is ignored on input and computed fresh with the checksum field
// zeroed, per spec §4.1.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, ErrBadLength
	}
	if int(h.PayloadLength) != len(payload) {
		return nil, ErrBadLength
	}
	if len(payload) > 0 && !carriesPayload(h.Flags) {
		return nil, ErrBadLength
	}
	if !validFlags(h.Flags) {
		return nil, ErrUnknownFlags
	}

	buf := make([]byte, HeaderLen+len(payload))
	putHeader(buf, h, 0)
	copy(buf[HeaderLen:], payload)

	sum := crc32.ChecksumIEEE(buf)
	binary.BigEndian.PutUint32(buf[8:12], sum)
	return buf, nil
}

// Decode parses and validates a wire datagram, per spec §4.1. Malformed
// input yields one of ErrTooShort, ErrBadChecksum, ErrBadLength or
// ErrUnknownFlags; callers drop such datagrams silently rather than ACK or
// ERR them (spec §3 invariants).
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, ErrTooShort
	}
	h := Header{
		Sequence:      binary.BigEndian.Uint32(b[0:4]),
		Ack:           binary.BigEndian.Uint32(b[4:8]),
		Flags:         binary.BigEndian.Uint16(b[12:14]),
		Checksum:      binary.BigEndian.Uint32(b[8:12]),
		PayloadLength: binary.BigEndian.Uint16(b[14:16]),
	}
	payload := b[HeaderLen:]
	if int(h.PayloadLength) != len(payload) {
		return Packet{}, ErrBadLength
	}
	if len(payload) > 0 && !carriesPayload(h.Flags) {
		return Packet{}, ErrBadLength
	}
	if !validFlags(h.Flags) {
		return Packet{}, ErrUnknownFlags
	}

	zeroed := make([]byte, len(b))
	copy(zeroed, b)
	binary.BigEndian.PutUint32(zeroed[8:12], 0)
	want := crc32.ChecksumIEEE(zeroed)
	if want != h.Checksum {
		return Packet{}, ErrBadChecksum
	}

	return Packet{Header: h, Payload: append([]byte(nil), payload...)}, nil
}

// putHeader writes h's fields (with Checksum forced to 0) into buf[off:off+16].
func putHeader(buf []byte, h Header, off int) {
	binary.BigEndian.PutUint32(buf[off:], h.Sequence)
	binary.BigEndian.PutUint32(buf[off+4:], h.Ack)
	binary.BigEndian.PutUint32(buf[off+8:], 0) // checksum placeholder
	binary.BigEndian.PutUint16(buf[off+12:], h.Flags)
	binary.BigEndian.PutUint16(buf[off+14:], h.PayloadLength)
}

// --- convenience constructors used throughout session/handshake/ARQ code ---

func NewData(seq uint32, payload []byte) Packet {
	return Packet{Header: Header{Sequence: seq, Flags: FlagDATA, PayloadLength: uint16(len(payload))}, Payload: payload}
}

func NewAck(ack uint32) Packet {
	return Packet{Header: Header{Ack: ack, Flags: FlagACK}}
}

func NewSelectiveAck(seq uint32) Packet {
	return Packet{Header: Header{Ack: seq, Flags: FlagACK}}
}

func NewSyn(payload []byte) Packet {
	return Packet{Header: Header{Flags: FlagSYN, PayloadLength: uint16(len(payload))}, Payload: payload}
}

func NewSynAck(payload []byte) Packet {
	return Packet{Header: Header{Flags: FlagSYN | FlagACK, PayloadLength: uint16(len(payload))}, Payload: payload}
}

func NewFin() Packet {
	return Packet{Header: Header{Flags: FlagFIN}}
}

func NewFinAck() Packet {
	return Packet{Header: Header{Flags: FlagFIN | FlagACK}}
}

func NewErr(reason string) Packet {
	b := []byte(reason)
	return Packet{Header: Header{Flags: FlagERR, PayloadLength: uint16(len(b))}, Payload: b}
}
