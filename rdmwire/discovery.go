package rdmwire

import (
	"errors"

	"github.com/dmxrdm/rdmdrv/uid"
)

// MaxDUBPreamble is the largest legal 0xFE preamble length before the
// 0xAA delimiter; responses with 8 or more preamble bytes are rejected.
const MaxDUBPreamble = 7

const (
	dubPreambleByte  = 0xFE
	dubDelimiterByte = 0xAA
)

var (
	ErrDUBNoDelimiter  = errors.New("rdmwire: no DUB delimiter found within preamble bounds")
	ErrDUBTooShort     = errors.New("rdmwire: DUB response shorter than 16 bytes after delimiter")
	ErrDUBBadChecksum  = errors.New("rdmwire: DUB response checksum mismatch")
)

// EncodeDUB produces the unframed discovery-unique-branch response for u:
// an optional 0xFE preamble (preambleLen bytes, 0-7), a 0xAA delimiter, 12
// bytes of dual-byte-encoded UID, then 4 bytes of dual-byte-encoded
// checksum.
func EncodeDUB(u uid.UID, preambleLen int) ([]byte, error) {
	if preambleLen < 0 || preambleLen > MaxDUBPreamble {
		return nil, errors.New("rdmwire: DUB preamble length out of range")
	}
	raw := u.Bytes()

	// Each source byte goes out as b|0xAA then b|0x55, and the checksum
	// covers the encoded pair, so every byte contributes an extra 0xFF.
	var sum uint16
	for _, b := range raw {
		sum += uint16(b) + 0xFF
	}

	buf := make([]byte, preambleLen+1+12+4)
	i := 0
	for ; i < preambleLen; i++ {
		buf[i] = dubPreambleByte
	}
	buf[i] = dubDelimiterByte
	i++

	encodeDual := func(b byte) {
		buf[i] = b | 0xAA
		buf[i+1] = b | 0x55
		i += 2
	}
	for _, b := range raw {
		encodeDual(b)
	}
	encodeDual(byte(sum >> 8))
	encodeDual(byte(sum))

	return buf, nil
}

// DecodeDUB locates the delimiter within the first MaxDUBPreamble+1 bytes,
// decodes the dual-byte UID and checksum, and validates the checksum:
// uid[i] = enc[2i] & enc[2i+1], checksum decoded the same way and required
// to equal the sum of the 6 raw UID bytes plus 0xFF (0xAA+0x55) per byte.
func DecodeDUB(buf []byte) (uid.UID, error) {
	delim := -1
	for i := 0; i <= MaxDUBPreamble && i < len(buf); i++ {
		if buf[i] == dubDelimiterByte {
			delim = i
			break
		}
		if buf[i] != dubPreambleByte {
			break
		}
	}
	if delim < 0 {
		return uid.UID{}, ErrDUBNoDelimiter
	}

	body := buf[delim+1:]
	if len(body) < 16 {
		return uid.UID{}, ErrDUBTooShort
	}

	decodeDual := func(off int) byte {
		return body[off] & body[off+1]
	}

	var raw [6]byte
	var sum uint16
	for i := 0; i < 6; i++ {
		raw[i] = decodeDual(i * 2)
		sum += uint16(raw[i]) + 0xFF
	}
	wantHi := decodeDual(12)
	wantLo := decodeDual(14)
	want := uint16(wantHi)<<8 | uint16(wantLo)
	if want != sum {
		return uid.UID{}, ErrDUBBadChecksum
	}

	return uid.FromBytes(raw), nil
}
