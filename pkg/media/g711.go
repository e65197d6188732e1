package media

import (
	"encoding/binary"
	"strings"
)

var (
	muLawDecodeTable [256]int16
	aLawDecodeTable  [256]int16
)

func init() {
	for i := 0; i < 256; i++ {
		muLawDecodeTable[i] = decodeMuLawSample(byte(i))
		aLawDecodeTable[i] = decodeALawSample(byte(i))
	}
}

// Codec is a G.711 companding law.
type Codec int

const (
	CodecULaw Codec = iota
	CodecALaw
)

// ParseCodec maps a codec name to a Codec. Anything that is not A-law is
// treated as µ-law.
func ParseCodec(name string) Codec {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "ALAW", "PCMA", "G711A", "G.711A":
		return CodecALaw
	default:
		return CodecULaw
	}
}

func (c Codec) String() string {
	if c == CodecALaw {
		return "ALAW"
	}
	return "ULAW"
}

// Encode compands little-endian 16-bit PCM into one byte per sample. A
// trailing odd byte is ignored.
func (c Codec) Encode(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		if c == CodecALaw {
			out[i] = encodeALawSample(sample)
		} else {
			out[i] = encodeMuLawSample(sample)
		}
	}
	return out
}

// Decode expands companded bytes into little-endian 16-bit PCM.
func (c Codec) Decode(payload []byte) []byte {
	if c == CodecALaw {
		return aLawToPCM(payload)
	}
	return muLawToPCM(payload)
}

func muLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := muLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func aLawToPCM(payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	out := make([]byte, len(payload)*2)
	for i, b := range payload {
		sample := aLawDecodeTable[b]
		out[2*i] = byte(sample)
		out[2*i+1] = byte(sample >> 8)
	}
	return out
}

func decodeMuLawSample(uval byte) int16 {
	uval = ^uval
	sign := int16(uval & 0x80)
	exponent := (uval >> 4) & 0x07
	mantissa := uval & 0x0F
	magnitude := ((int16(mantissa) << 3) + 0x84) << exponent
	magnitude -= 0x84
	if sign != 0 {
		return -magnitude
	}
	return magnitude
}

// A-law keeps the sign bit set for positive samples.
func decodeALawSample(aval byte) int16 {
	aval ^= 0x55
	sign := aval & 0x80
	exponent := (aval >> 4) & 0x07
	mantissa := int16(aval & 0x0F)

	magnitude := mantissa << 4
	switch exponent {
	case 0:
		magnitude += 8
	case 1:
		magnitude += 0x108
	default:
		magnitude = (magnitude + 0x108) << (exponent - 1)
	}

	if sign != 0 {
		return magnitude
	}
	return -magnitude
}

const (
	muLawBias = 0x84
	muLawClip = 32635
)

func encodeMuLawSample(s int16) byte {
	sample := int(s)
	var sign byte
	if sample < 0 {
		sample = -sample
		sign = 0x80
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := 7
	for mask := 0x4000; sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

var aLawSegmentEnd = [8]int{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeALawSample(s int16) byte {
	pcm := int(s) >> 3
	mask := byte(0xD5)
	if pcm < 0 {
		mask = 0x55
		pcm = -pcm - 1
	}

	seg := 0
	for seg < len(aLawSegmentEnd) && pcm > aLawSegmentEnd[seg] {
		seg++
	}
	if seg >= len(aLawSegmentEnd) {
		return 0x7F ^ mask
	}

	aval := byte(seg << 4)
	if seg < 2 {
		aval |= byte(pcm>>1) & 0x0F
	} else {
		aval |= byte(pcm>>seg) & 0x0F
	}
	return aval ^ mask
}
