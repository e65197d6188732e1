package media

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WAVHeaderSize is the canonical PCM WAV header length.
const WAVHeaderSize = 44

const (
	wavFormatALaw = 6
	wavFormatULaw = 7
)

// StripWAVHeader returns the samples of a canonical PCM WAV file. Data
// without a RIFF header is returned unchanged.
func StripWAVHeader(data []byte) []byte {
	if len(data) >= WAVHeaderSize && bytes.Equal(data[0:4], []byte("RIFF")) && bytes.Equal(data[8:12], []byte("WAVE")) {
		return data[WAVHeaderSize:]
	}
	return data
}

type g711WAVHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	ExtraSize     uint16
	Fact          [4]byte
	FactSize      uint32
	SampleCount   uint32
	Data          [4]byte
	DataSize      uint32
}

// WriteWAV writes mono 8-bit G.711 samples as a WAV file.
func WriteWAV(w io.Writer, codec Codec, sampleRate int, samples []byte) error {
	format := uint16(wavFormatULaw)
	if codec == CodecALaw {
		format = wavFormatALaw
	}

	h := g711WAVHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       18,
		AudioFormat:   format,
		Channels:      1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate),
		BlockAlign:    1,
		BitsPerSample: 8,
		Fact:          [4]byte{'f', 'a', 'c', 't'},
		FactSize:      4,
		SampleCount:   uint32(len(samples)),
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(samples)),
	}
	h.ChunkSize = uint32(binary.Size(h)) - 8 + h.DataSize

	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("writing WAV header: %w", err)
	}
	if _, err := w.Write(samples); err != nil {
		return fmt.Errorf("writing WAV data: %w", err)
	}
	return nil
}
