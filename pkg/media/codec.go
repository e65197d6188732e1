package media

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

// CodecInfo represents information about a codec
type CodecInfo struct {
	Name        string
	PayloadType uint8
	SampleRate  int
	Channels    int
	Description string
}

// SupportedCodecs maps the static payload types a gateway may fork to codec information
var SupportedCodecs = map[uint8]CodecInfo{
	0:  {Name: "PCMU", PayloadType: 0, SampleRate: 8000, Channels: 1, Description: "G.711 μ-law"},
	8:  {Name: "PCMA", PayloadType: 8, SampleRate: 8000, Channels: 1, Description: "G.711 a-law"},
	9:  {Name: "G722", PayloadType: 9, SampleRate: 16000, Channels: 1, Description: "G.722 wideband"},
	18: {Name: "G729", PayloadType: 18, SampleRate: 8000, Channels: 1, Description: "G.729 CS-ACELP narrowband"},
}

var errInvalidRTP = errors.New("invalid RTP packet")

// DetectCodec parses the RTP header and identifies the codec. An unknown
// payload type still returns the parsed header.
func DetectCodec(packet []byte) (rtp.Header, CodecInfo, error) {
	var header rtp.Header
	if _, err := header.Unmarshal(packet); err != nil {
		return header, CodecInfo{}, fmt.Errorf("%w: %v", errInvalidRTP, err)
	}
	if codec, exists := GetCodecInfo(header.PayloadType); exists {
		return header, codec, nil
	}
	return header, CodecInfo{Name: "unknown", PayloadType: header.PayloadType}, fmt.Errorf("unsupported payload type: %d", header.PayloadType)
}

// GetCodecInfo returns detailed information about a codec by payload type
func GetCodecInfo(payloadType uint8) (CodecInfo, bool) {
	codec, exists := SupportedCodecs[payloadType]
	return codec, exists
}

// IsG711 reports whether the payload can be fed to a recogniser as 8 kHz G.711.
func IsG711(payloadType uint8) bool {
	return payloadType == 0 || payloadType == 8
}
