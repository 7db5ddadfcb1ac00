package wire

import (
	"encoding/binary"
	"fmt"
)

// Capability block header: seid, transport, codec, length, configured, lock.
// Length covers the header plus the codec payload.
const capHeaderSize = 6

// Codec payload sizes for the natively understood codecs.
const (
	sbcPayloadSize  = 7
	mpegPayloadSize = 7
	pcmPayloadSize  = 3
)

// PCM capability flags reported for the headset pseudo-endpoint.
const (
	PCMFlagNREC       uint8 = 1 << 0
	PCMFlagPCMRouting uint8 = 1 << 1
)

// SBCCapabilities is the fixed block for the subband codec.
type SBCCapabilities struct {
	ChannelMode      uint8
	Frequency        uint8
	AllocationMethod uint8
	Subbands         uint8
	BlockLength      uint8
	MinBitpool       uint8
	MaxBitpool       uint8
}

// MPEGCapabilities is the fixed block for the MPEG audio codec.
type MPEGCapabilities struct {
	ChannelMode uint8
	CRC         uint8
	Layer       uint8
	Frequency   uint8
	JointStereo uint8
	Bitrate     uint16
}

// PCMCapabilities is the fixed block for the headset SCO channel.
type PCMCapabilities struct {
	SamplingRate uint16
	Flags        uint8
}

// EndpointCapability describes one stream endpoint in a capability listing.
// Exactly one of SBC, MPEG, PCM, or Raw is populated, selected by Codec.
type EndpointCapability struct {
	SEID       uint8
	Transport  TransportKind
	Codec      CodecType
	Configured bool
	Lock       LockFlags

	SBC  *SBCCapabilities
	MPEG *MPEGCapabilities
	PCM  *PCMCapabilities
	Raw  []byte
}

func (c *EndpointCapability) payload() ([]byte, error) {
	switch {
	case c.SBC != nil:
		s := c.SBC
		return []byte{
			s.ChannelMode, s.Frequency, s.AllocationMethod,
			s.Subbands, s.BlockLength, s.MinBitpool, s.MaxBitpool,
		}, nil
	case c.MPEG != nil:
		m := c.MPEG
		p := []byte{m.ChannelMode, m.CRC, m.Layer, m.Frequency, m.JointStereo}
		return binary.LittleEndian.AppendUint16(p, m.Bitrate), nil
	case c.PCM != nil:
		p := binary.LittleEndian.AppendUint16(nil, c.PCM.SamplingRate)
		return append(p, c.PCM.Flags), nil
	default:
		return c.Raw, nil
	}
}

// AppendCapability encodes one capability block, refusing the append when it
// would push the message past the size cap.
func (b *Builder) AppendCapability(c EndpointCapability) error {
	payload, err := c.payload()
	if err != nil {
		return err
	}
	total := capHeaderSize + len(payload)
	if total > 0xff {
		return fmt.Errorf("wire: capability payload too large (%d bytes)", len(payload))
	}
	block := make([]byte, 0, total)
	var configured byte
	if c.Configured {
		configured = 1
	}
	block = append(block, c.SEID, byte(c.Transport), byte(c.Codec),
		byte(total), configured, byte(c.Lock))
	block = append(block, payload...)
	return b.Append(block)
}

// ParseCapability decodes one capability block, returning the block and the
// number of bytes consumed.
func ParseCapability(p []byte) (EndpointCapability, int, error) {
	if len(p) < capHeaderSize {
		return EndpointCapability{}, 0, ErrShortMessage
	}
	total := int(p[3])
	if total < capHeaderSize || total > len(p) {
		return EndpointCapability{}, 0, ErrBadLength
	}
	c := EndpointCapability{
		SEID:       p[0],
		Transport:  TransportKind(p[1]),
		Codec:      CodecType(p[2]),
		Configured: p[4] != 0,
		Lock:       LockFlags(p[5]),
	}
	payload := p[capHeaderSize:total]
	switch c.Codec {
	case CodecSBC:
		if len(payload) < sbcPayloadSize {
			return EndpointCapability{}, 0, ErrShortMessage
		}
		c.SBC = &SBCCapabilities{
			ChannelMode:      payload[0],
			Frequency:        payload[1],
			AllocationMethod: payload[2],
			Subbands:         payload[3],
			BlockLength:      payload[4],
			MinBitpool:       payload[5],
			MaxBitpool:       payload[6],
		}
	case CodecMPEG12:
		if len(payload) < mpegPayloadSize {
			return EndpointCapability{}, 0, ErrShortMessage
		}
		c.MPEG = &MPEGCapabilities{
			ChannelMode: payload[0],
			CRC:         payload[1],
			Layer:       payload[2],
			Frequency:   payload[3],
			JointStereo: payload[4],
			Bitrate:     binary.LittleEndian.Uint16(payload[5:7]),
		}
	case CodecPCM:
		if len(payload) < pcmPayloadSize {
			return EndpointCapability{}, 0, ErrShortMessage
		}
		c.PCM = &PCMCapabilities{
			SamplingRate: binary.LittleEndian.Uint16(payload[0:2]),
			Flags:        payload[2],
		}
	default:
		c.Raw = append([]byte(nil), payload...)
	}
	return c, total, nil
}
