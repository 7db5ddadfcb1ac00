package session

import (
	"errors"

	"btaudio/internal/engine"
	"btaudio/internal/wire"
)

// scoLinkMTU is the fixed transport size of the synchronous voice channel.
const scoLinkMTU = 48

// scoSamplingRate is the only rate the voice channel supports.
const scoSamplingRate = 8000

var errNoHeadset = errors.New("session: device has no headset service")

// appendEndpoints encodes the discovered endpoint listing into a capability
// response. Endpoints without an audio codec are skipped; a non-zero
// session seid filters the listing to that endpoint.
func (c *Client) appendEndpoints(b *wire.Builder, eps []engine.RemoteEndpoint) error {
	for _, ep := range eps {
		codec, ok := ep.MediaCodec()
		if !ok {
			continue
		}
		if c.seid != 0 && c.seid != ep.SEID() {
			continue
		}

		configured := ep.Stream() != nil
		if configured && c.seid == ep.SEID() {
			// The caller asked about its own endpoint: report the
			// negotiated parameters, not the advertised ranges.
			codec = ep.Stream().Codec()
		}

		lock := c.reg.LockFlags(c.a2dp.session, ep.SEID())
		if c.a2dp.session.Locked(ep) {
			// The engine outranks registry bookkeeping: a stream locked
			// below us is write-locked no matter what sessions claim.
			lock = wire.LockWrite
		}

		cap := translateCodec(codec)
		cap.SEID = ep.SEID()
		cap.Transport = wire.TransportA2DP
		cap.Configured = configured
		cap.Lock = lock
		if err := b.AppendCapability(cap); err != nil {
			return err
		}
	}
	return nil
}

// translateCodec maps engine codec parameters onto a wire capability block.
func translateCodec(codec engine.CodecInfo) wire.EndpointCapability {
	cap := wire.EndpointCapability{Codec: codec.Type}
	switch {
	case codec.SBC != nil:
		cap.SBC = &wire.SBCCapabilities{
			ChannelMode:      codec.SBC.ChannelMode,
			Frequency:        codec.SBC.Frequency,
			AllocationMethod: codec.SBC.AllocationMethod,
			Subbands:         codec.SBC.Subbands,
			BlockLength:      codec.SBC.BlockLength,
			MinBitpool:       codec.SBC.MinBitpool,
			MaxBitpool:       codec.SBC.MaxBitpool,
		}
	case codec.MPEG != nil:
		cap.MPEG = &wire.MPEGCapabilities{
			ChannelMode: codec.MPEG.ChannelMode,
			CRC:         codec.MPEG.CRC,
			Layer:       codec.MPEG.Layer,
			Frequency:   codec.MPEG.Frequency,
			JointStereo: codec.MPEG.JointStereo,
			Bitrate:     codec.MPEG.Bitrate,
		}
	default:
		cap.Raw = append([]byte(nil), codec.Data...)
	}
	return cap
}

// headsetCapability describes the fixed SCO pseudo-endpoint of a headset.
func (c *Client) headsetCapability(h engine.Headset) wire.EndpointCapability {
	var flags uint8
	if h.NREC() {
		flags |= wire.PCMFlagNREC
	}
	if h.PCMRouting() {
		flags |= wire.PCMFlagPCMRouting
	}
	return wire.EndpointCapability{
		SEID:       wire.HeadsetSEID,
		Transport:  wire.TransportSCO,
		Codec:      wire.CodecPCM,
		Configured: c.dev.HeadsetActive(),
		Lock:       h.LockFlags(),
		PCM: &wire.PCMCapabilities{
			SamplingRate: scoSamplingRate,
			Flags:        flags,
		},
	}
}
