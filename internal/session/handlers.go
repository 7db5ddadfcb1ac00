package session

import (
	"btaudio/internal/device"
	"btaudio/internal/engine"
	"btaudio/internal/logging"
	"btaudio/internal/wire"
)

// selectService resolves the service type for a device. Without an explicit
// interface the preference order is: connected sink, active headset, any
// sink, any headset.
func selectService(dev device.Device, iface string) ServiceKind {
	switch iface {
	case "":
		switch {
		case dev.HasSink() && dev.SinkConnected():
			return KindSink
		case dev.HasHeadset() && dev.HeadsetActive():
			return KindHeadset
		case dev.HasSink():
			return KindSink
		case dev.HasHeadset():
			return KindHeadset
		}
	case device.SinkInterface:
		if dev.HasSink() {
			return KindSink
		}
	case device.SourceInterface:
		if dev.HasSource() {
			return KindSource
		}
	case device.HeadsetInterface:
		if dev.HasHeadset() {
			return KindHeadset
		}
	}
	return KindNone
}

// resolveDevice runs the two-step lookup shared by GetCapabilities and
// Open: the triple must name a known device at all, then the session's
// interface is required, connected first and, when allowed, disconnected as
// a fallback.
func (c *Client) resolveDevice(obj, src, dst string, fallback bool) (device.Device, bool) {
	if _, ok := c.devices.Find(obj, src, dst, "", false); !ok {
		return nil, false
	}
	dev, ok := c.devices.Find(obj, src, dst, c.iface, true)
	if !ok && fallback {
		dev, ok = c.devices.Find(obj, src, dst, c.iface, false)
	}
	return dev, ok
}

func (c *Client) handleGetCapabilities(req *wire.GetCapabilitiesRequest) {
	if c.iface == "" {
		switch req.Transport {
		case wire.TransportSCO:
			c.iface = device.HeadsetInterface
		case wire.TransportA2DP:
			c.iface = device.SinkInterface
		}
	}

	dev, ok := c.resolveDevice(req.Object, req.Source, req.Destination,
		req.Flags&wire.FlagAutoconnect != 0)
	if !ok {
		c.log.Warn("unable to find a matching device")
		c.sendError(wire.OpGetCapabilities, errnoIO)
		return
	}

	if c.kind == KindNone {
		kind := selectService(dev, c.iface)
		if kind == KindNone {
			c.log.Warn("no matching service found",
				logging.String("remote", dev.RemoteAddress()))
			c.sendError(wire.OpGetCapabilities, errnoIO)
			return
		}
		c.kind = kind
	}

	c.seid = req.SEID
	c.startDiscovery(dev)
}

func (c *Client) startDiscovery(dev device.Device) {
	switch c.kind {
	case KindSink, KindSource:
		if !c.ensureSession(dev) {
			c.sendError(wire.OpGetCapabilities, errnoIO)
			return
		}
		p := &pending{op: wire.OpGetCapabilities}
		req, err := c.a2dp.session.Discover(func(eps []engine.RemoteEndpoint, err error) {
			c.post(func() { c.discoveryComplete(p, eps, err) })
		})
		if err != nil {
			c.log.Error("discover failed", logging.Error(err))
			c.sendError(wire.OpGetCapabilities, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	case KindHeadset:
		c.dev = dev
		c.headsetDiscoveryComplete()
		return
	default:
		c.log.Error("no known services for device")
		c.sendError(wire.OpGetCapabilities, errnoIO)
		return
	}
	c.dev = dev
}

func (c *Client) handleOpen(req *wire.OpenRequest) {
	if req.SEID > wire.SEIDRange {
		// Reserved range: the headset pseudo-endpoint.
		if c.iface == "" {
			c.iface = device.HeadsetInterface
		} else if c.iface != device.HeadsetInterface {
			c.sendError(wire.OpOpen, errnoIO)
			return
		}
	} else {
		if c.iface == "" {
			c.iface = device.SinkInterface
		} else if c.iface == device.HeadsetInterface {
			c.sendError(wire.OpOpen, errnoIO)
			return
		}
	}

	dev, ok := c.resolveDevice(req.Object, req.Source, req.Destination, true)
	if !ok {
		c.sendError(wire.OpOpen, errnoIO)
		return
	}

	if c.kind == KindNone {
		kind := selectService(dev, c.iface)
		if kind == KindNone {
			c.sendError(wire.OpOpen, errnoIO)
			return
		}
		c.kind = kind
	}

	c.seid = req.SEID
	c.lock = req.Lock
	c.startOpen(dev)
}

func (c *Client) startOpen(dev device.Device) {
	switch c.kind {
	case KindSink, KindSource:
		if !c.ensureSession(dev) {
			c.sendError(wire.OpOpen, errnoInval)
			return
		}
		if c.a2dp.ep != nil {
			c.log.Error("client already has an opened endpoint")
			c.sendError(wire.OpOpen, errnoInval)
			return
		}
		ep, ok := c.a2dp.session.Endpoint(c.seid)
		if !ok {
			c.log.Error("invalid seid", logging.Int("seid", int(c.seid)))
			c.sendError(wire.OpOpen, errnoInval)
			return
		}
		if !c.a2dp.session.Lock(ep) {
			c.log.Error("seid not available or locked", logging.Int("seid", int(c.seid)))
			c.sendError(wire.OpOpen, errnoInval)
			return
		}
		c.a2dp.ep = ep
	case KindHeadset:
		if c.hs.locked {
			c.log.Error("client already has an opened endpoint")
			c.sendError(wire.OpOpen, errnoInval)
			return
		}
		h := dev.Headset()
		if h == nil || !h.Lock(c.lock) {
			c.log.Error("unable to lock headset")
			c.sendError(wire.OpOpen, errnoInval)
			return
		}
		c.hs.locked = true
	default:
		c.sendError(wire.OpOpen, errnoInval)
		return
	}

	c.dev = dev
	rsp := &wire.OpenResponse{
		Source:      dev.LocalAddress(),
		Destination: dev.RemoteAddress(),
		Object:      dev.ObjectPath(),
	}
	msg, err := rsp.Marshal()
	if err != nil {
		c.sendError(wire.OpOpen, errnoInval)
		return
	}
	c.send(msg)
}

func (c *Client) handleSetConfiguration(req *wire.SetConfigurationRequest) {
	if req.Capability.SEID != c.seid {
		c.log.Error("configuration for unopened seid",
			logging.Int("seid", int(req.Capability.SEID)),
			logging.Int("opened", int(c.seid)))
		c.sendError(wire.OpSetConfiguration, errnoIO)
		return
	}

	switch req.Capability.Transport {
	case wire.TransportSCO:
		if c.iface == "" {
			c.iface = device.HeadsetInterface
		} else if c.iface != device.HeadsetInterface {
			c.sendError(wire.OpSetConfiguration, errnoIO)
			return
		}
	case wire.TransportA2DP:
		if c.iface == "" {
			c.iface = device.SinkInterface
		} else if c.iface == device.HeadsetInterface {
			c.sendError(wire.OpSetConfiguration, errnoIO)
			return
		}
		c.caps = buildCapabilities(&req.Capability)
	}

	if c.dev == nil {
		c.sendError(wire.OpSetConfiguration, errnoIO)
		return
	}
	c.startConfig()
}

// buildCapabilities translates the wire codec block into the engine's
// capability list: a media transport entry followed by the media codec.
// Codecs the gateway does not natively understand pass through opaque.
func buildCapabilities(cap *wire.EndpointCapability) []engine.Capability {
	caps := []engine.Capability{{Category: engine.CategoryMediaTransport}}

	codec := engine.CodecInfo{Type: cap.Codec}
	switch {
	case cap.SBC != nil:
		codec.SBC = &engine.SBCCodec{
			ChannelMode:      cap.SBC.ChannelMode,
			Frequency:        cap.SBC.Frequency,
			AllocationMethod: cap.SBC.AllocationMethod,
			Subbands:         cap.SBC.Subbands,
			BlockLength:      cap.SBC.BlockLength,
			MinBitpool:       cap.SBC.MinBitpool,
			MaxBitpool:       cap.SBC.MaxBitpool,
		}
	case cap.MPEG != nil:
		codec.MPEG = &engine.MPEGCodec{
			ChannelMode: cap.MPEG.ChannelMode,
			CRC:         cap.MPEG.CRC,
			Layer:       cap.MPEG.Layer,
			Frequency:   cap.MPEG.Frequency,
			JointStereo: cap.MPEG.JointStereo,
			Bitrate:     cap.MPEG.Bitrate,
		}
	default:
		codec.Data = append([]byte(nil), cap.Raw...)
	}

	return append(caps, engine.Capability{Category: engine.CategoryMediaCodec, Codec: &codec})
}

func (c *Client) startConfig() {
	switch c.kind {
	case KindSink, KindSource:
		if c.a2dp.session == nil || c.a2dp.ep == nil {
			c.log.Error("seid not opened", logging.Int("seid", int(c.seid)))
			c.sendError(wire.OpSetConfiguration, errnoIO)
			return
		}
		p := &pending{op: wire.OpSetConfiguration}
		req, err := c.a2dp.session.Configure(c.a2dp.ep, c.caps, func(st engine.Stream, err error) {
			c.post(func() { c.configComplete(p, st, err) })
		})
		if err != nil {
			c.log.Error("config failed", logging.Error(err))
			c.sendError(wire.OpSetConfiguration, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	case KindHeadset:
		if !c.hs.locked {
			c.log.Error("headset not opened")
			c.sendError(wire.OpSetConfiguration, errnoIO)
			return
		}
		h := c.dev.Headset()
		p := &pending{op: wire.OpSetConfiguration}
		req, err := h.ConfigStream(func(err error) {
			c.post(func() { c.headsetConfigComplete(p, err) })
		})
		if err != nil {
			c.log.Error("config failed", logging.Error(err))
			c.sendError(wire.OpSetConfiguration, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	default:
		c.sendError(wire.OpSetConfiguration, errnoIO)
	}
}

func (c *Client) handleStartStream() {
	if c.dev == nil {
		c.sendError(wire.OpStartStream, errnoIO)
		return
	}

	switch c.kind {
	case KindSink, KindSource:
		if c.a2dp.session == nil || c.a2dp.stream == nil {
			c.log.Error("stream not configured")
			c.sendError(wire.OpStartStream, errnoIO)
			return
		}
		p := &pending{op: wire.OpStartStream}
		req, err := c.a2dp.session.Resume(c.a2dp.stream, func(err error) {
			c.post(func() { c.resumeComplete(p, err) })
		})
		if err != nil {
			c.log.Error("resume failed", logging.Error(err))
			c.sendError(wire.OpStartStream, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	case KindHeadset:
		if !c.hs.configured {
			c.log.Error("stream not configured")
			c.sendError(wire.OpStartStream, errnoIO)
			return
		}
		h := c.dev.Headset()
		p := &pending{op: wire.OpStartStream}
		req, err := h.RequestStream(func(err error) {
			c.post(func() { c.headsetResumeComplete(p, err) })
		})
		if err != nil {
			c.log.Error("resume failed", logging.Error(err))
			c.sendError(wire.OpStartStream, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	default:
		c.sendError(wire.OpStartStream, errnoIO)
	}
}

func (c *Client) handleStopStream() {
	if c.dev == nil {
		c.sendError(wire.OpStopStream, errnoIO)
		return
	}

	switch c.kind {
	case KindSink, KindSource:
		if c.a2dp.session == nil || c.a2dp.stream == nil {
			c.log.Error("stream not configured")
			c.sendError(wire.OpStopStream, errnoIO)
			return
		}
		p := &pending{op: wire.OpStopStream}
		req, err := c.a2dp.session.Suspend(c.a2dp.stream, func(err error) {
			c.post(func() { c.suspendComplete(p, err) })
		})
		if err != nil {
			c.log.Error("suspend failed", logging.Error(err))
			c.sendError(wire.OpStopStream, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	case KindHeadset:
		h := c.dev.Headset()
		if h == nil {
			c.sendError(wire.OpStopStream, errnoIO)
			return
		}
		p := &pending{op: wire.OpStopStream}
		req, err := h.SuspendStream(func(err error) {
			c.post(func() { c.headsetSuspendComplete(p, err) })
		})
		if err != nil {
			c.log.Error("suspend failed", logging.Error(err))
			c.sendError(wire.OpStopStream, errnoIO)
			return
		}
		p.req = req
		c.pending = p
	default:
		c.sendError(wire.OpStopStream, errnoIO)
	}
}

// handleClose is best-effort: it cancels any in-flight request, releases
// the endpoint lock and the transport-session reference, and acknowledges.
func (c *Client) handleClose() {
	if c.dev == nil {
		c.sendError(wire.OpClose, errnoIO)
		return
	}

	if c.pending != nil {
		c.pending.cancel()
		c.pending = nil
	}

	switch c.kind {
	case KindSink, KindSource:
		c.dropWatch()
		if c.a2dp.ep != nil && c.a2dp.session != nil {
			c.a2dp.session.Unlock(c.a2dp.ep)
		}
		c.a2dp.ep = nil
		c.a2dp.stream = nil
		c.releaseSession()
	case KindHeadset:
		c.unlockHeadset()
		c.hs.configured = false
	}

	c.dataFD = -1
	c.send(wire.Empty(wire.MessageResponse, wire.OpClose))
}

// ensureSession acquires the shared transport-session reference for the
// device pair unless one is already held.
func (c *Client) ensureSession(dev device.Device) bool {
	if c.a2dp.session != nil {
		return true
	}
	s, err := c.transport.Session(dev.LocalAddress(), dev.RemoteAddress())
	if err != nil {
		c.log.Error("unable to get a session", logging.Error(err))
		return false
	}
	c.a2dp.session = s
	return true
}
