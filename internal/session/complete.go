package session

import (
	"btaudio/internal/engine"
	"btaudio/internal/logging"
	"btaudio/internal/wire"
)

// finish is the common completion prologue: a cancelled request is dead and
// must not touch session state, otherwise the pending slot is cleared so the
// next request can start.
func (c *Client) finish(p *pending) bool {
	if p.cancelled {
		return false
	}
	if c.pending == p {
		c.pending = nil
	}
	return true
}

// resetA2DP clears the stream handles and drops the transport-session
// reference after a failed negotiation. The engine reclaims any endpoint
// lock held through the released reference.
func (c *Client) resetA2DP() {
	c.dropWatch()
	c.a2dp.ep = nil
	c.a2dp.stream = nil
	c.releaseSession()
}

func (c *Client) discoveryComplete(p *pending, eps []engine.RemoteEndpoint, err error) {
	if !c.finish(p) {
		return
	}
	if err != nil {
		c.log.Error("discovery failed", logging.Error(err))
		c.sendError(wire.OpGetCapabilities, errnoIO)
		c.resetA2DP()
		return
	}

	b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	addrs, aerr := wire.Addresses(c.dev.LocalAddress(), c.dev.RemoteAddress(), c.dev.ObjectPath())
	if aerr != nil || b.Append(addrs) != nil {
		c.sendError(wire.OpGetCapabilities, errnoNoMem)
		return
	}
	if err := c.appendEndpoints(b, eps); err != nil {
		// Listing does not fit the message cap. Reject rather than send a
		// silently truncated listing.
		c.log.Warn("capability listing too large", logging.Error(err))
		c.sendError(wire.OpGetCapabilities, errnoNoMem)
		return
	}
	c.send(b.Bytes())
}

// headsetDiscoveryComplete answers a headset capability request. The SCO
// channel is fixed, so there is nothing asynchronous to discover.
func (c *Client) headsetDiscoveryComplete() {
	h := c.dev.Headset()
	if h == nil {
		c.sendError(wire.OpGetCapabilities, errnoIO)
		return
	}

	b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	addrs, err := wire.Addresses(c.dev.LocalAddress(), c.dev.RemoteAddress(), c.dev.ObjectPath())
	if err != nil || b.Append(addrs) != nil {
		c.sendError(wire.OpGetCapabilities, errnoNoMem)
		return
	}
	if err := b.AppendCapability(c.headsetCapability(h)); err != nil {
		c.sendError(wire.OpGetCapabilities, errnoNoMem)
		return
	}
	c.send(b.Bytes())
}

func (c *Client) configComplete(p *pending, st engine.Stream, err error) {
	if !c.finish(p) {
		return
	}
	if err != nil {
		c.log.Error("configuration failed", logging.Error(err))
		c.sendError(wire.OpSetConfiguration, errnoIO)
		c.resetA2DP()
		return
	}

	c.dropWatch()
	c.a2dp.stream = st

	fd, mtu, err := st.DataPath()
	if err != nil {
		c.log.Error("unable to get stream transport", logging.Error(err))
		c.sendError(wire.OpSetConfiguration, errnoIO)
		c.resetA2DP()
		return
	}
	c.dataFD = fd

	msg, merr := (&wire.SetConfigurationResponse{LinkMTU: mtu}).Marshal()
	if merr != nil {
		c.sendError(wire.OpSetConfiguration, errnoIO)
		return
	}
	c.send(msg)

	c.a2dp.watch = st.Watch(func(state engine.StreamState) {
		c.post(func() { c.streamStateChanged(state) })
	})
}

func (c *Client) resumeComplete(p *pending, err error) {
	if !c.finish(p) {
		return
	}
	if err != nil {
		c.log.Error("resume failed", logging.Error(err))
		c.sendError(wire.OpStartStream, errnoIO)
		c.resetA2DP()
		return
	}

	c.send(wire.Empty(wire.MessageResponse, wire.OpStartStream))
	c.send(wire.Empty(wire.MessageIndication, wire.OpNewStream))

	if err := c.sendFD(c.dataFD); err != nil {
		c.log.Error("unable to send stream descriptor", logging.Error(err))
		c.sendError(wire.OpStartStream, errnoIO)
		c.resetA2DP()
	}
}

func (c *Client) suspendComplete(p *pending, err error) {
	if !c.finish(p) {
		return
	}
	if err != nil {
		c.log.Error("suspend failed", logging.Error(err))
		c.sendError(wire.OpStopStream, errnoIO)
		c.resetA2DP()
		return
	}
	c.send(wire.Empty(wire.MessageResponse, wire.OpStopStream))
}

func (c *Client) headsetConfigComplete(p *pending, err error) {
	if !c.finish(p) {
		return
	}
	if err != nil {
		c.log.Error("headset configuration failed", logging.Error(err))
		c.sendError(wire.OpSetConfiguration, errnoIO)
		c.unlockHeadset()
		return
	}

	c.hs.configured = true
	msg, merr := (&wire.SetConfigurationResponse{LinkMTU: scoLinkMTU}).Marshal()
	if merr != nil {
		c.sendError(wire.OpSetConfiguration, errnoIO)
		return
	}
	c.send(msg)
}

func (c *Client) headsetResumeComplete(p *pending, err error) {
	if !c.finish(p) {
		return
	}
	h := c.dev.Headset()
	if err == nil && h == nil {
		err = errNoHeadset
	}

	var fd int
	if err == nil {
		fd, err = h.SCODescriptor()
	}
	if err != nil {
		c.log.Error("headset start failed", logging.Error(err))
		c.sendError(wire.OpStartStream, errnoIO)
		c.unlockHeadset()
		c.hs.configured = false
		return
	}

	c.send(wire.Empty(wire.MessageResponse, wire.OpStartStream))
	c.send(wire.Empty(wire.MessageIndication, wire.OpNewStream))

	if err := c.sendFD(fd); err != nil {
		c.log.Error("unable to send stream descriptor", logging.Error(err))
		c.sendError(wire.OpStartStream, errnoIO)
	}
}

func (c *Client) headsetSuspendComplete(p *pending, err error) {
	if !c.finish(p) {
		return
	}
	if err != nil {
		c.log.Error("headset suspend failed", logging.Error(err))
		c.sendError(wire.OpStopStream, errnoIO)
		return
	}
	c.send(wire.Empty(wire.MessageResponse, wire.OpStopStream))
}

// streamStateChanged reacts to engine-side stream transitions. A stream
// going idle means the remote side closed it: the session falls back to its
// pre-open state without a client round trip.
func (c *Client) streamStateChanged(state engine.StreamState) {
	c.log.Debug("stream state changed", logging.Int("state", int(state)))
	if state != engine.StreamIdle {
		return
	}

	// An in-flight request targets the device state being torn down here.
	// Cancel it so its completion never runs against the cleared session,
	// and fail the operation on the wire.
	if c.pending != nil {
		c.pending.cancel()
		c.sendError(c.pending.op, errnoIO)
		c.pending = nil
	}

	c.dropWatch()
	if c.a2dp.ep != nil && c.a2dp.session != nil {
		c.a2dp.session.Unlock(c.a2dp.ep)
	}
	c.a2dp.ep = nil
	c.a2dp.stream = nil
	c.dev = nil
	c.dataFD = -1
	c.releaseSession()
}
