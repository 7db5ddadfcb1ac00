package session

import (
	"btaudio/internal/logging"
	"btaudio/internal/wire"
)

// HandleMessage routes one framed message. A non-nil return is
// connection-fatal: the server removes the session and tears it down
// without a response. Protocol-level failures are answered with an Error
// message and return nil.
func (c *Client) HandleMessage(h wire.Header, payload []byte) error {
	c.log.Debug("audio api recv",
		logging.String("type", h.Type.String()),
		logging.String("op", h.Name.String()))

	// One outstanding engine request per session. Close is exempt: it
	// cancels whatever is in flight.
	if c.pending != nil && h.Name != wire.OpClose {
		c.log.Warn("request while another is pending", logging.String("op", h.Name.String()))
		c.sendError(h.Name, errnoBusy)
		return nil
	}

	switch h.Name {
	case wire.OpGetCapabilities:
		var req wire.GetCapabilitiesRequest
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		c.handleGetCapabilities(&req)
	case wire.OpOpen:
		var req wire.OpenRequest
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		c.handleOpen(&req)
	case wire.OpSetConfiguration:
		var req wire.SetConfigurationRequest
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		c.handleSetConfiguration(&req)
	case wire.OpStartStream:
		c.handleStartStream()
	case wire.OpStopStream:
		c.handleStopStream()
	case wire.OpClose:
		c.handleClose()
	case wire.OpControl:
		// Compatibility stub: acknowledge and do nothing.
		c.send(wire.Empty(wire.MessageResponse, wire.OpControl))
	default:
		// Unknown operations are ignored without a response so older and
		// newer peers can coexist.
		c.log.Warn("unexpected message name", logging.Int("name", int(h.Name)))
	}
	return nil
}
