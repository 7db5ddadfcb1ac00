// Package ipcclient is the Go client for the gateway's control socket. It
// frames requests, decodes responses, and receives the stream descriptor
// handed over on start.
package ipcclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"btaudio/internal/wire"
)

// Client is one control connection. Not safe for concurrent use; the
// protocol allows a single outstanding request per connection anyway.
type Client struct {
	conn *net.UnixConn
}

// Dial connects to the control socket.
func Dial(socketPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("resolving socket address: %w", err)
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{conn: conn}, nil
}

// Close terminates the connection. The daemon releases every resource the
// connection held.
func (c *Client) Close() error { return c.conn.Close() }

// GetCapabilities lists the audio endpoints of a device. A zero seid lists
// everything; autoconnect allows resolving devices that are not currently
// connected.
func (c *Client) GetCapabilities(local, remote, object string, transport wire.TransportKind, seid uint8, autoconnect bool) (*wire.GetCapabilitiesResponse, error) {
	req := wire.GetCapabilitiesRequest{
		Source:      local,
		Destination: remote,
		Object:      object,
		Transport:   transport,
		SEID:        seid,
	}
	if autoconnect {
		req.Flags |= wire.FlagAutoconnect
	}
	msg, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	payload, err := c.roundTrip(msg, wire.OpGetCapabilities)
	if err != nil {
		return nil, err
	}
	var rsp wire.GetCapabilitiesResponse
	if err := rsp.Unmarshal(payload); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// Open claims a stream endpoint.
func (c *Client) Open(local, remote, object string, seid uint8, lock wire.LockFlags) (*wire.OpenResponse, error) {
	req := wire.OpenRequest{
		Source:      local,
		Destination: remote,
		Object:      object,
		SEID:        seid,
		Lock:        lock,
	}
	msg, err := req.Marshal()
	if err != nil {
		return nil, err
	}
	payload, err := c.roundTrip(msg, wire.OpOpen)
	if err != nil {
		return nil, err
	}
	var rsp wire.OpenResponse
	if err := rsp.Unmarshal(payload); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// SetConfiguration selects the codec parameters for the opened endpoint and
// returns the link transport size.
func (c *Client) SetConfiguration(cap wire.EndpointCapability) (uint16, error) {
	msg, err := (&wire.SetConfigurationRequest{Capability: cap}).Marshal()
	if err != nil {
		return 0, err
	}
	payload, err := c.roundTrip(msg, wire.OpSetConfiguration)
	if err != nil {
		return 0, err
	}
	var rsp wire.SetConfigurationResponse
	if err := rsp.Unmarshal(payload); err != nil {
		return 0, err
	}
	return rsp.LinkMTU, nil
}

// StartStream brings the stream up and returns the data-path descriptor.
// The caller owns the descriptor.
func (c *Client) StartStream() (int, error) {
	if _, err := c.roundTrip(wire.Empty(wire.MessageRequest, wire.OpStartStream), wire.OpStartStream); err != nil {
		return -1, err
	}
	// A NewStream indication precedes the descriptor.
	h, _, err := c.readMessage()
	if err != nil {
		return -1, err
	}
	if h.Type != wire.MessageIndication || h.Name != wire.OpNewStream {
		return -1, fmt.Errorf("expected new-stream indication, got %s %s", h.Type, h.Name)
	}
	return c.readFD()
}

// StopStream suspends the stream.
func (c *Client) StopStream() error {
	_, err := c.roundTrip(wire.Empty(wire.MessageRequest, wire.OpStopStream), wire.OpStopStream)
	return err
}

// CloseStream releases the endpoint and drops back to the opened-nothing
// state without closing the connection.
func (c *Client) CloseStream() error {
	_, err := c.roundTrip(wire.Empty(wire.MessageRequest, wire.OpClose), wire.OpClose)
	return err
}

// roundTrip sends one request and reads messages until the matching
// response or error arrives. Unrelated indications are skipped.
func (c *Client) roundTrip(msg []byte, op wire.OpCode) ([]byte, error) {
	if _, err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	for {
		h, payload, err := c.readMessage()
		if err != nil {
			return nil, err
		}
		switch {
		case h.Type == wire.MessageResponse && h.Name == op:
			return payload, nil
		case h.Type == wire.MessageError && h.Name == op:
			var rsp wire.ErrorResponse
			if err := rsp.Unmarshal(payload); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%s: %w", op, syscall.Errno(rsp.Errno))
		case h.Type == wire.MessageIndication:
			continue
		default:
			return nil, fmt.Errorf("unexpected message %s %s", h.Type, h.Name)
		}
	}
}

func (c *Client) readMessage() (wire.Header, []byte, error) {
	var hdr [wire.HeaderSize]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return wire.Header{}, nil, fmt.Errorf("reading header: %w", err)
	}
	h, err := wire.ParseHeader(hdr[:])
	if err != nil {
		return wire.Header{}, nil, err
	}
	payload := make([]byte, int(h.Length)-wire.HeaderSize)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return wire.Header{}, nil, fmt.Errorf("reading payload: %w", err)
	}
	return h, payload, nil
}

// readFD receives the descriptor passed over the socket's control channel.
func (c *Client) readFD() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, unix.CmsgSpace(4))
	_, oobn, _, _, err := c.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		return -1, fmt.Errorf("receiving descriptor: %w", err)
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, fmt.Errorf("parsing control message: %w", err)
	}
	for _, cm := range cmsgs {
		fds, err := unix.ParseUnixRights(&cm)
		if err != nil {
			continue
		}
		if len(fds) > 0 {
			return fds[0], nil
		}
	}
	return -1, errors.New("no descriptor in control message")
}
