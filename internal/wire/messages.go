package wire

import (
	"encoding/binary"
)

// GetCapabilitiesRequest asks for the capability listing of a remote device.
// SEID 0 means every endpoint; a non-zero value filters to one.
type GetCapabilitiesRequest struct {
	Source      string
	Destination string
	Object      string
	Transport   TransportKind
	SEID        uint8
	Flags       uint8
}

// Marshal frames the request.
func (r *GetCapabilitiesRequest) Marshal() ([]byte, error) {
	b := NewBuilder(MessageRequest, OpGetCapabilities)
	payload, err := appendAddresses(nil, r.Source, r.Destination, r.Object)
	if err != nil {
		return nil, err
	}
	payload = append(payload, byte(r.Transport), r.SEID, r.Flags)
	if err := b.Append(payload); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the payload bytes following the header.
func (r *GetCapabilitiesRequest) Unmarshal(p []byte) error {
	rest, src, dst, obj, err := parseAddresses(p)
	if err != nil {
		return err
	}
	if len(rest) < 3 {
		return ErrShortMessage
	}
	r.Source, r.Destination, r.Object = src, dst, obj
	r.Transport = TransportKind(rest[0])
	r.SEID = rest[1]
	r.Flags = rest[2]
	return nil
}

// GetCapabilitiesResponse lists the matching endpoints and their codec
// capability blocks.
type GetCapabilitiesResponse struct {
	Source       string
	Destination  string
	Object       string
	Capabilities []EndpointCapability
}

// Unmarshal decodes the payload bytes following the header.
func (r *GetCapabilitiesResponse) Unmarshal(p []byte) error {
	rest, src, dst, obj, err := parseAddresses(p)
	if err != nil {
		return err
	}
	r.Source, r.Destination, r.Object = src, dst, obj
	r.Capabilities = r.Capabilities[:0]
	for len(rest) > 0 {
		cap, n, err := ParseCapability(rest)
		if err != nil {
			return err
		}
		r.Capabilities = append(r.Capabilities, cap)
		rest = rest[n:]
	}
	return nil
}

// OpenRequest claims a stream endpoint on a remote device.
type OpenRequest struct {
	Source      string
	Destination string
	Object      string
	SEID        uint8
	Lock        LockFlags
}

// Marshal frames the request.
func (r *OpenRequest) Marshal() ([]byte, error) {
	b := NewBuilder(MessageRequest, OpOpen)
	payload, err := appendAddresses(nil, r.Source, r.Destination, r.Object)
	if err != nil {
		return nil, err
	}
	payload = append(payload, r.SEID, byte(r.Lock))
	if err := b.Append(payload); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the payload bytes following the header.
func (r *OpenRequest) Unmarshal(p []byte) error {
	rest, src, dst, obj, err := parseAddresses(p)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return ErrShortMessage
	}
	r.Source, r.Destination, r.Object = src, dst, obj
	r.SEID = rest[0]
	r.Lock = LockFlags(rest[1])
	return nil
}

// OpenResponse echoes the resolved device identity.
type OpenResponse struct {
	Source      string
	Destination string
	Object      string
}

// Marshal frames the response.
func (r *OpenResponse) Marshal() ([]byte, error) {
	b := NewBuilder(MessageResponse, OpOpen)
	payload, err := appendAddresses(nil, r.Source, r.Destination, r.Object)
	if err != nil {
		return nil, err
	}
	if err := b.Append(payload); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the payload bytes following the header.
func (r *OpenResponse) Unmarshal(p []byte) error {
	_, src, dst, obj, err := parseAddresses(p)
	if err != nil {
		return err
	}
	r.Source, r.Destination, r.Object = src, dst, obj
	return nil
}

// SetConfigurationRequest carries the capability block selected by the
// client for the endpoint it opened.
type SetConfigurationRequest struct {
	Capability EndpointCapability
}

// Marshal frames the request.
func (r *SetConfigurationRequest) Marshal() ([]byte, error) {
	b := NewBuilder(MessageRequest, OpSetConfiguration)
	if err := b.AppendCapability(r.Capability); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the payload bytes following the header.
func (r *SetConfigurationRequest) Unmarshal(p []byte) error {
	cap, _, err := ParseCapability(p)
	if err != nil {
		return err
	}
	r.Capability = cap
	return nil
}

// SetConfigurationResponse reports the link transport size the client must
// frame its audio writes to.
type SetConfigurationResponse struct {
	LinkMTU uint16
}

// Marshal frames the response.
func (r *SetConfigurationResponse) Marshal() ([]byte, error) {
	b := NewBuilder(MessageResponse, OpSetConfiguration)
	if err := b.Append(binary.LittleEndian.AppendUint16(nil, r.LinkMTU)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the payload bytes following the header.
func (r *SetConfigurationResponse) Unmarshal(p []byte) error {
	if len(p) < 2 {
		return ErrShortMessage
	}
	r.LinkMTU = binary.LittleEndian.Uint16(p)
	return nil
}

// ErrorResponse carries a POSIX-style error code for a failed operation.
type ErrorResponse struct {
	Name  OpCode
	Errno uint16
}

// Marshal frames the error message.
func (r *ErrorResponse) Marshal() ([]byte, error) {
	b := NewBuilder(MessageError, r.Name)
	if err := b.Append(binary.LittleEndian.AppendUint16(nil, r.Errno)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes the payload bytes following the header.
func (r *ErrorResponse) Unmarshal(p []byte) error {
	if len(p) < 2 {
		return ErrShortMessage
	}
	r.Errno = binary.LittleEndian.Uint16(p)
	return nil
}

// Empty frames a header-only message: start/stop/close requests and
// responses, the control stub, and the NewStream indication.
func Empty(t MessageType, name OpCode) []byte {
	return NewBuilder(t, name).Bytes()
}

// Addresses encodes the fixed identity triple that prefixes most payloads.
func Addresses(src, dst, obj string) ([]byte, error) {
	return appendAddresses(nil, src, dst, obj)
}

func appendAddresses(dst []byte, src, dest, obj string) ([]byte, error) {
	var err error
	if dst, err = putString(dst, AddressSize, src); err != nil {
		return nil, err
	}
	if dst, err = putString(dst, AddressSize, dest); err != nil {
		return nil, err
	}
	return putString(dst, ObjectPathSize, obj)
}

func parseAddresses(p []byte) (rest []byte, src, dst, obj string, err error) {
	if src, err = parseString(p, AddressSize); err != nil {
		return nil, "", "", "", err
	}
	if dst, err = parseString(p[AddressSize:], AddressSize); err != nil {
		return nil, "", "", "", err
	}
	if obj, err = parseString(p[2*AddressSize:], ObjectPathSize); err != nil {
		return nil, "", "", "", err
	}
	return p[2*AddressSize+ObjectPathSize:], src, dst, obj, nil
}
