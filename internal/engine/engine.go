// Package engine declares the transport-session collaborators the gateway
// drives: reference-counted signaling sessions toward a remote audio peer,
// their stream endpoints, and the asynchronous negotiation operations. The
// protocol work itself (peer discovery, codec negotiation, SCO/A2DP link
// establishment) lives behind these interfaces.
//
// Completion callbacks may be invoked from any goroutine; callers that
// confine state to an event loop must re-post completions onto it.
package engine

import "btaudio/internal/wire"

// Request is a cancellable handle to one in-flight asynchronous operation.
// Cancel is idempotent and safe against a completion already in flight.
type Request interface {
	Cancel()
}

// StreamState tracks the lifecycle of a negotiated stream.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamStreaming
)

// WatchID identifies a registered stream state watch.
type WatchID uint32

// Capability is one service capability handed to Configure. Categories
// follow the transport protocol's numbering. Codec is set for media-codec
// entries; every other category carries raw bytes in Data.
type Capability struct {
	Category Category
	Codec    *CodecInfo
	Data     []byte
}

// Category of a service capability.
type Category uint8

const (
	CategoryMediaTransport Category = 1
	CategoryMediaCodec     Category = 7
)

// SBCCodec mirrors the subband codec parameters as the engine advertises
// them. The wire layer re-encodes these field by field; the engine and wire
// layouts are deliberately decoupled.
type SBCCodec struct {
	ChannelMode      uint8
	Frequency        uint8
	AllocationMethod uint8
	Subbands         uint8
	BlockLength      uint8
	MinBitpool       uint8
	MaxBitpool       uint8
}

// MPEGCodec mirrors the MPEG audio codec parameters.
type MPEGCodec struct {
	ChannelMode uint8
	CRC         uint8
	Layer       uint8
	Frequency   uint8
	JointStereo uint8
	Bitrate     uint16
}

// CodecInfo describes a codec advertised by an endpoint or negotiated on a
// stream. SBC and MPEG are populated for the natively understood codecs;
// every other codec carries its raw parameter bytes in Data.
type CodecInfo struct {
	Type wire.CodecType
	SBC  *SBCCodec
	MPEG *MPEGCodec
	Data []byte
}

// Transport hands out signaling sessions keyed by address pair.
type Transport interface {
	// Session returns the shared session for the pair, taking a new
	// reference. Every successful call must be balanced by exactly one
	// Unref.
	Session(local, remote string) (Session, error)
}

// Session is one reference on the shared signaling state toward a remote
// peer. The asynchronous operations return immediately; the completion
// callback fires exactly once unless the request is cancelled first.
type Session interface {
	// Endpoint looks up a remote stream endpoint by seid.
	Endpoint(seid uint8) (RemoteEndpoint, bool)

	// Discover fetches the remote endpoint listing.
	Discover(complete func([]RemoteEndpoint, error)) (Request, error)

	// Configure negotiates a stream on the endpoint with the given
	// capability selection.
	Configure(ep RemoteEndpoint, caps []Capability, complete func(Stream, error)) (Request, error)

	// Resume starts (or restarts) the stream's data path.
	Resume(st Stream, complete func(error)) (Request, error)

	// Suspend pauses the stream's data path.
	Suspend(st Stream, complete func(error)) (Request, error)

	// Lock claims exclusive configuration access to an endpoint for this
	// session reference. It reports false when another holder exists.
	Lock(ep RemoteEndpoint) bool

	// Unlock releases a previously acquired endpoint lock.
	Unlock(ep RemoteEndpoint)

	// Locked reports the engine's own view of the endpoint lock. This is
	// the source of truth when it disagrees with registry bookkeeping.
	Locked(ep RemoteEndpoint) bool

	// Unref releases this reference. The session is torn down when the
	// last holder releases.
	Unref()
}

// RemoteEndpoint is an addressable stream slot on the remote peer.
type RemoteEndpoint interface {
	SEID() uint8

	// MediaCodec returns the endpoint's advertised codec capability, or
	// false for endpoints that are not of audio-codec category.
	MediaCodec() (CodecInfo, bool)

	// Stream returns the currently configured stream, or nil.
	Stream() Stream
}

// Stream is a negotiated media stream on one endpoint.
type Stream interface {
	// Codec returns the negotiated codec parameters.
	Codec() CodecInfo

	// DataPath returns the kernel descriptor for the audio channel and the
	// link transport size.
	DataPath() (fd int, linkMTU uint16, err error)

	// Watch registers a state-change callback; Unwatch removes it.
	Watch(fn func(StreamState)) WatchID
	Unwatch(id WatchID)
}

// Headset is the control surface for the fixed SCO channel of a headset
// device. The lock is a single boolean on the device rather than a
// per-endpoint flag.
type Headset interface {
	Lock(flags wire.LockFlags) bool
	Unlock(flags wire.LockFlags)
	LockFlags() wire.LockFlags

	Active() bool
	NREC() bool
	PCMRouting() bool

	// ConfigStream prepares the SCO channel. The headset side has nothing
	// to negotiate, so implementations complete immediately.
	ConfigStream(complete func(error)) (Request, error)

	// RequestStream brings the SCO link up.
	RequestStream(complete func(error)) (Request, error)

	// SuspendStream drops the SCO link.
	SuspendStream(complete func(error)) (Request, error)

	// SCODescriptor returns the live SCO socket descriptor. It fails when
	// no link is up, which fails the surrounding start even after a
	// nominally successful RequestStream.
	SCODescriptor() (int, error)
}
