package session

import (
	"log/slog"
	"net"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"btaudio/internal/device"
	"btaudio/internal/engine"
	"btaudio/internal/logging"
	"btaudio/internal/wire"
)

// POSIX codes carried in wire error responses.
const (
	errnoIO    = uint16(unix.EIO)
	errnoInval = uint16(unix.EINVAL)
	errnoBusy  = uint16(unix.EBUSY)
	errnoNoMem = uint16(unix.ENOMEM)
)

// ServiceKind is the service type a session resolves to on its first
// request. It never changes afterwards.
type ServiceKind int

const (
	KindNone ServiceKind = iota
	KindHeadset
	KindSink
	KindSource
)

func (k ServiceKind) String() string {
	switch k {
	case KindHeadset:
		return "headset"
	case KindSink:
		return "sink"
	case KindSource:
		return "source"
	default:
		return "none"
	}
}

// a2dpState is the per-session slice of A2DP transport state: a shared
// session reference plus non-owning endpoint and stream handles that are
// only valid between a successful configure and close/reset.
type a2dpState struct {
	session engine.Session
	ep      engine.RemoteEndpoint
	stream  engine.Stream
	watch   engine.WatchID
}

// headsetState is the SCO counterpart: the lock collapses to one boolean
// held on the device.
type headsetState struct {
	locked     bool
	configured bool
}

// pending tracks the single in-flight engine request a session may have.
// The matching completion callback is the only place that clears it.
type pending struct {
	op        wire.OpCode
	req       engine.Request
	cancelled bool
}

func (p *pending) cancel() {
	if p.cancelled || p.req == nil {
		return
	}
	p.cancelled = true
	p.req.Cancel()
}

// Params carries the collaborators a new client session needs.
type Params struct {
	Conn      *net.UnixConn
	Devices   device.Registry
	Transport engine.Transport
	Registry  *Registry
	Logger    *slog.Logger
	// Post schedules a function onto the server event loop. Every engine
	// completion goes through it before touching session state.
	Post func(func())
}

// Client is one accepted control connection and its protocol state.
type Client struct {
	id        string
	conn      *net.UnixConn
	log       *slog.Logger
	devices   device.Registry
	transport engine.Transport
	reg       *Registry
	post      func(func())

	kind    ServiceKind
	iface   string
	dev     device.Device
	seid    uint8
	lock    wire.LockFlags
	caps    []engine.Capability
	pending *pending
	dataFD  int

	a2dp a2dpState
	hs   headsetState
}

// New constructs a session for an accepted connection. The caller adds it
// to the registry on the event loop.
func New(p Params) *Client {
	id := uuid.NewString()
	logger := p.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Client{
		id:        id,
		conn:      p.Conn,
		log:       logger.With(logging.String("component", "session"), logging.String("client", id[:8])),
		devices:   p.Devices,
		transport: p.Transport,
		reg:       p.Registry,
		post:      p.Post,
		dataFD:    -1,
	}
}

// ID returns the session's log correlation id.
func (c *Client) ID() string { return c.id }

// Teardown releases everything the session owns: the pending engine
// request, endpoint locks, the transport-session reference, and the
// connection. Safe to call once, on the event loop, after the session left
// the registry.
func (c *Client) Teardown() {
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
	}

	_ = c.conn.Close()
	c.log.Debug("session torn down")
}

// releaseSession drops the shared transport-session reference, exactly once.
func (c *Client) releaseSession() {
	if c.a2dp.session == nil {
		return
	}
	c.a2dp.session.Unref()
	c.a2dp.session = nil
}

func (c *Client) dropWatch() {
	if c.a2dp.watch != 0 && c.a2dp.stream != nil {
		c.a2dp.stream.Unwatch(c.a2dp.watch)
	}
	c.a2dp.watch = 0
}

func (c *Client) unlockHeadset() {
	if !c.hs.locked || c.dev == nil {
		return
	}
	if h := c.dev.Headset(); h != nil {
		h.Unlock(c.lock)
	}
	c.hs.locked = false
}

// send writes one framed message to the client.
func (c *Client) send(msg []byte) {
	h, err := wire.ParseHeader(msg)
	if err == nil {
		c.log.Debug("audio api send",
			logging.String("type", h.Type.String()),
			logging.String("op", h.Name.String()))
	}
	if _, err := c.conn.Write(msg); err != nil {
		c.log.Error("send failed", logging.Error(err))
	}
}

// sendError reports a failed operation. Sessions already removed from the
// registry (disconnected mid-request) stay silent.
func (c *Client) sendError(op wire.OpCode, errno uint16) {
	if !c.reg.Contains(c) {
		return
	}
	msg, err := (&wire.ErrorResponse{Name: op, Errno: errno}).Marshal()
	if err != nil {
		return
	}
	c.send(msg)
}

// sendFD passes the data-path descriptor over the connection's control
// channel. One ordinary payload byte rides along, required by the
// SCM_RIGHTS framing.
func (c *Client) sendFD(fd int) error {
	rights := unix.UnixRights(fd)
	_, _, err := c.conn.WriteMsgUnix([]byte{'m'}, rights, nil)
	return err
}
