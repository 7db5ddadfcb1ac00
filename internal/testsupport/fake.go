package testsupport

import (
	"errors"
	"strings"
	"sync"

	"btaudio/internal/device"
	"btaudio/internal/engine"
	"btaudio/internal/wire"
)

// FakeRegistry is an in-memory device registry.
type FakeRegistry struct {
	Devices []*FakeDevice
}

// Find mirrors the production wildcard semantics: empty fields match
// anything, connected requires the named service to be up.
func (r *FakeRegistry) Find(objectPath, local, remote, iface string, connected bool) (device.Device, bool) {
	for _, d := range r.Devices {
		if objectPath != "" && objectPath != d.Path {
			continue
		}
		if local != "" && !strings.EqualFold(local, d.Local) {
			continue
		}
		if remote != "" && !strings.EqualFold(remote, d.Remote) {
			continue
		}
		if !d.matches(iface, connected) {
			continue
		}
		return d, true
	}
	return nil, false
}

// FakeDevice is a configurable remote device.
type FakeDevice struct {
	Local      string
	Remote     string
	Path       string
	Sink       bool
	Source     bool
	HeadsetSvc bool
	Connected  bool
	HS         *FakeHeadset
}

func (d *FakeDevice) matches(iface string, connected bool) bool {
	switch iface {
	case "":
	case device.SinkInterface:
		if !d.Sink {
			return false
		}
	case device.SourceInterface:
		if !d.Source {
			return false
		}
	case device.HeadsetInterface:
		if !d.HeadsetSvc {
			return false
		}
	default:
		return false
	}
	return !connected || d.Connected
}

func (d *FakeDevice) LocalAddress() string  { return d.Local }
func (d *FakeDevice) RemoteAddress() string { return d.Remote }
func (d *FakeDevice) ObjectPath() string    { return d.Path }
func (d *FakeDevice) HasSink() bool         { return d.Sink }
func (d *FakeDevice) HasSource() bool       { return d.Source }
func (d *FakeDevice) HasHeadset() bool      { return d.HeadsetSvc }
func (d *FakeDevice) SinkConnected() bool   { return d.Sink && d.Connected }
func (d *FakeDevice) HeadsetActive() bool   { return d.HeadsetSvc && d.Connected }

func (d *FakeDevice) Headset() engine.Headset {
	if d.HS == nil {
		return nil
	}
	return d.HS
}

// FakeTransport hands out one shared FakeSession per address pair.
type FakeTransport struct {
	mu       sync.Mutex
	Sessions map[string]*FakeSession
	Err      error
}

// Session returns the configured fake session, creating one on first use.
func (t *FakeTransport) Session(local, remote string) (engine.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	key := strings.ToLower(local) + "/" + strings.ToLower(remote)
	if t.Sessions == nil {
		t.Sessions = make(map[string]*FakeSession)
	}
	s, ok := t.Sessions[key]
	if !ok {
		s = NewFakeSession()
		t.Sessions[key] = s
	}
	s.mu.Lock()
	s.Refs++
	s.mu.Unlock()
	return s, nil
}

// Seed installs a prepared session for an address pair.
func (t *FakeTransport) Seed(local, remote string, s *FakeSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Sessions == nil {
		t.Sessions = make(map[string]*FakeSession)
	}
	t.Sessions[strings.ToLower(local)+"/"+strings.ToLower(remote)] = s
}

// Only returns the single session the transport has handed out. Fails the
// lookup when there is not exactly one.
func (t *FakeTransport) Only() (*FakeSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.Sessions) != 1 {
		return nil, false
	}
	for _, s := range t.Sessions {
		return s, true
	}
	return nil, false
}

// FakeRequest records cancellation.
type FakeRequest struct {
	mu        sync.Mutex
	cancelled bool
}

func (r *FakeRequest) Cancel() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// Cancelled reports whether Cancel was called.
func (r *FakeRequest) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// FakeSession is a scriptable engine session. Completions fire inline
// unless Deferred is set, in which case they queue until FlushPending.
// All counters are mutex-guarded so tests can assert from any goroutine.
type FakeSession struct {
	mu sync.Mutex

	Refs   int
	Unrefs int

	Eps         []*FakeEndpoint
	DiscoverErr error

	Stream       *FakeStream
	ConfigureErr error
	ResumeErr    error
	SuspendErr   error

	Deferred bool
	queue    []func()

	locks       map[uint8]bool
	ForcedLocks map[uint8]bool
}

// NewFakeSession returns an empty scriptable session.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		locks:       make(map[uint8]bool),
		ForcedLocks: make(map[uint8]bool),
	}
}

func (s *FakeSession) complete(req *FakeRequest, fn func()) {
	run := func() {
		if req.Cancelled() {
			return
		}
		fn()
	}
	s.mu.Lock()
	deferred := s.Deferred
	if deferred {
		s.queue = append(s.queue, run)
	}
	s.mu.Unlock()
	if !deferred {
		run()
	}
}

// SetDeferred toggles completion queueing. Safe from any goroutine.
func (s *FakeSession) SetDeferred(deferred bool) {
	s.mu.Lock()
	s.Deferred = deferred
	s.mu.Unlock()
}

// FlushPending runs every queued completion in order.
func (s *FakeSession) FlushPending() {
	s.mu.Lock()
	queued := s.queue
	s.queue = nil
	s.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

// PendingCount reports how many completions are queued.
func (s *FakeSession) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *FakeSession) Endpoint(seid uint8) (engine.RemoteEndpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.Eps {
		if ep.Seid == seid {
			return ep, true
		}
	}
	return nil, false
}

func (s *FakeSession) Discover(complete func([]engine.RemoteEndpoint, error)) (engine.Request, error) {
	req := &FakeRequest{}
	s.mu.Lock()
	err := s.DiscoverErr
	eps := make([]engine.RemoteEndpoint, 0, len(s.Eps))
	for _, ep := range s.Eps {
		eps = append(eps, ep)
	}
	s.mu.Unlock()
	s.complete(req, func() {
		if err != nil {
			complete(nil, err)
			return
		}
		complete(eps, nil)
	})
	return req, nil
}

func (s *FakeSession) Configure(ep engine.RemoteEndpoint, caps []engine.Capability, complete func(engine.Stream, error)) (engine.Request, error) {
	fep, ok := ep.(*FakeEndpoint)
	if !ok {
		return nil, errors.New("foreign endpoint")
	}
	req := &FakeRequest{}
	s.mu.Lock()
	err := s.ConfigureErr
	st := s.Stream
	if st == nil {
		st = &FakeStream{FD: -1}
		s.Stream = st
	}
	fep.Caps = caps
	s.mu.Unlock()
	s.complete(req, func() {
		if err != nil {
			complete(nil, err)
			return
		}
		fep.mu.Lock()
		fep.Configured = st
		fep.mu.Unlock()
		complete(st, nil)
	})
	return req, nil
}

func (s *FakeSession) Resume(st engine.Stream, complete func(error)) (engine.Request, error) {
	req := &FakeRequest{}
	s.mu.Lock()
	err := s.ResumeErr
	s.mu.Unlock()
	s.complete(req, func() { complete(err) })
	return req, nil
}

func (s *FakeSession) Suspend(st engine.Stream, complete func(error)) (engine.Request, error) {
	req := &FakeRequest{}
	s.mu.Lock()
	err := s.SuspendErr
	s.mu.Unlock()
	s.complete(req, func() { complete(err) })
	return req, nil
}

func (s *FakeSession) Lock(ep engine.RemoteEndpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seid := ep.SEID()
	if s.locks[seid] || s.ForcedLocks[seid] {
		return false
	}
	s.locks[seid] = true
	return true
}

func (s *FakeSession) Unlock(ep engine.RemoteEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, ep.SEID())
}

func (s *FakeSession) Locked(ep engine.RemoteEndpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[ep.SEID()] || s.ForcedLocks[ep.SEID()]
}

func (s *FakeSession) Unref() {
	s.mu.Lock()
	s.Unrefs++
	s.mu.Unlock()
}

// UnrefCount returns the number of released references.
func (s *FakeSession) UnrefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Unrefs
}

// RefCount returns the number of acquired references.
func (s *FakeSession) RefCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Refs
}

// IsLocked reports the engine lock state of one endpoint id.
func (s *FakeSession) IsLocked(seid uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[seid]
}

// FakeEndpoint is one scriptable remote endpoint.
type FakeEndpoint struct {
	Seid    uint8
	Codec   engine.CodecInfo
	NoCodec bool
	Caps    []engine.Capability

	mu         sync.Mutex
	Configured engine.Stream
}

func (e *FakeEndpoint) SEID() uint8 { return e.Seid }

func (e *FakeEndpoint) MediaCodec() (engine.CodecInfo, bool) {
	if e.NoCodec {
		return engine.CodecInfo{}, false
	}
	return e.Codec, true
}

func (e *FakeEndpoint) Stream() engine.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Configured
}

// SetConfigured installs the configured stream handle directly.
func (e *FakeEndpoint) SetConfigured(st engine.Stream) {
	e.mu.Lock()
	e.Configured = st
	e.mu.Unlock()
}

// FakeStream is a scriptable negotiated stream.
type FakeStream struct {
	CodecInfo engine.CodecInfo
	FD        int
	MTU       uint16
	DataErr   error

	mu       sync.Mutex
	watchers map[engine.WatchID]func(engine.StreamState)
	nextID   engine.WatchID
}

func (st *FakeStream) Codec() engine.CodecInfo { return st.CodecInfo }

func (st *FakeStream) DataPath() (int, uint16, error) {
	if st.DataErr != nil {
		return -1, 0, st.DataErr
	}
	return st.FD, st.MTU, nil
}

func (st *FakeStream) Watch(fn func(engine.StreamState)) engine.WatchID {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.watchers == nil {
		st.watchers = make(map[engine.WatchID]func(engine.StreamState))
	}
	st.nextID++
	st.watchers[st.nextID] = fn
	return st.nextID
}

func (st *FakeStream) Unwatch(id engine.WatchID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.watchers, id)
}

// Fire delivers a state change to every registered watcher.
func (st *FakeStream) Fire(state engine.StreamState) {
	st.mu.Lock()
	fns := make([]func(engine.StreamState), 0, len(st.watchers))
	for _, fn := range st.watchers {
		fns = append(fns, fn)
	}
	st.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// WatcherCount reports the number of registered watchers.
func (st *FakeStream) WatcherCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.watchers)
}

// FakeHeadset is a scriptable headset control surface.
type FakeHeadset struct {
	mu sync.Mutex

	lock wire.LockFlags

	ActiveState bool
	NRECState   bool
	Routing     bool

	ConfigErr  error
	ResumeErr  error
	SuspendErr error

	SCOFD  int
	SCOErr error

	Deferred bool
	queue    []func()
}

func (h *FakeHeadset) Lock(flags wire.LockFlags) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lock&flags != 0 {
		return false
	}
	h.lock |= flags
	return true
}

func (h *FakeHeadset) Unlock(flags wire.LockFlags) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lock &^= flags
}

func (h *FakeHeadset) LockFlags() wire.LockFlags {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lock
}

func (h *FakeHeadset) Active() bool     { return h.ActiveState }
func (h *FakeHeadset) NREC() bool       { return h.NRECState }
func (h *FakeHeadset) PCMRouting() bool { return h.Routing }

func (h *FakeHeadset) complete(req *FakeRequest, fn func()) {
	run := func() {
		if req.Cancelled() {
			return
		}
		fn()
	}
	h.mu.Lock()
	deferred := h.Deferred
	if deferred {
		h.queue = append(h.queue, run)
	}
	h.mu.Unlock()
	if !deferred {
		run()
	}
}

// FlushPending runs every queued completion in order.
func (h *FakeHeadset) FlushPending() {
	h.mu.Lock()
	queued := h.queue
	h.queue = nil
	h.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}

func (h *FakeHeadset) ConfigStream(complete func(error)) (engine.Request, error) {
	req := &FakeRequest{}
	h.complete(req, func() { complete(h.ConfigErr) })
	return req, nil
}

func (h *FakeHeadset) RequestStream(complete func(error)) (engine.Request, error) {
	req := &FakeRequest{}
	h.complete(req, func() { complete(h.ResumeErr) })
	return req, nil
}

func (h *FakeHeadset) SuspendStream(complete func(error)) (engine.Request, error) {
	req := &FakeRequest{}
	h.complete(req, func() { complete(h.SuspendErr) })
	return req, nil
}

func (h *FakeHeadset) SCODescriptor() (int, error) {
	if h.SCOErr != nil {
		return -1, h.SCOErr
	}
	return h.SCOFD, nil
}
