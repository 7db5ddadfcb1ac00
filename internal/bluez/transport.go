package bluez

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"

	"btaudio/internal/engine"
	"btaudio/internal/logging"
	"btaudio/internal/wire"
)

// Transport adapts the stack's media transport objects to the engine
// interface. Sessions are shared per address pair and reference counted.
type Transport struct {
	bus *Bus
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*busSession
}

// NewTransport builds the adapter.
func NewTransport(bus *Bus, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Transport{
		bus:      bus,
		log:      logger.With(logging.String("component", "bluez-transport")),
		sessions: make(map[string]*busSession),
	}
}

// Session returns the shared session for the address pair, taking a
// reference.
func (t *Transport) Session(local, remote string) (engine.Session, error) {
	key := strings.ToLower(local) + "/" + strings.ToLower(remote)

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[key]; ok {
		s.refs++
		return s, nil
	}
	s := &busSession{
		transport: t,
		key:       key,
		remote:    remote,
		refs:      1,
		locks:     make(map[uint8]bool),
	}
	t.sessions[key] = s
	return s, nil
}

func (t *Transport) release(s *busSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.refs--
	if s.refs > 0 {
		return
	}
	delete(t.sessions, s.key)
	for _, ep := range s.endpoints {
		if st := ep.stream; st != nil {
			st.release()
		}
	}
}

// busSession is one reference-counted signaling session. Endpoint and lock
// state is guarded by mu; completions run on their own goroutine.
type busSession struct {
	transport *Transport
	key       string
	remote    string

	mu        sync.Mutex
	refs      int
	endpoints map[uint8]*busEndpoint
	locks     map[uint8]bool
}

// busRequest implements request cancellation with a flag the completion
// goroutine claims before invoking the callback.
type busRequest struct {
	done atomic.Bool
}

func (r *busRequest) Cancel() { r.done.Store(true) }

// claim reports whether the completion may fire; a cancelled request never
// completes.
func (r *busRequest) claim() bool { return r.done.CompareAndSwap(false, true) }

func (s *busSession) Endpoint(seid uint8) (engine.RemoteEndpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.endpoints[seid]
	return ep, ok
}

// Discover enumerates the device's media transport objects. Endpoint ids
// are derived from the object path suffix the stack assigns.
func (s *busSession) Discover(complete func([]engine.RemoteEndpoint, error)) (engine.Request, error) {
	req := &busRequest{}
	go func() {
		eps, err := s.discover()
		if !req.claim() {
			return
		}
		complete(eps, err)
	}()
	return req, nil
}

func (s *busSession) discover() ([]engine.RemoteEndpoint, error) {
	objects, err := s.transport.bus.managedObjects()
	if err != nil {
		return nil, err
	}

	devicePath, err := s.devicePath(objects)
	if err != nil {
		return nil, err
	}

	found := make(map[uint8]*busEndpoint)
	var unmapped []*busEndpoint
	for path, ifaces := range objects {
		props, ok := ifaces[transportIface]
		if !ok {
			continue
		}
		owner, _ := props["Device"].Value().(dbus.ObjectPath)
		if owner != devicePath {
			continue
		}
		ep := &busEndpoint{session: s, path: path}
		if seid, ok := seidFromPath(path); ok && found[seid] == nil {
			ep.seid = seid
			found[seid] = ep
			continue
		}
		unmapped = append(unmapped, ep)
	}
	assignFreeSEIDs(found, unmapped)

	s.mu.Lock()
	// Keep stream handles alive across rediscovery.
	for seid, old := range s.endpoints {
		if ep, ok := found[seid]; ok && old.path == ep.path {
			ep.stream = old.stream
		}
	}
	s.endpoints = found
	s.mu.Unlock()

	out := make([]engine.RemoteEndpoint, 0, len(found))
	for _, ep := range found {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SEID() < out[j].SEID() })
	return out, nil
}

func (s *busSession) devicePath(objects managedObjects) (dbus.ObjectPath, error) {
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		if strings.EqualFold(variantString(props, "Address"), s.remote) {
			return path, nil
		}
	}
	return "", fmt.Errorf("no device object for %s", s.remote)
}

// seidFromPath derives a stable endpoint id from the trailing fd ordinal of
// a transport object path. Ids start at 1; 0 means "all" on the wire.
func seidFromPath(path dbus.ObjectPath) (uint8, bool) {
	p := string(path)
	if i := strings.LastIndex(p, "/fd"); i >= 0 {
		if n, err := strconv.Atoi(p[i+3:]); err == nil && n >= 0 && n < wire.SEIDRange {
			return uint8(n) + 1, true
		}
	}
	return 0, false
}

// assignFreeSEIDs places endpoints without a usable path ordinal on the
// lowest free ids, in path order so repeated discoveries agree. Endpoints
// beyond the id space are left out.
func assignFreeSEIDs(found map[uint8]*busEndpoint, unmapped []*busEndpoint) {
	sort.Slice(unmapped, func(i, j int) bool { return unmapped[i].path < unmapped[j].path })
	next := uint8(1)
	for _, ep := range unmapped {
		for next <= wire.SEIDRange && found[next] != nil {
			next++
		}
		if next > wire.SEIDRange {
			return
		}
		ep.seid = next
		found[next] = ep
	}
}

// Configure binds a stream handle to the endpoint. The stack negotiated the
// codec when the endpoint appeared, so there is no bus round trip here.
func (s *busSession) Configure(ep engine.RemoteEndpoint, caps []engine.Capability, complete func(engine.Stream, error)) (engine.Request, error) {
	bep, ok := ep.(*busEndpoint)
	if !ok || bep.session != s {
		return nil, errors.New("endpoint does not belong to this session")
	}

	req := &busRequest{}
	go func() {
		st := bep.ensureStream()
		if !req.claim() {
			return
		}
		complete(st, nil)
	}()
	return req, nil
}

func (s *busSession) Resume(st engine.Stream, complete func(error)) (engine.Request, error) {
	bst, ok := st.(*busStream)
	if !ok {
		return nil, errors.New("stream does not belong to this session")
	}
	req := &busRequest{}
	go func() {
		err := bst.acquire()
		if !req.claim() {
			return
		}
		complete(err)
	}()
	return req, nil
}

func (s *busSession) Suspend(st engine.Stream, complete func(error)) (engine.Request, error) {
	bst, ok := st.(*busStream)
	if !ok {
		return nil, errors.New("stream does not belong to this session")
	}
	req := &busRequest{}
	go func() {
		err := bst.release()
		if !req.claim() {
			return
		}
		complete(err)
	}()
	return req, nil
}

func (s *busSession) Lock(ep engine.RemoteEndpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks[ep.SEID()] {
		return false
	}
	s.locks[ep.SEID()] = true
	return true
}

func (s *busSession) Unlock(ep engine.RemoteEndpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, ep.SEID())
}

func (s *busSession) Locked(ep engine.RemoteEndpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locks[ep.SEID()]
}

func (s *busSession) Unref() { s.transport.release(s) }

// busEndpoint is one media transport object on the remote device.
type busEndpoint struct {
	session *busSession
	path    dbus.ObjectPath
	seid    uint8
	stream  *busStream
}

func (e *busEndpoint) SEID() uint8 { return e.seid }

// MediaCodec reads the negotiated codec identity and configuration from the
// transport object. The subband codec's packed configuration is unpacked
// into discrete parameters; other codecs stay opaque.
func (e *busEndpoint) MediaCodec() (engine.CodecInfo, bool) {
	bus := e.session.transport.bus

	var codecByte byte
	if err := bus.property(e.path, transportIface, "Codec", &codecByte); err != nil {
		return engine.CodecInfo{}, false
	}
	var conf []byte
	if err := bus.property(e.path, transportIface, "Configuration", &conf); err != nil {
		return engine.CodecInfo{}, false
	}

	info := engine.CodecInfo{Type: wire.CodecType(codecByte)}
	if info.Type == wire.CodecSBC && len(conf) >= 4 {
		info.SBC = unpackSBC(conf)
	} else {
		info.Data = append([]byte(nil), conf...)
	}
	return info, true
}

// unpackSBC expands the 4-byte packed subband codec configuration.
func unpackSBC(conf []byte) *engine.SBCCodec {
	return &engine.SBCCodec{
		Frequency:        conf[0] >> 4,
		ChannelMode:      conf[0] & 0x0f,
		BlockLength:      conf[1] >> 4,
		Subbands:         (conf[1] >> 2) & 0x03,
		AllocationMethod: conf[1] & 0x03,
		MinBitpool:       conf[2],
		MaxBitpool:       conf[3],
	}
}

func (e *busEndpoint) Stream() engine.Stream {
	e.session.mu.Lock()
	defer e.session.mu.Unlock()
	if e.stream == nil {
		return nil
	}
	return e.stream
}

func (e *busEndpoint) ensureStream() *busStream {
	e.session.mu.Lock()
	defer e.session.mu.Unlock()
	if e.stream == nil {
		e.stream = &busStream{
			endpoint: e,
			fd:       -1,
			watchers: make(map[engine.WatchID]func(engine.StreamState)),
		}
	}
	return e.stream
}

// busStream drives one media transport's data path. The descriptor is
// acquired on first use and handed to exactly one consumer.
type busStream struct {
	endpoint *busEndpoint

	mu       sync.Mutex
	fd       int
	mtu      uint16
	acquired bool
	watchers map[engine.WatchID]func(engine.StreamState)
	nextID   engine.WatchID
}

func (st *busStream) Codec() engine.CodecInfo {
	info, _ := st.endpoint.MediaCodec()
	return info
}

// DataPath acquires the transport descriptor if needed and returns it.
func (st *busStream) DataPath() (int, uint16, error) {
	if err := st.acquire(); err != nil {
		return -1, 0, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.fd, st.mtu, nil
}

func (st *busStream) acquire() error {
	st.mu.Lock()
	if st.acquired {
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	var (
		fd       dbus.UnixFD
		readMTU  uint16
		writeMTU uint16
	)
	bus := st.endpoint.session.transport.bus
	call := bus.conn.Object(busName, st.endpoint.path).Call(transportIface+".Acquire", 0)
	if call.Err != nil {
		return fmt.Errorf("acquiring transport: %w", call.Err)
	}
	if err := call.Store(&fd, &readMTU, &writeMTU); err != nil {
		return fmt.Errorf("decoding transport descriptor: %w", err)
	}

	st.mu.Lock()
	st.fd = int(fd)
	st.mtu = writeMTU
	st.acquired = true
	st.mu.Unlock()

	st.notify(engine.StreamStreaming)
	return nil
}

func (st *busStream) release() error {
	st.mu.Lock()
	acquired := st.acquired
	st.acquired = false
	st.fd = -1
	st.mu.Unlock()
	if !acquired {
		return nil
	}

	bus := st.endpoint.session.transport.bus
	if err := bus.call(st.endpoint.path, transportIface+".Release", nil); err != nil {
		return fmt.Errorf("releasing transport: %w", err)
	}
	st.notify(engine.StreamOpen)
	return nil
}

func (st *busStream) Watch(fn func(engine.StreamState)) engine.WatchID {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	id := st.nextID
	st.watchers[id] = fn
	return id
}

func (st *busStream) Unwatch(id engine.WatchID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.watchers, id)
}

func (st *busStream) notify(state engine.StreamState) {
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
