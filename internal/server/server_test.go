package server

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"btaudio/internal/engine"
	"btaudio/internal/ipcclient"
	"btaudio/internal/testsupport"
	"btaudio/internal/wire"
)

const (
	localAddr  = "00:11:22:33:44:55"
	remoteAddr = "AA:BB:CC:DD:EE:FF"
	objectPath = "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
)

func sbcCodec() engine.CodecInfo {
	return engine.CodecInfo{
		Type: wire.CodecSBC,
		SBC:  &engine.SBCCodec{Frequency: 0x20, ChannelMode: 0x0f, MinBitpool: 2, MaxBitpool: 53},
	}
}

func sinkFixture(t *testing.T) (*Server, *testsupport.FakeSession, string) {
	t.Helper()

	devices := &testsupport.FakeRegistry{Devices: []*testsupport.FakeDevice{{
		Local:     localAddr,
		Remote:    remoteAddr,
		Path:      objectPath,
		Sink:      true,
		Connected: true,
	}}}

	ses := testsupport.NewFakeSession()
	ses.Eps = []*testsupport.FakeEndpoint{{Seid: 1, Codec: sbcCodec()}}

	transport := &testsupport.FakeTransport{}
	transport.Seed(localAddr, remoteAddr, ses)

	socket := testsupport.SocketPath(t)
	srv := New(socket, devices, transport, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv, ses, socket
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestSinkStreamLifecycle(t *testing.T) {
	srv, ses, socket := sinkFixture(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()
	ses.Stream = &testsupport.FakeStream{CodecInfo: sbcCodec(), FD: int(w.Fd()), MTU: 672}

	client, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	caps, err := client.GetCapabilities(localAddr, remoteAddr, "", wire.TransportA2DP, 0, false)
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	if len(caps.Capabilities) != 1 || caps.Capabilities[0].SEID != 1 {
		t.Fatalf("capabilities = %+v", caps.Capabilities)
	}
	if caps.Destination != remoteAddr || caps.Object != objectPath {
		t.Fatalf("resolved identity = %q %q", caps.Destination, caps.Object)
	}

	if _, err := client.Open(localAddr, remoteAddr, "", 1, wire.LockWrite); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool { return ses.IsLocked(1) }, "endpoint lock")

	mtu, err := client.SetConfiguration(caps.Capabilities[0])
	if err != nil {
		t.Fatalf("set configuration: %v", err)
	}
	if mtu != 672 {
		t.Fatalf("link mtu = %d, want 672", mtu)
	}

	fd, err := client.StartStream()
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	defer syscall.Close(fd)

	// The received descriptor must reference the stream's data path.
	handoff := os.NewFile(uintptr(fd), "stream")
	if _, err := handoff.Write([]byte("audio")); err != nil {
		t.Fatalf("write to handed-off descriptor: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read from pipe: %v", err)
	}
	if string(buf) != "audio" {
		t.Fatalf("read %q through data path", buf)
	}

	if err := client.StopStream(); err != nil {
		t.Fatalf("stop stream: %v", err)
	}
	if err := client.CloseStream(); err != nil {
		t.Fatalf("close stream: %v", err)
	}

	if got := ses.UnrefCount(); got != 1 {
		t.Fatalf("session unrefs = %d, want 1", got)
	}
	if ses.IsLocked(1) {
		t.Fatalf("endpoint still locked after close")
	}
	if got := srv.Sessions(); got != 1 {
		t.Fatalf("live sessions = %d, want 1", got)
	}
}

func TestOpenConflictBetweenClients(t *testing.T) {
	_, ses, socket := sinkFixture(t)

	first, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Open(localAddr, remoteAddr, "", 1, wire.LockWrite); err != nil {
		t.Fatalf("first open: %v", err)
	}

	second, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	_, err = second.Open(localAddr, remoteAddr, "", 1, wire.LockWrite)
	if !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("second open error = %v, want EINVAL", err)
	}

	// The loser's capability listing reports the holder's lock.
	caps, err := second.GetCapabilities(localAddr, remoteAddr, "", wire.TransportA2DP, 0, false)
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	if len(caps.Capabilities) != 1 || caps.Capabilities[0].Lock&wire.LockWrite == 0 {
		t.Fatalf("capabilities = %+v, want write-locked endpoint", caps.Capabilities)
	}
	if got := ses.RefCount(); got != 2 {
		t.Fatalf("session refs = %d, want one per client", got)
	}
}

func TestDoubleOpenSameClient(t *testing.T) {
	_, _, socket := sinkFixture(t)

	client, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Open(localAddr, remoteAddr, "", 1, wire.LockWrite); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := client.Open(localAddr, remoteAddr, "", 1, wire.LockWrite); !errors.Is(err, syscall.EINVAL) {
		t.Fatalf("second open error = %v, want EINVAL", err)
	}
}

func TestUnknownDeviceFails(t *testing.T) {
	_, _, socket := sinkFixture(t)

	client, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	_, err = client.GetCapabilities(localAddr, "11:22:33:44:55:66", "", wire.TransportA2DP, 0, false)
	if !errors.Is(err, syscall.EIO) {
		t.Fatalf("error = %v, want EIO", err)
	}
}

// rawConn is a minimally framed connection for protocol-level tests the
// client library would not produce.
type rawConn struct {
	t    *testing.T
	conn net.Conn
}

func dialRaw(t *testing.T, socket string) *rawConn {
	t.Helper()
	conn, err := net.Dial("unix", socket)
	if err != nil {
		t.Fatalf("dial raw: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &rawConn{t: t, conn: conn}
}

func (rc *rawConn) write(msg []byte) {
	rc.t.Helper()
	if _, err := rc.conn.Write(msg); err != nil {
		rc.t.Fatalf("raw write: %v", err)
	}
}

func (rc *rawConn) read() (wire.Header, []byte, error) {
	var hdr [wire.HeaderSize]byte
	if _, err := io.ReadFull(rc.conn, hdr[:]); err != nil {
		return wire.Header{}, nil, err
	}
	h, err := wire.ParseHeader(hdr[:])
	if err != nil {
		return wire.Header{}, nil, err
	}
	payload := make([]byte, int(h.Length)-wire.HeaderSize)
	if _, err := io.ReadFull(rc.conn, payload); err != nil {
		return wire.Header{}, nil, err
	}
	return h, payload, nil
}

func (rc *rawConn) mustRead() (wire.Header, []byte) {
	rc.t.Helper()
	h, payload, err := rc.read()
	if err != nil {
		rc.t.Fatalf("raw read: %v", err)
	}
	return h, payload
}

func capsRequest(t *testing.T) []byte {
	t.Helper()
	msg, err := (&wire.GetCapabilitiesRequest{
		Source:      localAddr,
		Destination: remoteAddr,
		Transport:   wire.TransportA2DP,
	}).Marshal()
	if err != nil {
		t.Fatalf("marshal caps request: %v", err)
	}
	return msg
}

func openRequest(t *testing.T, seid uint8) []byte {
	t.Helper()
	msg, err := (&wire.OpenRequest{
		Source:      localAddr,
		Destination: remoteAddr,
		SEID:        seid,
		Lock:        wire.LockWrite,
	}).Marshal()
	if err != nil {
		t.Fatalf("marshal open request: %v", err)
	}
	return msg
}

func TestOverlappingRequestsRejected(t *testing.T) {
	_, ses, socket := sinkFixture(t)
	ses.SetDeferred(true)

	rc := dialRaw(t, socket)
	rc.write(capsRequest(t))
	rc.write(openRequest(t, 1))

	// The second request is refused while discovery is in flight.
	h, payload := rc.mustRead()
	if h.Type != wire.MessageError || h.Name != wire.OpOpen {
		t.Fatalf("first message = %s %s, want open error", h.Type, h.Name)
	}
	var errRsp wire.ErrorResponse
	if err := errRsp.Unmarshal(payload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if syscall.Errno(errRsp.Errno) != syscall.EBUSY {
		t.Fatalf("errno = %d, want EBUSY", errRsp.Errno)
	}

	// Completing the discovery still answers the original request.
	ses.FlushPending()
	h, _ = rc.mustRead()
	if h.Type != wire.MessageResponse || h.Name != wire.OpGetCapabilities {
		t.Fatalf("second message = %s %s, want capability response", h.Type, h.Name)
	}
}

func TestDisconnectMidConfigureReleasesEverything(t *testing.T) {
	srv, ses, socket := sinkFixture(t)

	rc := dialRaw(t, socket)
	rc.write(capsRequest(t))
	if h, _ := rc.mustRead(); h.Type != wire.MessageResponse {
		t.Fatalf("caps response type = %s", h.Type)
	}
	rc.write(openRequest(t, 1))
	if h, _ := rc.mustRead(); h.Type != wire.MessageResponse {
		t.Fatalf("open response type = %s", h.Type)
	}

	ses.SetDeferred(true)
	cfg, err := (&wire.SetConfigurationRequest{Capability: wire.EndpointCapability{
		SEID:  1,
		Codec: wire.CodecSBC,
		SBC:   &wire.SBCCapabilities{MaxBitpool: 53},
	}}).Marshal()
	if err != nil {
		t.Fatalf("marshal set configuration: %v", err)
	}
	rc.write(cfg)

	// Drop the connection while the configure request is in flight.
	_ = rc.conn.Close()
	waitFor(t, func() bool { return srv.Sessions() == 0 }, "session teardown")

	// The cancelled completion must not touch the dead session.
	ses.FlushPending()

	if got := ses.UnrefCount(); got != 1 {
		t.Fatalf("session unrefs = %d, want exactly 1", got)
	}
	if ses.IsLocked(1) {
		t.Fatalf("endpoint still locked after teardown")
	}
}

func TestUnknownOperationIgnored(t *testing.T) {
	_, _, socket := sinkFixture(t)

	rc := dialRaw(t, socket)
	rc.write(wire.Empty(wire.MessageRequest, wire.OpCode(0x30)))

	// The connection stays alive and the next request is served.
	rc.write(capsRequest(t))
	h, _ := rc.mustRead()
	if h.Type != wire.MessageResponse || h.Name != wire.OpGetCapabilities {
		t.Fatalf("message = %s %s, want capability response", h.Type, h.Name)
	}
}

func TestMalformedHeaderDisconnects(t *testing.T) {
	srv, _, socket := sinkFixture(t)

	rc := dialRaw(t, socket)
	rc.write(capsRequest(t))
	rc.mustRead()
	waitFor(t, func() bool { return srv.Sessions() == 1 }, "session registration")

	rc.write([]byte{0, 0, 2, 0}) // declared length below the header size

	if _, _, err := rc.read(); err == nil {
		t.Fatalf("expected disconnect after malformed header")
	}
	waitFor(t, func() bool { return srv.Sessions() == 0 }, "session removal")
}

func TestHeadsetLifecycle(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer r.Close()
	defer w.Close()

	hs := &testsupport.FakeHeadset{
		ActiveState: true,
		NRECState:   true,
		SCOFD:       int(w.Fd()),
	}
	devices := &testsupport.FakeRegistry{Devices: []*testsupport.FakeDevice{{
		Local:      localAddr,
		Remote:     remoteAddr,
		Path:       objectPath,
		HeadsetSvc: true,
		Connected:  true,
		HS:         hs,
	}}}

	socket := testsupport.SocketPath(t)
	srv := New(socket, devices, &testsupport.FakeTransport{}, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	defer srv.Close()

	client, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	caps, err := client.GetCapabilities(localAddr, remoteAddr, "", wire.TransportSCO, 0, false)
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	if len(caps.Capabilities) != 1 {
		t.Fatalf("capabilities = %+v", caps.Capabilities)
	}
	block := caps.Capabilities[0]
	if block.SEID != wire.HeadsetSEID || block.Codec != wire.CodecPCM || !block.Configured {
		t.Fatalf("headset block = %+v", block)
	}
	if block.PCM == nil || block.PCM.SamplingRate != 8000 || block.PCM.Flags != wire.PCMFlagNREC {
		t.Fatalf("pcm block = %+v", block.PCM)
	}

	if _, err := client.Open(localAddr, remoteAddr, "", wire.HeadsetSEID, wire.LockRead); err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, func() bool { return hs.LockFlags() == wire.LockRead }, "headset lock")

	mtu, err := client.SetConfiguration(block)
	if err != nil {
		t.Fatalf("set configuration: %v", err)
	}
	if mtu != 48 {
		t.Fatalf("link mtu = %d, want 48", mtu)
	}

	fd, err := client.StartStream()
	if err != nil {
		t.Fatalf("start stream: %v", err)
	}
	defer syscall.Close(fd)
	handoff := os.NewFile(uintptr(fd), "sco")
	if _, err := handoff.Write([]byte("voice")); err != nil {
		t.Fatalf("write to descriptor: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read from pipe: %v", err)
	}

	if err := client.StopStream(); err != nil {
		t.Fatalf("stop stream: %v", err)
	}
	if err := client.CloseStream(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if got := hs.LockFlags(); got != 0 {
		t.Fatalf("headset lock = %v after close, want released", got)
	}
}

func TestRemoteStreamTeardown(t *testing.T) {
	_, ses, socket := sinkFixture(t)

	st := &testsupport.FakeStream{CodecInfo: sbcCodec(), FD: -1, MTU: 672}
	ses.Stream = st

	client, err := ipcclient.Dial(socket)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	caps, err := client.GetCapabilities(localAddr, remoteAddr, "", wire.TransportA2DP, 0, false)
	if err != nil {
		t.Fatalf("get capabilities: %v", err)
	}
	if _, err := client.Open(localAddr, remoteAddr, "", 1, wire.LockWrite); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := client.SetConfiguration(caps.Capabilities[0]); err != nil {
		t.Fatalf("set configuration: %v", err)
	}
	waitFor(t, func() bool { return st.WatcherCount() == 1 }, "stream watch")

	// The remote side closing the stream releases the endpoint without a
	// client round trip.
	st.Fire(engine.StreamIdle)
	waitFor(t, func() bool { return ses.UnrefCount() == 1 }, "session release")
	waitFor(t, func() bool { return !ses.IsLocked(1) }, "endpoint unlock")
	waitFor(t, func() bool { return st.WatcherCount() == 0 }, "watch removal")
}

func TestRemoteTeardownFailsInFlightRequest(t *testing.T) {
	_, ses, socket := sinkFixture(t)

	st := &testsupport.FakeStream{CodecInfo: sbcCodec(), FD: -1, MTU: 672}
	ses.Stream = st

	rc := dialRaw(t, socket)
	rc.write(capsRequest(t))
	if h, _ := rc.mustRead(); h.Type != wire.MessageResponse {
		t.Fatalf("caps response type = %s", h.Type)
	}
	rc.write(openRequest(t, 1))
	if h, _ := rc.mustRead(); h.Type != wire.MessageResponse {
		t.Fatalf("open response type = %s", h.Type)
	}
	cfg, err := (&wire.SetConfigurationRequest{Capability: wire.EndpointCapability{
		SEID:      1,
		Transport: wire.TransportA2DP,
		Codec:     wire.CodecSBC,
		SBC:       &wire.SBCCapabilities{MaxBitpool: 53},
	}}).Marshal()
	if err != nil {
		t.Fatalf("marshal set configuration: %v", err)
	}
	rc.write(cfg)
	if h, _ := rc.mustRead(); h.Type != wire.MessageResponse {
		t.Fatalf("configure response type = %s", h.Type)
	}
	waitFor(t, func() bool { return st.WatcherCount() == 1 }, "stream watch")

	// A rediscovery is in flight when the remote side closes the stream.
	ses.SetDeferred(true)
	rc.write(capsRequest(t))
	waitFor(t, func() bool { return ses.PendingCount() == 1 }, "deferred discovery")
	st.Fire(engine.StreamIdle)

	// The teardown fails the in-flight request on the wire.
	h, payload := rc.mustRead()
	if h.Type != wire.MessageError || h.Name != wire.OpGetCapabilities {
		t.Fatalf("message = %s %s, want capabilities error", h.Type, h.Name)
	}
	var errRsp wire.ErrorResponse
	if err := errRsp.Unmarshal(payload); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if syscall.Errno(errRsp.Errno) != syscall.EIO {
		t.Fatalf("errno = %d, want EIO", errRsp.Errno)
	}

	// The cancelled completion must not touch the torn-down session.
	ses.FlushPending()
	waitFor(t, func() bool { return ses.UnrefCount() == 1 }, "session release")
	waitFor(t, func() bool { return !ses.IsLocked(1) }, "endpoint unlock")

	// The session stays usable: a fresh request re-resolves the device.
	ses.SetDeferred(false)
	rc.write(capsRequest(t))
	h, _ = rc.mustRead()
	if h.Type != wire.MessageResponse || h.Name != wire.OpGetCapabilities {
		t.Fatalf("message = %s %s, want capability response", h.Type, h.Name)
	}
}
