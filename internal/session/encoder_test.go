package session

import (
	"bytes"
	"testing"

	"btaudio/internal/engine"
	"btaudio/internal/testsupport"
	"btaudio/internal/wire"
)

func sbcInfo(maxBitpool uint8) engine.CodecInfo {
	return engine.CodecInfo{
		Type: wire.CodecSBC,
		SBC:  &engine.SBCCodec{Frequency: 0x20, ChannelMode: 0x0f, MinBitpool: 2, MaxBitpool: maxBitpool},
	}
}

func TestSelectServicePreference(t *testing.T) {
	cases := []struct {
		name  string
		dev   *testsupport.FakeDevice
		iface string
		want  ServiceKind
	}{
		{"connected sink wins", &testsupport.FakeDevice{Sink: true, HeadsetSvc: true, Connected: true}, "", KindSink},
		{"sink without headset", &testsupport.FakeDevice{Sink: true}, "", KindSink},
		{"headset only", &testsupport.FakeDevice{HeadsetSvc: true}, "", KindHeadset},
		{"explicit headset", &testsupport.FakeDevice{Sink: true, HeadsetSvc: true, Connected: true}, "org.bluez.Headset", KindHeadset},
		{"explicit source", &testsupport.FakeDevice{Source: true}, "org.bluez.AudioSource", KindSource},
		{"no services", &testsupport.FakeDevice{}, "", KindNone},
		{"iface not offered", &testsupport.FakeDevice{HeadsetSvc: true}, "org.bluez.AudioSink", KindNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := selectService(tc.dev, tc.iface); got != tc.want {
				t.Fatalf("selectService = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBuildCapabilitiesSBC(t *testing.T) {
	caps := buildCapabilities(&wire.EndpointCapability{
		SEID:  1,
		Codec: wire.CodecSBC,
		SBC:   &wire.SBCCapabilities{Frequency: 0x20, MaxBitpool: 53},
	})

	if len(caps) != 2 {
		t.Fatalf("got %d capabilities, want 2", len(caps))
	}
	if caps[0].Category != engine.CategoryMediaTransport {
		t.Fatalf("first category = %v", caps[0].Category)
	}
	codec := caps[1]
	if codec.Category != engine.CategoryMediaCodec || codec.Codec == nil {
		t.Fatalf("second capability = %+v", codec)
	}
	if codec.Codec.SBC == nil || codec.Codec.SBC.MaxBitpool != 53 {
		t.Fatalf("sbc = %+v", codec.Codec.SBC)
	}
}

func TestBuildCapabilitiesUnknownCodecPassesThrough(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03}
	caps := buildCapabilities(&wire.EndpointCapability{
		SEID:  1,
		Codec: wire.CodecType(0x42),
		Raw:   raw,
	})

	codec := caps[1].Codec
	if codec == nil || codec.Type != wire.CodecType(0x42) {
		t.Fatalf("codec = %+v", codec)
	}
	if !bytes.Equal(codec.Data, raw) {
		t.Fatalf("opaque payload = %x, want %x", codec.Data, raw)
	}
}

func decodeBlocks(t *testing.T, b *wire.Builder) []wire.EndpointCapability {
	t.Helper()
	raw := b.Bytes()[wire.HeaderSize:]
	var out []wire.EndpointCapability
	for len(raw) > 0 {
		cap, n, err := wire.ParseCapability(raw)
		if err != nil {
			t.Fatalf("ParseCapability: %v", err)
		}
		out = append(out, cap)
		raw = raw[n:]
	}
	return out
}

func TestAppendEndpointsListing(t *testing.T) {
	streamCodec := sbcInfo(32)
	configured := &testsupport.FakeStream{CodecInfo: streamCodec}
	eps := []engine.RemoteEndpoint{
		&testsupport.FakeEndpoint{Seid: 9, NoCodec: true},
		&testsupport.FakeEndpoint{Seid: 1, Codec: sbcInfo(53), Configured: configured},
		&testsupport.FakeEndpoint{Seid: 2, Codec: engine.CodecInfo{Type: wire.CodecType(0x42), Data: []byte{1, 2}}},
	}

	ses := testsupport.NewFakeSession()
	c := &Client{reg: NewRegistry(), a2dp: a2dpState{session: ses}}

	b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	if err := c.appendEndpoints(b, eps); err != nil {
		t.Fatalf("appendEndpoints: %v", err)
	}

	blocks := decodeBlocks(t, b)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2 (codec-less endpoint skipped)", len(blocks))
	}
	if !blocks[0].Configured {
		t.Fatalf("endpoint 1 should report configured")
	}
	// Another session configured endpoint 1, so the advertised ranges are
	// reported, not the negotiated stream parameters.
	if blocks[0].SBC == nil || blocks[0].SBC.MaxBitpool != 53 {
		t.Fatalf("endpoint 1 sbc = %+v", blocks[0].SBC)
	}
	if blocks[1].Codec != wire.CodecType(0x42) || len(blocks[1].Raw) != 2 {
		t.Fatalf("endpoint 2 block = %+v", blocks[1])
	}
}

func TestAppendEndpointsOwnConfiguredEndpoint(t *testing.T) {
	streamCodec := sbcInfo(32)
	configured := &testsupport.FakeStream{CodecInfo: streamCodec}
	eps := []engine.RemoteEndpoint{
		&testsupport.FakeEndpoint{Seid: 1, Codec: sbcInfo(53), Configured: configured},
	}

	ses := testsupport.NewFakeSession()
	c := &Client{reg: NewRegistry(), a2dp: a2dpState{session: ses}, seid: 1}

	b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	if err := c.appendEndpoints(b, eps); err != nil {
		t.Fatalf("appendEndpoints: %v", err)
	}

	blocks := decodeBlocks(t, b)
	if len(blocks) != 1 {
		t.Fatalf("got %d blocks, want 1", len(blocks))
	}
	if blocks[0].SBC == nil || blocks[0].SBC.MaxBitpool != 32 {
		t.Fatalf("want negotiated stream parameters, got %+v", blocks[0].SBC)
	}
}

func TestAppendEndpointsReportsLocks(t *testing.T) {
	ses := testsupport.NewFakeSession()
	reg := NewRegistry()

	holder := &Client{
		reg:  reg,
		seid: 1,
		lock: wire.LockRead,
		a2dp: a2dpState{session: ses, ep: &testsupport.FakeEndpoint{Seid: 1}},
	}
	reg.Add(holder)

	c := &Client{reg: reg, a2dp: a2dpState{session: ses}}
	eps := []engine.RemoteEndpoint{
		&testsupport.FakeEndpoint{Seid: 1, Codec: sbcInfo(53)},
		&testsupport.FakeEndpoint{Seid: 2, Codec: sbcInfo(53)},
	}

	b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	if err := c.appendEndpoints(b, eps); err != nil {
		t.Fatalf("appendEndpoints: %v", err)
	}
	blocks := decodeBlocks(t, b)
	if blocks[0].Lock != wire.LockRead {
		t.Fatalf("endpoint 1 lock = %v, want read", blocks[0].Lock)
	}
	if blocks[1].Lock != 0 {
		t.Fatalf("endpoint 2 lock = %v, want none", blocks[1].Lock)
	}

	// The engine's own flag outranks registry bookkeeping.
	ses.ForcedLocks[1] = true
	b = wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	if err := c.appendEndpoints(b, eps); err != nil {
		t.Fatalf("appendEndpoints: %v", err)
	}
	if blocks = decodeBlocks(t, b); blocks[0].Lock != wire.LockWrite {
		t.Fatalf("engine-locked endpoint lock = %v, want write", blocks[0].Lock)
	}
}

func TestAppendEndpointsIsDeterministic(t *testing.T) {
	eps := []engine.RemoteEndpoint{
		&testsupport.FakeEndpoint{Seid: 1, Codec: sbcInfo(53)},
		&testsupport.FakeEndpoint{Seid: 2, Codec: engine.CodecInfo{Type: wire.CodecType(0x42), Data: []byte{7}}},
	}
	ses := testsupport.NewFakeSession()
	c := &Client{reg: NewRegistry(), a2dp: a2dpState{session: ses}}

	encode := func() []byte {
		b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
		if err := c.appendEndpoints(b, eps); err != nil {
			t.Fatalf("appendEndpoints: %v", err)
		}
		return b.Bytes()
	}
	if !bytes.Equal(encode(), encode()) {
		t.Fatalf("encoding the same listing twice produced different bytes")
	}
}

func TestAppendEndpointsRejectsOverflow(t *testing.T) {
	big := make([]byte, 200)
	eps := make([]engine.RemoteEndpoint, 0, 4)
	for i := uint8(1); i <= 4; i++ {
		eps = append(eps, &testsupport.FakeEndpoint{
			Seid:  i,
			Codec: engine.CodecInfo{Type: wire.CodecType(0x42), Data: big},
		})
	}

	ses := testsupport.NewFakeSession()
	c := &Client{reg: NewRegistry(), a2dp: a2dpState{session: ses}}
	b := wire.NewBuilder(wire.MessageResponse, wire.OpGetCapabilities)
	if err := c.appendEndpoints(b, eps); err == nil {
		t.Fatalf("expected overflow error for %d oversized blocks", len(eps))
	}
}

func TestHeadsetCapability(t *testing.T) {
	hs := &testsupport.FakeHeadset{NRECState: true}
	hs.Lock(wire.LockRead)
	dev := &testsupport.FakeDevice{HeadsetSvc: true, Connected: true, HS: hs}

	c := &Client{dev: dev}
	cap := c.headsetCapability(hs)

	if cap.SEID != wire.HeadsetSEID || cap.Transport != wire.TransportSCO || cap.Codec != wire.CodecPCM {
		t.Fatalf("capability = %+v", cap)
	}
	if !cap.Configured {
		t.Fatalf("active headset should report configured")
	}
	if cap.Lock != wire.LockRead {
		t.Fatalf("lock = %v, want read", cap.Lock)
	}
	if cap.PCM == nil || cap.PCM.SamplingRate != 8000 || cap.PCM.Flags != wire.PCMFlagNREC {
		t.Fatalf("pcm = %+v", cap.PCM)
	}
}
