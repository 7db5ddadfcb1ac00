package main

import (
	"testing"

	"btaudio/internal/wire"
)

func TestParseTransport(t *testing.T) {
	cases := []struct {
		in      string
		want    wire.TransportKind
		wantErr bool
	}{
		{"sco", wire.TransportSCO, false},
		{"A2DP", wire.TransportA2DP, false},
		{"any", wire.TransportAny, false},
		{"", wire.TransportAny, false},
		{"serial", 0, true},
	}
	for _, tc := range cases {
		got, err := parseTransport(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseTransport(%q) accepted", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseTransport(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseTransport(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCodecDetails(t *testing.T) {
	sbc := wire.EndpointCapability{
		Codec: wire.CodecSBC,
		SBC:   &wire.SBCCapabilities{Frequency: 0x20, ChannelMode: 0x02, MinBitpool: 2, MaxBitpool: 53},
	}
	if got := codecDetails(sbc); got != "freq=0x20 mode=0x02 bitpool=2..53" {
		t.Fatalf("sbc details = %q", got)
	}

	pcm := wire.EndpointCapability{
		Codec: wire.CodecPCM,
		PCM:   &wire.PCMCapabilities{SamplingRate: 8000, Flags: wire.PCMFlagNREC},
	}
	if got := codecDetails(pcm); got != "rate=8000 nrec" {
		t.Fatalf("pcm details = %q", got)
	}

	opaque := wire.EndpointCapability{Codec: wire.CodecType(0x42), Raw: []byte{1, 2, 3}}
	if got := codecDetails(opaque); got != "3 opaque bytes" {
		t.Fatalf("opaque details = %q", got)
	}
}
