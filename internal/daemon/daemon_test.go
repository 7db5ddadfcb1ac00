package daemon

import (
	"testing"

	"btaudio/internal/ipcclient"
	"btaudio/internal/testsupport"
)

func TestDaemonStartStop(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	devices := &testsupport.FakeRegistry{}
	transport := &testsupport.FakeTransport{}

	d, err := New(cfg, devices, transport, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer d.Close()

	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := d.Status()
	if !st.Running {
		t.Fatalf("status = %+v, want running", st)
	}
	if st.SocketPath != cfg.Paths.SocketPath {
		t.Fatalf("socket path = %q", st.SocketPath)
	}

	client, err := ipcclient.Dial(cfg.Paths.SocketPath)
	if err != nil {
		t.Fatalf("dial daemon socket: %v", err)
	}
	_ = client.Close()

	d.Stop()
	if d.Status().Running {
		t.Fatalf("daemon still reports running after stop")
	}
	if _, err := ipcclient.Dial(cfg.Paths.SocketPath); err == nil {
		t.Fatalf("socket still accepting after stop")
	}
}

func TestDaemonSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	devices := &testsupport.FakeRegistry{}
	transport := &testsupport.FakeTransport{}

	first, err := New(cfg, devices, transport, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Close()
	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	second, err := New(cfg, devices, transport, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer second.Close()
	if err := second.Start(); err == nil {
		t.Fatalf("second instance acquired the lock")
	}
}

func TestDaemonRequiresCollaborators(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := New(cfg, nil, nil, nil); err == nil {
		t.Fatalf("New accepted nil collaborators")
	}
	if _, err := New(nil, &testsupport.FakeRegistry{}, &testsupport.FakeTransport{}, nil); err == nil {
		t.Fatalf("New accepted nil config")
	}
}
