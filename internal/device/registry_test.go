package device

import (
	"context"
	"testing"
	"time"

	"github.com/vozfin/vozfin-core/internal/bus/bustest"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/protocol"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	client := bustest.New(t)
	cfg := config.DevicesConfig{HeartbeatTimeout: 1000, SweepInterval: 60000, DefaultOrigin: "http://localhost"}
	r, err := NewRegistry(context.Background(), cfg, client, bustest.Logger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func TestAnnounceOverBus(t *testing.T) {
	r := newRegistry(t)
	announced := make(chan Device, 1)
	r.OnAnnounce(func(d Device) { announced <- d })

	ann := protocol.DeviceAnnouncement{DeviceID: "phone", Origin: "https://app.vozfin.com", SpeechSupported: true, MicrophoneSupported: true}
	if err := r.bus.PublishJSON(protocol.SubjectDeviceAnnounce, ann); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-announced:
		if d.ID != "phone" || d.Origin != "https://app.vozfin.com" || !d.SpeechSupported || !d.Healthy {
			t.Fatalf("unexpected device %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("announce hook not called")
	}
	if _, ok := r.Get("phone"); !ok {
		t.Fatal("device not stored")
	}
}

func TestRegisterDefaultsOrigin(t *testing.T) {
	r := newRegistry(t)
	d, err := r.Register(protocol.DeviceAnnouncement{DeviceID: "kiosk"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Origin != "http://localhost" {
		t.Fatalf("expected default origin, got %q", d.Origin)
	}
	if _, err := r.Register(protocol.DeviceAnnouncement{}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestOnAnnounceReplaysKnownDevices(t *testing.T) {
	r := newRegistry(t)
	for _, id := range []string{"b", "a"} {
		if _, err := r.Register(protocol.DeviceAnnouncement{DeviceID: id}); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	var seen []string
	r.OnAnnounce(func(d Device) { seen = append(seen, d.ID) })
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Fatalf("expected replay of a,b got %v", seen)
	}
}

func TestHealthTracksHeartbeats(t *testing.T) {
	r := newRegistry(t)
	base := time.Date(2025, 4, 15, 12, 0, 0, 0, time.UTC)
	r.clock = func() time.Time { return base }
	if _, err := r.Register(protocol.DeviceAnnouncement{DeviceID: "tablet"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.clock = func() time.Time { return base.Add(2 * time.Second) }
	r.evaluateHealth()
	if d, _ := r.Get("tablet"); d.Healthy {
		t.Fatal("expected device to be unhealthy after timeout")
	}
	if got := r.List(Healthy); len(got) != 0 {
		t.Fatalf("expected no healthy devices, got %v", got)
	}

	hb := protocol.DeviceHeartbeat{DeviceID: "tablet", Timestamp: base.Add(2 * time.Second)}
	if err := r.bus.PublishJSON(protocol.HeartbeatSubject("tablet"), hb); err != nil {
		t.Fatalf("publish heartbeat: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if d, _ := r.Get("tablet"); d.Healthy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat did not restore health")
}

func TestHeartbeatFromUnknownDeviceIgnored(t *testing.T) {
	r := newRegistry(t)
	if err := r.bus.PublishJSON(protocol.HeartbeatSubject("ghost"), protocol.DeviceHeartbeat{DeviceID: "ghost"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := r.bus.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := r.Get("ghost"); ok {
		t.Fatal("unannounced device should not be tracked")
	}
}

func TestSnapshotCounts(t *testing.T) {
	r := newRegistry(t)
	_, _ = r.Register(protocol.DeviceAnnouncement{DeviceID: "a"})
	_, _ = r.Register(protocol.DeviceAnnouncement{DeviceID: "b"})
	known, healthy := r.snapshotCounts()
	if known != 2 || healthy != 2 {
		t.Fatalf("unexpected counts %d/%d", known, healthy)
	}
}
