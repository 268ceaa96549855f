package registry

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/audiomesh/fabric/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func defaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		GC:            30 * time.Second,
		FrameDuration: 20 * time.Millisecond,
		MaxDevices:    0,
	}
}

func TestUpdateFromDatagramCreatesEndpoint(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	snap, err := r.UpdateFromDatagram("001", testAddr(9001), 0, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !snap.Online {
		t.Error("expected endpoint to be online")
	}
	if snap.PacketsReceived != 1 {
		t.Errorf("PacketsReceived = %d, want 1", snap.PacketsReceived)
	}

	select {
	case ev := <-r.Events():
		if ev.Kind != EventConnected {
			t.Errorf("event kind = %q, want %q", ev.Kind, EventConnected)
		}
		if ev.EndpointID != "001" {
			t.Errorf("event endpoint id = %q, want %q", ev.EndpointID, "001")
		}
	default:
		t.Fatal("expected a device-connected event")
	}
}

func TestUpdateFromDatagramReconnection(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	if _, err := r.UpdateFromDatagram("001", testAddr(9001), 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-r.Events() // drain device-connected

	r.CheckTimeouts(now.Add(10 * time.Second))
	select {
	case ev := <-r.Events():
		if ev.Kind != EventDisconnected {
			t.Errorf("event kind = %q, want %q", ev.Kind, EventDisconnected)
		}
	default:
		t.Fatal("expected a device-disconnected event")
	}

	if _, err := r.UpdateFromDatagram("001", testAddr(9001), 1, now.Add(11*time.Second)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case ev := <-r.Events():
		if ev.Kind != EventReconnected {
			t.Errorf("event kind = %q, want %q", ev.Kind, EventReconnected)
		}
	default:
		t.Fatal("expected a device-reconnected event")
	}
}

func TestPacketLossScenarios(t *testing.T) {
	tests := []struct {
		name        string
		sequences   []uint16
		wantLost    uint64
		wantReceive uint64
	}{
		{
			name:        "two dropped in the middle",
			sequences:   []uint16{0, 1, 2, 5},
			wantLost:    2,
			wantReceive: 4,
		},
		{
			name:        "large forward jump treated as reset, not loss",
			sequences:   []uint16{0, 1, 2, 60000},
			wantLost:    0,
			wantReceive: 4,
		},
		{
			name:        "in-order, no loss",
			sequences:   []uint16{0, 1, 2, 3},
			wantLost:    0,
			wantReceive: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(testLogger(), defaultConfig(), nil)
			now := time.Now()
			var snap Snapshot
			for i, seq := range tt.sequences {
				var err error
				snap, err = r.UpdateFromDatagram("001", testAddr(9001), seq, now.Add(time.Duration(i)*20*time.Millisecond))
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			}
			if snap.PacketsLost != tt.wantLost {
				t.Errorf("PacketsLost = %d, want %d", snap.PacketsLost, tt.wantLost)
			}
			if snap.PacketsReceived != tt.wantReceive {
				t.Errorf("PacketsReceived = %d, want %d", snap.PacketsReceived, tt.wantReceive)
			}
		})
	}
}

func TestJitterAccumulation(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		if _, err := r.UpdateFromDatagram("001", testAddr(9001), uint16(i), now.Add(time.Duration(i)*20*time.Millisecond)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	stats, ok := r.Stats("001")
	if !ok {
		t.Fatal("expected endpoint to exist")
	}
	if stats.AvgJitterMs != 0 {
		t.Errorf("AvgJitterMs = %f, want 0 for perfectly paced arrivals", stats.AvgJitterMs)
	}
}

func TestRegisterVirtualExemptFromExpiry(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)

	snap := r.RegisterVirtual("DSH")
	if !snap.Virtual {
		t.Error("expected virtual endpoint")
	}
	if !snap.Online {
		t.Error("expected virtual endpoint to be online immediately")
	}

	removed := r.Cleanup(time.Now().Add(time.Hour))
	if removed != 0 {
		t.Errorf("Cleanup removed %d endpoints, want 0 (virtual endpoints never expire)", removed)
	}

	timedOut := r.CheckTimeouts(time.Now().Add(time.Hour))
	if timedOut != 0 {
		t.Errorf("CheckTimeouts flagged %d endpoints, want 0 (virtual endpoints are exempt)", timedOut)
	}
	if !r.IsOnline("DSH") {
		t.Error("expected virtual endpoint to remain online")
	}
}

func TestCheckTimeoutsMarksOffline(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	if _, err := r.UpdateFromDatagram("001", testAddr(9001), 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-r.Events()

	count := r.CheckTimeouts(now.Add(6 * time.Second))
	if count != 1 {
		t.Errorf("CheckTimeouts returned %d, want 1", count)
	}
	if r.IsOnline("001") {
		t.Error("expected endpoint to be marked offline")
	}
}

func TestCleanupRemovesExpiredPhysicalEndpoints(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	if _, err := r.UpdateFromDatagram("001", testAddr(9001), 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-r.Events()

	r.CheckTimeouts(now.Add(6 * time.Second))
	<-r.Events()

	removed := r.Cleanup(now.Add(31 * time.Second))
	if removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	if r.Count() != 0 {
		t.Errorf("Count() = %d, want 0", r.Count())
	}
}

func TestCapacityEnforced(t *testing.T) {
	cfg := defaultConfig()
	cfg.MaxDevices = 1
	r := New(testLogger(), cfg, nil)
	now := time.Now()

	if _, err := r.UpdateFromDatagram("001", testAddr(9001), 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.UpdateFromDatagram("002", testAddr(9002), 0, now); err == nil {
		t.Fatal("expected capacity error for second endpoint")
	}
	if r.Count() != 1 {
		t.Errorf("Count() = %d, want 1", r.Count())
	}
}

func TestUpdateHeartbeatDoesNotTouchSequence(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	snap, err := r.UpdateFromDatagram("001", testAddr(9001), 10, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.UpdateHeartbeat("001", now.Add(time.Second))

	snap2, ok := r.Get("001")
	if !ok {
		t.Fatal("expected endpoint to exist")
	}
	if snap2.PacketsReceived != snap.PacketsReceived {
		t.Errorf("heartbeat changed PacketsReceived: %d -> %d", snap.PacketsReceived, snap2.PacketsReceived)
	}
}

func TestAddrAndOnlineIDs(t *testing.T) {
	r := New(testLogger(), defaultConfig(), nil)
	now := time.Now()

	addr := testAddr(9005)
	if _, err := r.UpdateFromDatagram("001", addr, 0, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := r.Addr("001")
	if !ok {
		t.Fatal("expected address to be registered")
	}
	if got.Port != addr.Port {
		t.Errorf("Addr port = %d, want %d", got.Port, addr.Port)
	}

	ids := r.OnlineIDs()
	if len(ids) != 1 || ids[0] != "001" {
		t.Errorf("OnlineIDs() = %v, want [001]", ids)
	}
}

func TestStartDrivesTimeoutsInBackground(t *testing.T) {
	r := New(testLogger(), Config{
		Timeout:       30 * time.Millisecond,
		GC:            time.Hour,
		FrameDuration: 20 * time.Millisecond,
	}, nil)
	r.Start()
	defer r.Stop()

	if _, err := r.UpdateFromDatagram("001", testAddr(9006), 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !r.IsOnline("001") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected background gc loop to mark endpoint offline after timeout")
}

func TestMetricsReflectEndpointCountsAndLoss(t *testing.T) {
	m := metrics.New()
	r := New(testLogger(), defaultConfig(), m)

	if _, err := r.UpdateFromDatagram("001", testAddr(9010), 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.RegisterVirtual("DSH")

	if got := testutil.ToFloat64(m.ActiveEndpoints); got != 2 {
		t.Errorf("ActiveEndpoints = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EndpointsPhysical); got != 1 {
		t.Errorf("EndpointsPhysical = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.EndpointsVirtual); got != 1 {
		t.Errorf("EndpointsVirtual = %v, want 1", got)
	}

	// Sequence jumps from 0 to 5: four packets (1,2,3,4) inferred lost.
	if _, err := r.UpdateFromDatagram("001", testAddr(9010), 5, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(m.PacketsLostTotal); got != 4 {
		t.Errorf("PacketsLostTotal = %v, want 4", got)
	}

	now := time.Now()
	r.CheckTimeouts(now.Add(time.Hour))
	if got := testutil.ToFloat64(m.ActiveEndpoints); got != 1 {
		t.Errorf("ActiveEndpoints after timeout = %v, want 1 (virtual endpoint exempt)", got)
	}
}
