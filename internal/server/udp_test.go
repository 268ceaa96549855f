package server

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	fabricconfig "github.com/audiomesh/fabric/internal/config"
	"github.com/audiomesh/fabric/internal/metrics"
	"github.com/audiomesh/fabric/internal/pacer"
	"github.com/audiomesh/fabric/internal/registry"
	"github.com/audiomesh/fabric/internal/routing"
	"github.com/audiomesh/fabric/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*UDPServer, *registry.Registry, *routing.Engine) {
	t.Helper()
	logger := testLogger()
	m := metrics.New()
	reg := registry.New(logger, registry.Config{
		Timeout:       10 * time.Second,
		GC:            time.Hour,
		FrameDuration: 20 * time.Millisecond,
	}, m)
	eng := routing.New(reg, 0)
	cfg := fabricconfig.UDPConfig{ServerPort: 0, MaxPacketSize: 1500}
	return New(cfg, logger, reg, eng, m), reg, eng
}

func TestHandlePacketTooShortIsDropped(t *testing.T) {
	s, _, _ := newTestServer(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

	s.handlePacket(&incomingPacket{data: []byte{1, 2, 3}, remoteAddr: addr, timestamp: time.Now()}, 0)

	if got := s.packetsDropped.Load(); got != 1 {
		t.Errorf("packetsDropped = %d, want 1", got)
	}
}

func TestHandlePacketRegistersSourceEndpoint(t *testing.T) {
	s, reg, _ := newTestServer(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

	datagram := wire.BuildPacket("001", 0, wire.TypeAudio, []byte{0xAA})
	s.handlePacket(&incomingPacket{data: datagram, remoteAddr: addr, timestamp: time.Now()}, 0)

	if !reg.IsOnline("001") {
		t.Error("expected source endpoint to be registered online")
	}
}

func TestHandleControlAppliesRouteCommand(t *testing.T) {
	s, _, eng := newTestServer(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

	payload := []byte(`{"command":"route","target":"002"}`)
	datagram := wire.BuildPacket("001", 0, wire.TypeControl, payload)
	s.handlePacket(&incomingPacket{data: datagram, remoteAddr: addr, timestamp: time.Now()}, 0)

	got := eng.GetRoutes("001")
	if len(got) != 1 || got[0] != "002" {
		t.Errorf("GetRoutes(001) = %v, want [002]", got)
	}
}

func TestHandleControlMalformedPayloadIgnored(t *testing.T) {
	s, _, eng := newTestServer(t)
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}

	datagram := wire.BuildPacket("001", 0, wire.TypeControl, []byte(`not json`))
	s.handlePacket(&incomingPacket{data: datagram, remoteAddr: addr, timestamp: time.Now()}, 0)

	if got := eng.GetRoutes("001"); len(got) != 0 {
		t.Errorf("GetRoutes(001) = %v, want empty after malformed control payload", got)
	}
}

func TestHandleControlBroadcastAndMute(t *testing.T) {
	s, _, eng := newTestServer(t)

	s.handleControl("001", []byte(`{"command":"broadcast","enable":true}`), 0)
	s.handleControl("002", []byte(`{"command":"mute","enable":true}`), 0)

	if got := eng.GetRoutes("002"); len(got) != 0 {
		t.Errorf("GetRoutes(002) = %v, want empty (muted)", got)
	}
}

func TestRouteAudioSkipsOfflineTargets(t *testing.T) {
	s, reg, eng := newTestServer(t)
	addr1 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}

	if _, err := reg.UpdateFromDatagram("001", addr1, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	eng.SetRoute("001", "002") // 002 was never registered, so it is not online

	s.routeAudio("001", wire.BuildPacket("001", 1, wire.TypeAudio, []byte{0x01}), 0)

	if got := s.packetsRouted.Load(); got != 0 {
		t.Errorf("packetsRouted = %d, want 0 (target offline)", got)
	}
}

func TestInjectFromBridgeUsesExplicitTargets(t *testing.T) {
	s, reg, _ := newTestServer(t)
	addr1 := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}

	if _, err := reg.UpdateFromDatagram("001", addr1, 0, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	datagram := wire.BuildPacket(VirtualEndpointID, 1, wire.TypeAudio, []byte{0x01})
	s.InjectFromBridge(datagram, VirtualEndpointID, []string{"001"})

	stats := s.pacer.Stats()
	if depth := stats.FlowDepths[pacer.FlowKey{Src: VirtualEndpointID, Tgt: "001"}]; depth != 1 {
		t.Errorf("paced flow depth = %d, want 1 (DSH source is always paced)", depth)
	}
}
