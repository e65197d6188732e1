package media

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// freeBase finds a port with a few unused neighbours above it.
func freeBase(t *testing.T, width int) int {
	t.Helper()
	for i := 0; i < 20; i++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		if err != nil {
			t.Fatalf("probe bind: %v", err)
		}
		base := conn.LocalAddr().(*net.UDPAddr).Port
		conn.Close()
		if base+width < 65536 {
			return base
		}
	}
	t.Fatal("no usable base port")
	return 0
}

func sendRTP(t *testing.T, port int, payload []byte, seq uint16) {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           0xCAFE,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestAllocatorDistinctPortsAndExhaustion(t *testing.T) {
	const size = 4
	alloc := NewAllocator(AllocatorConfig{
		BasePort:    freeBase(t, size),
		PortRange:   size,
		MaxAttempts: size,
	}, testLogger())

	seen := map[int]bool{}
	var ports []*CapturePort
	for i := 0; i < size; i++ {
		p, err := alloc.Open("127.0.0.1")
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		if seen[p.Port()] {
			t.Fatalf("port %d allocated twice", p.Port())
		}
		seen[p.Port()] = true
		ports = append(ports, p)
	}

	if _, err := alloc.Open("127.0.0.1"); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}

	if err := ports[0].Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	p, err := alloc.Open("127.0.0.1")
	if err != nil {
		t.Fatalf("open after release: %v", err)
	}
	ports[0] = p

	for _, p := range ports {
		if err := p.Release(); err != nil {
			t.Errorf("release %d: %v", p.Port(), err)
		}
	}
}

func TestAllocatorRejectsBadBindAddress(t *testing.T) {
	alloc := NewAllocator(AllocatorConfig{}, testLogger())
	if _, err := alloc.Open("not-an-ip"); err == nil {
		t.Fatal("expected error for invalid bind address")
	}
}

func TestCapturePortDeliversPayloadPastHeader(t *testing.T) {
	alloc := NewAllocator(AllocatorConfig{BasePort: freeBase(t, 16), PortRange: 16}, testLogger())
	port, err := alloc.Open("127.0.0.1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer port.Release()

	var mu sync.Mutex
	var got [][]byte
	received := make(chan struct{}, 8)
	port.ProcessMedia(func(payload []byte) {
		mu.Lock()
		got = append(got, payload)
		mu.Unlock()
		received <- struct{}{}
	})
	if err := port.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := port.Start(); err != nil {
		t.Fatalf("second start: %v", err)
	}

	sendRTP(t, port.Port(), []byte{1, 2, 3, 4}, 1)
	sendRTP(t, port.Port(), []byte{5, 6}, 2)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for packet %d", i+1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got[0]) != string([]byte{1, 2, 3, 4}) || string(got[1]) != string([]byte{5, 6}) {
		t.Errorf("unexpected payloads: %v", got)
	}

	stats := port.Stats()
	if stats.Packets != 2 || stats.SSRC != 0xCAFE || stats.PayloadType != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCapturePortStopDiscardsInFlightReceive(t *testing.T) {
	alloc := NewAllocator(AllocatorConfig{BasePort: freeBase(t, 16), PortRange: 16}, testLogger())
	port, err := alloc.Open("127.0.0.1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer port.Release()

	received := make(chan []byte, 4)
	port.ProcessMedia(func(payload []byte) { received <- payload })
	if err := port.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	// the first packet proves a receive is outstanding
	sendRTP(t, port.Port(), []byte{1}, 1)
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first packet")
	}

	port.Stop()
	sendRTP(t, port.Port(), []byte{7, 7}, 2)

	deadline := time.Now().Add(2 * time.Second)
	for {
		port.mu.Lock()
		looping := port.looping
		port.mu.Unlock()
		if !looping {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("receive loop did not exit after Stop")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case payload := <-received:
		t.Fatalf("consumer invoked after Stop with payload %v", payload)
	default:
	}
	if stats := port.Stats(); stats.Packets != 1 {
		t.Errorf("expected 1 counted packet, got %+v", stats)
	}

	// a restarted port receives again
	if err := port.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	sendRTP(t, port.Port(), []byte{8}, 3)
	select {
	case payload := <-received:
		if len(payload) != 1 || payload[0] != 8 {
			t.Errorf("unexpected payload after restart: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet after restart")
	}
}

func TestCapturePortCloseRequiresStop(t *testing.T) {
	alloc := NewAllocator(AllocatorConfig{BasePort: freeBase(t, 16), PortRange: 16}, testLogger())
	port, err := alloc.Open("127.0.0.1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	port.DiscardMedia()
	if err := port.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := port.Close(); !errors.Is(err, ErrCaptureActive) {
		t.Fatalf("expected ErrCaptureActive, got %v", err)
	}

	port.Stop()
	if port.Active() {
		t.Fatal("port still active after Stop")
	}
	if err := port.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := port.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := port.Start(); !errors.Is(err, ErrCaptureClosed) {
		t.Fatalf("expected ErrCaptureClosed, got %v", err)
	}
}

func TestCapturePortDropsRuntPackets(t *testing.T) {
	alloc := NewAllocator(AllocatorConfig{BasePort: freeBase(t, 16), PortRange: 16}, testLogger())
	port, err := alloc.Open("127.0.0.1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer port.Release()

	received := make(chan []byte, 1)
	port.ProcessMedia(func(payload []byte) { received <- payload })
	if err := port.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := net.DialUDP("udp", nil, port.LocalAddr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(make([]byte, RTPHeaderSize)); err != nil {
		t.Fatalf("write: %v", err)
	}
	sendRTP(t, port.Port(), []byte{9}, 3)

	select {
	case payload := <-received:
		if len(payload) != 1 || payload[0] != 9 {
			t.Errorf("unexpected payload %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}
	if port.Stats().Dropped != 1 {
		t.Errorf("expected one dropped packet, got %d", port.Stats().Dropped)
	}
}
