package media

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/metrics"
)

// RTPHeaderSize is the fixed RTP header length stripped from every packet.
// CSRC lists and header extensions are not expected on forked streams.
const RTPHeaderSize = 12

var (
	// ErrPortExhausted is returned when no port in the configured range could be bound.
	ErrPortExhausted = errors.New("no capture port available")
	// ErrCaptureActive is returned by Close while the port is still receiving.
	ErrCaptureActive = errors.New("capture port still active")
	// ErrCaptureClosed is returned by Start after Close.
	ErrCaptureClosed = errors.New("capture port closed")
)

// portCursor rotates through the range for every allocator in the process so
// that consecutive allocations do not collide on the same port.
var portCursor atomic.Uint64

// AllocatorConfig bounds capture port allocation to [BasePort, BasePort+PortRange).
type AllocatorConfig struct {
	BasePort    int
	PortRange   int
	MaxAttempts int
	BufferSize  int
}

// Allocator binds capture ports.
type Allocator struct {
	config AllocatorConfig
	logger *logrus.Logger
}

// NewAllocator creates an allocator, filling unset values with the defaults.
func NewAllocator(config AllocatorConfig, logger *logrus.Logger) *Allocator {
	if config.BasePort <= 0 {
		config.BasePort = 16384
	}
	if config.PortRange <= 0 {
		config.PortRange = 16384
	}
	if config.BasePort+config.PortRange > 65536 {
		config.PortRange = 65536 - config.BasePort
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 16
	}
	if config.BufferSize <= RTPHeaderSize {
		config.BufferSize = 1500
	}
	return &Allocator{config: config, logger: logger}
}

// Open binds the next free port on bindAddr. Candidate ports are probed
// linearly from the shared cursor, wrapping inside the range, for at most
// MaxAttempts tries.
func (a *Allocator) Open(bindAddr string) (*CapturePort, error) {
	ip := net.ParseIP(bindAddr)
	if bindAddr != "" && ip == nil {
		return nil, fmt.Errorf("invalid bind address %q", bindAddr)
	}

	var lastErr error
	for attempt := 0; attempt < a.config.MaxAttempts; attempt++ {
		offset := int((portCursor.Add(1) - 1) % uint64(a.config.PortRange))
		port := a.config.BasePort + offset

		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			lastErr = err
			continue
		}
		setSocketBuffers(conn, a.logger)

		if metrics.IsMetricsEnabled() && metrics.PortsInUse != nil {
			metrics.PortsInUse.Inc()
		}
		a.logger.WithFields(logrus.Fields{
			"port":     port,
			"bind_ip":  bindAddr,
			"attempts": attempt + 1,
		}).Debug("Bound RTP capture port")
		return newCapturePort(conn, port, a.config.BufferSize, a.logger), nil
	}

	a.logger.WithError(lastErr).WithFields(logrus.Fields{
		"base_port": a.config.BasePort,
		"range":     a.config.PortRange,
		"attempts":  a.config.MaxAttempts,
	}).Error("Failed to allocate RTP capture port")
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrPortExhausted, a.config.MaxAttempts, lastErr)
}

// Consumer receives the payload of each packet. The slice is owned by the consumer.
type Consumer func(payload []byte)

// Stats counts traffic seen on a capture port.
type Stats struct {
	Packets     uint64
	Bytes       uint64
	Dropped     uint64
	SSRC        uint32
	PayloadType uint8
}

// CapturePort is a bound UDP port that hands RTP payloads to a consumer. At
// most one receive is outstanding; the receive goroutine re-arms itself
// only while the port is active.
type CapturePort struct {
	conn    *net.UDPConn
	port    int
	bufSize int
	logger  *logrus.Logger

	mu       sync.Mutex
	active   bool
	looping  bool
	closed   bool
	consumer Consumer

	packets     atomic.Uint64
	bytes       atomic.Uint64
	dropped     atomic.Uint64
	ssrc        atomic.Uint32
	payloadType atomic.Uint32
}

func newCapturePort(conn *net.UDPConn, port, bufSize int, logger *logrus.Logger) *CapturePort {
	return &CapturePort{conn: conn, port: port, bufSize: bufSize, logger: logger}
}

// Port is the bound UDP port.
func (c *CapturePort) Port() int {
	return c.port
}

// LocalAddr is the bound socket address.
func (c *CapturePort) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// ProcessMedia installs fn as the payload consumer.
func (c *CapturePort) ProcessMedia(fn Consumer) {
	c.mu.Lock()
	c.consumer = fn
	c.mu.Unlock()
}

// DiscardMedia removes the consumer; payloads are dropped.
func (c *CapturePort) DiscardMedia() {
	c.ProcessMedia(nil)
}

// Active reports whether the port is receiving.
func (c *CapturePort) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Start begins receiving. Starting an active port is a no-op.
func (c *CapturePort) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCaptureClosed
	}
	if c.active {
		return nil
	}
	c.active = true
	if !c.looping {
		c.looping = true
		go c.receiveLoop()
	}
	return nil
}

// Stop marks the port inactive. An outstanding receive is not interrupted;
// the loop exits after it completes or when the port is closed.
func (c *CapturePort) Stop() {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
}

// Close unbinds the port. The port must be stopped first.
func (c *CapturePort) Close() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrCaptureActive
	}
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if metrics.IsMetricsEnabled() && metrics.PortsInUse != nil {
		metrics.PortsInUse.Dec()
	}
	c.logger.WithFields(logrus.Fields{
		"port":    c.port,
		"packets": c.packets.Load(),
		"dropped": c.dropped.Load(),
	}).Debug("Closed RTP capture port")
	return c.conn.Close()
}

// Release stops and closes the port.
func (c *CapturePort) Release() error {
	c.Stop()
	return c.Close()
}

// Stats returns the traffic counters.
func (c *CapturePort) Stats() Stats {
	return Stats{
		Packets:     c.packets.Load(),
		Bytes:       c.bytes.Load(),
		Dropped:     c.dropped.Load(),
		SSRC:        c.ssrc.Load(),
		PayloadType: uint8(c.payloadType.Load()),
	}
}

func (c *CapturePort) receiveLoop() {
	defer func() {
		if r := recover(); r != nil {
			c.logger.WithFields(logrus.Fields{
				"panic": r,
				"port":  c.port,
			}).Error("Panic in RTP capture goroutine")
			c.halt()
		}
	}()

	buf := make([]byte, c.bufSize)
	for {
		n, _, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.logger.WithError(err).WithField("port", c.port).Warn("RTP capture receive failed")
			}
			c.halt()
			return
		}

		// A receive that completes after Stop is discarded and not re-armed.
		c.mu.Lock()
		if !c.active {
			c.looping = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.deliver(buf[:n])
	}
}

// halt ends the loop after a failed receive; Start may arm it again.
func (c *CapturePort) halt() {
	c.mu.Lock()
	c.active = false
	c.looping = false
	c.mu.Unlock()
}

func (c *CapturePort) deliver(packet []byte) {
	if len(packet) <= RTPHeaderSize {
		c.dropped.Add(1)
		return
	}

	if c.packets.Add(1) == 1 {
		c.logFirstPacket(packet)
	}
	c.bytes.Add(uint64(len(packet)))
	if metrics.IsMetricsEnabled() && metrics.RTPPackets != nil {
		metrics.RTPPackets.Inc()
	}

	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()
	if consumer == nil {
		return
	}
	payload := make([]byte, len(packet)-RTPHeaderSize)
	copy(payload, packet[RTPHeaderSize:])
	consumer(payload)
}

func (c *CapturePort) logFirstPacket(packet []byte) {
	header, codec, err := DetectCodec(packet)
	if errors.Is(err, errInvalidRTP) {
		c.logger.WithError(err).WithField("port", c.port).Debug("First capture packet is not valid RTP")
		return
	}
	c.ssrc.Store(header.SSRC)
	c.payloadType.Store(uint32(header.PayloadType))

	fields := logrus.Fields{
		"port":         c.port,
		"ssrc":         header.SSRC,
		"payload_type": header.PayloadType,
		"codec":        codec.Name,
	}
	if !IsG711(header.PayloadType) {
		// recognisers are opened for 8 kHz G.711
		c.logger.WithFields(fields).Warn("Capture port receiving non G.711 media")
		return
	}
	c.logger.WithFields(fields).Debug("First RTP packet on capture port")
}

// setSocketBuffers enlarges the receive buffer so bursts are not dropped
// while the consumer is busy.
func setSocketBuffers(conn *net.UDPConn, logger *logrus.Logger) {
	const readBufferSize = 1024 * 1024
	if err := conn.SetReadBuffer(readBufferSize); err != nil {
		logger.WithError(err).Warn("Failed to set UDP read buffer size, using system default")
	}
}
