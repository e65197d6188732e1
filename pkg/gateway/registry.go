package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/metrics"
	"xmf-forking-server/pkg/xmf"
)

// ErrUnknownGateway is returned for addresses that were not configured at startup.
var ErrUnknownGateway = errors.New("unknown gateway")

// Transport is the outbound XMF request channel to one gateway.
type Transport interface {
	Register(ctx context.Context, callbackURL string) error
	StartForking(ctx context.Context, callID string, calling, called xmf.Endpoint) error
	StopForking(ctx context.Context, callID string) error
}

// Session is the liveness and registration state of one gateway.
type Session struct {
	Address   string
	transport Transport

	mu            sync.Mutex
	active        bool
	probeInterval int
	missedTicks   int
	lastSeen      time.Time
}

// Transport returns the outbound channel to this gateway.
func (s *Session) Transport() Transport {
	return s.transport
}

// Active reports whether the gateway has probed since the last registration loss.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Status is a point in time copy of a Session.
type Status struct {
	Address       string    `json:"address"`
	Active        bool      `json:"registered"`
	ProbeInterval int       `json:"probe_interval"`
	MissedTicks   int       `json:"missed_ticks"`
	LastSeen      time.Time `json:"last_seen,omitempty"`
}

// Status snapshots the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Address:       s.Address,
		Active:        s.active,
		ProbeInterval: s.probeInterval,
		MissedTicks:   s.missedTicks,
		LastSeen:      s.lastSeen,
	}
}

// Registry holds one Session per configured gateway. Sessions are created
// at startup and never removed.
type Registry struct {
	callbackURL string
	logger      *logrus.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry that registers gateways against callbackURL.
func NewRegistry(callbackURL string, logger *logrus.Logger) *Registry {
	return &Registry{
		callbackURL: callbackURL,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// CallbackURL is the notification URL handed to gateways on registration.
func (r *Registry) CallbackURL() string {
	return r.callbackURL
}

// Add creates the session for address. Adding an address twice returns the
// existing session.
func (r *Registry) Add(address string, transport Transport) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[address]; ok {
		return s
	}
	s := &Session{Address: address, transport: transport}
	r.sessions[address] = s
	metrics.SetGatewayRegistered(address, false)
	return s
}

// Get returns the session for address.
func (r *Registry) Get(address string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, address)
	}
	return s, nil
}

// Sessions returns every session ordered by address.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Statuses snapshots every session.
func (r *Registry) Statuses() []Status {
	sessions := r.Sessions()
	out := make([]Status, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Register sends a registration request to the gateway. The session only
// becomes active once the gateway starts probing, so a failure leaves it
// inactive and the ticker will retry.
func (r *Registry) Register(ctx context.Context, s *Session) error {
	err := s.transport.Register(ctx, r.callbackURL)
	metrics.RecordRegistration(s.Address, err)
	if err != nil {
		r.logger.WithError(err).WithField("gateway", s.Address).Warn("Gateway registration failed")
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"gateway":      s.Address,
		"callback_url": r.callbackURL,
	}).Info("Gateway registration submitted")
	return nil
}

// OnProbe marks the gateway registered and records its probing interval
// when the probe carries one.
func (r *Registry) OnProbe(address string, interval *int) error {
	s, err := r.Get(address)
	if err != nil {
		return err
	}

	s.mu.Lock()
	wasActive := s.active
	s.active = true
	if interval != nil {
		s.probeInterval = *interval
	}
	s.missedTicks = 0
	s.lastSeen = time.Now()
	probeInterval := s.probeInterval
	s.mu.Unlock()

	metrics.SetGatewayRegistered(address, true)
	if !wasActive {
		r.logger.WithFields(logrus.Fields{
			"gateway":        address,
			"probe_interval": probeInterval,
		}).Info("Gateway registration active")
	}
	return nil
}

// OnUnregisterSolicited marks the gateway unregistered.
func (r *Registry) OnUnregisterSolicited(address string) error {
	s, err := r.Get(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	metrics.SetGatewayRegistered(address, false)
	r.logger.WithField("gateway", address).Warn("Gateway solicited unregister")
	return nil
}

// OnAnyNotification resets the missed tick counter.
func (r *Registry) OnAnyNotification(address string) error {
	s, err := r.Get(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.missedTicks = 0
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return nil
}
