package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/metrics"
)

// Ticker drives gateway liveness: it counts ticks without notifications and
// re-registers gateways that never came up or stopped probing.
type Ticker struct {
	registry   *Registry
	period     time.Duration
	retryTicks int
	logger     *logrus.Logger
}

// NewTicker creates a ticker firing every period. A gateway that is not
// registered is retried every retryTicks ticks.
func NewTicker(registry *Registry, period time.Duration, retryTicks int, logger *logrus.Logger) *Ticker {
	if period < time.Second {
		period = 5 * time.Second
	}
	if retryTicks < 1 {
		retryTicks = 2
	}
	return &Ticker{registry: registry, period: period, retryTicks: retryTicks, logger: logger}
}

// Schedule adds the ticker to c. Overlapping ticks are skipped since a
// registration round may outlast the period.
func (t *Ticker) Schedule(c *cron.Cron) (cron.EntryID, error) {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		t.Tick(context.Background())
	}))
	id, err := c.AddJob(fmt.Sprintf("@every %s", t.period), job)
	if err != nil {
		return 0, fmt.Errorf("scheduling gateway ticker: %w", err)
	}
	return id, nil
}

// Tick advances every session by one period and re-registers the ones that
// are due.
func (t *Ticker) Tick(ctx context.Context) {
	for _, s := range t.registry.Sessions() {
		if t.advance(s) {
			_ = t.registry.Register(ctx, s)
		}
	}
}

// advance applies one tick to s and reports whether it must re-register.
func (t *Ticker) advance(s *Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.missedTicks++
	if !s.active {
		if s.missedTicks == t.retryTicks {
			s.missedTicks = 0
			return true
		}
		return false
	}

	limit := s.probeInterval/int(t.period/time.Second) + 1
	if s.missedTicks > limit {
		t.logger.WithFields(logrus.Fields{
			"gateway":        s.Address,
			"missed_ticks":   s.missedTicks,
			"probe_interval": s.probeInterval,
		}).Warn("Gateway stopped probing, registration lost")
		s.active = false
		s.missedTicks = 0
		metrics.SetGatewayRegistered(s.Address, false)
		return true
	}
	return false
}
