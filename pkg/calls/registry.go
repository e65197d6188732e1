package calls

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/metrics"
)

const directionOutgoing = "OUTGOING"

// Registry tracks active calls under three keys: the composite gateway and
// call id, the normalised GUID and the called party. All three are inserted
// and removed together under one lock.
type Registry struct {
	logger *logrus.Logger

	mu       sync.RWMutex
	calls    map[Key]*Record
	byGUID   map[string]Key
	byCalled map[string]Key
}

// NewRegistry creates an empty call registry.
func NewRegistry(logger *logrus.Logger) *Registry {
	return &Registry{
		logger:   logger,
		calls:    make(map[Key]*Record),
		byGUID:   make(map[string]Key),
		byCalled: make(map[string]Key),
	}
}

// LookupByCallID resolves an externally supplied call id. The GUID index is
// tried first, then the called party index.
func (r *Registry) LookupByCallID(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if key, ok := r.byGUID[id]; ok {
		if rec, ok := r.calls[key]; ok {
			return rec, true
		}
	}
	if key, ok := r.byCalled[id]; ok {
		if rec, ok := r.calls[key]; ok {
			return rec, true
		}
	}
	return nil, false
}

// LookupByLocalID finds a call by its gateway-local id. It fails when more
// than one gateway tracks a call with that id.
func (r *Registry) LookupByLocalID(callID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *Record
	for key, rec := range r.calls {
		if key.CallID != callID {
			continue
		}
		if found != nil {
			return nil, false
		}
		found = rec
	}
	return found, found != nil
}

// Get returns the record for the composite key.
func (r *Registry) Get(gateway, callID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.calls[Key{Gateway: gateway, CallID: callID}]
	return rec, ok
}

// CreateOnConnect tracks an outgoing call leg. A repeated CONNECTED for the
// same call refreshes the existing record and reports created=false.
// Incoming legs are ignored and return nil.
func (r *Registry) CreateOnConnect(info ConnectInfo) (rec *Record, created bool) {
	if !strings.EqualFold(info.Direction, directionOutgoing) {
		return nil, false
	}
	key := Key{Gateway: info.Gateway, CallID: info.CallID}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.calls[key]; ok {
		prev, guid := existing.refresh(info)
		if prev != info.Called {
			r.unindexCalled(prev, key)
			r.indexCalled(info.Called, key)
		}
		if guid != "" {
			r.byGUID[guid] = key
		}
		r.logger.WithFields(logrus.Fields{
			"gateway": info.Gateway,
			"call_id": info.CallID,
			"called":  info.Called,
		}).Debug("Refreshed existing call on repeated CONNECTED")
		return existing, false
	}

	rec = newRecord(info)
	r.calls[key] = rec
	if info.GUID != "" {
		r.byGUID[info.GUID] = key
	}
	r.indexCalled(info.Called, key)
	r.updateGauge()

	r.logger.WithFields(logrus.Fields{
		"gateway": info.Gateway,
		"call_id": info.CallID,
		"guid":    info.GUID,
		"calling": info.Calling,
		"called":  info.Called,
	}).Info("Call connected")
	return rec, true
}

// RemoveOnDisconnect drops the call from every index and releases its
// transcription session. Removing an unknown call is a no-op.
func (r *Registry) RemoveOnDisconnect(gateway, callID string) (*Record, bool) {
	key := Key{Gateway: gateway, CallID: callID}

	r.mu.Lock()
	rec, ok := r.calls[key]
	if ok {
		r.removeLocked(key, rec)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	rec.release()
	r.logger.WithFields(logrus.Fields{
		"gateway": gateway,
		"call_id": callID,
		"guid":    rec.GUID(),
	}).Info("Call disconnected")
	return rec, true
}

// All returns a snapshot of every tracked call, oldest first.
func (r *Registry) All() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.calls))
	for _, rec := range r.calls {
		out = append(out, rec.Info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count is the number of tracked calls.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Sweep removes calls with no activity for maxAge. These are calls whose
// DISCONNECTED notification was lost.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Record
	for key, rec := range r.calls {
		if rec.LastActivity().Before(cutoff) {
			r.removeLocked(key, rec)
			stale = append(stale, rec)
		}
	}
	r.mu.Unlock()

	for _, rec := range stale {
		rec.release()
		r.logger.WithFields(logrus.Fields{
			"gateway": rec.Gateway,
			"call_id": rec.CallID,
			"idle":    time.Since(rec.LastActivity()).Round(time.Second).String(),
		}).Warn("Swept call without DISCONNECTED notification")
	}
	return len(stale)
}

// ScheduleSweep runs Sweep every minute on c.
func (r *Registry) ScheduleSweep(c *cron.Cron, maxAge time.Duration) (cron.EntryID, error) {
	id, err := c.AddFunc("@every 1m", func() { r.Sweep(maxAge) })
	if err != nil {
		return 0, fmt.Errorf("scheduling call sweeper: %w", err)
	}
	return id, nil
}

func (r *Registry) removeLocked(key Key, rec *Record) {
	delete(r.calls, key)
	guid := rec.GUID()
	if k, ok := r.byGUID[guid]; ok && k == key {
		delete(r.byGUID, guid)
	}
	r.unindexCalled(rec.Called(), key)
	r.updateGauge()
}

func (r *Registry) indexCalled(called string, key Key) {
	if called != "" {
		r.byCalled[called] = key
	}
}

func (r *Registry) unindexCalled(called string, key Key) {
	if k, ok := r.byCalled[called]; ok && k == key {
		delete(r.byCalled, called)
	}
}

func (r *Registry) updateGauge() {
	if metrics.IsMetricsEnabled() && metrics.ActiveCalls != nil {
		metrics.ActiveCalls.Set(float64(len(r.calls)))
	}
}
