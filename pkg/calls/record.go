package calls

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrRecordClosed is returned when attaching a session to a call that already disconnected.
var ErrRecordClosed = errors.New("call record closed")

// Releaser is a per-call resource torn down when the call disconnects.
type Releaser interface {
	Release()
}

// Key is the composite identity of a call: the owning gateway and its call id.
type Key struct {
	Gateway string
	CallID  string
}

// ConnectInfo is the call leg reported by a CONNECTED notification.
type ConnectInfo struct {
	Gateway   string
	CallID    string
	GUID      string
	Direction string
	State     string
	LegID     string
	Calling   string
	Called    string
}

// Record is one tracked call.
type Record struct {
	Gateway   string
	CallID    string
	Direction string
	CreatedAt time.Time

	mu           sync.RWMutex
	guid         string
	lastActivity time.Time
	state        string
	legID       string
	calling     string
	called      string
	transcriber Releaser
	closed      bool
}

func newRecord(info ConnectInfo) *Record {
	now := time.Now()
	return &Record{
		Gateway:      info.Gateway,
		CallID:       info.CallID,
		Direction:    strings.ToUpper(info.Direction),
		CreatedAt:    now,
		guid:         info.GUID,
		lastActivity: now,
		state:        info.State,
		legID:        info.LegID,
		calling:      info.Calling,
		called:       info.Called,
	}
}

// Key returns the composite key of the record.
func (r *Record) Key() Key {
	return Key{Gateway: r.Gateway, CallID: r.CallID}
}

// Called is the current called party address.
func (r *Record) Called() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.called
}

// GUID is the normalised call GUID. It may be learned from a later CONNECTED.
func (r *Record) GUID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.guid
}

// LastActivity is when the call was last connected, refreshed or commanded.
func (r *Record) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Touch marks the call as active now.
func (r *Record) Touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

// refresh applies a repeated CONNECTED. It returns the previous called party
// and the GUID when this notification is the first to carry one.
func (r *Record) refresh(info ConnectInfo) (prevCalled, learnedGUID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prevCalled = r.called
	if r.guid == "" && info.GUID != "" {
		r.guid = info.GUID
		learnedGUID = info.GUID
	}
	r.lastActivity = time.Now()
	r.state = info.State
	r.legID = info.LegID
	r.calling = info.Calling
	r.called = info.Called
	return prevCalled, learnedGUID
}

// Transcriber returns the call's transcription session, creating it with
// create on first use.
func (r *Record) Transcriber(create func() (Releaser, error)) (Releaser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRecordClosed
	}
	if r.transcriber != nil {
		return r.transcriber, nil
	}
	t, err := create()
	if err != nil {
		return nil, err
	}
	r.transcriber = t
	return t, nil
}

func (r *Record) release() {
	r.mu.Lock()
	t := r.transcriber
	r.transcriber = nil
	r.closed = true
	r.mu.Unlock()

	if t != nil {
		t.Release()
	}
}

// Info is the JSON view of a record.
type Info struct {
	Gateway      string    `json:"gateway"`
	CallID       string    `json:"call_id"`
	GUID         string    `json:"guid"`
	Direction    string    `json:"direction"`
	State        string    `json:"state"`
	LegID        string    `json:"leg_id"`
	Calling      string    `json:"calling"`
	Called       string    `json:"called"`
	Transcribing bool      `json:"transcribing"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Info snapshots the record.
func (r *Record) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Info{
		Gateway:      r.Gateway,
		CallID:       r.CallID,
		GUID:         r.guid,
		Direction:    r.Direction,
		State:        r.state,
		LegID:        r.legID,
		Calling:      r.calling,
		Called:       r.called,
		Transcribing: r.transcriber != nil,
		CreatedAt:    r.CreatedAt,
		LastActivity: r.lastActivity,
	}
}
