package messaging

import (
	"context"
	"errors"
	"time"
)

// Event types published while tracking calls.
const (
	EventCallConnected       = "call.connected"
	EventCallDisconnected    = "call.disconnected"
	EventForkingStarted      = "forking.started"
	EventForkingStopped      = "forking.stopped"
	EventTranscriptionResult = "transcription.result"
)

// Event is a call lifecycle or transcription event.
type Event struct {
	Type       string    `json:"type"`
	Gateway    string    `json:"gateway,omitempty"`
	CallID     string    `json:"call_id,omitempty"`
	GUID       string    `json:"guid,omitempty"`
	Calling    string    `json:"calling,omitempty"`
	Called     string    `json:"called,omitempty"`
	Language   string    `json:"language,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Confidence string    `json:"confidence,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers events on a best effort basis.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
