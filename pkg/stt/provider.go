package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ErrUnsupportedVendor is returned by New for vendors without a provider.
var ErrUnsupportedVendor = errors.New("unsupported stt vendor")

// EventKind classifies recogniser output.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventEndOfUtterance
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventEndOfUtterance:
		return "end_of_utterance"
	default:
		return "error"
	}
}

// Event is one recogniser result.
type Event struct {
	Kind       EventKind
	Transcript string
	Confidence float32
	Err        error
}

// Options configures one recognition stream. Audio is 8 kHz G.711 µ-law as
// forked by the gateway.
type Options struct {
	Language             string
	SingleUtterance      bool
	AutomaticPunctuation bool
}

// Provider opens recognition streams with one vendor.
type Provider interface {
	Name() string
	Open(ctx context.Context, opts Options) (Session, error)
	Close() error
}

// Session is a single streaming recognition. Send may be called from one
// goroutine at a time; Events is closed once the stream ends.
type Session interface {
	Send(chunk []byte) error
	CloseSend() error
	Events() <-chan Event
	Close() error
}

// Config selects and configures the vendor.
type Config struct {
	Vendor                string
	DefaultLanguage       string
	SingleUtterance       bool
	AutomaticPunctuation  bool
	GoogleCredentialsFile string
	AWSRegion             string
}

// New creates the provider for cfg.Vendor.
func New(ctx context.Context, cfg Config, logger *logrus.Logger) (Provider, error) {
	var (
		p   Provider
		err error
	)
	switch strings.ToLower(cfg.Vendor) {
	case "", "google":
		p, err = NewGoogleProvider(ctx, cfg, logger)
	case "amazon", "aws":
		p, err = NewAmazonProvider(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVendor, cfg.Vendor)
	}
	if err != nil {
		return nil, err
	}
	logger.WithField("vendor", p.Name()).Info("Speech recognition provider ready")
	return p, nil
}

// emit delivers ev unless ctx is done.
func emit(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
