package forking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xmf-forking-server/pkg/calls"
	"xmf-forking-server/pkg/gateway"
	"xmf-forking-server/pkg/media"
	"xmf-forking-server/pkg/messaging"
	"xmf-forking-server/pkg/metrics"
	"xmf-forking-server/pkg/stt"
	"xmf-forking-server/pkg/telemetry/tracing"
	"xmf-forking-server/pkg/xmf"
)

var (
	// ErrValidation rejects a malformed command before any state is touched.
	ErrValidation = errors.New("invalid forking request")
	// ErrCallNotFound is returned when no tracked call matches the id.
	ErrCallNotFound = errors.New("call not found")
	// ErrGatewayUnavailable is returned when the call's gateway is not configured.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
	// ErrRecognition wraps recogniser failures on the transcription path.
	ErrRecognition = errors.New("speech recognition failed")
)

// Action is a forking command verb.
type Action string

const (
	ActionStart Action = "START"
	ActionStop  Action = "STOP"
)

// ParseAction accepts START and STOP in any case.
func ParseAction(verb string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(verb))) {
	case ActionStart:
		return ActionStart, nil
	case ActionStop:
		return ActionStop, nil
	default:
		return "", fmt.Errorf("%w: unknown action %q", ErrValidation, verb)
	}
}

// Command is a forking request for one call.
type Command struct {
	Action  string        `json:"action"`
	Calling *xmf.Endpoint `json:"calling,omitempty"`
	Called  *xmf.Endpoint `json:"called,omitempty"`
}

// Config holds the controller's local media settings.
type Config struct {
	// LocalAddress is where capture ports bind and where the gateway forks to.
	LocalAddress         string
	Language             string
	SingleUtterance      bool
	AutomaticPunctuation bool
	MaxDuration          time.Duration
}

// Controller issues forking commands to the gateway that owns a call.
type Controller struct {
	gateways   *gateway.Registry
	calls      *calls.Registry
	allocator  *media.Allocator
	recognizer stt.Provider
	publisher  messaging.Publisher
	config     Config
	logger     *logrus.Logger
}

// New creates a controller. The allocator and recognizer are only needed
// for Transcribe.
func New(gateways *gateway.Registry, callRegistry *calls.Registry, allocator *media.Allocator, recognizer stt.Provider, publisher messaging.Publisher, config Config, logger *logrus.Logger) *Controller {
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = time.Minute
	}
	return &Controller{
		gateways:   gateways,
		calls:      callRegistry,
		allocator:  allocator,
		recognizer: recognizer,
		publisher:  publisher,
		config:     config,
		logger:     logger,
	}
}

// Execute validates cmd and runs it against the call.
func (c *Controller) Execute(ctx context.Context, callID string, cmd Command) error {
	action, err := ParseAction(cmd.Action)
	if err != nil {
		return err
	}
	if action == ActionStop {
		return c.Stop(ctx, callID)
	}

	if cmd.Calling == nil || cmd.Called == nil {
		return fmt.Errorf("%w: START requires calling and called endpoints", ErrValidation)
	}
	if err := cmd.Calling.Validate(); err != nil {
		return fmt.Errorf("%w: calling: %v", ErrValidation, err)
	}
	if err := cmd.Called.Validate(); err != nil {
		return fmt.Errorf("%w: called: %v", ErrValidation, err)
	}
	return c.Start(ctx, callID, *cmd.Calling, *cmd.Called)
}

// Start asks the owning gateway to fork both directions of the call.
func (c *Controller) Start(ctx context.Context, callID string, calling, called xmf.Endpoint) error {
	rec, transport, err := c.resolve(callID)
	if err != nil {
		return err
	}
	return c.startForking(ctx, rec, transport, calling, called)
}

// Stop asks the owning gateway to stop forking the call.
func (c *Controller) Stop(ctx context.Context, callID string) error {
	rec, transport, err := c.resolve(callID)
	if err != nil {
		return err
	}
	return c.stopForking(ctx, rec, transport)
}

// resolve finds the call by GUID, then called party, then gateway-local id.
func (c *Controller) resolve(callID string) (*calls.Record, gateway.Transport, error) {
	rec, ok := c.calls.LookupByCallID(callID)
	if !ok {
		rec, ok = c.calls.LookupByLocalID(callID)
	}
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrCallNotFound, callID)
	}
	session, err := c.gateways.Get(rec.Gateway)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, rec.Gateway)
	}
	return rec, session.Transport(), nil
}

func (c *Controller) startForking(ctx context.Context, rec *calls.Record, transport gateway.Transport, calling, called xmf.Endpoint) error {
	ctx, span := tracing.StartSpan(ctx, "forking.start", tracing.CallAttributes(rec.Gateway, rec.CallID),
		trace.WithAttributes(
			attribute.String("forking.calling", calling.String()),
			attribute.String("forking.called", called.String()),
		))
	defer span.End()

	fields := logrus.Fields{
		"gateway": rec.Gateway,
		"call_id": rec.CallID,
		"calling": calling.String(),
		"called":  called.String(),
	}
	err := transport.StartForking(ctx, rec.CallID, calling, called)
	metrics.RecordForking("start", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "start forking failed")
		c.logger.WithError(err).WithFields(fields).Error("Failed to start media forking")
		return err
	}
	rec.Touch()
	c.logger.WithFields(fields).Info("Media forking started")
	c.publish(ctx, messaging.Event{
		Type:    messaging.EventForkingStarted,
		Gateway: rec.Gateway,
		CallID:  rec.CallID,
		GUID:    rec.GUID(),
		Calling: calling.String(),
		Called:  called.String(),
	})
	return nil
}

func (c *Controller) stopForking(ctx context.Context, rec *calls.Record, transport gateway.Transport) error {
	ctx, span := tracing.StartSpan(ctx, "forking.stop", tracing.CallAttributes(rec.Gateway, rec.CallID))
	defer span.End()

	fields := logrus.Fields{"gateway": rec.Gateway, "call_id": rec.CallID}
	err := transport.StopForking(ctx, rec.CallID)
	metrics.RecordForking("stop", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stop forking failed")
		c.logger.WithError(err).WithFields(fields).Error("Failed to stop media forking")
		return err
	}
	rec.Touch()
	c.logger.WithFields(fields).Info("Media forking stopped")
	c.publish(ctx, messaging.Event{
		Type:    messaging.EventForkingStopped,
		Gateway: rec.Gateway,
		CallID:  rec.CallID,
		GUID:    rec.GUID(),
	})
	return nil
}

func (c *Controller) publish(ctx context.Context, event messaging.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"event":   event.Type,
			"call_id": event.CallID,
		}).Warn("Failed to publish forking event")
	}
}
