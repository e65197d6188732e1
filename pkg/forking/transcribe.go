package forking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
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

// Parties that can be transcribed.
const (
	PartyCalling = "calling"
	PartyCalled  = "called"
)

// TranscriptionRequest selects the language and the party to listen to.
type TranscriptionRequest struct {
	Language string `json:"language"`
	Party    string `json:"party"`
}

// TranscriptionResult is the outcome returned to the requester.
type TranscriptionResult struct {
	Transcript string `json:"transcript,omitempty"`
	Confidence string `json:"confidence,omitempty"`
	Error      string `json:"error,omitempty"`
}

// callSession is attached to a call record; releasing it cancels every
// transcription running for the call.
type callSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func newCallSession() *callSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &callSession{id: uuid.NewString(), ctx: ctx, cancel: cancel}
}

func (s *callSession) Release() { s.cancel() }

func parseParty(party string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(party)) {
	case "", PartyCalling:
		return PartyCalling, nil
	case PartyCalled:
		return PartyCalled, nil
	default:
		return "", fmt.Errorf("%w: unknown party %q", ErrValidation, party)
	}
}

// Transcribe forks the call into two local capture ports and streams the
// selected party into the recogniser until it yields a result. Forking is
// stopped and both ports are released on every return path. Recogniser
// failures are wrapped in ErrRecognition.
func (c *Controller) Transcribe(ctx context.Context, callID string, req TranscriptionRequest) (TranscriptionResult, error) {
	party, err := parseParty(req.Party)
	if err != nil {
		return TranscriptionResult{}, err
	}
	if c.recognizer == nil || c.allocator == nil {
		return TranscriptionResult{}, fmt.Errorf("%w: transcription is not configured", ErrRecognition)
	}
	rec, transport, err := c.resolve(callID)
	if err != nil {
		return TranscriptionResult{}, err
	}

	attached, err := rec.Transcriber(func() (calls.Releaser, error) {
		return newCallSession(), nil
	})
	if errors.Is(err, calls.ErrRecordClosed) {
		return TranscriptionResult{}, fmt.Errorf("%w: %s disconnected", ErrCallNotFound, callID)
	}
	if err != nil {
		return TranscriptionResult{}, err
	}
	session := attached.(*callSession)

	language := req.Language
	if language == "" {
		language = c.config.Language
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.MaxDuration)
	defer cancel()
	stopOnRelease := context.AfterFunc(session.ctx, cancel)
	defer stopOnRelease()

	ctx, span := tracing.StartSpan(ctx, "forking.transcribe", tracing.CallAttributes(rec.Gateway, rec.CallID),
		trace.WithAttributes(
			attribute.String("stt.vendor", c.recognizer.Name()),
			attribute.String("stt.language", language),
			attribute.String("stt.party", party),
		))
	defer span.End()

	logger := c.logger.WithFields(logrus.Fields{
		"gateway":    rec.Gateway,
		"call_id":    rec.CallID,
		"session_id": session.id,
		"party":      party,
		"language":   language,
	})
	started := time.Now()

	result, err := c.transcribe(ctx, rec, transport, party, language, logger)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, "transcription failed")
		logger.WithError(err).Warn("Transcription failed")
	} else {
		logger.WithFields(logrus.Fields{
			"confidence": result.Confidence,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}).Info("Transcription completed")
	}
	metrics.RecordTranscription(c.recognizer.Name(), outcome, started)

	event := messaging.Event{
		Type:       messaging.EventTranscriptionResult,
		Gateway:    rec.Gateway,
		CallID:     rec.CallID,
		GUID:       rec.GUID(),
		Language:   language,
		Transcript: result.Transcript,
		Confidence: result.Confidence,
	}
	if err != nil {
		event.Error = err.Error()
	}
	c.publish(context.WithoutCancel(ctx), event)
	return result, err
}

type capturePorts struct {
	calling *media.CapturePort
	called  *media.CapturePort
}

func (p capturePorts) release(logger *logrus.Entry) {
	for _, port := range []*media.CapturePort{p.calling, p.called} {
		if port == nil {
			continue
		}
		if err := port.Release(); err != nil {
			logger.WithError(err).WithField("port", port.Port()).Warn("Failed to release capture port")
		}
	}
}

func (c *Controller) openPorts() (capturePorts, error) {
	var ports capturePorts
	var err error
	if ports.calling, err = c.allocator.Open(c.config.LocalAddress); err != nil {
		return ports, err
	}
	if ports.called, err = c.allocator.Open(c.config.LocalAddress); err != nil {
		return ports, err
	}
	return ports, nil
}

func (c *Controller) transcribe(ctx context.Context, rec *calls.Record, transport gateway.Transport, party, language string, logger *logrus.Entry) (TranscriptionResult, error) {
	ports, err := c.openPorts()
	defer ports.release(logger)
	if err != nil {
		return TranscriptionResult{}, err
	}

	recognition, err := c.recognizer.Open(ctx, stt.Options{
		Language:             language,
		SingleUtterance:      c.config.SingleUtterance,
		AutomaticPunctuation: c.config.AutomaticPunctuation,
	})
	if err != nil {
		return TranscriptionResult{}, fmt.Errorf("%w: %v", ErrRecognition, err)
	}
	defer recognition.Close()

	listen, ignore := ports.calling, ports.called
	if party == PartyCalled {
		listen, ignore = ports.called, ports.calling
	}

	var sendFailed sync.Once
	listen.ProcessMedia(func(payload []byte) {
		if err := recognition.Send(payload); err != nil {
			sendFailed.Do(func() {
				logger.WithError(err).Warn("Failed to stream audio to recogniser")
			})
		}
	})
	ignore.DiscardMedia()
	defer listen.DiscardMedia()

	for _, port := range []*media.CapturePort{ports.calling, ports.called} {
		if err := port.Start(); err != nil {
			return TranscriptionResult{}, err
		}
	}

	calling := xmf.Endpoint{Address: c.config.LocalAddress, Port: ports.calling.Port()}
	called := xmf.Endpoint{Address: c.config.LocalAddress, Port: ports.called.Port()}
	if err := c.startForking(ctx, rec, transport, calling, called); err != nil {
		return TranscriptionResult{}, err
	}
	defer func() {
		// The request context may already be done; the stop must still go out.
		_ = c.stopForking(context.WithoutCancel(ctx), rec, transport)
	}()

	return awaitResult(ctx, recognition, listen)
}

// mediaSource feeds audio to the recogniser.
type mediaSource interface {
	DiscardMedia()
}

// awaitResult consumes recogniser events. End of utterance detaches the
// audio source, closes the audio side and waits for the closing final result.
func awaitResult(ctx context.Context, recognition stt.Session, source mediaSource) (TranscriptionResult, error) {
	var last stt.Event
	for {
		select {
		case <-ctx.Done():
			return TranscriptionResult{}, fmt.Errorf("%w: %w", ErrRecognition, ctx.Err())
		case ev, ok := <-recognition.Events():
			if !ok {
				if last.Transcript == "" {
					return TranscriptionResult{}, fmt.Errorf("%w: no speech recognised", ErrRecognition)
				}
				return resultOf(last), nil
			}
			switch ev.Kind {
			case stt.EventPartial:
				last = ev
			case stt.EventFinal:
				return resultOf(ev), nil
			case stt.EventEndOfUtterance:
				source.DiscardMedia()
				_ = recognition.CloseSend()
			case stt.EventError:
				return TranscriptionResult{}, fmt.Errorf("%w: %v", ErrRecognition, ev.Err)
			}
		}
	}
}

func resultOf(ev stt.Event) TranscriptionResult {
	return TranscriptionResult{
		Transcript: ev.Transcript,
		Confidence: fmt.Sprintf("%.2f", ev.Confidence),
	}
}
