package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/media"
)

// AmazonProvider streams audio to Amazon Transcribe. Transcribe has no
// µ-law input so payloads are expanded to 16-bit PCM first.
type AmazonProvider struct {
	client *transcribestreaming.Client
	cfg    Config
	logger *logrus.Logger
}

// NewAmazonProvider loads the default AWS credential chain for cfg.AWSRegion.
func NewAmazonProvider(ctx context.Context, cfg Config, logger *logrus.Logger) (*AmazonProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &AmazonProvider{
		client: transcribestreaming.NewFromConfig(awsCfg),
		cfg:    cfg,
		logger: logger,
	}, nil
}

func (p *AmazonProvider) Name() string { return "amazon" }

// Open starts a stream transcription.
func (p *AmazonProvider) Open(ctx context.Context, opts Options) (Session, error) {
	if opts.Language == "" {
		opts.Language = p.cfg.DefaultLanguage
	}
	ctx, cancel := context.WithCancel(ctx)

	resp, err := p.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(opts.Language),
		MediaEncoding:        types.MediaEncodingPcm,
		MediaSampleRateHertz: aws.Int32(g711SampleRate),
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("starting amazon transcription: %w", err)
	}

	s := &amazonSession{
		ctx:             ctx,
		stream:          resp.GetStream(),
		events:          make(chan Event, 16),
		cancel:          cancel,
		singleUtterance: opts.SingleUtterance,
	}
	go s.receive()
	return s, nil
}

// Close is a no-op; the client holds no long lived connection.
func (p *AmazonProvider) Close() error { return nil }

type amazonSession struct {
	ctx             context.Context
	stream          *transcribestreaming.StartStreamTranscriptionEventStream
	events          chan Event
	cancel          context.CancelFunc
	singleUtterance bool

	sendMu sync.Mutex
	closed bool
}

func (s *amazonSession) Send(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.stream.Send(s.ctx, &types.AudioStreamMemberAudioEvent{
		Value: types.AudioEvent{AudioChunk: media.CodecULaw.Decode(chunk)},
	})
}

func (s *amazonSession) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.Writer.Close()
}

func (s *amazonSession) Events() <-chan Event { return s.events }

func (s *amazonSession) Close() error {
	_ = s.CloseSend()
	s.cancel()
	return s.stream.Close()
}

func (s *amazonSession) receive() {
	defer close(s.events)
	for ev := range s.stream.Events() {
		for _, out := range amazonEvents(ev) {
			if !emit(s.ctx, s.events, out) {
				return
			}
			if out.Kind == EventFinal && s.singleUtterance {
				emit(s.ctx, s.events, Event{Kind: EventEndOfUtterance})
			}
		}
	}
	if err := s.stream.Err(); err != nil && s.ctx.Err() == nil {
		emit(s.ctx, s.events, Event{Kind: EventError, Err: err})
	}
}

// amazonEvents translates one result stream event. Confidence is the mean
// of the item confidences of the first alternative.
func amazonEvents(ev types.TranscriptResultStream) []Event {
	te, ok := ev.(*types.TranscriptResultStreamMemberTranscriptEvent)
	if !ok || te.Value.Transcript == nil {
		return nil
	}

	var out []Event
	for _, result := range te.Value.Transcript.Results {
		if len(result.Alternatives) == 0 {
			continue
		}
		alt := result.Alternatives[0]
		kind := EventFinal
		if result.IsPartial {
			kind = EventPartial
		}

		var sum float64
		var n int
		for _, item := range alt.Items {
			if item.Confidence != nil {
				sum += *item.Confidence
				n++
			}
		}
		var confidence float32
		if n > 0 {
			confidence = float32(sum / float64(n))
		}
		out = append(out, Event{Kind: kind, Transcript: aws.ToString(alt.Transcript), Confidence: confidence})
	}
	return out
}
