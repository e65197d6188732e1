package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

const g711SampleRate = 8000

// GoogleProvider streams µ-law audio to Google Cloud Speech.
type GoogleProvider struct {
	client *speech.Client
	cfg    Config
	logger *logrus.Logger
}

// NewGoogleProvider creates the speech client. Credentials come from
// cfg.GoogleCredentialsFile or the application default credentials.
func NewGoogleProvider(ctx context.Context, cfg Config, logger *logrus.Logger) (*GoogleProvider, error) {
	var opts []option.ClientOption
	if cfg.GoogleCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GoogleCredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating google speech client: %w", err)
	}
	return &GoogleProvider{client: client, cfg: cfg, logger: logger}, nil
}

func (p *GoogleProvider) Name() string { return "google" }

// Open starts a streaming recognition and sends its configuration.
func (p *GoogleProvider) Open(ctx context.Context, opts Options) (Session, error) {
	if opts.Language == "" {
		opts.Language = p.cfg.DefaultLanguage
	}
	ctx, cancel := context.WithCancel(ctx)

	stream, err := p.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening google stream: %w", err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   speechpb.RecognitionConfig_MULAW,
					SampleRateHertz:            g711SampleRate,
					LanguageCode:               opts.Language,
					EnableAutomaticPunctuation: opts.AutomaticPunctuation,
				},
				SingleUtterance: opts.SingleUtterance,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("sending google stream config: %w", err)
	}

	s := &googleSession{
		stream: stream,
		events: make(chan Event, 16),
		cancel: cancel,
		logger: p.logger,
	}
	go s.receive(ctx)
	return s, nil
}

// Close releases the speech client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

type googleSession struct {
	stream speechpb.Speech_StreamingRecognizeClient
	events chan Event
	cancel context.CancelFunc
	logger *logrus.Logger

	sendMu sync.Mutex
	closed bool
}

func (s *googleSession) Send(chunk []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	return s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
}

func (s *googleSession) CloseSend() error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.stream.CloseSend()
}

func (s *googleSession) Events() <-chan Event { return s.events }

func (s *googleSession) Close() error {
	err := s.CloseSend()
	s.cancel()
	return err
}

func (s *googleSession) receive(ctx context.Context) {
	defer close(s.events)
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				emit(ctx, s.events, Event{Kind: EventError, Err: err})
			}
			return
		}
		for _, ev := range googleEvents(resp) {
			if !emit(ctx, s.events, ev) {
				return
			}
		}
	}
}

// googleEvents translates one streaming response.
func googleEvents(resp *speechpb.StreamingRecognizeResponse) []Event {
	if st := resp.GetError(); st != nil && st.GetCode() != 0 {
		return []Event{{Kind: EventError, Err: fmt.Errorf("google speech error %d: %s", st.GetCode(), st.GetMessage())}}
	}

	var out []Event
	for _, result := range resp.GetResults() {
		alts := result.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		kind := EventPartial
		if result.GetIsFinal() {
			kind = EventFinal
		}
		out = append(out, Event{Kind: kind, Transcript: alts[0].GetTranscript(), Confidence: alts[0].GetConfidence()})
	}
	if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
		out = append(out, Event{Kind: EventEndOfUtterance})
	}
	return out
}
