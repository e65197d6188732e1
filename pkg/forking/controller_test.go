package forking

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmf-forking-server/pkg/calls"
	"xmf-forking-server/pkg/dispatcher"
	"xmf-forking-server/pkg/gateway"
	"xmf-forking-server/pkg/media"
	"xmf-forking-server/pkg/messaging"
	"xmf-forking-server/pkg/stt"
	"xmf-forking-server/pkg/xmf"
)

const gw = "10.0.0.1"

type forkCall struct {
	action  string
	callID  string
	calling xmf.Endpoint
	called  xmf.Endpoint
}

// fakeTransport records forking commands. When media is set it streams one
// RTP packet to the calling endpoint on START.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []forkCall
	startErr error
	media    []byte
	started  chan struct{}
}

func (f *fakeTransport) Register(context.Context, string) error { return nil }

func (f *fakeTransport) StartForking(_ context.Context, callID string, calling, called xmf.Endpoint) error {
	f.mu.Lock()
	f.calls = append(f.calls, forkCall{action: "start", callID: callID, calling: calling, called: called})
	err := f.startErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.media != nil {
		sendRTP(calling, f.media)
	}
	if f.started != nil {
		close(f.started)
	}
	return nil
}

func (f *fakeTransport) StopForking(_ context.Context, callID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forkCall{action: "stop", callID: callID})
	return nil
}

func (f *fakeTransport) all() []forkCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forkCall(nil), f.calls...)
}

func sendRTP(to xmf.Endpoint, payload []byte) {
	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 1, SSRC: 42},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return
	}
	conn, err := net.Dial("udp", to.String())
	if err != nil {
		return
	}
	defer conn.Close()
	// A few copies in case the first lands before the loop is armed.
	for i := 0; i < 3; i++ {
		_, _ = conn.Write(raw)
	}
}

// fakeRecognizer answers the first audio chunk with the scripted events.
type fakeRecognizer struct {
	script []stt.Event
	silent bool

	mu       sync.Mutex
	sessions []*fakeSession
}

func (r *fakeRecognizer) Name() string { return "fake" }
func (r *fakeRecognizer) Close() error { return nil }

func (r *fakeRecognizer) Open(_ context.Context, opts stt.Options) (stt.Session, error) {
	s := &fakeSession{opts: opts, script: r.script, silent: r.silent, events: make(chan stt.Event, len(r.script)+1)}
	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	return s, nil
}

type fakeSession struct {
	opts   stt.Options
	script []stt.Event
	silent bool
	events chan stt.Event

	mu     sync.Mutex
	chunks [][]byte
	fired  bool
	closed bool
}

func (s *fakeSession) Send(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.chunks = append(s.chunks, chunk)
	if !s.fired && !s.silent {
		s.fired = true
		for _, ev := range s.script {
			s.events <- ev
		}
	}
	return nil
}

func (s *fakeSession) CloseSend() error { return nil }

func (s *fakeSession) Events() <-chan stt.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.chunks...)
}

type eventLog struct {
	mu     sync.Mutex
	events []messaging.Event
}

func (l *eventLog) Publish(_ context.Context, e messaging.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	transport  *fakeTransport
	gateways   *gateway.Registry
	calls      *calls.Registry
	events     *eventLog
	recognizer *fakeRecognizer
	dispatcher *dispatcher.Dispatcher
	controller *Controller
}

func newFixture(t *testing.T, allocator *media.Allocator) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		transport:  &fakeTransport{},
		gateways:   gateway.NewRegistry("http://127.0.0.1:8080/xmfnotify", logger),
		calls:      calls.NewRegistry(logger),
		events:     &eventLog{},
		recognizer: &fakeRecognizer{},
	}
	f.gateways.Add(gw, f.transport)
	f.dispatcher = dispatcher.New(f.gateways, f.calls, f.events, logger)
	f.controller = New(f.gateways, f.calls, allocator, f.recognizer, f.events, Config{
		LocalAddress:    "127.0.0.1",
		Language:        "en-US",
		SingleUtterance: true,
		MaxDuration:     5 * time.Second,
	}, logger)
	return f
}

func testAllocator(t *testing.T) *media.Allocator {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return media.NewAllocator(media.AllocatorConfig{BasePort: 47000, PortRange: 500, MaxAttempts: 64}, logger)
}

func envelope(body string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body>` +
		body + `</env:Body></env:Envelope>`)
}

func connected(callID, guid, calling, called string) []byte {
	return envelope(`<NotifyXmfConnectionData xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">` +
		`<msgHeader><transactionID>1</transactionID></msgHeader>` +
		`<callData><callID>` + callID + `</callID><state>ACTIVE</state></callData>` +
		`<connData><connID>20</connID><state>CONNECTED</state></connData>` +
		`<event><connected><connDetailData><guid>` + guid + `</guid>` +
		`<connDirectionType>OUTGOING</connDirectionType>` +
		`<callingAddrData><addr>` + calling + `</addr></callingAddrData>` +
		`<calledAddrData><addr>` + called + `</addr></calledAddrData>` +
		`</connDetailData></connected></event></NotifyXmfConnectionData>`)
}

func disconnected(callID string) []byte {
	return envelope(`<NotifyXmfConnectionData xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">` +
		`<callData><callID>` + callID + `</callID></callData>` +
		`<connData><connID>20</connID><state>DISCONNECTED</state></connData>` +
		`</NotifyXmfConnectionData>`)
}

func (f *fixture) connect(t *testing.T) {
	t.Helper()
	_, err := f.dispatcher.Handle(context.Background(), gw, connected("7", "ABCD", "1001", "2002"))
	require.NoError(t, err)
}

func TestParseAction(t *testing.T) {
	cases := []struct {
		verb    string
		want    Action
		wantErr bool
	}{
		{"START", ActionStart, false},
		{"start", ActionStart, false},
		{" Stop ", ActionStop, false},
		{"pause", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.verb, func(t *testing.T) {
			got, err := ParseAction(tc.verb)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExecuteRejectsInvalidCommands(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	good := &xmf.Endpoint{Address: "10.0.0.5", Port: 9000}

	cmds := []Command{
		{Action: "PAUSE", Calling: good, Called: good},
		{Action: "START"},
		{Action: "START", Calling: good},
		{Action: "START", Calling: good, Called: &xmf.Endpoint{Address: "10.0.0.5", Port: 0}},
		{Action: "START", Calling: &xmf.Endpoint{Port: 9000}, Called: good},
	}
	for _, cmd := range cmds {
		err := f.controller.Execute(context.Background(), "ABCD", cmd)
		assert.ErrorIs(t, err, ErrValidation, "%+v", cmd)
	}
	assert.Empty(t, f.transport.all())
}

func TestConnectStartDisconnect(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	err := f.controller.Start(context.Background(), "7",
		xmf.Endpoint{Address: "10.0.0.5", Port: 9000},
		xmf.Endpoint{Address: "10.0.0.5", Port: 9001})
	require.NoError(t, err)

	sent := f.transport.all()
	require.Len(t, sent, 1)
	assert.Equal(t, forkCall{
		action:  "start",
		callID:  "7",
		calling: xmf.Endpoint{Address: "10.0.0.5", Port: 9000},
		called:  xmf.Endpoint{Address: "10.0.0.5", Port: 9001},
	}, sent[0])

	_, err = f.dispatcher.Handle(context.Background(), gw, disconnected("7"))
	require.NoError(t, err)

	for _, id := range []string{"ABCD", "2002"} {
		_, ok := f.calls.LookupByCallID(id)
		assert.False(t, ok, id)
	}
	_, ok := f.calls.Get(gw, "7")
	assert.False(t, ok)
	assert.Equal(t, []string{
		messaging.EventCallConnected,
		messaging.EventForkingStarted,
		messaging.EventCallDisconnected,
	}, f.events.types())
}

func TestExecuteStartAndStopByGUID(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)

	err := f.controller.Execute(context.Background(), "ABCD", Command{
		Action:  "start",
		Calling: &xmf.Endpoint{Address: "10.0.0.5", Port: 9000},
		Called:  &xmf.Endpoint{Address: "10.0.0.5", Port: 9001},
	})
	require.NoError(t, err)
	require.NoError(t, f.controller.Execute(context.Background(), "2002", Command{Action: "Stop"}))

	sent := f.transport.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "start", sent[0].action)
	assert.Equal(t, forkCall{action: "stop", callID: "7"}, sent[1])
}

func TestUnknownCallAndGateway(t *testing.T) {
	f := newFixture(t, nil)

	err := f.controller.Stop(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCallNotFound)

	f.calls.CreateOnConnect(calls.ConnectInfo{
		Gateway:   "10.9.9.9",
		CallID:    "3",
		GUID:      "FFFF",
		Direction: "OUTGOING",
		Called:    "3003",
	})
	err = f.controller.Stop(context.Background(), "FFFF")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.Empty(t, f.transport.all())
}

func TestStartTransportFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t)
	f.transport.startErr = xmf.ErrTransport

	err := f.controller.Start(context.Background(), "ABCD",
		xmf.Endpoint{Address: "10.0.0.5", Port: 9000},
		xmf.Endpoint{Address: "10.0.0.5", Port: 9001})
	assert.ErrorIs(t, err, xmf.ErrTransport)
	assert.NotContains(t, f.events.types(), messaging.EventForkingStarted)
}

func portsFree(t *testing.T, calls []forkCall) {
	t.Helper()
	for _, c := range calls {
		if c.action != "start" {
			continue
		}
		for _, ep := range []xmf.Endpoint{c.calling, c.called} {
			conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(ep.Address), Port: ep.Port})
			require.NoError(t, err, "port %d still bound", ep.Port)
			conn.Close()
		}
	}
}

func TestTranscribeCallingParty(t *testing.T) {
	f := newFixture(t, testAllocator(t))
	f.connect(t)
	f.transport.media = []byte{0xFF, 0xFE, 0xFD}
	f.recognizer.script = []stt.Event{
		{Kind: stt.EventPartial, Transcript: "hel"},
		{Kind: stt.EventFinal, Transcript: "hello", Confidence: 0.873},
	}

	result, err := f.controller.Transcribe(context.Background(), "ABCD", TranscriptionRequest{Language: "fr-FR"})
	require.NoError(t, err)
	assert.Equal(t, TranscriptionResult{Transcript: "hello", Confidence: "0.87"}, result)

	sent := f.transport.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "start", sent[0].action)
	assert.Equal(t, "127.0.0.1", sent[0].calling.Address)
	assert.NotEqual(t, sent[0].calling.Port, sent[0].called.Port)
	assert.Equal(t, forkCall{action: "stop", callID: "7"}, sent[1])
	portsFree(t, sent)

	require.Len(t, f.recognizer.sessions, 1)
	session := f.recognizer.sessions[0]
	assert.Equal(t, "fr-FR", session.opts.Language)
	assert.True(t, session.opts.SingleUtterance)
	require.NotEmpty(t, session.received())
	assert.Equal(t, []byte{0xFF, 0xFE, 0xFD}, session.received()[0])

	rec, ok := f.calls.LookupByCallID("ABCD")
	require.True(t, ok)
	assert.True(t, rec.Info().Transcribing)
	assert.Contains(t, f.events.types(), messaging.EventTranscriptionResult)
}

func TestTranscribeRejectsUnknownParty(t *testing.T) {
	f := newFixture(t, testAllocator(t))
	f.connect(t)
	_, err := f.controller.Transcribe(context.Background(), "ABCD", TranscriptionRequest{Party: "both"})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, f.transport.all())
}

func TestTranscribeRecognizerError(t *testing.T) {
	f := newFixture(t, testAllocator(t))
	f.connect(t)
	f.transport.media = []byte{0x01}
	f.recognizer.script = []stt.Event{{Kind: stt.EventError, Err: errors.New("quota exceeded")}}

	_, err := f.controller.Transcribe(context.Background(), "ABCD", TranscriptionRequest{})
	require.ErrorIs(t, err, ErrRecognition)
	assert.Contains(t, err.Error(), "quota exceeded")

	sent := f.transport.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "stop", sent[1].action)
	portsFree(t, sent)
}

func TestTranscribeCancelledByDisconnect(t *testing.T) {
	f := newFixture(t, testAllocator(t))
	f.connect(t)
	f.recognizer.silent = true
	f.transport.started = make(chan struct{})

	go func() {
		<-f.transport.started
		_, _ = f.dispatcher.Handle(context.Background(), gw, disconnected("7"))
	}()

	_, err := f.controller.Transcribe(context.Background(), "ABCD", TranscriptionRequest{Party: "called"})
	require.ErrorIs(t, err, ErrRecognition)
	assert.ErrorIs(t, err, context.Canceled)

	sent := f.transport.all()
	require.Len(t, sent, 2)
	assert.Equal(t, "stop", sent[1].action)
	portsFree(t, sent)
}

func TestTranscribePortExhaustion(t *testing.T) {
	held, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer held.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	allocator := media.NewAllocator(media.AllocatorConfig{
		BasePort:    held.LocalAddr().(*net.UDPAddr).Port,
		PortRange:   1,
		MaxAttempts: 2,
	}, logger)

	f := newFixture(t, allocator)
	f.connect(t)
	_, err = f.controller.Transcribe(context.Background(), "ABCD", TranscriptionRequest{})
	assert.ErrorIs(t, err, media.ErrPortExhausted)
	assert.Empty(t, f.transport.all())
}

// orderLog records the order in which the audio source and the recogniser
// are shut down.
type orderLog struct {
	mu    sync.Mutex
	steps []string
}

func (l *orderLog) add(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.steps = append(l.steps, step)
}

func (l *orderLog) DiscardMedia() { l.add("discard_media") }

type scriptedSession struct {
	log    *orderLog
	events chan stt.Event
}

func (s *scriptedSession) Send([]byte) error { return nil }
func (s *scriptedSession) CloseSend() error { s.log.add("close_send"); return nil }
func (s *scriptedSession) Events() <-chan stt.Event { return s.events }
func (s *scriptedSession) Close() error { return nil }

func TestEndOfUtteranceDetachesAudioBeforeCloseSend(t *testing.T) {
	log := &orderLog{}
	session := &scriptedSession{log: log, events: make(chan stt.Event, 3)}
	session.events <- stt.Event{Kind: stt.EventPartial, Transcript: "hel"}
	session.events <- stt.Event{Kind: stt.EventEndOfUtterance}
	session.events <- stt.Event{Kind: stt.EventFinal, Transcript: "hello", Confidence: 0.5}

	result, err := awaitResult(context.Background(), session, log)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Transcript)
	assert.Equal(t, "0.50", result.Confidence)
	assert.Equal(t, []string{"discard_media", "close_send"}, log.steps)
}
