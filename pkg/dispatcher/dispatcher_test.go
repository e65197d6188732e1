package dispatcher

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xmf-forking-server/pkg/calls"
	"xmf-forking-server/pkg/gateway"
	"xmf-forking-server/pkg/messaging"
	"xmf-forking-server/pkg/xmf"
)

const gw = "10.0.0.1"

type nopTransport struct{}

func (nopTransport) Register(context.Context, string) error { return nil }
func (nopTransport) StartForking(context.Context, string, xmf.Endpoint, xmf.Endpoint) error {
	return nil
}
func (nopTransport) StopForking(context.Context, string) error { return nil }

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

type fixture struct {
	gateways *gateway.Registry
	calls    *calls.Registry
	events   *eventLog
	d        *Dispatcher
}

func newFixture() *fixture {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		gateways: gateway.NewRegistry("http://127.0.0.1:8080/xmfnotify", logger),
		calls:    calls.NewRegistry(logger),
		events:   &eventLog{},
	}
	f.gateways.Add(gw, nopTransport{})
	f.d = New(f.gateways, f.calls, f.events, logger)
	return f
}

func envelope(body string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>` +
		`<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"><env:Body>` +
		body + `</env:Body></env:Envelope>`)
}

func connected(callID, guid, direction, calling, called string) []byte {
	return envelope(`<NotifyXmfConnectionData xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">` +
		`<msgHeader><transactionID>1</transactionID></msgHeader>` +
		`<callData><callID>` + callID + `</callID><state>ACTIVE</state></callData>` +
		`<connData><connID>20</connID><state>CONNECTED</state></connData>` +
		`<event><connected><connDetailData><guid>` + guid + `</guid>` +
		`<connDirectionType>` + direction + `</connDirectionType>` +
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

func TestProbeWithIntervalIsAnsweredAndActivatesGateway(t *testing.T) {
	f := newFixture()
	probe := envelope(`<SolicitXmfProbing xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">` +
		`<msgHeader><transactionID>99</transactionID></msgHeader>` +
		`<sequence>3</sequence><interval>30</interval><failureCount>0</failureCount>` +
		`</SolicitXmfProbing>`)

	reply, err := f.d.Handle(context.Background(), gw, probe)
	require.NoError(t, err)
	require.NotNil(t, reply)

	env, msgType, err := xmf.ParseEnvelope(reply)
	require.NoError(t, err)
	assert.Equal(t, xmf.TypeResponseProbing, msgType)
	assert.Equal(t, xmf.SOAPNamespace, env.XMLName.Space)
	assert.Contains(t, string(reply), "<interval>30</interval>")
	assert.Contains(t, string(reply), "<sequence>3</sequence>")
	assert.NotContains(t, string(reply), "failureCount")

	s, err := f.gateways.Get(gw)
	require.NoError(t, err)
	st := s.Status()
	assert.True(t, st.Active)
	assert.Equal(t, 30, st.ProbeInterval)
	assert.Zero(t, st.MissedTicks)
}

func TestUnregisterSolicitationIsAnswered(t *testing.T) {
	f := newFixture()
	interval := 10
	require.NoError(t, f.gateways.OnProbe(gw, &interval))

	reply, err := f.d.Handle(context.Background(), gw, envelope(
		`<SolicitXmfProviderUnRegister xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">`+
			`<msgHeader><transactionID>4</transactionID></msgHeader></SolicitXmfProviderUnRegister>`))
	require.NoError(t, err)

	_, msgType, err := xmf.ParseEnvelope(reply)
	require.NoError(t, err)
	assert.Equal(t, xmf.TypeResponseUnregister, msgType)
	assert.Contains(t, string(reply), "<transactionID>4</transactionID>")

	s, _ := f.gateways.Get(gw)
	assert.False(t, s.Active())
}

func TestConnectedThenDisconnected(t *testing.T) {
	f := newFixture()

	reply, err := f.d.Handle(context.Background(), gw, connected("7", "0x12-0xAB", "OUTGOING", "1000", "2000"))
	require.NoError(t, err)
	assert.Nil(t, reply)

	rec, ok := f.calls.LookupByCallID("12AB")
	require.True(t, ok)
	assert.Equal(t, "7", rec.CallID)
	assert.Equal(t, gw, rec.Gateway)
	_, ok = f.calls.LookupByCallID("2000")
	assert.True(t, ok)

	_, err = f.d.Handle(context.Background(), gw, disconnected("7"))
	require.NoError(t, err)
	assert.Zero(t, f.calls.Count())

	require.Len(t, f.events.events, 2)
	assert.Equal(t, messaging.EventCallConnected, f.events.events[0].Type)
	assert.Equal(t, messaging.EventCallDisconnected, f.events.events[1].Type)
	assert.Equal(t, "12AB", f.events.events[1].GUID)
}

func TestIncomingLegIsNotTracked(t *testing.T) {
	f := newFixture()
	_, err := f.d.Handle(context.Background(), gw, connected("8", "0x1", "INCOMING", "1000", "2000"))
	require.NoError(t, err)
	assert.Zero(t, f.calls.Count())
	assert.Empty(t, f.events.events)
}

func TestAnomaliesAreIgnored(t *testing.T) {
	f := newFixture()
	s, _ := f.gateways.Get(gw)

	inputs := [][]byte{
		[]byte("not xml at all"),
		envelope(`<NotifyXmfMediaEvent xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0"/>`),
		envelope(`<NotifyXmfProviderStatus xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">` +
			`<providerStatus>IN_SERVICE</providerStatus></NotifyXmfProviderStatus>`),
		envelope(`<NotifyXmfCallData xmlns="http://www.cisco.com/schema/cisco_xmf/v1_0">` +
			`<callData><callID>7</callID></callData></NotifyXmfCallData>`),
	}
	for _, in := range inputs {
		reply, err := f.d.Handle(context.Background(), gw, in)
		assert.NoError(t, err)
		assert.Nil(t, reply)
	}
	assert.False(t, s.Active())
	assert.Zero(t, s.Status().MissedTicks)
}

func TestUnknownGatewayIsRejected(t *testing.T) {
	f := newFixture()
	_, err := f.d.Handle(context.Background(), "10.9.9.9", connected("7", "0x1", "OUTGOING", "1", "2"))
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
	assert.Zero(t, f.calls.Count())
}
