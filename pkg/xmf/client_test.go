package xmf

import (
	"context"
	"encoding/xml"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	requests []string
	status   int
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)

	g.mu.Lock()
	g.requests = append(g.requests, string(data))
	status := g.status
	g.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	_, msgType, err := ParseEnvelope(data)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	if msgType == TypeRequestRegister {
		reply, _ := NewEnvelope(&struct {
			XMLName   xml.Name  `xml:"http://www.cisco.com/schema/cisco_xmf/v1_0 ResponseXmfRegister"`
			MsgHeader MsgHeader `xml:"msgHeader"`
		}{MsgHeader: MsgHeader{TransactionID: "1", RegistrationID: "reg-77"}})
		_, _ = w.Write(reply)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (g *fakeGateway) last() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *fakeGateway) all() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.requests...)
}

func newTestClient(t *testing.T, gw *fakeGateway) *Client {
	t.Helper()
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(host, ClientConfig{Port: p, Path: "/cisco_xmf", AppName: "test-app"}, logger)
}

func TestRegisterStoresRegistrationID(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestClient(t, gw)

	require.NoError(t, c.Register(context.Background(), "http://10.1.1.1:8080/xmfnotify"))
	assert.Equal(t, "reg-77", c.RegistrationID())

	req := gw.last()
	assert.Contains(t, req, "RequestXmfRegister")
	assert.Contains(t, req, "http://10.1.1.1:8080/xmfnotify")
	assert.Contains(t, req, "<name>test-app</name>")

	require.NoError(t, c.StopForking(context.Background(), "7"))
	assert.Contains(t, gw.last(), "<registrationID>reg-77</registrationID>")
}

func TestStartForkingCarriesBothEndpoints(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestClient(t, gw)

	err := c.StartForking(context.Background(), "7",
		Endpoint{Address: "10.0.0.5", Port: 9000},
		Endpoint{Address: "10.0.0.5", Port: 9001})
	require.NoError(t, err)

	req := gw.last()
	assert.Contains(t, req, "RequestXmfCallMediaForking")
	assert.Contains(t, req, "<callID>7</callID>")
	assert.Contains(t, req, "<nearEndAddr><ipv4>10.0.0.5</ipv4><port>9000</port></nearEndAddr>")
	assert.Contains(t, req, "<farEndAddr><ipv4>10.0.0.5</ipv4><port>9001</port></farEndAddr>")
	assert.NotContains(t, req, "disableMediaForking")
}

func TestTransactionIDsIncrease(t *testing.T) {
	gw := &fakeGateway{}
	c := newTestClient(t, gw)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.StopForking(context.Background(), "1")
		}()
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, req := range gw.all() {
		env, _, err := ParseEnvelope([]byte(req))
		require.NoError(t, err)
		var body MediaForkingRequest
		require.NoError(t, env.DecodeBody(&body))
		assert.False(t, seen[body.MsgHeader.TransactionID], "duplicate transaction id %s", body.MsgHeader.TransactionID)
		seen[body.MsgHeader.TransactionID] = true
	}
	assert.Len(t, seen, 20)
}

func TestTransportFailures(t *testing.T) {
	gw := &fakeGateway{status: http.StatusInternalServerError}
	c := newTestClient(t, gw)

	err := c.StopForking(context.Background(), "7")
	assert.ErrorIs(t, err, ErrTransport)

	unreachable := NewClient("127.0.0.1", ClientConfig{Port: 1, Path: "/cisco_xmf"}, logrus.New())
	err = unreachable.Register(context.Background(), "http://127.0.0.1/xmfnotify")
	assert.ErrorIs(t, err, ErrTransport)
	assert.Empty(t, unreachable.RegistrationID())
}
