package xmf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTransport is returned when a request could not be delivered to a
// gateway or the gateway answered with a fault.
var ErrTransport = errors.New("xmf transport failure")

const (
	connectionEvents = "CREATED ALERTING CONNECTED DISCONNECTED"
	mediaEvents      = "MEDIA_FORKING"
	maxReplyBytes    = 1 << 20
)

// ClientConfig describes how to reach a gateway's WSAPI listener.
type ClientConfig struct {
	Port    int
	Path    string
	AppName string
	Timeout time.Duration
}

// Client is the outbound SOAP transport for one gateway.
type Client struct {
	gateway string
	url     string
	appName string
	http    *http.Client
	logger  *logrus.Logger

	txn uint64

	mu             sync.RWMutex
	registrationID string
}

// NewClient creates a transport that posts to http://<gateway>:<port><path>.
func NewClient(gateway string, cfg ClientConfig, logger *logrus.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		gateway: gateway,
		url:     fmt.Sprintf("http://%s%s", net.JoinHostPort(gateway, strconv.Itoa(cfg.Port)), cfg.Path),
		appName: cfg.AppName,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// URL is the WSAPI endpoint this client posts to.
func (c *Client) URL() string {
	return c.url
}

// RegistrationID is the id handed out by the last successful registration.
func (c *Client) RegistrationID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registrationID
}

func (c *Client) header() MsgHeader {
	return MsgHeader{
		TransactionID:  strconv.FormatUint(atomic.AddUint64(&c.txn, 1), 10),
		RegistrationID: c.RegistrationID(),
	}
}

// Register subscribes to connection and media events, asking the gateway
// to deliver them to callbackURL.
func (c *Client) Register(ctx context.Context, callbackURL string) error {
	req := &RegisterRequest{
		MsgHeader:              MsgHeader{TransactionID: c.header().TransactionID},
		ConnectionEventsFilter: connectionEvents,
		MediaEventsFilter:      mediaEvents,
	}
	req.ApplicationData.Name = c.appName
	req.ApplicationData.URL = callbackURL
	req.ProviderData.URL = c.url

	var resp RegisterResponse
	if err := c.post(ctx, req, TypeResponseRegister, &resp); err != nil {
		return err
	}

	c.mu.Lock()
	c.registrationID = resp.MsgHeader.RegistrationID
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"gateway":         c.gateway,
		"registration_id": resp.MsgHeader.RegistrationID,
		"callback_url":    callbackURL,
	}).Info("Registered with gateway")
	return nil
}

// StartForking asks the gateway to fork the calling party's stream to
// calling and the called party's stream to called.
func (c *Client) StartForking(ctx context.Context, callID string, calling, called Endpoint) error {
	req := &MediaForkingRequest{MsgHeader: c.header(), CallID: callID}
	req.Action.Enable = &ForkingTargets{
		NearEnd: ForkTarget{IPv4: calling.Address, Port: calling.Port},
		FarEnd:  ForkTarget{IPv4: called.Address, Port: called.Port},
	}
	return c.post(ctx, req, "", nil)
}

// StopForking disables forking on the call.
func (c *Client) StopForking(ctx context.Context, callID string) error {
	req := &MediaForkingRequest{MsgHeader: c.header(), CallID: callID}
	req.Action.Disable = &struct{}{}
	return c.post(ctx, req, "", nil)
}

// post sends body and, when want is set, decodes the reply body element of
// that type into out.
func (c *Client) post(ctx context.Context, body any, want string, out any) error {
	payload, err := NewEnvelope(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", ContentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTransport, c.gateway, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading reply from %s: %v", ErrTransport, c.gateway, err)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: %s answered %d", ErrTransport, c.gateway, resp.StatusCode)
	}
	if want == "" {
		return nil
	}

	env, msgType, err := ParseEnvelope(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if msgType != want {
		return fmt.Errorf("%w: expected %s from %s, got %s", ErrTransport, want, c.gateway, msgType)
	}
	if err := env.DecodeBody(out); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}
