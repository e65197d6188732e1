package dispatcher

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/calls"
	"xmf-forking-server/pkg/gateway"
	"xmf-forking-server/pkg/messaging"
	"xmf-forking-server/pkg/metrics"
	"xmf-forking-server/pkg/xmf"
)

// Dispatcher applies inbound XMF notifications to the gateway and call
// registries and builds the SOAP replies the gateway expects.
type Dispatcher struct {
	gateways  *gateway.Registry
	calls     *calls.Registry
	publisher messaging.Publisher
	logger    *logrus.Logger
}

// New creates a dispatcher. A nil publisher drops call events.
func New(gateways *gateway.Registry, callRegistry *calls.Registry, publisher messaging.Publisher, logger *logrus.Logger) *Dispatcher {
	if publisher == nil {
		publisher = messaging.Nop{}
	}
	return &Dispatcher{
		gateways:  gateways,
		calls:     callRegistry,
		publisher: publisher,
		logger:    logger,
	}
}

// Handle processes one notification posted by gatewayAddr. It returns the
// reply document, or nil when the message needs no reply. Malformed and
// unknown messages are logged and ignored; only notifications from an
// unconfigured gateway return an error.
func (d *Dispatcher) Handle(ctx context.Context, gatewayAddr string, body []byte) ([]byte, error) {
	if err := d.gateways.OnAnyNotification(gatewayAddr); err != nil {
		d.logger.WithError(err).WithField("gateway", gatewayAddr).Warn("Notification from unknown gateway")
		return nil, err
	}

	env, n, err := xmf.Decode(body)
	if err != nil {
		metrics.RecordNotification("malformed")
		d.logger.WithError(err).WithFields(logrus.Fields{
			"gateway": gatewayAddr,
			"bytes":   len(body),
		}).Warn("Ignoring malformed XMF message")
		return nil, nil
	}
	metrics.RecordNotification(n.MessageType())

	switch msg := n.(type) {
	case *xmf.ProbeSolicitation:
		return d.handleProbe(gatewayAddr, env, msg)
	case *xmf.UnregisterSolicitation:
		return d.handleUnregister(gatewayAddr, env, msg)
	case *xmf.ProviderStatus:
		d.logger.WithFields(logrus.Fields{
			"gateway": gatewayAddr,
			"status":  msg.ProviderStatus,
		}).Info("Gateway provider status")
	case *xmf.CallDataNotification:
		d.logger.WithFields(logrus.Fields{
			"gateway":       gatewayAddr,
			"call_id":       msg.CallData.CallID,
			"call_state":    msg.CallData.State,
			"forking_state": msg.ForkingState(),
		}).Info("Call data notification")
	case *xmf.ConnectionDataNotification:
		d.handleConnection(ctx, gatewayAddr, msg)
	default:
		d.logger.WithFields(logrus.Fields{
			"gateway":      gatewayAddr,
			"message_type": n.MessageType(),
		}).Warn("Ignoring unsupported XMF message")
	}
	return nil, nil
}

func (d *Dispatcher) handleProbe(gatewayAddr string, env *xmf.Envelope, probe *xmf.ProbeSolicitation) ([]byte, error) {
	reply, err := env.Reply(probe.Response())
	if err != nil {
		return nil, fmt.Errorf("building probe response: %w", err)
	}
	if err := d.gateways.OnProbe(gatewayAddr, probe.Interval); err != nil {
		return nil, err
	}
	d.logger.WithField("gateway", gatewayAddr).Debug("Answered gateway probe")
	return reply, nil
}

func (d *Dispatcher) handleUnregister(gatewayAddr string, env *xmf.Envelope, msg *xmf.UnregisterSolicitation) ([]byte, error) {
	reply, err := env.Reply(msg.Response())
	if err != nil {
		return nil, fmt.Errorf("building unregister response: %w", err)
	}
	if err := d.gateways.OnUnregisterSolicited(gatewayAddr); err != nil {
		return nil, err
	}
	return reply, nil
}

func (d *Dispatcher) handleConnection(ctx context.Context, gatewayAddr string, msg *xmf.ConnectionDataNotification) {
	callID := msg.CallData.CallID
	fields := logrus.Fields{
		"gateway": gatewayAddr,
		"call_id": callID,
		"conn_id": msg.ConnData.ConnID,
		"state":   msg.State(),
	}

	switch msg.State() {
	case xmf.StateConnected:
		detail := msg.Detail()
		if detail == nil {
			d.logger.WithFields(fields).Warn("CONNECTED notification without connection detail")
			return
		}
		info := calls.ConnectInfo{
			Gateway:   gatewayAddr,
			CallID:    callID,
			GUID:      xmf.NormalizeGUID(detail.GUID),
			Direction: detail.Direction,
			State:     msg.State(),
			LegID:     msg.ConnData.ConnID,
			Calling:   detail.CallingAddr.Addr,
			Called:    detail.CalledAddr.Addr,
		}
		rec, created := d.calls.CreateOnConnect(info)
		if rec == nil {
			d.logger.WithFields(fields).WithField("direction", detail.Direction).Debug("Ignoring non outgoing call leg")
			return
		}
		if created {
			d.publish(ctx, messaging.Event{
				Type:    messaging.EventCallConnected,
				Gateway: gatewayAddr,
				CallID:  callID,
				GUID:    info.GUID,
				Calling: info.Calling,
				Called:  info.Called,
			})
		}

	case xmf.StateDisconnected:
		rec, removed := d.calls.RemoveOnDisconnect(gatewayAddr, callID)
		if !removed {
			d.logger.WithFields(fields).Debug("DISCONNECTED for untracked call")
			return
		}
		d.publish(ctx, messaging.Event{
			Type:    messaging.EventCallDisconnected,
			Gateway: gatewayAddr,
			CallID:  callID,
			GUID:    rec.GUID(),
		})

	default:
		d.logger.WithFields(fields).Debug("Ignoring connection state")
	}
}

func (d *Dispatcher) publish(ctx context.Context, event messaging.Event) {
	if err := d.publisher.Publish(ctx, event); err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"event":   event.Type,
			"call_id": event.CallID,
		}).Warn("Failed to publish call event")
	}
}
