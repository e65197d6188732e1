package xmf

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"
)

// Inbound message types pushed by a gateway.
const (
	TypeSolicitProbing          = "SolicitXmfProbing"
	TypeSolicitUnregister       = "SolicitXmfProviderUnRegister"
	TypeNotifyProviderStatus    = "NotifyXmfProviderStatus"
	TypeNotifyCallData          = "NotifyXmfCallData"
	TypeNotifyConnectionData    = "NotifyXmfConnectionData"
	TypeResponseProbing         = "ResponseXmfProbing"
	TypeResponseUnregister      = "ResponseXmfProviderUnRegister"
	TypeRequestRegister         = "RequestXmfRegister"
	TypeResponseRegister        = "ResponseXmfRegister"
	TypeRequestCallMediaForking = "RequestXmfCallMediaForking"
)

// Connection states and directions reported in NotifyXmfConnectionData.
const (
	StateConnected    = "CONNECTED"
	StateDisconnected = "DISCONNECTED"

	DirectionOutgoing = "OUTGOING"
	DirectionIncoming = "INCOMING"
)

// MsgHeader is present on every XMF message.
type MsgHeader struct {
	TransactionID  string `xml:"transactionID"`
	RegistrationID string `xml:"registrationID,omitempty"`
}

// Notification is the closed set of inbound message variants.
type Notification interface {
	MessageType() string
}

// ProbeSolicitation is the gateway keep-alive. Only the fields a probe
// response may carry are decoded; everything else is dropped here.
type ProbeSolicitation struct {
	MsgHeader *MsgHeader `xml:"msgHeader"`
	Sequence  *string    `xml:"sequence"`
	Interval  *int       `xml:"interval"`
}

func (ProbeSolicitation) MessageType() string { return TypeSolicitProbing }

// Response builds the filtered ResponseXmfProbing for this probe.
func (p *ProbeSolicitation) Response() *ProbeResponse {
	return &ProbeResponse{MsgHeader: p.MsgHeader, Sequence: p.Sequence, Interval: p.Interval}
}

// ProbeResponse answers a ProbeSolicitation.
type ProbeResponse struct {
	XMLName   xml.Name   `xml:"http://www.cisco.com/schema/cisco_xmf/v1_0 ResponseXmfProbing"`
	MsgHeader *MsgHeader `xml:"msgHeader,omitempty"`
	Sequence  *string    `xml:"sequence,omitempty"`
	Interval  *int       `xml:"interval,omitempty"`
}

// UnregisterSolicitation is sent when the gateway tears the registration down.
type UnregisterSolicitation struct {
	MsgHeader *MsgHeader `xml:"msgHeader"`
}

func (UnregisterSolicitation) MessageType() string { return TypeSolicitUnregister }

// Response acknowledges the unregister request.
func (u *UnregisterSolicitation) Response() *UnregisterResponse {
	return &UnregisterResponse{MsgHeader: u.MsgHeader}
}

// UnregisterResponse answers an UnregisterSolicitation.
type UnregisterResponse struct {
	XMLName   xml.Name   `xml:"http://www.cisco.com/schema/cisco_xmf/v1_0 ResponseXmfProviderUnRegister"`
	MsgHeader *MsgHeader `xml:"msgHeader,omitempty"`
}

// ProviderStatus is informational.
type ProviderStatus struct {
	MsgHeader      *MsgHeader `xml:"msgHeader"`
	ProviderStatus string     `xml:"providerStatus"`
}

func (ProviderStatus) MessageType() string { return TypeNotifyProviderStatus }

// CallData carries the call level identifiers.
type CallData struct {
	CallID string `xml:"callID"`
	State  string `xml:"state"`
}

// CallDataNotification reports call and media forking state.
type CallDataNotification struct {
	MsgHeader  *MsgHeader `xml:"msgHeader"`
	CallData   CallData   `xml:"callData"`
	MediaEvent struct {
		MediaForking struct {
			State string `xml:"mediaForkingState"`
		} `xml:"mediaForking"`
	} `xml:"mediaEvent"`
}

func (CallDataNotification) MessageType() string { return TypeNotifyCallData }

// ForkingState returns the reported media forking state, if any.
func (n *CallDataNotification) ForkingState() string {
	return n.MediaEvent.MediaForking.State
}

// AddrData is a party address.
type AddrData struct {
	Type string `xml:"type"`
	Addr string `xml:"addr"`
}

// ConnDetailData is the detail block of a CONNECTED event.
type ConnDetailData struct {
	GUID          string   `xml:"guid"`
	Direction     string   `xml:"connDirectionType"`
	CallingAddr   AddrData `xml:"callingAddrData"`
	CalledAddr    AddrData `xml:"calledAddrData"`
	OrigCalledRaw string   `xml:"origCalledAddrData>addr"`
}

// ConnectionDataNotification reports a call leg state change.
type ConnectionDataNotification struct {
	MsgHeader *MsgHeader `xml:"msgHeader"`
	CallData  CallData   `xml:"callData"`
	ConnData  struct {
		ConnID string `xml:"connID"`
		State  string `xml:"state"`
	} `xml:"connData"`
	Event struct {
		Connected *struct {
			Detail ConnDetailData `xml:"connDetailData"`
		} `xml:"connected"`
	} `xml:"event"`
}

func (ConnectionDataNotification) MessageType() string { return TypeNotifyConnectionData }

// State is the connection state of the leg.
func (n *ConnectionDataNotification) State() string {
	return strings.ToUpper(strings.TrimSpace(n.ConnData.State))
}

// Detail returns the CONNECTED detail block, or nil when absent.
func (n *ConnectionDataNotification) Detail() *ConnDetailData {
	if n.Event.Connected == nil {
		return nil
	}
	return &n.Event.Connected.Detail
}

// UnknownNotification is any body element this server does not handle.
type UnknownNotification struct {
	Type string
}

func (u UnknownNotification) MessageType() string { return u.Type }

// Decode parses a SOAP document into its envelope and typed notification.
func Decode(data []byte) (*Envelope, Notification, error) {
	env, msgType, err := ParseEnvelope(data)
	if err != nil {
		return nil, nil, err
	}

	var n Notification
	switch msgType {
	case TypeSolicitProbing:
		n = &ProbeSolicitation{}
	case TypeSolicitUnregister:
		n = &UnregisterSolicitation{}
	case TypeNotifyProviderStatus:
		n = &ProviderStatus{}
	case TypeNotifyCallData:
		n = &CallDataNotification{}
	case TypeNotifyConnectionData:
		n = &ConnectionDataNotification{}
	default:
		return env, UnknownNotification{Type: msgType}, nil
	}

	if err := env.DecodeBody(n); err != nil {
		return env, nil, err
	}
	return env, n, nil
}

var guidHexPrefix = regexp.MustCompile(`-?0x`)

// NormalizeGUID strips the hex markers the gateway embeds in call GUIDs,
// e.g. "0x12-0xAB" becomes "12AB".
func NormalizeGUID(guid string) string {
	return guidHexPrefix.ReplaceAllString(strings.TrimSpace(guid), "")
}

// Endpoint is an RTP destination for a forked stream.
type Endpoint struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Address, e.Port)
}

// Validate checks that the endpoint can be handed to a gateway.
func (e Endpoint) Validate() error {
	if strings.TrimSpace(e.Address) == "" {
		return fmt.Errorf("missing address")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}
	return nil
}

// RegisterRequest subscribes this application to a gateway's XMF events.
type RegisterRequest struct {
	XMLName         xml.Name  `xml:"http://www.cisco.com/schema/cisco_xmf/v1_0 RequestXmfRegister"`
	MsgHeader       MsgHeader `xml:"msgHeader"`
	ApplicationData struct {
		Name string `xml:"name"`
		URL  string `xml:"url"`
	} `xml:"applicationData"`
	ProviderData struct {
		URL string `xml:"url"`
	} `xml:"providerData"`
	ConnectionEventsFilter string `xml:"connectionEventsFilter"`
	MediaEventsFilter      string `xml:"mediaEventsFilter"`
}

// RegisterResponse carries the registration id to use in later requests.
type RegisterResponse struct {
	MsgHeader MsgHeader `xml:"msgHeader"`
}

// ForkTarget is one forked stream destination.
type ForkTarget struct {
	IPv4 string `xml:"ipv4"`
	Port int    `xml:"port"`
}

// ForkingTargets holds the destinations of both forked streams.
type ForkingTargets struct {
	NearEnd ForkTarget `xml:"nearEndAddr"`
	FarEnd  ForkTarget `xml:"farEndAddr"`
}

// MediaForkingRequest enables or disables forking on a call.
type MediaForkingRequest struct {
	XMLName   xml.Name  `xml:"http://www.cisco.com/schema/cisco_xmf/v1_0 RequestXmfCallMediaForking"`
	MsgHeader MsgHeader `xml:"msgHeader"`
	CallID    string    `xml:"callID"`
	Action    struct {
		Enable  *ForkingTargets `xml:"enableMediaForking,omitempty"`
		Disable *struct{}       `xml:"disableMediaForking,omitempty"`
	} `xml:"action"`
}
