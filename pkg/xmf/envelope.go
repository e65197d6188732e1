package xmf

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

const (
	// Namespace is the XMF schema namespace carried by every body element.
	Namespace = "http://www.cisco.com/schema/cisco_xmf/v1_0"
	// SOAPNamespace is the SOAP 1.2 envelope namespace used by the gateway WSAPI.
	SOAPNamespace = "http://www.w3.org/2003/05/soap-envelope"
	// ContentType is sent on every outbound request and reply.
	ContentType = "application/soap+xml; charset=utf-8"
)

var (
	// ErrMalformed is returned when a document is not a SOAP envelope with a body element.
	ErrMalformed = errors.New("malformed xmf message")
)

// Envelope is the SOAP transport wrapper around an XMF body element.
type Envelope struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Header  *RawXML    `xml:"Header"`
	Body    RawXML     `xml:"Body"`
}

// RawXML keeps the inner markup of an element untouched.
type RawXML struct {
	Attrs []xml.Attr `xml:",any,attr"`
	Inner []byte     `xml:",innerxml"`
}

// namespaceDecls returns the xmlns declarations among attrs in a form the
// encoder writes back verbatim. The default namespace is kept only when
// keepDefault is set; the envelope's own default comes from its XMLName.
func namespaceDecls(attrs []xml.Attr, keepDefault bool) []xml.Attr {
	var out []xml.Attr
	for _, a := range attrs {
		switch {
		case a.Name.Space == "xmlns":
			out = append(out, xml.Attr{Name: xml.Name{Local: "xmlns:" + a.Name.Local}, Value: a.Value})
		case keepDefault && a.Name.Space == "" && a.Name.Local == "xmlns":
			out = append(out, a)
		}
	}
	return out
}

// NewEnvelope wraps body in an empty SOAP 1.2 envelope.
func NewEnvelope(body any) ([]byte, error) {
	env := &Envelope{XMLName: xml.Name{Space: SOAPNamespace, Local: "Envelope"}}
	return env.Reply(body)
}

// Reply marshals body inside a copy of this envelope, keeping its namespace
// and header. Prefix declarations of the envelope and header are repeated so
// the echoed header stays well formed.
func (e *Envelope) Reply(body any) ([]byte, error) {
	inner, err := xml.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	out := Envelope{
		XMLName: e.XMLName,
		Attrs:   namespaceDecls(e.Attrs, false),
		Body:    RawXML{Inner: inner},
	}
	if e.Header != nil {
		out.Header = &RawXML{Attrs: namespaceDecls(e.Header.Attrs, true), Inner: e.Header.Inner}
	}
	if out.XMLName.Local == "" {
		out.XMLName = xml.Name{Space: SOAPNamespace, Local: "Envelope"}
	}
	data, err := xml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append([]byte(xml.Header), data...), nil
}

// ParseEnvelope decodes the SOAP wrapper and returns the local name of the body element.
func ParseEnvelope(data []byte) (*Envelope, string, error) {
	env := &Envelope{}
	if err := xml.Unmarshal(data, env); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.XMLName.Local != "Envelope" {
		return nil, "", fmt.Errorf("%w: root element %q", ErrMalformed, env.XMLName.Local)
	}
	start, err := bodyElement(env.Body.Inner)
	if err != nil {
		return nil, "", err
	}
	return env, start.Name.Local, nil
}

// DecodeBody unmarshals the first body element into v.
func (e *Envelope) DecodeBody(v any) error {
	dec := xml.NewDecoder(bytes.NewReader(e.Body.Inner))
	start, err := nextStart(dec)
	if err != nil {
		return err
	}
	if err := dec.DecodeElement(v, &start); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, start.Name.Local, err)
	}
	return nil
}

func bodyElement(inner []byte) (xml.StartElement, error) {
	return nextStart(xml.NewDecoder(bytes.NewReader(inner)))
}

func nextStart(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return xml.StartElement{}, fmt.Errorf("%w: empty body", ErrMalformed)
		}
		if err != nil {
			return xml.StartElement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se, nil
		}
	}
}
