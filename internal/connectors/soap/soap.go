// Package soap implements SOAP 1.1 calls on top of the REST transport, so
// authentication and rate limiting behave the same for both kinds.
package soap

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"

	"github.com/opsai/opsai-connect/internal/connectors/registry"
	"github.com/opsai/opsai-connect/internal/connectors/rest"
	"github.com/opsai/opsai-connect/internal/metrics"
)

const envelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"

type Connector struct {
	*rest.Connector
	cfg registry.Config
}

func New(cfg registry.Config, opts rest.Options) (*Connector, error) {
	inner, err := rest.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	return &Connector{Connector: inner, cfg: inner.Config()}, nil
}

func NewConstructor(opts rest.Options) registry.Constructor {
	return func(t registry.Target) (registry.Connector, error) {
		return New(t.Config, opts)
	}
}

func (c *Connector) Kind() registry.Kind { return registry.KindSOAP }

// ExecuteRequest posts an envelope for req.Action. Data may be raw XML
// (string or []byte) or a map of simple values, which becomes child elements
// of the operation element. The response body is returned as JSON.
func (c *Connector) ExecuteRequest(ctx context.Context, req registry.Request) (*registry.Response, error) {
	action := strings.TrimSpace(req.Action)
	if action == "" {
		action = strings.TrimSpace(req.Endpoint)
	}
	if action == "" {
		return nil, registry.NewError(registry.CodeValidation, "missing_action", "soap requests require an action")
	}

	body, err := c.envelope(action, req.Data)
	if err != nil {
		return nil, err
	}

	path := c.cfg.SOAP.Path
	if req.Action != "" && strings.HasPrefix(req.Endpoint, "/") {
		path = req.Endpoint
	}
	headers := map[string]string{"SOAPAction": `"` + action + `"`, "Accept": "text/xml"}
	for k, v := range req.Headers {
		headers[k] = v
	}

	resp, err := c.Do(ctx, rest.RawRequest{
		Method:      http.MethodPost,
		Endpoint:    path,
		Headers:     headers,
		Body:        body,
		ContentType: "text/xml; charset=utf-8",
	})
	if err != nil {
		c.count(err)
		return nil, err
	}

	env, parseErr := parseEnvelope(resp.Body)
	if parseErr == nil && env.Body.Fault != nil {
		e := env.Body.Fault.toError(resp.Status)
		c.count(e)
		return registry.Failed(resp.Status, resp.Header, e), e
	}
	if resp.Status < 200 || resp.Status > 299 {
		e := registry.ErrorFromStatus(resp.Status, resp.Header, string(resp.Body))
		c.count(e)
		return registry.Failed(resp.Status, resp.Header, e), e
	}
	if parseErr != nil {
		e := registry.WrapError(registry.CodeValidation, "invalid_response", parseErr)
		c.count(e)
		return nil, e
	}

	data, err := xmlToJSON(env.Body.Content)
	if err != nil {
		e := registry.WrapError(registry.CodeValidation, "invalid_response", err)
		c.count(e)
		return nil, e
	}
	c.count(nil)
	return &registry.Response{Success: true, Status: resp.Status, Headers: resp.Header, Data: data}, nil
}

func (c *Connector) envelope(action string, data any) ([]byte, error) {
	var inner []byte
	switch v := data.(type) {
	case nil:
	case string:
		inner = []byte(v)
	case []byte:
		inner = v
	case map[string]any:
		var b bytes.Buffer
		op := operationName(action)
		b.WriteString("<" + op)
		if ns := c.cfg.SOAP.Namespace; ns != "" {
			b.WriteString(` xmlns="`)
			_ = xml.EscapeText(&b, []byte(ns))
			b.WriteString(`"`)
		}
		b.WriteString(">")
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if !validElementName(k) {
				return nil, registry.NewError(registry.CodeValidation, "invalid_payload", fmt.Sprintf("invalid element name %q", k))
			}
			b.WriteString("<" + k + ">")
			_ = xml.EscapeText(&b, []byte(fmt.Sprint(v[k])))
			b.WriteString("</" + k + ">")
		}
		b.WriteString("</" + op + ">")
		inner = b.Bytes()
	default:
		return nil, registry.NewError(registry.CodeValidation, "invalid_payload", fmt.Sprintf("unsupported soap payload %T", data))
	}

	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<soap:Envelope xmlns:soap="` + envelopeNS + `"><soap:Body>`)
	b.Write(inner)
	b.WriteString(`</soap:Body></soap:Envelope>`)
	return b.Bytes(), nil
}

func (c *Connector) count(err error) {
	code := "OK"
	if err != nil {
		code = string(registry.CodeOf(err))
	}
	metrics.ConnectorRequestsTotal.WithLabelValues(string(registry.KindSOAP), c.cfg.Name, code).Inc()
}

type envelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault   *fault `xml:"Fault"`
		Content []byte `xml:",innerxml"`
	} `xml:"Body"`
}

type fault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
	Detail string `xml:"detail"`
}

func (f *fault) toError(status int) *registry.Error {
	code := registry.CodeConnector
	// SOAP 1.1 "Client" faults mean the request itself was wrong.
	if strings.HasSuffix(strings.TrimSpace(f.Code), "Client") {
		code = registry.CodeValidation
	}
	msg := strings.TrimSpace(f.String)
	if msg == "" {
		msg = "soap fault"
	}
	return &registry.Error{Code: code, Reason: "soap_fault", Status: status, Message: fmt.Sprintf("%s: %s", strings.TrimSpace(f.Code), msg)}
}

func parseEnvelope(raw []byte) (*envelope, error) {
	var env envelope
	if err := xml.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// xmlToJSON converts an XML fragment into nested JSON objects. Repeated
// elements become arrays, attributes are prefixed with "@" and leaf text is a
// plain string.
func xmlToJSON(fragment []byte) (json.RawMessage, error) {
	dec := xml.NewDecoder(bytes.NewReader(fragment))
	root := map[string]any{}
	if err := decodeChildren(dec, root); err != nil && err != io.EOF {
		return nil, err
	}
	return json.Marshal(root)
}

func decodeChildren(dec *xml.Decoder, into map[string]any) error {
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeElement(dec, t)
			if err != nil {
				return err
			}
			addChild(into, t.Name.Local, v)
		case xml.EndElement:
			return nil
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	node := map[string]any{}
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
			continue
		}
		node["@"+a.Name.Local] = a.Value
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(node, t.Name.Local, v)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			s := strings.TrimSpace(text.String())
			if len(node) == 0 {
				return s, nil
			}
			if s != "" {
				node["#text"] = s
			}
			return node, nil
		}
	}
}

func addChild(node map[string]any, name string, v any) {
	existing, ok := node[name]
	if !ok {
		node[name] = v
		return
	}
	if list, ok := existing.([]any); ok {
		node[name] = append(list, v)
		return
	}
	node[name] = []any{existing, v}
}

func operationName(action string) string {
	action = strings.TrimRight(action, "/")
	if i := strings.LastIndexAny(action, "/#:"); i >= 0 {
		action = action[i+1:]
	}
	return action
}

func validElementName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'):
		case i > 0 && (r == '-' || r == '.' || (r >= '0' && r <= '9')):
		default:
			return false
		}
	}
	return true
}
