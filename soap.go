package upnp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
)

const (
	actionAddPortMapping     = "AddPortMapping"
	actionGetSpecificMapping = "GetSpecificPortMappingEntry"
	actionDeletePortMapping  = "DeletePortMapping"
	actionGetGenericMapping  = "GetGenericPortMappingEntry"
	actionGetExternalIP      = "GetExternalIPAddress"
)

// SOAPError is a failure reported by the gateway for one action.
type SOAPError struct {
	Action      string
	Code        int
	Description string
	HTTPStatus  int
}

func (e *SOAPError) Error() string {
	switch {
	case e.Code != 0 && e.Description != "":
		return fmt.Sprintf("%s: UPnP error %d: %s", e.Action, e.Code, e.Description)
	case e.Code != 0:
		return fmt.Sprintf("%s: UPnP error %d", e.Action, e.Code)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Action, e.HTTPStatus)
	}
}

func (e *SOAPError) Unwrap() error { return ErrSOAPAction }

// IsNoSuchEntry reports whether the gateway has no mapping for the queried port.
func (e *SOAPError) IsNoSuchEntry() bool {
	return e.Code == ErrCodeNoSuchEntryInArray
}

// IsInvalidIndex reports whether an enumeration ran past the end of the
// mapping table. IGDs disagree on the error code for that, and some send a
// bare HTTP 500, so any 500 counts.
func (e *SOAPError) IsInvalidIndex() bool {
	switch e.Code {
	case ErrCodeSpecifiedArrayIndexInvalid, ErrCodeInvalidAction:
		return true
	}
	return e.HTTPStatus == http.StatusInternalServerError
}

type soapRequestEnvelope struct {
	XMLName  xml.Name        `xml:"s:Envelope"`
	XMLNS    string          `xml:"xmlns:s,attr"`
	Encoding string          `xml:"s:encodingStyle,attr"`
	Body     soapRequestBody `xml:"s:Body"`
}

type soapRequestBody struct {
	Action any `xml:",any"`
}

type addPortMappingRequest struct {
	XMLName                xml.Name `xml:"u:AddPortMapping"`
	XMLNS                  string   `xml:"xmlns:u,attr"`
	RemoteHost             string   `xml:"NewRemoteHost"`
	ExternalPort           uint16   `xml:"NewExternalPort"`
	Protocol               Protocol `xml:"NewProtocol"`
	InternalPort           uint16   `xml:"NewInternalPort"`
	InternalClient         string   `xml:"NewInternalClient"`
	Enabled                int      `xml:"NewEnabled"`
	PortMappingDescription string   `xml:"NewPortMappingDescription"`
	LeaseDuration          uint32   `xml:"NewLeaseDuration"`
}

type deletePortMappingRequest struct {
	XMLName      xml.Name `xml:"u:DeletePortMapping"`
	XMLNS        string   `xml:"xmlns:u,attr"`
	RemoteHost   string   `xml:"NewRemoteHost"`
	ExternalPort uint16   `xml:"NewExternalPort"`
	Protocol     Protocol `xml:"NewProtocol"`
}

type getSpecificPortMappingRequest struct {
	XMLName      xml.Name `xml:"u:GetSpecificPortMappingEntry"`
	XMLNS        string   `xml:"xmlns:u,attr"`
	RemoteHost   string   `xml:"NewRemoteHost"`
	ExternalPort uint16   `xml:"NewExternalPort"`
	Protocol     Protocol `xml:"NewProtocol"`
}

type getGenericPortMappingRequest struct {
	XMLName xml.Name `xml:"u:GetGenericPortMappingEntry"`
	XMLNS   string   `xml:"xmlns:u,attr"`
	Index   int      `xml:"NewPortMappingIndex"`
}

type getExternalIPRequest struct {
	XMLName xml.Name `xml:"u:GetExternalIPAddress"`
	XMLNS   string   `xml:"xmlns:u,attr"`
}

func soapEnvelope(action any) ([]byte, error) {
	env := soapRequestEnvelope{
		XMLNS:    "http://schemas.xmlsoap.org/soap/envelope/",
		Encoding: "http://schemas.xmlsoap.org/soap/encoding/",
		Body:     soapRequestBody{Action: action},
	}
	marshaled, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal SOAP request: %w", err)
	}
	return append([]byte(xml.Header), marshaled...), nil
}

// Response tags read back from the gateway.
const (
	tagInternalClient = "NewInternalClient"
	tagInternalPort   = "NewInternalPort"
	tagExternalPort   = "NewExternalPort"
	tagProtocol       = "NewProtocol"
	tagLeaseDuration  = "NewLeaseDuration"
	tagDescription    = "NewPortMappingDescription"
	tagExternalIP     = "NewExternalIPAddress"
)

type soapField struct {
	tag      string
	value    string
	seen     bool
	required bool
}

// soapAccumulator collects the fields of one response. Routers split and
// order the body arbitrarily, so each field is looked for in everything read
// so far and recorded only once.
type soapAccumulator struct {
	action string
	fields []soapField
	text   strings.Builder

	responseSeen bool
	errorCode    int
	errorDesc    string
	faulted      bool
}

// newSOAPAccumulator expects every tag in the response.
func newSOAPAccumulator(action string, tags ...string) *soapAccumulator {
	a := &soapAccumulator{action: action}
	for _, tag := range tags {
		a.fields = append(a.fields, soapField{tag: tag, required: true})
	}
	return a
}

// optional adds tags that are read when present. Their absence does not make
// the response incomplete.
func (a *soapAccumulator) optional(tags ...string) *soapAccumulator {
	for _, tag := range tags {
		a.fields = append(a.fields, soapField{tag: tag})
	}
	return a
}

// feed consumes one line and reports whether nothing more is needed.
func (a *soapAccumulator) feed(line string) bool {
	a.text.WriteString(line)
	text := a.text.String()

	if !a.faulted {
		if code, ok := tagContent(text, "errorCode"); ok {
			a.faulted = true
			a.errorCode, _ = strconv.Atoi(code)
		}
	}
	if a.faulted {
		if desc, ok := tagContent(text, "errorDescription"); ok {
			a.errorDesc = desc
			return true
		}
		return false
	}

	if !a.responseSeen && strings.Contains(text, a.action+"Response") {
		a.responseSeen = true
	}
	for i := range a.fields {
		f := &a.fields[i]
		if f.seen {
			continue
		}
		if v, ok := tagContent(text, f.tag); ok {
			f.value, f.seen = v, true
		}
	}
	return a.responseSeen && a.allSeen(false)
}

// complete reports whether the response and every required field were seen.
func (a *soapAccumulator) complete() bool {
	return a.responseSeen && a.allSeen(true)
}

func (a *soapAccumulator) allSeen(requiredOnly bool) bool {
	for _, f := range a.fields {
		if !f.seen && (f.required || !requiredOnly) {
			return false
		}
	}
	return true
}

func (a *soapAccumulator) value(tag string) string {
	for _, f := range a.fields {
		if f.tag == tag {
			return f.value
		}
	}
	return ""
}

// result turns what was read into an error, if any.
func (a *soapAccumulator) result(status int) error {
	if a.faulted {
		return &SOAPError{Action: a.action, Code: a.errorCode, Description: a.errorDesc, HTTPStatus: status}
	}
	if status != http.StatusOK {
		return &SOAPError{Action: a.action, HTTPStatus: status}
	}
	if !a.complete() {
		var missing []string
		for _, f := range a.fields {
			if f.required && !f.seen {
				missing = append(missing, f.tag)
			}
		}
		if !a.responseSeen {
			missing = append(missing, a.action+"Response")
		}
		return fmt.Errorf("%s: %w: missing %s", a.action, ErrIncompleteResponse, strings.Join(missing, ", "))
	}
	return nil
}

// post sends one SOAP action to the gateway's control endpoint and reads the
// fields named by acc back from the response.
func (c *Client) post(ctx context.Context, info GatewayInfo, request any, acc *soapAccumulator, d deadline) error {
	payload, err := soapEnvelope(request)
	if err != nil {
		return err
	}
	loc := Location{Host: info.Host, Port: info.ActionPort, Path: info.ActionPath}
	req, err := newHTTPRequest(ctx, http.MethodPost, loc, payload)
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, info.ServiceType, acc.action))

	var status int
	err = c.session.roundTrip(ctx, netip.AddrPortFrom(info.Host, info.ActionPort), req, d, func(resp *http.Response) error {
		status = resp.StatusCode
		return scanLines(resp.Body, acc.feed)
	})
	if err == nil {
		err = acc.result(status)
	}

	var soapErr *SOAPError
	switch {
	case err == nil:
		c.metrics.soapAction(acc.action, "ok")
	case errors.As(err, &soapErr):
		c.metrics.soapAction(acc.action, "fault")
	default:
		c.metrics.soapAction(acc.action, "error")
	}
	if err != nil {
		c.log.Debug().Err(err).Str("action", acc.action).Msg("upnp: SOAP action failed")
	}
	return err
}

// addPortMapping asks the gateway to forward rule's port to client.
func (c *Client) addPortMapping(ctx context.Context, info GatewayInfo, rule Rule, client netip.Addr, d deadline) error {
	req := addPortMappingRequest{
		XMLNS:                  info.ServiceType,
		ExternalPort:           rule.Port,
		Protocol:               rule.Protocol,
		InternalPort:           rule.Port,
		InternalClient:         client.String(),
		Enabled:                1,
		PortMappingDescription: rule.Name,
		LeaseDuration:          rule.LeaseDuration,
	}
	return c.post(ctx, info, req, newSOAPAccumulator(actionAddPortMapping), d)
}

// getSpecificPortMapping looks up the mapping of one external port.
func (c *Client) getSpecificPortMapping(ctx context.Context, info GatewayInfo, port uint16, protocol Protocol, d deadline) (PortMapping, error) {
	req := getSpecificPortMappingRequest{
		XMLNS:        info.ServiceType,
		ExternalPort: port,
		Protocol:     protocol,
	}
	// Only the client is needed to verify a mapping.
	acc := newSOAPAccumulator(actionGetSpecificMapping, tagInternalClient).
		optional(tagInternalPort, tagLeaseDuration, tagDescription)
	if err := c.post(ctx, info, req, acc, d); err != nil {
		return PortMapping{}, err
	}
	m := PortMapping{
		ExternalPort:   port,
		Protocol:       protocol,
		InternalClient: acc.value(tagInternalClient),
		Description:    acc.value(tagDescription),
	}
	m.InternalPort = parseUint16(acc.value(tagInternalPort))
	m.LeaseDuration = parseUint32(acc.value(tagLeaseDuration))
	return m, nil
}

func (c *Client) deletePortMapping(ctx context.Context, info GatewayInfo, port uint16, protocol Protocol, d deadline) error {
	req := deletePortMappingRequest{
		XMLNS:        info.ServiceType,
		ExternalPort: port,
		Protocol:     protocol,
	}
	return c.post(ctx, info, req, newSOAPAccumulator(actionDeletePortMapping), d)
}

// getGenericPortMapping reads entry index of the gateway's mapping table.
func (c *Client) getGenericPortMapping(ctx context.Context, info GatewayInfo, index int, d deadline) (PortMapping, error) {
	req := getGenericPortMappingRequest{XMLNS: info.ServiceType, Index: index}
	acc := newSOAPAccumulator(actionGetGenericMapping, tagInternalClient, tagExternalPort, tagProtocol).
		optional(tagInternalPort, tagLeaseDuration, tagDescription)
	if err := c.post(ctx, info, req, acc, d); err != nil {
		return PortMapping{}, err
	}
	return PortMapping{
		Index:          index,
		ExternalPort:   parseUint16(acc.value(tagExternalPort)),
		InternalPort:   parseUint16(acc.value(tagInternalPort)),
		InternalClient: acc.value(tagInternalClient),
		Protocol:       Protocol(strings.ToUpper(acc.value(tagProtocol))),
		Description:    acc.value(tagDescription),
		LeaseDuration:  parseUint32(acc.value(tagLeaseDuration)),
	}, nil
}

func (c *Client) getExternalIP(ctx context.Context, info GatewayInfo, d deadline) (string, error) {
	acc := newSOAPAccumulator(actionGetExternalIP, tagExternalIP)
	if err := c.post(ctx, info, getExternalIPRequest{XMLNS: info.ServiceType}, acc, d); err != nil {
		return "", err
	}
	return acc.value(tagExternalIP), nil
}

func parseUint16(s string) uint16 {
	n, _ := strconv.ParseUint(s, 10, 16)
	return uint16(n)
}

func parseUint32(s string) uint32 {
	n, _ := strconv.ParseUint(s, 10, 32)
	return uint32(n)
}
