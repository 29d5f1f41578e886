// Package igdtest provides an in-process Internet Gateway Device for tests.
package igdtest

import (
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
)

// Service types an IGD can expose.
const (
	WANIPConnection  = "urn:schemas-upnp-org:service:WANIPConnection:1"
	WANPPPConnection = "urn:schemas-upnp-org:service:WANPPPConnection:1"
)

// Events recorded in the IGD log besides SOAP action names.
const (
	EventSearch   = "M-SEARCH"
	EventDescribe = "DESCRIBE"
)

// Mapping is one entry of the IGD's NAT table.
type Mapping struct {
	ExternalPort   uint16
	Protocol       string
	InternalClient string
	InternalPort   uint16
	Description    string
	LeaseDuration  uint32
}

// Options shape the device description.
type Options struct {
	// ServiceType defaults to WANIPConnection.
	ServiceType string
	// URLBase adds a <URLBase> naming the HTTP server.
	URLBase bool
	// AbsoluteControlURL writes the control URL with scheme and host.
	AbsoluteControlURL bool
	// BareInvalidIndex answers enumeration past the end with an empty HTTP 500.
	BareInvalidIndex bool
	// EndOfTableCode is the UPnP error code sent past the end of the
	// mapping table. Zero means 713.
	EndOfTableCode int
	// SparseEntries leaves the lease and description out of
	// GetSpecificPortMappingEntry responses.
	SparseEntries bool
}

// IGD answers SSDP searches on a loopback UDP socket and serves its device
// description and SOAP control endpoint over HTTP.
type IGD struct {
	mu sync.Mutex

	ssdp    net.PacketConn
	httpSrv *httptest.Server
	opts    Options

	mappings   []Mapping
	log        []string
	externalIP string
	silent     bool // ignore M-SEARCH
	rejectAdds bool // fault every AddPortMapping
	dropAdds   bool // acknowledge AddPortMapping without storing it

	conns  atomic.Int64
	closed atomic.Bool
}

// New starts an IGD.
func New(opts Options) (*IGD, error) {
	if opts.ServiceType == "" {
		opts.ServiceType = WANIPConnection
	}
	if opts.EndOfTableCode == 0 {
		opts.EndOfTableCode = 713
	}
	igd := &IGD{opts: opts, externalIP: "203.0.113.5"}

	var err error
	igd.ssdp, err = net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	igd.httpSrv = httptest.NewUnstartedServer(http.HandlerFunc(igd.serveHTTP))
	igd.httpSrv.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			igd.conns.Add(1)
		}
	}
	igd.httpSrv.Start()

	go igd.serveSSDP()
	return igd, nil
}

// Close shuts the IGD down.
func (igd *IGD) Close() error {
	igd.closed.Store(true)
	igd.ssdp.Close()
	igd.httpSrv.Close()
	return nil
}

// SSDPAddr is where M-SEARCH must be sent.
func (igd *IGD) SSDPAddr() netip.AddrPort {
	return igd.ssdp.LocalAddr().(*net.UDPAddr).AddrPort()
}

// HTTPAddr is the address of the description and control server.
func (igd *IGD) HTTPAddr() netip.AddrPort {
	return netip.MustParseAddrPort(strings.TrimPrefix(igd.httpSrv.URL, "http://"))
}

// Connections is the number of TCP connections accepted so far.
func (igd *IGD) Connections() int {
	return int(igd.conns.Load())
}

// Log returns every search, description fetch and SOAP action in order.
func (igd *IGD) Log() []string {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	return append([]string(nil), igd.log...)
}

// Count returns how often event appears in the log.
func (igd *IGD) Count(event string) int {
	n := 0
	for _, e := range igd.Log() {
		if e == event {
			n++
		}
	}
	return n
}

// ResetLog clears the event log.
func (igd *IGD) ResetLog() {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.log = nil
}

// Mappings returns a copy of the NAT table.
func (igd *IGD) Mappings() []Mapping {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	return append([]Mapping(nil), igd.mappings...)
}

// SetMappings replaces the NAT table.
func (igd *IGD) SetMappings(m ...Mapping) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.mappings = append([]Mapping(nil), m...)
}

// SetSilent makes the IGD ignore M-SEARCH requests.
func (igd *IGD) SetSilent(silent bool) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.silent = silent
}

// SetRejectAdds makes every AddPortMapping fail with error 718.
func (igd *IGD) SetRejectAdds(reject bool) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.rejectAdds = reject
}

// SetDropAdds makes AddPortMapping succeed without changing the table.
func (igd *IGD) SetDropAdds(drop bool) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.dropAdds = drop
}

func (igd *IGD) record(event string) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.log = append(igd.log, event)
}

func (igd *IGD) serveSSDP() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := igd.ssdp.ReadFrom(buf)
		if err != nil {
			if igd.closed.Load() {
				return
			}
			continue
		}
		if !strings.HasPrefix(string(buf[:n]), "M-SEARCH") {
			continue
		}
		igd.record(EventSearch)

		igd.mu.Lock()
		silent := igd.silent
		igd.mu.Unlock()
		if silent {
			continue
		}
		igd.ssdp.WriteTo(igd.searchResponse(), addr)
	}
}

func (igd *IGD) searchResponse() []byte {
	return []byte("HTTP/1.1 200 OK\r\n" +
		"CACHE-CONTROL: max-age=120\r\n" +
		"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
		"USN: uuid:test-igd-1234::urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
		"EXT:\r\n" +
		"SERVER: TestIGD/1.0 UPnP/1.0\r\n" +
		"Location: " + igd.httpSrv.URL + "/rootDesc.xml\r\n" +
		"\r\n")
}

func (igd *IGD) serveHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/rootDesc.xml":
		igd.record(EventDescribe)
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, igd.description())
	case r.Method == http.MethodPost && r.URL.Path == "/ctl/IPConn":
		igd.handleAction(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (igd *IGD) description() string {
	var base, control string
	if igd.opts.URLBase {
		base = "<URLBase>" + igd.httpSrv.URL + "/</URLBase>\r\n"
	}
	control = "/ctl/IPConn"
	if igd.opts.AbsoluteControlURL {
		control = igd.httpSrv.URL + control
	}
	return `<?xml version="1.0"?>` + "\r\n" +
		`<root xmlns="urn:schemas-upnp-org:device-1-0">` + "\r\n" +
		"<specVersion><major>1</major><minor>0</minor></specVersion>\r\n" +
		base +
		"<device>\r\n" +
		"<deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>\r\n" +
		"<friendlyName>Test IGD</friendlyName>\r\n" +
		"<serviceList><service>\r\n" +
		"<serviceType>urn:schemas-upnp-org:service:Layer3Forwarding:1</serviceType>\r\n" +
		"<controlURL>/ctl/L3F</controlURL>\r\n" +
		"</service></serviceList>\r\n" +
		"<deviceList><device>\r\n" +
		"<deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>\r\n" +
		"<deviceList><device>\r\n" +
		"<deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>\r\n" +
		"<serviceList><service>\r\n" +
		"<serviceType>" + igd.opts.ServiceType + "</serviceType>\r\n" +
		"<serviceId>urn:upnp-org:serviceId:WANIPConn1</serviceId>\r\n" +
		"<controlURL>" + control + "</controlURL>\r\n" +
		"<eventSubURL>/evt/IPConn</eventSubURL>\r\n" +
		"</service></serviceList>\r\n" +
		"</device></deviceList>\r\n" +
		"</device></deviceList>\r\n" +
		"</device>\r\n" +
		"</root>\r\n"
}

type actionArgs struct {
	XMLName        xml.Name
	ExternalPort   uint16 `xml:"NewExternalPort"`
	Protocol       string `xml:"NewProtocol"`
	InternalPort   uint16 `xml:"NewInternalPort"`
	InternalClient string `xml:"NewInternalClient"`
	Description    string `xml:"NewPortMappingDescription"`
	LeaseDuration  uint32 `xml:"NewLeaseDuration"`
	Index          int    `xml:"NewPortMappingIndex"`
}

type actionEnvelope struct {
	Body struct {
		Action actionArgs `xml:",any"`
	} `xml:"Body"`
}

func (igd *IGD) handleAction(w http.ResponseWriter, r *http.Request) {
	var env actionEnvelope
	if err := xml.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	args := env.Body.Action
	action := args.XMLName.Local

	header := strings.Trim(r.Header.Get("SOAPAction"), `"`)
	if header != igd.opts.ServiceType+"#"+action {
		igd.fault(w, 401, "Invalid Action")
		return
	}
	igd.record(action)

	igd.mu.Lock()
	defer igd.mu.Unlock()

	switch action {
	case "GetSpecificPortMappingEntry":
		i := igd.find(args.ExternalPort, args.Protocol)
		if i < 0 {
			igd.fault(w, 714, "NoSuchEntryInArray")
			return
		}
		m := igd.mappings[i]
		if igd.opts.SparseEntries {
			igd.respond(w, action,
				"<NewInternalPort>%d</NewInternalPort>\r\n"+
					"<NewInternalClient>%s</NewInternalClient>\r\n",
				m.InternalPort, m.InternalClient)
			return
		}
		igd.respond(w, action,
			"<NewInternalPort>%d</NewInternalPort>\r\n"+
				"<NewInternalClient>%s</NewInternalClient>\r\n"+
				"<NewEnabled>1</NewEnabled>\r\n"+
				"<NewPortMappingDescription>%s</NewPortMappingDescription>\r\n"+
				"<NewLeaseDuration>%d</NewLeaseDuration>\r\n",
			m.InternalPort, m.InternalClient, m.Description, m.LeaseDuration)

	case "AddPortMapping":
		if igd.rejectAdds {
			igd.fault(w, 718, "ConflictInMappingEntry")
			return
		}
		if !igd.dropAdds {
			m := Mapping{
				ExternalPort:   args.ExternalPort,
				Protocol:       args.Protocol,
				InternalClient: args.InternalClient,
				InternalPort:   args.InternalPort,
				Description:    args.Description,
				LeaseDuration:  args.LeaseDuration,
			}
			if i := igd.find(args.ExternalPort, args.Protocol); i >= 0 {
				igd.mappings[i] = m
			} else {
				igd.mappings = append(igd.mappings, m)
			}
		}
		igd.respond(w, action, "")

	case "DeletePortMapping":
		i := igd.find(args.ExternalPort, args.Protocol)
		if i < 0 {
			igd.fault(w, 714, "NoSuchEntryInArray")
			return
		}
		igd.mappings = append(igd.mappings[:i], igd.mappings[i+1:]...)
		igd.respond(w, action, "")

	case "GetGenericPortMappingEntry":
		if args.Index < 0 || args.Index >= len(igd.mappings) {
			if igd.opts.BareInvalidIndex {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			igd.fault(w, igd.opts.EndOfTableCode, "SpecifiedArrayIndexInvalid")
			return
		}
		m := igd.mappings[args.Index]
		igd.respond(w, action,
			"<NewRemoteHost></NewRemoteHost>\r\n"+
				"<NewExternalPort>%d</NewExternalPort>\r\n"+
				"<NewProtocol>%s</NewProtocol>\r\n"+
				"<NewInternalPort>%d</NewInternalPort>\r\n"+
				"<NewInternalClient>%s</NewInternalClient>\r\n"+
				"<NewEnabled>1</NewEnabled>\r\n"+
				"<NewPortMappingDescription>%s</NewPortMappingDescription>\r\n"+
				"<NewLeaseDuration>%d</NewLeaseDuration>\r\n",
			m.ExternalPort, m.Protocol, m.InternalPort, m.InternalClient, m.Description, m.LeaseDuration)

	case "GetExternalIPAddress":
		igd.respond(w, action, "<NewExternalIPAddress>%s</NewExternalIPAddress>\r\n", igd.externalIP)

	default:
		igd.fault(w, 401, "Invalid Action")
	}
}

func (igd *IGD) find(port uint16, protocol string) int {
	for i, m := range igd.mappings {
		if m.ExternalPort == port && strings.EqualFold(m.Protocol, protocol) {
			return i
		}
	}
	return -1
}

func (igd *IGD) respond(w http.ResponseWriter, action, format string, args ...any) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	fmt.Fprintf(w, "<?xml version=\"1.0\"?>\r\n"+
		"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\r\n"+
		"<s:Body>\r\n"+
		"<u:%sResponse xmlns:u=\"%s\">\r\n", action, igd.opts.ServiceType)
	fmt.Fprintf(w, format, args...)
	fmt.Fprintf(w, "</u:%sResponse>\r\n</s:Body>\r\n</s:Envelope>\r\n", action)
}

func (igd *IGD) fault(w http.ResponseWriter, code int, desc string) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, "<?xml version=\"1.0\"?>\r\n"+
		"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\" s:encodingStyle=\"http://schemas.xmlsoap.org/soap/encoding/\">\r\n"+
		"<s:Body>\r\n<s:Fault>\r\n"+
		"<faultcode>s:Client</faultcode>\r\n<faultstring>UPnPError</faultstring>\r\n"+
		"<detail>\r\n<UPnPError xmlns=\"urn:schemas-upnp-org:control-1-0\">\r\n"+
		"<errorCode>%d</errorCode>\r\n<errorDescription>%s</errorDescription>\r\n"+
		"</UPnPError>\r\n</detail>\r\n</s:Fault>\r\n</s:Body>\r\n</s:Envelope>\r\n", code, desc)
}
