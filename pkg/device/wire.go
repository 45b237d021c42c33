package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"github.com/fortifleet/fortifleet/pkg/engine"
)

// envelope is the common FortiOS REST response wrapper.
type envelope struct {
	HTTPStatus       int             `json:"http_status"`
	Status           string          `json:"status"`
	VDOM             string          `json:"vdom"`
	Results          json.RawMessage `json:"results"`
	Error            json.RawMessage `json:"error,omitempty"`
	ErrorDescription string          `json:"error_description,omitempty"`
	CLIError         string          `json:"cli_error,omitempty"`
	MKey             json.RawMessage `json:"mkey,omitempty"`
}

// errorNumber returns the FortiOS internal error number, or 0.
func (e *envelope) errorNumber() int {
	var n int
	if len(e.Error) > 0 && json.Unmarshal(e.Error, &n) == nil {
		return n
	}
	return 0
}

// FortiOS internal error numbers the client maps to engine codes.
const (
	fosErrEntryNotFound = -3
	fosErrDuplicate     = -5
)

// nameRef is the {"name": ...} form FortiOS uses for table references.
type nameRef struct {
	Name string `json:"name"`
}

// nameList decodes a reference table that may be either ["a"] or [{"name":"a"}].
type nameList []string

func (l *nameList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var ref nameRef
		if err := json.Unmarshal(item, &ref); err != nil {
			return fmt.Errorf("unexpected reference entry %s: %w", item, err)
		}
		out = append(out, ref.Name)
	}
	*l = out
	return nil
}

func (l nameList) MarshalJSON() ([]byte, error) {
	refs := make([]nameRef, len(l))
	for i, n := range l {
		refs[i] = nameRef{Name: n}
	}
	return json.Marshal(refs)
}

type wireAddress struct {
	Name    string `json:"name"`
	Type    string `json:"type,omitempty"`
	Subnet  string `json:"subnet,omitempty"`
	FQDN    string `json:"fqdn,omitempty"`
	StartIP string `json:"start-ip,omitempty"`
	EndIP   string `json:"end-ip,omitempty"`
	Country string `json:"country,omitempty"`
	Comment string `json:"comment,omitempty"`
}

type wireAddressGroup struct {
	Name    string   `json:"name"`
	Member  nameList `json:"member"`
	Comment string   `json:"comment,omitempty"`
}

type wirePolicy struct {
	PolicyID   int      `json:"policyid,omitempty"`
	Name       string   `json:"name"`
	SrcIntf    nameList `json:"srcintf,omitempty"`
	DstIntf    nameList `json:"dstintf,omitempty"`
	SrcAddr    nameList `json:"srcaddr,omitempty"`
	DstAddr    nameList `json:"dstaddr,omitempty"`
	Action     string   `json:"action,omitempty"`
	Schedule   string   `json:"schedule,omitempty"`
	Service    nameList `json:"service,omitempty"`
	LogTraffic string   `json:"logtraffic,omitempty"`
	NAT        string   `json:"nat,omitempty"`
	Comments   string   `json:"comments,omitempty"`
	Status     string   `json:"status,omitempty"`
}

type wireService struct {
	Name         string `json:"name"`
	Protocol     string `json:"protocol,omitempty"`
	TCPPortRange string `json:"tcp-portrange,omitempty"`
	UDPPortRange string `json:"udp-portrange,omitempty"`
	Comment      string `json:"comment,omitempty"`
}

// encodeObject converts an engine object to its FortiOS request body.
func encodeObject(obj engine.Object) (interface{}, error) {
	switch o := obj.(type) {
	case *engine.Address:
		return wireAddress{
			Name:    o.Name,
			Type:    string(o.Type),
			Subnet:  o.Subnet,
			FQDN:    o.FQDN,
			StartIP: o.StartIP,
			EndIP:   o.EndIP,
			Country: o.Country,
			Comment: o.Comment,
		}, nil
	case *engine.AddressGroup:
		return wireAddressGroup{Name: o.Name, Member: nameList(o.Members), Comment: o.Comment}, nil
	case *engine.Policy:
		w := wirePolicy{
			Name:       o.Name,
			SrcIntf:    nameList(o.SrcIntf),
			DstIntf:    nameList(o.DstIntf),
			SrcAddr:    nameList(o.SrcAddr),
			DstAddr:    nameList(o.DstAddr),
			Action:     string(o.Action),
			Schedule:   o.Schedule,
			Service:    nameList(o.Service),
			LogTraffic: o.LogTraffic,
			Comments:   o.Comments,
			Status:     o.Status,
		}
		if o.NAT {
			w.NAT = "enable"
		} else {
			w.NAT = "disable"
		}
		return w, nil
	case *engine.Service:
		return wireService{
			Name:         o.Name,
			Protocol:     o.Protocol,
			TCPPortRange: o.TCPPortRange,
			UDPPortRange: o.UDPPortRange,
			Comment:      o.Comment,
		}, nil
	case nil:
		return nil, fmt.Errorf("missing payload")
	default:
		return nil, fmt.Errorf("unsupported object type %T", obj)
	}
}

// decodeObject converts the first entry of a results array to an engine object.
func decodeObject(kind engine.ResourceKind, results json.RawMessage) (engine.Object, bool, error) {
	trimmed := bytes.TrimSpace(results)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		// Some builds return a single object for keyed lookups
		entries = []json.RawMessage{trimmed}
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	first := entries[0]

	switch kind {
	case engine.ResourceAddress:
		var w wireAddress
		if err := json.Unmarshal(first, &w); err != nil {
			return nil, false, err
		}
		return &engine.Address{
			Name:    w.Name,
			Type:    engine.AddressType(w.Type),
			Subnet:  subnetToCIDR(w.Subnet),
			FQDN:    w.FQDN,
			StartIP: w.StartIP,
			EndIP:   w.EndIP,
			Country: w.Country,
			Comment: w.Comment,
		}, true, nil
	case engine.ResourceAddressGroup:
		var w wireAddressGroup
		if err := json.Unmarshal(first, &w); err != nil {
			return nil, false, err
		}
		return &engine.AddressGroup{Name: w.Name, Members: []string(w.Member), Comment: w.Comment}, true, nil
	case engine.ResourcePolicy:
		var w wirePolicy
		if err := json.Unmarshal(first, &w); err != nil {
			return nil, false, err
		}
		return &engine.Policy{
			ID:         w.PolicyID,
			Name:       w.Name,
			SrcIntf:    []string(w.SrcIntf),
			DstIntf:    []string(w.DstIntf),
			SrcAddr:    []string(w.SrcAddr),
			DstAddr:    []string(w.DstAddr),
			Action:     engine.PolicyAction(w.Action),
			Schedule:   w.Schedule,
			Service:    []string(w.Service),
			LogTraffic: w.LogTraffic,
			NAT:        w.NAT == "enable",
			Comments:   w.Comments,
			Status:     w.Status,
		}, true, nil
	case engine.ResourceService:
		var w wireService
		if err := json.Unmarshal(first, &w); err != nil {
			return nil, false, err
		}
		return &engine.Service{
			Name:         w.Name,
			Protocol:     w.Protocol,
			TCPPortRange: w.TCPPortRange,
			UDPPortRange: w.UDPPortRange,
			Comment:      w.Comment,
		}, true, nil
	default:
		return nil, false, fmt.Errorf("unsupported resource kind %s", kind)
	}
}

// subnetToCIDR converts FortiOS "ip mask" notation to CIDR. Anything else is
// returned unchanged.
func subnetToCIDR(subnet string) string {
	parts := strings.Fields(subnet)
	if len(parts) != 2 {
		return subnet
	}
	ip := net.ParseIP(parts[0]).To4()
	mask := net.ParseIP(parts[1]).To4()
	if ip == nil || mask == nil {
		return subnet
	}
	ones, bits := net.IPv4Mask(mask[0], mask[1], mask[2], mask[3]).Size()
	if bits == 0 {
		return subnet
	}
	return fmt.Sprintf("%s/%d", ip, ones)
}

// commandOutput extracts CLI output: the results string when present,
// otherwise the indented response body.
func commandOutput(body []byte) string {
	var env envelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Results) > 0 {
		var s string
		if json.Unmarshal(env.Results, &s) == nil && s != "" {
			return s
		}
	}
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body)
	}
	return string(pretty)
}
