package sip

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/voxlane/sipcore/internal/util"
)

// Params holds generic name=value parameters of headers and URIs.
// A key mapped to an empty string renders as a flag parameter.
type Params map[string]string

func NewParams() Params { return make(Params) }

func (p Params) Get(name string) (string, bool) {
	v, ok := p[util.LCase(name)]
	return v, ok
}

func (p Params) Has(name string) bool {
	_, ok := p[util.LCase(name)]
	return ok
}

func (p Params) Set(name, val string) Params {
	p[util.LCase(name)] = val
	return p
}

func (p Params) Del(name string) Params {
	delete(p, util.LCase(name))
	return p
}

func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// String renders parameters as ";name=value" pairs in sorted key order.
func (p Params) String() string {
	if len(p) == 0 {
		return ""
	}

	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	for _, k := range slices.Sorted(maps.Keys(p)) {
		sb.WriteByte(';')
		sb.WriteString(k)
		if v := p[k]; v != "" {
			sb.WriteByte('=')
			sb.WriteString(v)
		}
	}
	return sb.String()
}

// URI represents a SIP or SIPS URI.
type URI struct {
	// Scheme is "sip" or "sips". Empty value means "sip".
	Scheme string
	User   string
	Host   string
	Port   int
	Params Params
}

func (u URI) IsSecure() bool { return util.EqFold(u.Scheme, "sips") }

func (u URI) IsValid() bool { return u.Host != "" }

// Addr returns the host:port part of the URI, or just the host
// when no port is set.
func (u URI) Addr() string {
	if u.Port == 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

func (u URI) String() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	scheme := u.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	sb.WriteString(scheme)
	sb.WriteByte(':')
	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteByte('@')
	}
	sb.WriteString(u.Addr())
	sb.WriteString(u.Params.String())
	return sb.String()
}

func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	u2 := *u
	u2.Params = u.Params.Clone()
	return &u2
}

// Equal compares URIs by scheme, user, host and port.
// The host comparison is case-insensitive.
func (u URI) Equal(other URI) bool {
	return util.EqFold(u.Scheme, other.Scheme) &&
		u.User == other.User &&
		util.EqFold(u.Host, other.Host) &&
		u.Port == other.Port
}

// Header is a single SIP message header.
type Header interface {
	// Name returns the canonical header field name.
	Name() string
	// Value returns the rendered header field value.
	Value() string
	fmt.Stringer

	headerClone() Header
}

func renderHeader(h Header) string {
	return h.Name() + ": " + h.Value()
}

// ViaHeader is a single Via header entry.
type ViaHeader struct {
	Transport string
	Host      string
	Port      int
	Params    Params
}

func (h *ViaHeader) Name() string { return "Via" }

func (h *ViaHeader) Value() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString("SIP/2.0/")
	sb.WriteString(util.UCase(h.Transport))
	sb.WriteByte(' ')
	sb.WriteString(h.Host)
	if h.Port > 0 {
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(h.Port))
	}
	sb.WriteString(h.Params.String())
	return sb.String()
}

func (h *ViaHeader) String() string { return renderHeader(h) }

// Branch returns the branch parameter value.
func (h *ViaHeader) Branch() (string, bool) {
	if h == nil {
		return "", false
	}
	return h.Params.Get("branch")
}

// SentBy returns the sent-by production (host with optional port).
func (h *ViaHeader) SentBy() string {
	if h == nil {
		return ""
	}
	if h.Port == 0 {
		return h.Host
	}
	return h.Host + ":" + strconv.Itoa(h.Port)
}

func (h *ViaHeader) Clone() *ViaHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	h2.Params = h.Params.Clone()
	return &h2
}

func (h *ViaHeader) headerClone() Header { return h.Clone() }

type nameAddr struct {
	DisplayName string
	Address     URI
	Params      Params
}

func (a nameAddr) value() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	if a.DisplayName != "" {
		sb.WriteByte('"')
		sb.WriteString(a.DisplayName)
		sb.WriteString(`" `)
	}
	sb.WriteByte('<')
	sb.WriteString(a.Address.String())
	sb.WriteByte('>')
	sb.WriteString(a.Params.String())
	return sb.String()
}

func (a nameAddr) tag() (string, bool) { return a.Params.Get("tag") }

// FromHeader is the From header.
type FromHeader struct {
	DisplayName string
	Address     URI
	Params      Params
}

func (h *FromHeader) Name() string { return "From" }

func (h *FromHeader) Value() string {
	return nameAddr{h.DisplayName, h.Address, h.Params}.value()
}

func (h *FromHeader) String() string { return renderHeader(h) }

// Tag returns the tag parameter value.
func (h *FromHeader) Tag() (string, bool) {
	if h == nil {
		return "", false
	}
	return nameAddr{Params: h.Params}.tag()
}

func (h *FromHeader) Clone() *FromHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	h2.Address = *h.Address.Clone()
	h2.Params = h.Params.Clone()
	return &h2
}

func (h *FromHeader) headerClone() Header { return h.Clone() }

// ToHeader is the To header.
type ToHeader struct {
	DisplayName string
	Address     URI
	Params      Params
}

func (h *ToHeader) Name() string { return "To" }

func (h *ToHeader) Value() string {
	return nameAddr{h.DisplayName, h.Address, h.Params}.value()
}

func (h *ToHeader) String() string { return renderHeader(h) }

// Tag returns the tag parameter value.
func (h *ToHeader) Tag() (string, bool) {
	if h == nil {
		return "", false
	}
	return nameAddr{Params: h.Params}.tag()
}

func (h *ToHeader) Clone() *ToHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	h2.Address = *h.Address.Clone()
	h2.Params = h.Params.Clone()
	return &h2
}

func (h *ToHeader) headerClone() Header { return h.Clone() }

// ContactHeader is a single Contact header entry.
type ContactHeader struct {
	DisplayName string
	Address     URI
	Params      Params
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) Value() string {
	return nameAddr{h.DisplayName, h.Address, h.Params}.value()
}

func (h *ContactHeader) String() string { return renderHeader(h) }

func (h *ContactHeader) Clone() *ContactHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	h2.Address = *h.Address.Clone()
	h2.Params = h.Params.Clone()
	return &h2
}

func (h *ContactHeader) headerClone() Header { return h.Clone() }

// RouteHeader is a single Route header entry.
type RouteHeader struct {
	Address URI
}

func (h *RouteHeader) Name() string { return "Route" }

func (h *RouteHeader) Value() string { return "<" + h.Address.String() + ">" }

func (h *RouteHeader) String() string { return renderHeader(h) }

func (h *RouteHeader) Clone() *RouteHeader {
	if h == nil {
		return nil
	}
	return &RouteHeader{Address: *h.Address.Clone()}
}

func (h *RouteHeader) headerClone() Header { return h.Clone() }

// RecordRouteHeader is a single Record-Route header entry.
type RecordRouteHeader struct {
	Address URI
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }

func (h *RecordRouteHeader) Value() string { return "<" + h.Address.String() + ">" }

func (h *RecordRouteHeader) String() string { return renderHeader(h) }

func (h *RecordRouteHeader) Clone() *RecordRouteHeader {
	if h == nil {
		return nil
	}
	return &RecordRouteHeader{Address: *h.Address.Clone()}
}

func (h *RecordRouteHeader) headerClone() Header { return h.Clone() }

// CallIDHeader is the Call-ID header.
type CallIDHeader string

func (h CallIDHeader) Name() string { return "Call-ID" }

func (h CallIDHeader) Value() string { return string(h) }

func (h CallIDHeader) String() string { return renderHeader(h) }

func (h CallIDHeader) headerClone() Header { return h }

// CSeqHeader is the CSeq header.
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	return strconv.FormatUint(uint64(h.SeqNo), 10) + " " + string(h.MethodName)
}

func (h *CSeqHeader) String() string { return renderHeader(h) }

func (h *CSeqHeader) Clone() *CSeqHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	return &h2
}

func (h *CSeqHeader) headerClone() Header { return h.Clone() }

// MaxForwardsHeader is the Max-Forwards header.
type MaxForwardsHeader uint32

func (h MaxForwardsHeader) Name() string { return "Max-Forwards" }

func (h MaxForwardsHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }

func (h MaxForwardsHeader) String() string { return renderHeader(h) }

func (h MaxForwardsHeader) headerClone() Header { return h }

// ExpiresHeader is the Expires header (delta seconds).
type ExpiresHeader uint32

func (h ExpiresHeader) Name() string { return "Expires" }

func (h ExpiresHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }

func (h ExpiresHeader) String() string { return renderHeader(h) }

func (h ExpiresHeader) headerClone() Header { return h }

// RetryAfterHeader is the Retry-After header (delta seconds).
type RetryAfterHeader uint32

func (h RetryAfterHeader) Name() string { return "Retry-After" }

func (h RetryAfterHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }

func (h RetryAfterHeader) String() string { return renderHeader(h) }

func (h RetryAfterHeader) headerClone() Header { return h }

// ContentTypeHeader is the Content-Type header.
type ContentTypeHeader string

func (h ContentTypeHeader) Name() string { return "Content-Type" }

func (h ContentTypeHeader) Value() string { return string(h) }

func (h ContentTypeHeader) String() string { return renderHeader(h) }

func (h ContentTypeHeader) headerClone() Header { return h }

// ContentDispositionHeader is the Content-Disposition header.
type ContentDispositionHeader string

func (h ContentDispositionHeader) Name() string { return "Content-Disposition" }

func (h ContentDispositionHeader) Value() string { return string(h) }

func (h ContentDispositionHeader) String() string { return renderHeader(h) }

func (h ContentDispositionHeader) headerClone() Header { return h }

// EventHeader is the Event header defined in RFC 6665.
type EventHeader struct {
	// EventType is the event package name, e.g. "presence", "refer".
	EventType string
	// ID is the optional id parameter.
	ID string
}

func (h *EventHeader) Name() string { return "Event" }

func (h *EventHeader) Value() string {
	if h.ID == "" {
		return h.EventType
	}
	return h.EventType + ";id=" + h.ID
}

func (h *EventHeader) String() string { return renderHeader(h) }

// Equal compares the event type case-insensitively and the id case-sensitively
// per RFC 6665 section 8.2.1.
func (h *EventHeader) Equal(other *EventHeader) bool {
	if h == nil || other == nil {
		return h == other
	}
	return util.EqFold(h.EventType, other.EventType) && h.ID == other.ID
}

func (h *EventHeader) Clone() *EventHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	return &h2
}

func (h *EventHeader) headerClone() Header { return h.Clone() }

// Subscription states carried in the Subscription-State header.
const (
	SubscriptionStateValueActive     = "active"
	SubscriptionStateValuePending    = "pending"
	SubscriptionStateValueTerminated = "terminated"
)

// Termination reasons of the Subscription-State header defined in RFC 6665.
const (
	SubscriptionReasonDeactivated = "deactivated"
	SubscriptionReasonProbation   = "probation"
	SubscriptionReasonRejected    = "rejected"
	SubscriptionReasonTimeout     = "timeout"
	SubscriptionReasonGiveup      = "giveup"
	SubscriptionReasonNoResource  = "noresource"
)

// SubscriptionStateHeader is the Subscription-State header defined in RFC 6665.
type SubscriptionStateHeader struct {
	// State is one of "active", "pending", "terminated".
	State string
	// Expires is the remaining subscription duration in seconds.
	// Negative value means the parameter is absent.
	Expires int
	// Reason is the optional termination reason.
	Reason string
	// RetryAfter is the optional retry-after parameter in seconds.
	// Negative value means the parameter is absent.
	RetryAfter int
}

func (h *SubscriptionStateHeader) Name() string { return "Subscription-State" }

func (h *SubscriptionStateHeader) Value() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(h.State)
	if h.Expires >= 0 {
		sb.WriteString(";expires=")
		sb.WriteString(strconv.Itoa(h.Expires))
	}
	if h.Reason != "" {
		sb.WriteString(";reason=")
		sb.WriteString(h.Reason)
	}
	if h.RetryAfter >= 0 {
		sb.WriteString(";retry-after=")
		sb.WriteString(strconv.Itoa(h.RetryAfter))
	}
	return sb.String()
}

func (h *SubscriptionStateHeader) String() string { return renderHeader(h) }

func (h *SubscriptionStateHeader) Clone() *SubscriptionStateHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	return &h2
}

func (h *SubscriptionStateHeader) headerClone() Header { return h.Clone() }

// RSeqHeader is the RSeq header defined in RFC 3262.
type RSeqHeader uint32

func (h RSeqHeader) Name() string { return "RSeq" }

func (h RSeqHeader) Value() string { return strconv.FormatUint(uint64(h), 10) }

func (h RSeqHeader) String() string { return renderHeader(h) }

func (h RSeqHeader) headerClone() Header { return h }

// RAckHeader is the RAck header defined in RFC 3262.
type RAckHeader struct {
	RSeq       uint32
	CSeq       uint32
	MethodName RequestMethod
}

func (h *RAckHeader) Name() string { return "RAck" }

func (h *RAckHeader) Value() string {
	return strconv.FormatUint(uint64(h.RSeq), 10) + " " +
		strconv.FormatUint(uint64(h.CSeq), 10) + " " +
		string(h.MethodName)
}

func (h *RAckHeader) String() string { return renderHeader(h) }

func (h *RAckHeader) Clone() *RAckHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	return &h2
}

func (h *RAckHeader) headerClone() Header { return h.Clone() }

// GenericHeader is a catch-all header with a raw value.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) Name() string { return h.HeaderName }

func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) String() string { return renderHeader(h) }

func (h *GenericHeader) Clone() *GenericHeader {
	if h == nil {
		return nil
	}
	h2 := *h
	return &h2
}

func (h *GenericHeader) headerClone() Header { return h.Clone() }

// headers is an ordered multi-valued header collection embedded into messages.
type headers struct {
	hdrs []Header
}

// AppendHeader adds the header to the end of the collection.
func (hs *headers) AppendHeader(h Header) {
	hs.hdrs = append(hs.hdrs, h)
}

// PrependHeader adds the header to the front of the collection.
func (hs *headers) PrependHeader(h Header) {
	hs.hdrs = append([]Header{h}, hs.hdrs...)
}

// GetHeader returns the first header with the given name, nil if absent.
// The name comparison is case-insensitive.
func (hs *headers) GetHeader(name string) Header {
	for _, h := range hs.hdrs {
		if util.EqFold(h.Name(), name) {
			return h
		}
	}
	return nil
}

// GetHeaders returns all headers with the given name in order.
func (hs *headers) GetHeaders(name string) []Header {
	var out []Header
	for _, h := range hs.hdrs {
		if util.EqFold(h.Name(), name) {
			out = append(out, h)
		}
	}
	return out
}

// RemoveHeader removes all headers with the given name.
func (hs *headers) RemoveHeader(name string) {
	hs.hdrs = slices.DeleteFunc(hs.hdrs, func(h Header) bool {
		return util.EqFold(h.Name(), name)
	})
}

// ReplaceHeader replaces the first header with the same name,
// or appends when no such header exists. Extra same-named headers
// are removed.
func (hs *headers) ReplaceHeader(h Header) {
	replaced := false
	out := hs.hdrs[:0]
	for _, old := range hs.hdrs {
		if util.EqFold(old.Name(), h.Name()) {
			if !replaced {
				out = append(out, h)
				replaced = true
			}
			continue
		}
		out = append(out, old)
	}
	if !replaced {
		out = append(out, h)
	}
	hs.hdrs = out
}

// Headers returns all headers in order.
func (hs *headers) Headers() []Header { return hs.hdrs }

func (hs *headers) cloneHeaders() headers {
	out := headers{hdrs: make([]Header, len(hs.hdrs))}
	for i, h := range hs.hdrs {
		out.hdrs[i] = h.headerClone()
	}
	return out
}

// Via returns the topmost Via header, nil if absent.
func (hs *headers) Via() *ViaHeader {
	if h, ok := hs.GetHeader("Via").(*ViaHeader); ok {
		return h
	}
	return nil
}

// From returns the From header, nil if absent.
func (hs *headers) From() *FromHeader {
	if h, ok := hs.GetHeader("From").(*FromHeader); ok {
		return h
	}
	return nil
}

// To returns the To header, nil if absent.
func (hs *headers) To() *ToHeader {
	if h, ok := hs.GetHeader("To").(*ToHeader); ok {
		return h
	}
	return nil
}

// CallID returns the Call-ID value and true when the header is present.
func (hs *headers) CallID() (CallIDHeader, bool) {
	if h, ok := hs.GetHeader("Call-ID").(CallIDHeader); ok {
		return h, true
	}
	return "", false
}

// CSeq returns the CSeq header, nil if absent.
func (hs *headers) CSeq() *CSeqHeader {
	if h, ok := hs.GetHeader("CSeq").(*CSeqHeader); ok {
		return h
	}
	return nil
}

// Contact returns the first Contact header, nil if absent.
func (hs *headers) Contact() *ContactHeader {
	if h, ok := hs.GetHeader("Contact").(*ContactHeader); ok {
		return h
	}
	return nil
}

// Event returns the Event header, nil if absent.
func (hs *headers) Event() *EventHeader {
	if h, ok := hs.GetHeader("Event").(*EventHeader); ok {
		return h
	}
	return nil
}

// SubscriptionState returns the Subscription-State header, nil if absent.
func (hs *headers) SubscriptionState() *SubscriptionStateHeader {
	if h, ok := hs.GetHeader("Subscription-State").(*SubscriptionStateHeader); ok {
		return h
	}
	return nil
}

// RSeq returns the RSeq value and true when the header is present.
func (hs *headers) RSeq() (RSeqHeader, bool) {
	if h, ok := hs.GetHeader("RSeq").(RSeqHeader); ok {
		return h, true
	}
	return 0, false
}

// RAck returns the RAck header, nil if absent.
func (hs *headers) RAck() *RAckHeader {
	if h, ok := hs.GetHeader("RAck").(*RAckHeader); ok {
		return h
	}
	return nil
}

// Expires returns the Expires value and true when the header is present.
func (hs *headers) Expires() (ExpiresHeader, bool) {
	if h, ok := hs.GetHeader("Expires").(ExpiresHeader); ok {
		return h, true
	}
	return 0, false
}

// RetryAfter returns the Retry-After value and true when the header is present.
func (hs *headers) RetryAfter() (RetryAfterHeader, bool) {
	if h, ok := hs.GetHeader("Retry-After").(RetryAfterHeader); ok {
		return h, true
	}
	return 0, false
}

// ContentType returns the Content-Type value and true when the header is present.
func (hs *headers) ContentType() (ContentTypeHeader, bool) {
	if h, ok := hs.GetHeader("Content-Type").(ContentTypeHeader); ok {
		return h, true
	}
	return "", false
}

// Routes returns all Route headers in order.
func (hs *headers) Routes() []*RouteHeader {
	var out []*RouteHeader
	for _, h := range hs.GetHeaders("Route") {
		if rh, ok := h.(*RouteHeader); ok {
			out = append(out, rh)
		}
	}
	return out
}

// RecordRoutes returns all Record-Route headers in order.
func (hs *headers) RecordRoutes() []*RecordRouteHeader {
	var out []*RecordRouteHeader
	for _, h := range hs.GetHeaders("Record-Route") {
		if rh, ok := h.(*RecordRouteHeader); ok {
			out = append(out, rh)
		}
	}
	return out
}

// Supported reports whether the given option tag is present
// in a Supported or Require header.
func (hs *headers) Supported(tag string) bool {
	for _, name := range []string{"Supported", "Require"} {
		for _, h := range hs.GetHeaders(name) {
			for v := range strings.SplitSeq(h.Value(), ",") {
				if util.EqFold(util.TrimSP(v), tag) {
					return true
				}
			}
		}
	}
	return false
}
