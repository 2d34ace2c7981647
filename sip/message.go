package sip

import (
	"log/slog"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/internal/errorutil"
	"github.com/voxlane/sipcore/internal/util"
)

// Message is a SIP request or response.
type Message interface {
	// StartLine returns the message start line without the trailing CRLF.
	StartLine() string
	// Validate checks that the message carries all mandatory headers.
	Validate() error

	GetHeader(name string) Header
	GetHeaders(name string) []Header
	AppendHeader(h Header)
	PrependHeader(h Header)
	ReplaceHeader(h Header)
	RemoveHeader(name string)
	Headers() []Header

	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	CallID() (CallIDHeader, bool)
	ContentType() (ContentTypeHeader, bool)

	Body() []byte
}

// MessageData is the shared part of [Request] and [Response].
type MessageData struct {
	headers
	body []byte
}

func (m *MessageData) Body() []byte { return m.body }

// SetBody sets the message body together with Content-Type and
// Content-Disposition headers. SDP bodies default to the "session"
// disposition, any other content to "render". A nil body clears
// the payload and its headers.
func (m *MessageData) SetBody(contentType ContentTypeHeader, body []byte) {
	if len(body) == 0 {
		m.body = nil
		m.RemoveHeader("Content-Type")
		m.RemoveHeader("Content-Disposition")
		return
	}

	m.body = body
	m.ReplaceHeader(contentType)
	if m.GetHeader("Content-Disposition") == nil {
		disp := ContentDispositionHeader("render")
		if util.EqFold(string(contentType), "application/sdp") {
			disp = "session"
		}
		m.AppendHeader(disp)
	}
}

func (m *MessageData) validateHeaders() error {
	var missing []error
	if m.Via() == nil {
		missing = append(missing, errorutil.Errorf("Via"))
	}
	if m.From() == nil {
		missing = append(missing, errorutil.Errorf("From"))
	}
	if m.To() == nil {
		missing = append(missing, errorutil.Errorf("To"))
	}
	if m.CSeq() == nil {
		missing = append(missing, errorutil.Errorf("CSeq"))
	}
	if _, ok := m.CallID(); !ok {
		missing = append(missing, errorutil.Errorf("Call-ID"))
	}
	if len(missing) > 0 {
		return errtrace.Wrap(errorutil.JoinPrefix(string(errMissHdrs), missing...))
	}
	return nil
}

func renderMessage(startLine string, hdrs []Header, body []byte) string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(startLine)
	sb.WriteString("\r\n")
	for _, h := range hdrs {
		sb.WriteString(h.String())
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")
	sb.Write(body)
	return sb.String()
}

// Request is a SIP request.
type Request struct {
	MessageData

	Method    RequestMethod
	Recipient URI
}

// NewRequest creates a new request with the given method and Request-URI.
// Mandatory headers must be appended by the caller or through higher level
// builders like [Dialog.NewRequest].
func NewRequest(method RequestMethod, recipient URI) *Request {
	return &Request{
		Method:    method,
		Recipient: recipient,
	}
}

func (req *Request) StartLine() string {
	return string(req.Method) + " " + req.Recipient.String() + " SIP/2.0"
}

func (req *Request) String() string {
	return renderMessage(req.StartLine(), req.hdrs, req.body)
}

// Validate checks that the request is well formed: a known method,
// a valid Request-URI, all mandatory headers and a CSeq method that
// matches the request method.
func (req *Request) Validate() error {
	if req == nil {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if !req.Method.IsValid() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "invalid method"))
	}
	if !req.Recipient.IsValid() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "invalid request URI"))
	}
	if err := req.validateHeaders(); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	if cseq := req.CSeq(); !cseq.MethodName.Equal(req.Method) {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "CSeq method mismatch"))
	}
	return nil
}

func (req *Request) IsValid() bool { return req.Validate() == nil }

func (req *Request) Clone() *Request {
	if req == nil {
		return nil
	}
	req2 := &Request{
		Method:    req.Method,
		Recipient: *req.Recipient.Clone(),
	}
	req2.headers = req.cloneHeaders()
	req2.body = append([]byte(nil), req.body...)
	return req2
}

// LogValue implements [slog.LogValuer].
func (req *Request) LogValue() slog.Value {
	if req == nil {
		return slog.Value{}
	}
	callID, _ := req.CallID()
	attrs := []slog.Attr{
		slog.String("method", string(req.Method)),
		slog.String("uri", req.Recipient.String()),
		slog.String("call_id", string(callID)),
	}
	if cseq := req.CSeq(); cseq != nil {
		attrs = append(attrs, slog.String("cseq", cseq.Value()))
	}
	return slog.GroupValue(attrs...)
}

// ResponseOptions alters response construction in [Request.NewResponse].
type ResponseOptions struct {
	// Reason overrides the default reason phrase of the status code.
	Reason string
	// ToTag is appended to the copied To header when it has no tag yet.
	ToTag string
	// ContentType and Body fill the response payload via
	// [MessageData.SetBody] when Body is not empty.
	ContentType ContentTypeHeader
	Body        []byte
}

func (o *ResponseOptions) reason(status ResponseStatus) string {
	if o == nil || o.Reason == "" {
		return status.ReasonPhrase()
	}
	return o.Reason
}

func (o *ResponseOptions) toTag() string {
	if o == nil {
		return ""
	}
	return o.ToTag
}

// NewResponse creates a response on the request following RFC 3261
// section 8.2.6.2: Via, From, Call-ID and CSeq are copied as is,
// the To header is copied and optionally gets a tag.
func (req *Request) NewResponse(status ResponseStatus, opts *ResponseOptions) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	if !status.IsValid() {
		return nil, errtrace.Wrap(NewInvalidArgumentError("invalid status code"))
	}

	res := &Response{
		StatusCode: status,
		Reason:     opts.reason(status),
	}
	for _, h := range req.GetHeaders("Via") {
		res.AppendHeader(h.headerClone())
	}
	res.AppendHeader(req.From().Clone())

	to := req.To().Clone()
	if _, ok := to.Tag(); !ok {
		if tag := opts.toTag(); tag != "" {
			if to.Params == nil {
				to.Params = NewParams()
			}
			to.Params.Set("tag", tag)
		}
	}
	res.AppendHeader(to)

	callID, _ := req.CallID()
	res.AppendHeader(callID)
	res.AppendHeader(req.CSeq().Clone())

	if opts != nil && len(opts.Body) > 0 {
		res.SetBody(opts.ContentType, opts.Body)
	}

	return res, nil
}

// Response is a SIP response.
type Response struct {
	MessageData

	StatusCode ResponseStatus
	Reason     string
}

func (res *Response) StartLine() string {
	return "SIP/2.0 " + res.StatusCode.String() + " " + res.Reason
}

func (res *Response) String() string {
	return renderMessage(res.StartLine(), res.hdrs, res.body)
}

// Status returns the response status code.
func (res *Response) Status() ResponseStatus {
	if res == nil {
		return 0
	}
	return res.StatusCode
}

// Validate checks that the response is well formed.
func (res *Response) Validate() error {
	if res == nil {
		return errtrace.Wrap(ErrInvalidMessage)
	}
	if !res.StatusCode.IsValid() {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, "invalid status code"))
	}
	if err := res.validateHeaders(); err != nil {
		return errtrace.Wrap(errorutil.NewWrapperError(ErrInvalidMessage, err))
	}
	return nil
}

func (res *Response) IsValid() bool { return res.Validate() == nil }

func (res *Response) Clone() *Response {
	if res == nil {
		return nil
	}
	res2 := &Response{
		StatusCode: res.StatusCode,
		Reason:     res.Reason,
	}
	res2.headers = res.cloneHeaders()
	res2.body = append([]byte(nil), res.body...)
	return res2
}

// LogValue implements [slog.LogValuer].
func (res *Response) LogValue() slog.Value {
	if res == nil {
		return slog.Value{}
	}
	callID, _ := res.CallID()
	attrs := []slog.Attr{
		slog.Int("status", int(res.StatusCode)),
		slog.String("reason", res.Reason),
		slog.String("call_id", string(callID)),
	}
	if cseq := res.CSeq(); cseq != nil {
		attrs = append(attrs, slog.String("cseq", cseq.Value()))
	}
	return slog.GroupValue(attrs...)
}
