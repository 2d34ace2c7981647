package sip

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"braces.dev/errtrace"

	"github.com/voxlane/sipcore/log"
)

// DialogKey identifies a dialog as defined in RFC 3261 section 12:
// the Call-ID plus the local and remote tags.
type DialogKey struct {
	CallID    string `json:"call_id"`
	LocalTag  string `json:"local_tag"`
	RemoteTag string `json:"remote_tag"`
}

var zeroDialogKey DialogKey

func (k DialogKey) IsValid() bool {
	return k.CallID != "" && k.LocalTag != "" && k.RemoteTag != ""
}

func (k DialogKey) IsZero() bool { return k == zeroDialogKey }

func (k DialogKey) String() string {
	return k.CallID + "|" + k.LocalTag + "|" + k.RemoteTag
}

// LogValue returns a [slog.Value] for the key.
func (k DialogKey) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("call_id", k.CallID),
		slog.String("local_tag", k.LocalTag),
		slog.String("remote_tag", k.RemoteTag),
	)
}

// DialogOptions contains options for a dialog.
type DialogOptions struct {
	// Log is the logger that will be used with the dialog.
	// If nil, the [log.Default] will be used.
	Log *slog.Logger
}

func (o *DialogOptions) log() *slog.Logger {
	if o == nil || o.Log == nil {
		return log.Default()
	}
	return o.Log
}

// Dialog holds the dialog state defined in RFC 3261 section 12: identity,
// local and remote URIs and targets, the route set and both sequence numbers.
// It builds in-dialog requests and guards inbound sequence numbers.
// Session and subscription semantics are layered on top by [SessionDialog]
// and [SubscriptionDialog].
type Dialog struct {
	mu sync.RWMutex

	callID    string
	localTag  string
	remoteTag string

	localURI     URI
	remoteURI    URI
	localTarget  URI
	remoteTarget URI
	routeSet     []URI

	localSeq  uint32
	remoteSeq uint32

	uac    bool
	early  bool
	secure bool

	log *slog.Logger
}

// NewClientDialog creates the UAC side dialog from the sent request and a
// received dialog-establishing response, following RFC 3261 section 12.1.2.
//
// Both messages must be valid dialog-establishing messages with tagged
// From/To headers; missing mandatory state is a caller bug and panics.
func NewClientDialog(req *Request, res *Response, opts *DialogOptions) *Dialog {
	localTag, ok := req.From().Tag()
	if !ok {
		panic(fmt.Errorf("client dialog on %q request: %w: From tag", req.Method, ErrInvalidMessage))
	}
	remoteTag, ok := res.To().Tag()
	if !ok {
		panic(fmt.Errorf("client dialog on %q response: %w: To tag", res.StatusCode, ErrInvalidMessage))
	}
	callID, ok := req.CallID()
	if !ok {
		panic(fmt.Errorf("client dialog on %q request: %w: Call-ID", req.Method, ErrInvalidMessage))
	}
	cseq := req.CSeq()
	if cseq == nil {
		panic(fmt.Errorf("client dialog on %q request: %w: CSeq", req.Method, ErrInvalidMessage))
	}

	d := &Dialog{
		callID:    string(callID),
		localTag:  localTag,
		remoteTag: remoteTag,
		localURI:  *req.From().Address.Clone(),
		remoteURI: *req.To().Address.Clone(),
		localSeq:  cseq.SeqNo,
		uac:       true,
		early:     res.Status().IsProvisional(),
		secure:    req.Recipient.IsSecure(),
		log:       opts.log(),
	}
	if contact := req.Contact(); contact != nil {
		d.localTarget = *contact.Address.Clone()
	}
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = *contact.Address.Clone()
	}

	// Route set is the reversed Record-Route of the response (12.1.2).
	for _, rr := range slices.Backward(res.RecordRoutes()) {
		d.routeSet = append(d.routeSet, *rr.Address.Clone())
	}

	return d
}

// NewServerDialog creates the UAS side dialog from a received
// dialog-establishing request and the local tag chosen for the response,
// following RFC 3261 section 12.1.1.
//
// The request must be a valid dialog-establishing request with a tagged
// From header; missing mandatory state is a caller bug and panics.
func NewServerDialog(req *Request, localTag string, early bool, opts *DialogOptions) *Dialog {
	if localTag == "" {
		panic(fmt.Errorf("server dialog on %q request: %w: local tag", req.Method, ErrInvalidMessage))
	}
	remoteTag, ok := req.From().Tag()
	if !ok {
		panic(fmt.Errorf("server dialog on %q request: %w: From tag", req.Method, ErrInvalidMessage))
	}
	callID, ok := req.CallID()
	if !ok {
		panic(fmt.Errorf("server dialog on %q request: %w: Call-ID", req.Method, ErrInvalidMessage))
	}
	cseq := req.CSeq()
	if cseq == nil {
		panic(fmt.Errorf("server dialog on %q request: %w: CSeq", req.Method, ErrInvalidMessage))
	}

	d := &Dialog{
		callID:    string(callID),
		localTag:  localTag,
		remoteTag: remoteTag,
		localURI:  *req.To().Address.Clone(),
		remoteURI: *req.From().Address.Clone(),
		remoteSeq: cseq.SeqNo,
		early:     early,
		secure:    req.Recipient.IsSecure(),
		log:       opts.log(),
	}
	if contact := req.Contact(); contact != nil {
		d.remoteTarget = *contact.Address.Clone()
	}

	// Route set is the Record-Route of the request in order (12.1.1).
	for _, rr := range req.RecordRoutes() {
		d.routeSet = append(d.routeSet, *rr.Address.Clone())
	}

	return d
}

// Key returns the dialog key.
func (d *Dialog) Key() DialogKey {
	if d == nil {
		return zeroDialogKey
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return DialogKey{
		CallID:    d.callID,
		LocalTag:  d.localTag,
		RemoteTag: d.remoteTag,
	}
}

// LogValue implements [slog.LogValuer].
func (d *Dialog) LogValue() slog.Value {
	if d == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Any("key", d.Key()),
		slog.Bool("early", d.IsEarly()),
	)
}

// IsEarly reports whether the dialog is still in the early state.
func (d *Dialog) IsEarly() bool {
	if d == nil {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.early
}

// IsSecure reports whether the dialog was established over a secure target.
func (d *Dialog) IsSecure() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.secure
}

// LocalSeq returns the local command sequence number,
// zero when no request was sent within the dialog yet.
func (d *Dialog) LocalSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localSeq
}

// RemoteSeq returns the remote command sequence number,
// zero when no request was received within the dialog yet.
func (d *Dialog) RemoteSeq() uint32 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteSeq
}

// RemoteTarget returns the current remote target URI.
func (d *Dialog) RemoteTarget() URI {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.remoteTarget
}

// SetLocalTarget sets the local contact URI used in requests
// built by [Dialog.NewRequest].
func (d *Dialog) SetLocalTarget(target URI) {
	d.mu.Lock()
	d.localTarget = target
	d.mu.Unlock()
}

// SetRemoteTarget updates the remote target URI from a target
// refresh request or response.
func (d *Dialog) SetRemoteTarget(target URI) {
	d.mu.Lock()
	d.remoteTarget = target
	d.mu.Unlock()
}

// RouteSet returns a copy of the dialog route set.
func (d *Dialog) RouteSet() []URI {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.routeSet)
}

// Confirm moves an early dialog to the confirmed state and refreshes the
// route set and remote target from the dialog-confirming response.
// The route set of a confirmed dialog stays frozen afterwards.
func (d *Dialog) Confirm(res *Response) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.early {
		return
	}
	d.early = false
	d.recomputeRouteSet(res)

	d.log.LogAttrs(context.Background(), slog.LevelDebug, "dialog confirmed", slog.Any("dialog", d))
}

// RecomputeRouteSet re-derives the route set and remote target from the
// Record-Route and Contact of a dialog-confirming response. Sequence
// counters stay untouched: in-dialog traffic sent during the early phase
// may already have advanced them.
func (d *Dialog) RecomputeRouteSet(res *Response) {
	d.mu.Lock()
	d.recomputeRouteSet(res)
	d.mu.Unlock()
}

func (d *Dialog) recomputeRouteSet(res *Response) {
	if contact := res.Contact(); contact != nil {
		d.remoteTarget = *contact.Address.Clone()
	}
	d.routeSet = d.routeSet[:0]
	if d.uac {
		for _, rr := range slices.Backward(res.RecordRoutes()) {
			d.routeSet = append(d.routeSet, *rr.Address.Clone())
		}
		return
	}
	for _, rr := range res.RecordRoutes() {
		d.routeSet = append(d.routeSet, *rr.Address.Clone())
	}
}

// SequenceGuard validates the CSeq of an inbound in-dialog request per
// RFC 3261 section 12.2.2. It returns true and remembers the sequence
// number when the request is in order. An out-of-order request gets a
// 500 response through the reply function and false is returned.
// ACK and CANCEL requests are exempt: they carry the sequence number of
// the request they acknowledge or cancel.
func (d *Dialog) SequenceGuard(ctx context.Context, req *Request, reply func(ctx context.Context, res *Response) error) (bool, error) {
	seq := req.CSeq().SeqNo

	exempt := req.Method.Equal(RequestMethodAck) || req.Method.Equal(RequestMethodCancel)

	d.mu.Lock()
	if !exempt && d.remoteSeq != 0 && seq <= d.remoteSeq {
		d.mu.Unlock()

		d.log.LogAttrs(ctx, slog.LevelDebug, "stale in-dialog request",
			slog.Any("dialog", d), slog.Any("request", req))

		res, err := req.NewResponse(ResponseStatusInternalServerError, &ResponseOptions{Reason: "Server Internal Error: Out of Order Request"})
		if err != nil {
			return false, errtrace.Wrap(err)
		}
		if reply != nil {
			if err := reply(ctx, res); err != nil {
				return false, errtrace.Wrap(err)
			}
		}
		return false, nil
	}
	if !exempt {
		d.remoteSeq = seq
	}
	d.mu.Unlock()
	return true, nil
}

// DialogRequestOptions alters request construction in [Dialog.NewRequest].
type DialogRequestOptions struct {
	// CSeq overrides the command sequence number. Zero means the local
	// sequence number is incremented and used.
	CSeq uint32
	// NoBump keeps the local sequence number untouched. It is implied by
	// ACK and CANCEL requests, which reuse the sequence number of the
	// request they refer to.
	NoBump bool
}

func (o *DialogRequestOptions) cseq() uint32 {
	if o == nil {
		return 0
	}
	return o.CSeq
}

func (o *DialogRequestOptions) noBump() bool {
	if o == nil {
		return false
	}
	return o.NoBump
}

// NewRequest builds an in-dialog request following RFC 3261 section 12.2.1.1:
// the Request-URI is the remote target, To/From carry the dialog identity,
// the route set becomes Route headers and the CSeq is the next local
// sequence number unless overridden through options.
func (d *Dialog) NewRequest(method RequestMethod, opts *DialogRequestOptions) *Request {
	d.mu.Lock()
	defer d.mu.Unlock()

	recipient := d.remoteTarget
	if !recipient.IsValid() {
		recipient = d.remoteURI
	}

	req := NewRequest(method, *recipient.Clone())
	req.AppendHeader(&ViaHeader{
		Transport: "UDP",
		Host:      d.localURI.Host,
		Port:      d.localURI.Port,
		Params:    NewParams().Set("branch", GenerateBranch()),
	})
	req.AppendHeader(MaxForwardsHeader(70))
	req.AppendHeader(&FromHeader{
		Address: *d.localURI.Clone(),
		Params:  NewParams().Set("tag", d.localTag),
	})
	to := &ToHeader{Address: *d.remoteURI.Clone()}
	if d.remoteTag != "" {
		to.Params = NewParams().Set("tag", d.remoteTag)
	}
	req.AppendHeader(to)
	req.AppendHeader(CallIDHeader(d.callID))

	seq := opts.cseq()
	switch {
	case seq != 0:
		if !opts.noBump() && seq > d.localSeq {
			d.localSeq = seq
		}
	case method.Equal(RequestMethodAck) || method.Equal(RequestMethodCancel):
		seq = d.localSeq
	default:
		d.localSeq++
		seq = d.localSeq
	}
	req.AppendHeader(&CSeqHeader{SeqNo: seq, MethodName: method})

	if d.localTarget.IsValid() {
		req.AppendHeader(&ContactHeader{Address: *d.localTarget.Clone()})
	}
	for _, route := range d.routeSet {
		req.AppendHeader(&RouteHeader{Address: *route.Clone()})
	}

	return req
}
