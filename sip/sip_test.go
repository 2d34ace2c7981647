package sip_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxlane/sipcore/sip"
)

const waitTimeout = 3 * time.Second

// shortTimings shrinks the RFC 3261 timer defaults so retransmission and
// timeout paths finish within a test run.
func shortTimings() sip.TimingConfig {
	return sip.NewTimings(
		10*time.Millisecond,  // T1
		40*time.Millisecond,  // T2
		20*time.Millisecond,  // T4
		60*time.Millisecond,  // timer D
		5*time.Millisecond,   // 100 Trying timeout
	)
}

// stubTransport records everything sent through it and republishes the
// messages on a channel for synchronization.
type stubTransport struct {
	network  string
	reliable bool

	mu      sync.Mutex
	sendErr error
	sent    []sip.Message

	ch chan sip.Message
}

func newStubTransport() *stubTransport {
	return &stubTransport{network: "udp", ch: make(chan sip.Message, 64)}
}

func newReliableStubTransport() *stubTransport {
	return &stubTransport{network: "tcp", reliable: true, ch: make(chan sip.Message, 64)}
}

func (tp *stubTransport) Network() string { return tp.network }

func (tp *stubTransport) Reliable() bool { return tp.reliable }

func (tp *stubTransport) Send(_ context.Context, msg sip.Message) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if tp.sendErr != nil {
		return tp.sendErr
	}
	tp.sent = append(tp.sent, msg)
	select {
	case tp.ch <- msg:
	default:
	}
	return nil
}

func (tp *stubTransport) failWith(err error) {
	tp.mu.Lock()
	tp.sendErr = err
	tp.mu.Unlock()
}

func (tp *stubTransport) sentCount() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sent)
}

func (tp *stubTransport) sentMessages() []sip.Message {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	out := make([]sip.Message, len(tp.sent))
	copy(out, tp.sent)
	return out
}

func (tp *stubTransport) awaitMessage(t *testing.T) sip.Message {
	t.Helper()
	select {
	case msg := <-tp.ch:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("no message sent through the transport")
		return nil
	}
}

// awaitRequest waits until a request with the method is sent, discarding
// everything else.
func (tp *stubTransport) awaitRequest(t *testing.T, method sip.RequestMethod) *sip.Request {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-tp.ch:
			if req, ok := msg.(*sip.Request); ok && req.Method.Equal(method) {
				return req
			}
		case <-deadline:
			t.Fatalf("no %q request sent through the transport", method)
			return nil
		}
	}
}

// awaitResponse waits until a response with the status is sent, discarding
// everything else.
func (tp *stubTransport) awaitResponse(t *testing.T, status sip.ResponseStatus) *sip.Response {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case msg := <-tp.ch:
			if res, ok := msg.(*sip.Response); ok && res.StatusCode == status {
				return res
			}
		case <-deadline:
			t.Fatalf("no %d response sent through the transport", status)
			return nil
		}
	}
}

// awaitState blocks until the transaction reaches the state.
func awaitState(t *testing.T, tx sip.Transaction, want sip.TransactionState) {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	cancel := tx.OnStateChange(func(_ context.Context, _ sip.Transaction, state sip.TransactionState) {
		if state == want {
			once.Do(func() { close(done) })
		}
	})
	defer cancel()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatalf("transaction never reached %q, currently %q", want, tx.State())
	}
}

// awaitSignal blocks until the channel is closed or receives.
func awaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

const (
	sdpOffer = "v=0\r\n" +
		"o=alice 2890844526 2890844526 IN IP4 a.example.com\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.1.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 49170 RTP/AVP 0\r\n"

	sdpAnswer = "v=0\r\n" +
		"o=bob 2890844527 2890844527 IN IP4 b.example.com\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.2.2\r\n" +
		"t=0 0\r\n" +
		"m=audio 3456 RTP/AVP 0\r\n"

	sdpReOffer = "v=0\r\n" +
		"o=alice 2890844526 2890844528 IN IP4 a.example.com\r\n" +
		"s=-\r\n" +
		"c=IN IP4 10.0.1.1\r\n" +
		"t=0 0\r\n" +
		"m=audio 49172 RTP/AVP 0\r\n"
)

var (
	aliceURI     = sip.URI{User: "alice", Host: "a.example.com"}
	aliceContact = sip.URI{User: "alice", Host: "a.example.com", Port: 5060}
	bobURI       = sip.URI{User: "bob", Host: "b.example.com"}
	bobContact   = sip.URI{User: "bob", Host: "b.example.com", Port: 5060}
)

// newRequest builds a valid out-of-dialog request from alice to bob with a
// fresh branch, From tag and Call-ID.
func newRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, *bobURI.Clone())
	req.AppendHeader(&sip.ViaHeader{
		Transport: "UDP",
		Host:      "a.example.com",
		Port:      5060,
		Params:    sip.NewParams().Set("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(sip.MaxForwardsHeader(70))
	req.AppendHeader(&sip.FromHeader{
		Address: *aliceURI.Clone(),
		Params:  sip.NewParams().Set("tag", sip.GenerateTag()),
	})
	req.AppendHeader(&sip.ToHeader{Address: *bobURI.Clone()})
	req.AppendHeader(sip.CallIDHeader(sip.GenerateCallID()))
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.AppendHeader(&sip.ContactHeader{Address: *aliceContact.Clone()})
	return req
}

func newInvite() *sip.Request {
	return newRequest(sip.RequestMethodInvite)
}

func withSDP(req *sip.Request, body string) *sip.Request {
	req.SetBody(sip.ContentTypeSDP, []byte(body))
	return req
}

// respondTo builds a response on the request, tagging the To header.
func respondTo(t *testing.T, req *sip.Request, status sip.ResponseStatus, opts *sip.ResponseOptions) *sip.Response {
	t.Helper()
	if opts == nil {
		opts = &sip.ResponseOptions{}
	}
	if opts.ToTag == "" && status != sip.ResponseStatusTrying {
		opts.ToTag = sip.GenerateTag()
	}
	res, err := req.NewResponse(status, opts)
	if err != nil {
		t.Fatalf("build %d response: %v", status, err)
	}
	return res
}

// ackFor builds the separate ACK a UAS receives for a non-2xx final
// response: same branch and CSeq number as the INVITE, To copied from the
// response.
func ackFor(invite *sip.Request, res *sip.Response) *sip.Request {
	ack := sip.NewRequest(sip.RequestMethodAck, *invite.Recipient.Clone())
	ack.AppendHeader(invite.Via().Clone())
	ack.AppendHeader(sip.MaxForwardsHeader(70))
	ack.AppendHeader(invite.From().Clone())
	ack.AppendHeader(res.To().Clone())
	callID, _ := invite.CallID()
	ack.AppendHeader(callID)
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.RequestMethodAck})
	return ack
}
