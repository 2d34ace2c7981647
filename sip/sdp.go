package sip

import (
	"braces.dev/errtrace"
	"github.com/pion/sdp/v3"
)

// ContentTypeSDP is the media type of session description bodies.
const ContentTypeSDP = "application/sdp"

// ParseSessionDescription parses a session description body.
func ParseSessionDescription(body []byte) (*sdp.SessionDescription, error) {
	sd := new(sdp.SessionDescription)
	if err := sd.Unmarshal(body); err != nil {
		return nil, errtrace.Wrap(NewInvalidArgumentError(err))
	}
	return sd, nil
}

// NewSDPBody renders the session description for use with
// [MessageData.SetBody].
func NewSDPBody(sd *sdp.SessionDescription) ([]byte, error) {
	return errtrace.Wrap2(sd.Marshal())
}

// IsSessionBody reports whether the message carries a body with the
// session content disposition.
func IsSessionBody(msg Message) bool {
	if len(msg.Body()) == 0 {
		return false
	}
	ct, ok := msg.ContentType()
	return ok && string(ct) == ContentTypeSDP
}
